package robots

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"
)

// backoff spaces out robots.txt retries with jittered exponential delays.
type backoff struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

// delay returns the wait before retry number attempt (0-based).
func (b backoff) delay(attempt int) time.Duration {
	d := float64(b.baseDelay) * math.Pow(2, float64(attempt))
	if d > float64(b.maxDelay) {
		d = float64(b.maxDelay)
	}
	jitter := randomJitter(time.Duration(d) / 2)
	return time.Duration(d/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("robots backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
