// Package ratelimit implements per-host token buckets that answer with a wait
// hint instead of blocking the caller.
package ratelimit

import (
	"context"
	"crypto/rand"
	"math/big"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
)

const (
	defaultRPS            = 2.0
	defaultBurst          = 1
	defaultIdleTTL        = time.Hour
	defaultJitterFraction = 0.2
	defaultSweepInterval  = time.Minute
)

// Clock is the time source for token accounting.
type Clock interface {
	Now() time.Time
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS     float64
	DefaultBurst   int
	IdleTTL        time.Duration
	JitterFraction float64
	SweepInterval  time.Duration
}

// Decision is the outcome of Acquire. A zero Wait means the token was taken.
type Decision struct {
	Wait time.Duration
}

// Allowed reports whether the request may proceed now.
func (d Decision) Allowed() bool {
	return d.Wait <= 0
}

type bucket struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Limiter manages per-host rate limits.
type Limiter struct {
	cfg    Config
	clock  Clock
	logger *zap.Logger

	mu      sync.RWMutex
	buckets map[string]*bucket
}

// New creates a new Limiter.
func New(cfg Config, clock Clock, logger *zap.Logger) *Limiter {
	if cfg.DefaultRPS <= 0 {
		cfg.DefaultRPS = defaultRPS
	}
	if cfg.DefaultBurst <= 0 {
		cfg.DefaultBurst = defaultBurst
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	if cfg.JitterFraction < 0 || cfg.JitterFraction >= 1 {
		cfg.JitterFraction = defaultJitterFraction
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		buckets: make(map[string]*bucket),
	}
}

// Acquire takes a token for host if one is available. Otherwise it returns the
// jittered time until the next token without consuming anything, so the caller
// can park the request and retry later.
func (l *Limiter) Acquire(host string) Decision {
	host = strings.ToLower(host)
	now := l.clock.Now()
	b := l.bucketFor(host, now)

	b.mu.Lock()
	b.lastUsed = now
	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		b.mu.Unlock()
		return Decision{Wait: l.cfg.IdleTTL}
	}
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now)
	}
	b.mu.Unlock()

	if delay <= 0 {
		return Decision{}
	}
	wait := l.jitter(delay)
	metrics.ObserveRateLimitDelay(host, wait)
	return Decision{Wait: wait}
}

// SetRate overrides the request rate for host. Non-positive values restore the
// default rate.
func (l *Limiter) SetRate(host string, rps float64) {
	host = strings.ToLower(host)
	if rps <= 0 {
		rps = l.cfg.DefaultRPS
	}
	now := l.clock.Now()
	b := l.bucketFor(host, now)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limiter.Limit() == rate.Limit(rps) {
		return
	}
	b.limiter.SetLimitAt(now, rate.Limit(rps))
	l.logger.Debug("host rate updated", zap.String("host", host), zap.Float64("rps", rps))
}

// Rate returns the current rate for host, or the default for unknown hosts.
func (l *Limiter) Rate(host string) float64 {
	l.mu.RLock()
	b, ok := l.buckets[strings.ToLower(host)]
	l.mu.RUnlock()
	if !ok {
		return l.cfg.DefaultRPS
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(b.limiter.Limit())
}

// Len returns the number of tracked hosts.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// Sweep evicts buckets idle since before now-IdleTTL and returns how many went.
func (l *Limiter) Sweep(now time.Time) int {
	cutoff := now.Add(-l.cfg.IdleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for host, b := range l.buckets {
		b.mu.Lock()
		idle := b.lastUsed.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(l.buckets, host)
			removed++
		}
	}
	return removed
}

// Run sweeps idle buckets until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(l.clock.Now()); n > 0 {
				l.logger.Debug("evicted idle host buckets", zap.Int("count", n))
			}
		}
	}
}

func (l *Limiter) bucketFor(host string, now time.Time) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[host]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[host]; ok {
		return b
	}
	lim := rate.NewLimiter(rate.Limit(l.cfg.DefaultRPS), l.cfg.DefaultBurst)
	// Start full so the first request to a host goes out immediately.
	lim.SetBurstAt(now, l.cfg.DefaultBurst)
	b = &bucket{limiter: lim, lastUsed: now}
	l.buckets[host] = b
	return b
}

// jitter spreads d uniformly over [d(1-f), d(1+f)].
func (l *Limiter) jitter(d time.Duration) time.Duration {
	f := l.cfg.JitterFraction
	if f <= 0 {
		return d
	}
	span := int64(float64(d) * 2 * f)
	if span <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(span+1))
	if err != nil {
		return d
	}
	return time.Duration(float64(d)*(1-f)) + time.Duration(n.Int64())
}
