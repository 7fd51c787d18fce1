package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const maxRobotsBytes = 1 << 20

// Source retrieves a raw robots.txt. It performs a single attempt; the Cache
// owns retries.
type Source interface {
	FetchRobots(ctx context.Context, robotsURL string) (status int, body []byte, err error)
}

// HTTPSource fetches robots.txt over HTTP.
type HTTPSource struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger
}

// NewHTTPSource builds an HTTPSource with its own client.
func NewHTTPSource(userAgent string, timeout time.Duration, logger *zap.Logger) *HTTPSource {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPSource{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		logger:    logger,
	}
}

// FetchRobots implements Source.
func (s *HTTPSource) FetchRobots(ctx context.Context, robotsURL string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("new robots request: %w", err)
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			s.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read robots body: %w", err)
	}
	return resp.StatusCode, body, nil
}
