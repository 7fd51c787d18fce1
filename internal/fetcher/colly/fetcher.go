// Package collyfetcher implements crawler.Fetcher using gocolly. Robots rules
// are enforced upstream by the orchestrator, so the collector ignores them.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxBodySize = 5 << 20
)

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
	// MaxAttempts bounds tries per URL; transient failures are retried.
	MaxAttempts int
	Headers     http.Header
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
	retry         *RetryPolicy
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.AllowURLRevisit = true
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
		retry:         NewRetryPolicy(cfg.MaxAttempts),
		logger:        logger.Named("fetcher"),
	}
}

// Fetch GETs rawURL, retrying transient failures, and extracts page text and
// outbound links from HTML responses. Non-2xx responses are returned with a
// *crawler.FetchError alongside whatever response was received.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (crawler.FetchResponse, error) {
	var (
		resp crawler.FetchResponse
		err  error
	)
	for attempt := 0; ; attempt++ {
		resp, err = f.fetchOnce(ctx, rawURL)
		if !f.retry.ShouldRetry(err, attempt+1) {
			return resp, err
		}
		wait := f.retry.Backoff(attempt)
		f.logger.Debug("retrying fetch",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return resp, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	collector := f.buildCollector(time.Now(), &result, &fetchErr)
	if err := f.runCollector(ctx, collector, rawURL, &fetchErr); err != nil {
		var fe *crawler.FetchError
		if errors.As(err, &fe) {
			return result, err
		}
		return result, &crawler.FetchError{URL: rawURL, StatusCode: result.StatusCode, Err: err}
	}
	result.BytesLen = int64(len(result.Body))
	if isHTML(result.Headers) {
		page, err := Extract(result.URL, result.Body)
		if err != nil {
			f.logger.Debug("html extraction failed", zap.String("url", rawURL), zap.Error(err))
		} else {
			result.Text = page.Text
			result.Links = page.Links
		}
	}
	return result, nil
}

func (f *Fetcher) buildCollector(start time.Time, result *crawler.FetchResponse, fetchErr *error) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	collector.AllowURLRevisit = true
	collector.MaxBodySize = f.cfg.MaxBodySize
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(f.transport)

	f.configureCollectorHooks(collector, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(r)
	})

	record := func(r *colly.Response) {
		*result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
		if r.Headers != nil {
			result.Headers = r.Headers.Clone()
		}
	}
	hooks.OnResponse(record)

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 && r.Request != nil {
			record(r)
			*fetchErr = &crawler.FetchError{URL: result.URL, StatusCode: r.StatusCode, Err: err}
			return
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return *fetchErr
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(r *colly.Request) {
	for key, values := range f.cfg.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func isHTML(h http.Header) bool {
	ct := strings.ToLower(h.Get("Content-Type"))
	return ct == "" || strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}
