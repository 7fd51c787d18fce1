// Package robots caches robots exclusion policies per host. Lookups never
// block on the network: a miss starts a background fetch and answers with the
// permissive default until the policy arrives.
package robots

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
)

// State is the lifecycle of a host's policy entry.
type State int

// Policy entry states.
const (
	StateUnfetched State = iota
	StateFetching
	StateCached
	StateFailedOpen
)

func (s State) String() string {
	switch s {
	case StateFetching:
		return "fetching"
	case StateCached:
		return "cached"
	case StateFailedOpen:
		return "failed_open"
	default:
		return "unfetched"
	}
}

const (
	defaultTTL               = time.Hour
	defaultMaxRetries        = 3
	defaultFetchTimeout      = 10 * time.Second
	defaultCrawlDelay        = time.Second
	defaultMaxCrawlDelay     = 10 * time.Second
	defaultMaxConcurrent     = 16
	defaultRetryBaseDelay    = 250 * time.Millisecond
	defaultRetryMaxDelay     = 5 * time.Second
	minCrawlDelay            = 100 * time.Millisecond
	defaultUserAgentFallback = "*"
)

// Config controls policy fetching and caching.
type Config struct {
	Respect              bool
	UserAgent            string
	TTL                  time.Duration
	MaxRetries           int
	FetchTimeout         time.Duration
	DefaultCrawlDelay    time.Duration
	MaxCrawlDelay        time.Duration
	MaxConcurrentFetches int64
	RetryBaseDelay       time.Duration
	RetryMaxDelay        time.Duration
}

// Clock is the time source used for TTL bookkeeping.
type Clock interface {
	Now() time.Time
}

type entry struct {
	state     State
	policy    *Policy
	robotsURL string
	expires   time.Time
}

// Cache is the per-host policy cache. Entries are replaced, never mutated, so
// readers can use an entry after releasing the lock.
type Cache struct {
	cfg     Config
	source  Source
	clock   Clock
	logger  *zap.Logger
	backoff backoff

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool

	flights singleflight.Group
	slots   *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Cache. When cfg.Respect is false every URL is allowed and no
// fetch is ever made, so source may be nil.
func New(cfg Config, source Source, clock Clock, logger *zap.Logger) (*Cache, error) {
	if cfg.Respect && source == nil {
		return nil, fmt.Errorf("robots source is required when respecting robots")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	applyDefaults(&cfg)
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		cfg:    cfg,
		source: source,
		clock:  clock,
		logger: logger,
		backoff: backoff{
			baseDelay: cfg.RetryBaseDelay,
			maxDelay:  cfg.RetryMaxDelay,
		},
		entries: make(map[string]*entry),
		slots:   semaphore.NewWeighted(cfg.MaxConcurrentFetches),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func applyDefaults(cfg *Config) {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgentFallback
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.DefaultCrawlDelay <= 0 {
		cfg.DefaultCrawlDelay = defaultCrawlDelay
	}
	if cfg.MaxCrawlDelay <= 0 {
		cfg.MaxCrawlDelay = defaultMaxCrawlDelay
	}
	if cfg.MaxConcurrentFetches <= 0 {
		cfg.MaxConcurrentFetches = defaultMaxConcurrent
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = defaultRetryMaxDelay
	}
}

// IsAllowed reports whether userAgent may fetch rawURL. Unknown, in-flight and
// failed-open hosts are allowed.
func (c *Cache) IsAllowed(rawURL, userAgent string) bool {
	if !c.cfg.Respect {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	if userAgent == "" {
		userAgent = c.cfg.UserAgent
	}
	e := c.lookup(u)
	if e.policy == nil {
		return true
	}
	return e.policy.Allowed(u.RequestURI(), userAgent)
}

// CrawlDelay returns the host's crawl delay clamped to the configured bounds,
// or the default delay when the policy is unknown, in flight or failed open.
func (c *Cache) CrawlDelay(host string) time.Duration {
	p := c.policy(host)
	if p == nil || p.CrawlDelay <= 0 {
		return c.cfg.DefaultCrawlDelay
	}
	return c.clampDelay(p.CrawlDelay)
}

// RateHint derives a requests-per-second ceiling from Request-rate and
// Crawl-delay. ok is false when the policy sets neither.
func (c *Cache) RateHint(host string) (rps float64, ok bool) {
	p := c.policy(host)
	if p == nil {
		return 0, false
	}
	if p.CrawlDelay > 0 {
		rps = 1 / c.clampDelay(p.CrawlDelay).Seconds()
		ok = true
	}
	if p.RequestRate > 0 && (!ok || p.RequestRate < rps) {
		rps = p.RequestRate
		ok = true
	}
	return rps, ok
}

// State reports the current lifecycle state for host.
func (c *Cache) State(host string) State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[strings.ToLower(host)]; ok {
		return e.state
	}
	return StateUnfetched
}

// Warm fetches the policy for rawURL's host and waits for it, joining any fetch
// already in flight for that host.
func (c *Cache) Warm(ctx context.Context, rawURL string) (State, error) {
	if !c.cfg.Respect {
		return StateCached, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return StateUnfetched, fmt.Errorf("%w: %s", crawler.ErrInvalidURL, rawURL)
	}
	host := strings.ToLower(u.Host)
	robotsURL := robotsURLFor(u)
	ch := c.flights.DoChan(host, func() (any, error) {
		return c.fetchWithRetry(c.ctx, host, robotsURL)
	})
	select {
	case res := <-ch:
		c.store(host, robotsURL, res.Val, res.Err)
		return c.State(host), nil
	case <-ctx.Done():
		return c.State(host), fmt.Errorf("warm robots for %s: %w", host, ctx.Err())
	}
}

// Purge drops expired entries that are not being fetched and returns how many
// were removed.
func (c *Cache) Purge() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for host, e := range c.entries {
		if e.state != StateFetching && !now.Before(e.expires) {
			delete(c.entries, host)
			removed++
		}
	}
	return removed
}

// Close stops background fetches and waits for them to exit. Lookups after
// Close answer from whatever is cached and never fetch.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

func (c *Cache) policy(host string) *Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[strings.ToLower(host)]; ok {
		return e.policy
	}
	return nil
}

func (c *Cache) clampDelay(d time.Duration) time.Duration {
	if d < minCrawlDelay {
		return minCrawlDelay
	}
	if d > c.cfg.MaxCrawlDelay {
		return c.cfg.MaxCrawlDelay
	}
	return d
}

// lookup returns the host's entry, starting a background fetch on a miss or
// after expiry. An expired policy keeps serving until its refresh lands.
func (c *Cache) lookup(u *url.URL) *entry {
	host := strings.ToLower(u.Host)
	now := c.clock.Now()

	c.mu.RLock()
	e, ok := c.entries[host]
	c.mu.RUnlock()
	if ok && fresh(e, now) {
		return e
	}

	c.mu.Lock()
	e, ok = c.entries[host]
	if ok && fresh(e, now) {
		c.mu.Unlock()
		return e
	}
	if c.closed {
		c.mu.Unlock()
		if ok {
			return e
		}
		return &entry{state: StateUnfetched}
	}
	next := &entry{state: StateFetching, robotsURL: robotsURLFor(u)}
	if ok {
		next.policy = e.policy
	}
	c.entries[host] = next
	// Add under the lock so Close never races a new fetch goroutine.
	c.wg.Add(1)
	c.mu.Unlock()

	metrics.ObserveRobotsState(StateFetching.String())
	c.startFetch(host, next.robotsURL)
	return next
}

func fresh(e *entry, now time.Time) bool {
	return e.state == StateFetching || now.Before(e.expires)
}

// startFetch runs the fetch in the background. The caller has already added
// to c.wg.
func (c *Cache) startFetch(host, robotsURL string) {
	go func() {
		defer c.wg.Done()
		ch := c.flights.DoChan(host, func() (any, error) {
			return c.fetchWithRetry(c.ctx, host, robotsURL)
		})
		select {
		case res := <-ch:
			c.store(host, robotsURL, res.Val, res.Err)
		case <-c.ctx.Done():
		}
	}()
}

func (c *Cache) store(host, robotsURL string, val any, err error) {
	now := c.clock.Now()
	next := &entry{robotsURL: robotsURL, expires: now.Add(c.cfg.TTL)}
	if p, ok := val.(*Policy); ok && err == nil && p != nil {
		next.state = StateCached
		next.policy = p
	} else {
		next.state = StateFailedOpen
	}

	c.mu.Lock()
	c.entries[host] = next
	c.mu.Unlock()

	metrics.ObserveRobotsState(next.state.String())
	if next.state == StateFailedOpen {
		c.logger.Warn("robots fetch failed; allowing access",
			zap.String("host", host),
			zap.Duration("retry_after", c.cfg.TTL),
			zap.Error(err),
		)
	}
}

func (c *Cache) fetchWithRetry(ctx context.Context, host, robotsURL string) (*Policy, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepWithContext(ctx, c.backoff.delay(attempt-1)); err != nil {
				return nil, err
			}
		}
		p, err := c.fetchOnce(ctx, host, robotsURL)
		if err == nil {
			return p, nil
		}
		lastErr = err
		c.logger.Debug("robots fetch attempt failed",
			zap.String("host", host),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %w", crawler.ErrPolicyFetch, host, c.cfg.MaxRetries, lastErr)
}

func (c *Cache) fetchOnce(ctx context.Context, host, robotsURL string) (*Policy, error) {
	if err := c.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire robots fetch slot: %w", err)
	}
	defer c.slots.Release(1)

	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()
	status, body, err := c.source.FetchRobots(fetchCtx, robotsURL)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	if status >= 500 || status == 0 {
		return nil, fmt.Errorf("fetch robots: unexpected status %d", status)
	}
	data, err := robotstxt.FromStatusAndBytes(status, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	if status < 200 || status >= 300 {
		body = nil
	}
	return newPolicy(host, c.cfg.UserAgent, data, body, c.clock.Now(), c.cfg.TTL), nil
}

func robotsURLFor(u *url.URL) string {
	scheme := u.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return (&url.URL{Scheme: scheme, Host: u.Host, Path: "/robots.txt"}).String()
}
