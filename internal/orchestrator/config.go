package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/crawl-orchestrator/internal/budget"
	"github.com/JakeFAU/crawl-orchestrator/internal/policy/ratelimit"
	"github.com/JakeFAU/crawl-orchestrator/internal/policy/robots"
)

// Config holds every engine option. Zero limits are unlimited. BlockedDomains
// takes exact hosts or "*.suffix" patterns.
type Config struct {
	MaxDepth           int
	MaxPagesGlobal     int64
	MaxPagesPerHost    int64
	MaxBytesGlobal     int64
	MaxBytesPerHost    int64
	MaxWallClock       time.Duration
	CountFailedFetches bool
	EnforcementMode    budget.Mode
	WarningThreshold   float64
	MonitorInterval    time.Duration
	ErrorWindow        int
	ErrorRateThreshold float64

	DefaultCrawlDelay time.Duration
	MaxCrawlDelay     time.Duration
	RespectRobots     bool
	UserAgent         string
	PolicyTTL         time.Duration
	PolicyMaxRetries  int

	DefaultRPS     float64
	JitterFraction float64
	LimiterIdleTTL time.Duration

	ObeyNofollow     bool
	BlockedDomains   []string
	MaxQueuedPerHost int

	RelevanceWeight    float64
	URLSignalWeight    float64
	DiversityWeight    float64
	SimilarityWeight   float64
	SimilarityWindow   int
	EarlyStopWindow    int
	EarlyStopThreshold float64
	EarlyStopPatience  int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxDepth:           5,
		MaxPagesGlobal:     1000,
		MaxPagesPerHost:    200,
		CountFailedFetches: true,
		EnforcementMode:    budget.Strict,
		WarningThreshold:   0.8,
		MonitorInterval:    5 * time.Second,
		ErrorWindow:        20,
		ErrorRateThreshold: 0.5,
		DefaultCrawlDelay:  time.Second,
		MaxCrawlDelay:      10 * time.Second,
		RespectRobots:      true,
		UserAgent:          "crawl-orchestrator/1.0",
		PolicyTTL:          time.Hour,
		PolicyMaxRetries:   3,
		DefaultRPS:         2,
		JitterFraction:     0.2,
		LimiterIdleTTL:     time.Hour,
		ObeyNofollow:       true,
		MaxQueuedPerHost:   1000,
		RelevanceWeight:    1.0,
		URLSignalWeight:    0.2,
		DiversityWeight:    0.3,
		SimilarityWeight:   0.5,
		SimilarityWindow:   10,
		EarlyStopWindow:    5,
		EarlyStopThreshold: 0.2,
		EarlyStopPatience:  1,
	}
}

// Validate reports the first invalid option.
func (c Config) Validate() error {
	var errs []error
	if c.MaxDepth < 0 {
		errs = append(errs, fmt.Errorf("max_depth must be >= 0, got %d", c.MaxDepth))
	}
	if c.MaxPagesGlobal < 0 || c.MaxPagesPerHost < 0 || c.MaxBytesGlobal < 0 || c.MaxBytesPerHost < 0 {
		errs = append(errs, errors.New("page and byte limits must be >= 0"))
	}
	if c.MaxWallClock < 0 {
		errs = append(errs, errors.New("max_wall_clock must be >= 0"))
	}
	if c.DefaultRPS <= 0 {
		errs = append(errs, fmt.Errorf("default_rps must be > 0, got %v", c.DefaultRPS))
	}
	if c.JitterFraction < 0 || c.JitterFraction >= 1 {
		errs = append(errs, fmt.Errorf("jitter_fraction must be in [0,1), got %v", c.JitterFraction))
	}
	if c.MaxQueuedPerHost < 0 {
		errs = append(errs, fmt.Errorf("max_queued_per_host must be >= 0, got %d", c.MaxQueuedPerHost))
	}
	if c.RelevanceWeight < 0 || c.URLSignalWeight < 0 || c.DiversityWeight < 0 || c.SimilarityWeight < 0 {
		errs = append(errs, errors.New("priority weights must be >= 0"))
	}
	if c.EarlyStopWindow < 1 {
		errs = append(errs, fmt.Errorf("early_stop_window must be >= 1, got %d", c.EarlyStopWindow))
	}
	if c.EarlyStopPatience < 1 {
		errs = append(errs, fmt.Errorf("early_stop_patience must be >= 1, got %d", c.EarlyStopPatience))
	}
	if c.EarlyStopThreshold < 0 || c.EarlyStopThreshold > 1 {
		errs = append(errs, fmt.Errorf("early_stop_threshold must be in [0,1], got %v", c.EarlyStopThreshold))
	}
	if c.SimilarityWindow < 0 {
		errs = append(errs, fmt.Errorf("similarity_window must be >= 0, got %d", c.SimilarityWindow))
	}
	return errors.Join(errs...)
}

func (c Config) budgetConfig() budget.Config {
	return budget.Config{
		Global: budget.Limits{
			MaxPages:     c.MaxPagesGlobal,
			MaxBytes:     c.MaxBytesGlobal,
			MaxWallClock: c.MaxWallClock,
		},
		PerHost: budget.Limits{
			MaxPages: c.MaxPagesPerHost,
			MaxBytes: c.MaxBytesPerHost,
		},
		MaxDepth:           c.MaxDepth,
		Mode:               c.EnforcementMode,
		CountFailedFetches: c.CountFailedFetches,
		ErrorWindow:        c.ErrorWindow,
		ErrorRateThreshold: c.ErrorRateThreshold,
		WarningThreshold:   c.WarningThreshold,
		MonitorInterval:    c.MonitorInterval,
	}
}

func (c Config) robotsConfig() robots.Config {
	return robots.Config{
		Respect:           c.RespectRobots,
		UserAgent:         c.UserAgent,
		TTL:               c.PolicyTTL,
		MaxRetries:        c.PolicyMaxRetries,
		DefaultCrawlDelay: c.DefaultCrawlDelay,
		MaxCrawlDelay:     c.MaxCrawlDelay,
	}
}

func (c Config) limiterConfig() ratelimit.Config {
	return ratelimit.Config{
		DefaultRPS:     c.DefaultRPS,
		DefaultBurst:   1,
		IdleTTL:        c.LimiterIdleTTL,
		JitterFraction: c.JitterFraction,
	}
}
