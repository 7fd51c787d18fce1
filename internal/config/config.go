// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawl-orchestrator/internal/budget"
	"github.com/JakeFAU/crawl-orchestrator/internal/orchestrator"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Budget   BudgetConfig   `mapstructure:"budget"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Ranking  RankingConfig  `mapstructure:"ranking"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Dedup    DedupConfig    `mapstructure:"dedup"`
	DB       DBConfig       `mapstructure:"db"`
	Progress ProgressConfig `mapstructure:"progress"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs worker fan-out and traversal.
type CrawlerConfig struct {
	Concurrency      int      `mapstructure:"concurrency"`
	MaxRunning       int      `mapstructure:"max_running"`
	UserAgent        string   `mapstructure:"user_agent"`
	MaxDepth         int      `mapstructure:"max_depth"`
	ObeyNofollow     bool     `mapstructure:"obey_nofollow"`
	BlockedDomains   []string `mapstructure:"blocked_domains"`
	MaxQueuedPerHost int      `mapstructure:"max_queued_per_host"`
}

// BudgetConfig holds global and per-host limits. Zero is unlimited.
type BudgetConfig struct {
	MaxPagesGlobal     int64         `mapstructure:"max_pages_global"`
	MaxPagesPerHost    int64         `mapstructure:"max_pages_per_host"`
	MaxBytesGlobal     int64         `mapstructure:"max_bytes_global"`
	MaxBytesPerHost    int64         `mapstructure:"max_bytes_per_host"`
	MaxWallClock       time.Duration `mapstructure:"max_wall_clock"`
	CountFailedFetches bool          `mapstructure:"count_failed_fetches"`
	EnforcementMode    string        `mapstructure:"enforcement_mode"`
	WarningThreshold   float64       `mapstructure:"warning_threshold"`
	MonitorInterval    time.Duration `mapstructure:"monitor_interval"`
	ErrorWindow        int           `mapstructure:"error_window"`
	ErrorRateThreshold float64       `mapstructure:"error_rate_threshold"`
}

// PolicyConfig controls robots handling and per-host pacing.
type PolicyConfig struct {
	RespectRobots     bool          `mapstructure:"respect_robots"`
	TTL               time.Duration `mapstructure:"ttl"`
	MaxRetries        int           `mapstructure:"max_retries"`
	DefaultCrawlDelay time.Duration `mapstructure:"default_crawl_delay"`
	MaxCrawlDelay     time.Duration `mapstructure:"max_crawl_delay"`
	DefaultRPS        float64       `mapstructure:"default_rps"`
	JitterFraction    float64       `mapstructure:"jitter_fraction"`
	LimiterIdleTTL    time.Duration `mapstructure:"limiter_idle_ttl"`
}

// RankingConfig weights the frontier priority and tunes early stopping.
type RankingConfig struct {
	RelevanceWeight    float64 `mapstructure:"relevance_weight"`
	URLSignalWeight    float64 `mapstructure:"url_signal_weight"`
	DiversityWeight    float64 `mapstructure:"diversity_weight"`
	SimilarityWeight   float64 `mapstructure:"similarity_weight"`
	SimilarityWindow   int     `mapstructure:"similarity_window"`
	EarlyStopWindow    int     `mapstructure:"early_stop_window"`
	EarlyStopThreshold float64 `mapstructure:"early_stop_threshold"`
	EarlyStopPatience  int     `mapstructure:"early_stop_patience"`
}

// HTTPConfig configures the fetch client.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	MaxRetries     int `mapstructure:"max_retries"`
	MaxBodyBytes   int `mapstructure:"max_body_bytes"`
}

// DedupConfig selects the visited-set backend.
type DedupConfig struct {
	// Backend is "memory" or "postgres".
	Backend string `mapstructure:"backend"`
	// Scope shares one visited set across crawls; empty scopes per crawl.
	Scope string      `mapstructure:"scope"`
	Table string      `mapstructure:"table"`
	Bloom BloomConfig `mapstructure:"bloom"`
}

// BloomConfig sizes the optional bloom pre-filter.
type BloomConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	ExpectedItems     uint    `mapstructure:"expected_items"`
	FalsePositiveRate float64 `mapstructure:"false_positive_rate"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// ProgressConfig tunes the progress event hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	// Store persists run and host progress to Postgres. Requires db.dsn.
	Store bool `mapstructure:"store"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	// Level overrides the default level (debug in development, info otherwise).
	Level string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := orchestrator.DefaultConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.max_running", 8)
	v.SetDefault("crawler.user_agent", d.UserAgent)
	v.SetDefault("crawler.max_depth", d.MaxDepth)
	v.SetDefault("crawler.obey_nofollow", d.ObeyNofollow)
	v.SetDefault("crawler.blocked_domains", []string{})
	v.SetDefault("crawler.max_queued_per_host", d.MaxQueuedPerHost)
	v.SetDefault("budget.max_pages_global", d.MaxPagesGlobal)
	v.SetDefault("budget.max_pages_per_host", d.MaxPagesPerHost)
	v.SetDefault("budget.max_bytes_global", d.MaxBytesGlobal)
	v.SetDefault("budget.max_bytes_per_host", d.MaxBytesPerHost)
	v.SetDefault("budget.max_wall_clock", d.MaxWallClock)
	v.SetDefault("budget.count_failed_fetches", d.CountFailedFetches)
	v.SetDefault("budget.enforcement_mode", d.EnforcementMode.String())
	v.SetDefault("budget.warning_threshold", d.WarningThreshold)
	v.SetDefault("budget.monitor_interval", d.MonitorInterval)
	v.SetDefault("budget.error_window", d.ErrorWindow)
	v.SetDefault("budget.error_rate_threshold", d.ErrorRateThreshold)
	v.SetDefault("policy.respect_robots", d.RespectRobots)
	v.SetDefault("policy.ttl", d.PolicyTTL)
	v.SetDefault("policy.max_retries", d.PolicyMaxRetries)
	v.SetDefault("policy.default_crawl_delay", d.DefaultCrawlDelay)
	v.SetDefault("policy.max_crawl_delay", d.MaxCrawlDelay)
	v.SetDefault("policy.default_rps", d.DefaultRPS)
	v.SetDefault("policy.jitter_fraction", d.JitterFraction)
	v.SetDefault("policy.limiter_idle_ttl", d.LimiterIdleTTL)
	v.SetDefault("ranking.relevance_weight", d.RelevanceWeight)
	v.SetDefault("ranking.url_signal_weight", d.URLSignalWeight)
	v.SetDefault("ranking.diversity_weight", d.DiversityWeight)
	v.SetDefault("ranking.similarity_weight", d.SimilarityWeight)
	v.SetDefault("ranking.similarity_window", d.SimilarityWindow)
	v.SetDefault("ranking.early_stop_window", d.EarlyStopWindow)
	v.SetDefault("ranking.early_stop_threshold", d.EarlyStopThreshold)
	v.SetDefault("ranking.early_stop_patience", d.EarlyStopPatience)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.max_body_bytes", 5<<20)
	v.SetDefault("dedup.backend", "memory")
	v.SetDefault("dedup.table", "visited_urls")
	v.SetDefault("dedup.bloom.enabled", false)
	v.SetDefault("dedup.bloom.expected_items", 1_000_000)
	v.SetDefault("dedup.bloom.false_positive_rate", 0.01)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 500)
	v.SetDefault("progress.max_batch_wait", "1s")
	v.SetDefault("progress.sink_timeout", "5s")
	v.SetDefault("progress.store", false)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.MaxRunning <= 0 {
		return fmt.Errorf("crawler.max_running must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Dedup.Backend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when dedup.backend is postgres")
		}
	default:
		return fmt.Errorf("dedup.backend must be memory or postgres, got %q", c.Dedup.Backend)
	}
	if c.Dedup.Bloom.Enabled && (c.Dedup.Bloom.FalsePositiveRate <= 0 || c.Dedup.Bloom.FalsePositiveRate >= 1) {
		return fmt.Errorf("dedup.bloom.false_positive_rate must be in (0,1)")
	}
	if c.Progress.Store && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when progress.store is enabled")
	}
	engine, err := c.EngineConfig()
	if err != nil {
		return err
	}
	if err := engine.Validate(); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}
	return nil
}

// EngineConfig converts the loaded settings into orchestrator options.
func (c Config) EngineConfig() (orchestrator.Config, error) {
	mode, err := budget.ParseMode(c.Budget.EnforcementMode)
	if err != nil {
		return orchestrator.Config{}, errors.New("budget.enforcement_mode must be strict or adaptive")
	}
	return orchestrator.Config{
		MaxDepth:           c.Crawler.MaxDepth,
		MaxPagesGlobal:     c.Budget.MaxPagesGlobal,
		MaxPagesPerHost:    c.Budget.MaxPagesPerHost,
		MaxBytesGlobal:     c.Budget.MaxBytesGlobal,
		MaxBytesPerHost:    c.Budget.MaxBytesPerHost,
		MaxWallClock:       c.Budget.MaxWallClock,
		CountFailedFetches: c.Budget.CountFailedFetches,
		EnforcementMode:    mode,
		WarningThreshold:   c.Budget.WarningThreshold,
		MonitorInterval:    c.Budget.MonitorInterval,
		ErrorWindow:        c.Budget.ErrorWindow,
		ErrorRateThreshold: c.Budget.ErrorRateThreshold,
		DefaultCrawlDelay:  c.Policy.DefaultCrawlDelay,
		MaxCrawlDelay:      c.Policy.MaxCrawlDelay,
		RespectRobots:      c.Policy.RespectRobots,
		UserAgent:          c.Crawler.UserAgent,
		PolicyTTL:          c.Policy.TTL,
		PolicyMaxRetries:   c.Policy.MaxRetries,
		DefaultRPS:         c.Policy.DefaultRPS,
		JitterFraction:     c.Policy.JitterFraction,
		LimiterIdleTTL:     c.Policy.LimiterIdleTTL,
		ObeyNofollow:       c.Crawler.ObeyNofollow,
		BlockedDomains:     c.Crawler.BlockedDomains,
		MaxQueuedPerHost:   c.Crawler.MaxQueuedPerHost,
		RelevanceWeight:    c.Ranking.RelevanceWeight,
		URLSignalWeight:    c.Ranking.URLSignalWeight,
		DiversityWeight:    c.Ranking.DiversityWeight,
		SimilarityWeight:   c.Ranking.SimilarityWeight,
		SimilarityWindow:   c.Ranking.SimilarityWindow,
		EarlyStopWindow:    c.Ranking.EarlyStopWindow,
		EarlyStopThreshold: c.Ranking.EarlyStopThreshold,
		EarlyStopPatience:  c.Ranking.EarlyStopPatience,
	}, nil
}

// FetchTimeout is the per-request HTTP timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
