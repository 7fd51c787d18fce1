package orchestrator

import (
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/policy/ratelimit"
	"github.com/JakeFAU/crawl-orchestrator/internal/policy/robots"
	"github.com/JakeFAU/crawl-orchestrator/internal/progress"
)

// PolicyGate answers robots questions without blocking.
type PolicyGate interface {
	IsAllowed(rawURL, userAgent string) bool
	// RateHint is the request rate a site asks for, if any.
	RateHint(host string) (rps float64, ok bool)
	// CrawlDelay is the pause between requests to host, falling back to the
	// default delay while its policy is unknown or failed open.
	CrawlDelay(host string) time.Duration
}

// RateGate hands out per-host request slots. The orchestrator feeds it policy
// rate hints so the limiter never depends on the policy cache.
type RateGate interface {
	Acquire(host string) ratelimit.Decision
	SetRate(host string, rps float64)
}

// Deps are the collaborators of a crawl. Only Clock is required; the rest
// fall back to in-process defaults.
type Deps struct {
	Clock      crawler.Clock
	Visited    crawler.VisitedSet
	Similarity crawler.Similarity
	IDs        crawler.IDGenerator
	Events     progress.Emitter
	Logger     *zap.Logger

	// Policy overrides the robots cache. When nil a cache is built over
	// RobotsSource, or over HTTP if that is nil too.
	Policy       PolicyGate
	RobotsSource robots.Source
	// Limiter overrides the per-host token buckets.
	Limiter RateGate
}
