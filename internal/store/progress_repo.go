package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("progress record not found")

// RunStatus mirrors the crawl_runs status column.
type RunStatus string

// Crawl run statuses persisted in crawl_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// CrawlRun models one row of crawl_runs.
type CrawlRun struct {
	ID        string
	Query     string
	StartedAt time.Time
	// FinishedAt is nil until the run is marked success/error.
	FinishedAt *time.Time
	Status     RunStatus
	// StopReason records why the crawl ended, e.g. the budget limit reached.
	StopReason *string
}

// HostStats aggregates fetch outcomes for one host of a crawl.
type HostStats struct {
	CrawlID    string
	Host       string
	LastUpdate time.Time
	Fetches    int64
	BytesTotal int64
	Fetch2xx   int64
	Fetch3xx   int64
	Fetch4xx   int64
	Fetch5xx   int64
	FetchOther int64
	// RelevanceSum over successful fetches; divide by Fetch2xx for the mean.
	RelevanceSum float64
}

// MeanRelevance is the average relevance of successful fetches.
func (s HostStats) MeanRelevance() float64 {
	if s.Fetch2xx == 0 {
		return 0
	}
	return s.RelevanceSum / float64(s.Fetch2xx)
}

// HostDelta is an increment applied to a crawl's host row.
type HostDelta struct {
	CrawlID      string
	Host         string
	StatusClass  string
	Fetches      int64
	Bytes        int64
	RelevanceSum float64
	At           time.Time
}

// ProgressRepository persists incremental crawl progress.
type ProgressRepository interface {
	// UpsertCrawlStart records a running crawl; repeated calls are no-ops.
	UpsertCrawlStart(ctx context.Context, crawlID, query string, startedAt time.Time) error
	// CompleteCrawl marks the run finished with status and an optional reason.
	CompleteCrawl(ctx context.Context, crawlID string, finishedAt time.Time, status RunStatus, reason *string) error
	// UpsertHostStats adds delta to the (crawl, host) row, creating it if needed.
	UpsertHostStats(ctx context.Context, delta HostDelta) error

	// GetCrawl loads one run or returns ErrNotFound.
	GetCrawl(ctx context.Context, crawlID string) (CrawlRun, error)
	// ListCrawls returns runs filtered by optional status, newest first.
	ListCrawls(ctx context.Context, status *RunStatus, limit, offset int) ([]CrawlRun, error)
	// ListCrawlHosts returns per-host aggregates for one run.
	ListCrawlHosts(ctx context.Context, crawlID string, limit, offset int) ([]HostStats, error)
}
