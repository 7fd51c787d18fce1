package orchestrator

import (
	"errors"
	"time"

	"github.com/JakeFAU/crawl-orchestrator/internal/budget"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

var (
	// ErrStopped is returned by Next once the crawl was stopped or cancelled.
	ErrStopped = errors.New("crawl stopped")
	// ErrExhausted is returned by Next once nothing is queued or in flight.
	ErrExhausted = errors.New("frontier exhausted")
	// ErrNotInFlight rejects a result for a URL that was not dispatched or was
	// already reported.
	ErrNotInFlight = errors.New("url not in flight")
)

// Dispatch is a URL released to a fetch worker. Every Dispatch must be
// answered with exactly one ReportResult.
type Dispatch struct {
	URL            string
	Host           string
	Depth          int
	Priority       float64
	Relevance      float64
	SessionID      string
	DiscoveredFrom string
}

// Outcome is what a worker learned from fetching a Dispatch.
type Outcome struct {
	StatusCode int
	Bytes      int64
	Duration   time.Duration
	Text       string
	Links      []crawler.Link
	// Err marks a failed fetch. It is recorded against the budget and never
	// retried by the engine.
	Err error
}

// OutcomeFromResponse converts a fetcher result into an Outcome.
func OutcomeFromResponse(resp crawler.FetchResponse, err error) Outcome {
	out := Outcome{
		StatusCode: resp.StatusCode,
		Bytes:      resp.BytesLen,
		Duration:   resp.Duration,
		Text:       resp.Text,
		Links:      resp.Links,
		Err:        err,
	}
	if out.Bytes == 0 {
		out.Bytes = int64(len(resp.Body))
	}
	return out
}

// Failed reports whether the fetch failed.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Stats is a snapshot of crawl progress.
type Stats struct {
	ID              string
	Pages           int64
	Bytes           int64
	Failures        int64
	InFlight        int64
	Dispatched      int64
	Queued          int
	Elapsed         time.Duration
	PerHost         map[string]budget.Usage
	StoppedBranches []string
	Done            bool
	StopReason      string
	// Diagnostic describes the broken invariant when the crawl aborted with a
	// concurrency violation.
	Diagnostic string
}
