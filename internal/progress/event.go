package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageCrawlStart Stage = "CRAWL_START"
	StageDispatch   Stage = "DISPATCH"
	StageFetchDone  Stage = "FETCH_DONE"
	StageBranchStop Stage = "BRANCH_STOP"
	StageCrawlDone  Stage = "CRAWL_DONE"
	StageCrawlError Stage = "CRAWL_ERROR"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single milestone of a crawl.
type Event struct {
	// CrawlID identifies the crawl that emitted the event.
	CrawlID string
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Site scopes dispatch, fetch and branch events to a host.
	Site string
	URL  string
	// Bytes carries the response size for fetch completions.
	Bytes int64
	Depth int
	// Relevance is the predicted relevance for dispatches and the measured
	// relevance for fetch completions.
	Relevance   float64
	StatusClass StatusClass
	// Dur is the fetch latency, or the crawl runtime for terminal events.
	Dur time.Duration
	// Note carries low-volume context such as a stop reason or error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.CrawlID == "" {
		return errors.New("crawl id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageCrawlStart, StageCrawlDone, StageCrawlError:
	case StageDispatch, StageBranchStop:
		if e.Site == "" {
			return fmt.Errorf("%s requires site", e.Stage)
		}
	case StageFetchDone:
		if e.Site == "" {
			return errors.New("fetch done requires site")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event ends its crawl.
func (e Event) Terminal() bool {
	return e.Stage == StageCrawlDone || e.Stage == StageCrawlError
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}

// NopEmitter discards events.
type NopEmitter struct{}

// Emit implements Emitter.
func (NopEmitter) Emit(Event) {}
