// Package worker implements the fetch loop that drains a crawl.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
	"github.com/JakeFAU/crawl-orchestrator/internal/orchestrator"
)

// Engine hands out dispatches and accepts their results.
type Engine interface {
	Next(ctx context.Context) (orchestrator.Dispatch, error)
	ReportResult(rawURL string, out orchestrator.Outcome) error
}

// Config controls Worker behavior.
type Config struct {
	// FetchTimeout bounds a single fetch including retries. Zero leaves it to
	// the fetcher.
	FetchTimeout time.Duration
}

// Worker pulls URLs from an Engine, fetches them and reports what it found.
type Worker struct {
	id      int
	engine  Engine
	fetcher crawler.Fetcher
	clock   crawler.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Worker.
func New(id int, engine Engine, fetcher crawler.Fetcher, clock crawler.Clock, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:      id,
		engine:  engine,
		fetcher: fetcher,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.With(zap.Int("worker", id)),
	}
}

// Run blocks until the engine reports the crawl is over. A normal end
// (exhausted, stopped or out of budget) returns nil; anything else, including
// a concurrency violation, is returned.
func (w *Worker) Run(ctx context.Context) error {
	for {
		d, err := w.engine.Next(ctx)
		if err != nil {
			if Finished(err) {
				w.logger.Debug("worker exiting", zap.Error(err))
				return nil
			}
			return fmt.Errorf("worker %d next: %w", w.id, err)
		}
		if err := w.process(ctx, d); err != nil {
			return err
		}
	}
}

func (w *Worker) process(ctx context.Context, d orchestrator.Dispatch) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	out := w.fetch(ctx, d)
	if out.Failed() {
		w.logger.Debug("fetch failed", zap.String("url", d.URL), zap.Int("status", out.StatusCode), zap.Error(out.Err))
	}
	if err := w.engine.ReportResult(d.URL, out); err != nil {
		return fmt.Errorf("worker %d report %s: %w", w.id, d.URL, err)
	}
	return nil
}

func (w *Worker) fetch(ctx context.Context, d orchestrator.Dispatch) orchestrator.Outcome {
	if w.fetcher == nil {
		return orchestrator.Outcome{Err: &crawler.FetchError{URL: d.URL, Err: errors.New("no fetcher configured")}}
	}
	fetchCtx := ctx
	if w.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, w.cfg.FetchTimeout)
		defer cancel()
	}
	var start time.Time
	if w.clock != nil {
		start = w.clock.Now()
	}
	resp, err := w.fetcher.Fetch(fetchCtx, d.URL)
	out := orchestrator.OutcomeFromResponse(resp, err)
	if out.Duration == 0 && w.clock != nil {
		out.Duration = w.clock.Now().Sub(start)
	}
	return out
}

// Finished reports whether err marks a normal end of crawl.
func Finished(err error) bool {
	return errors.Is(err, orchestrator.ErrExhausted) ||
		errors.Is(err, orchestrator.ErrStopped) ||
		errors.Is(err, crawler.ErrBudgetExceeded)
}
