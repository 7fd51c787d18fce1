// Package dispatcher runs a pool of workers against one crawl.
package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/worker"
)

// Crawl is the engine surface a pool drives. The orchestrator Handle
// satisfies it.
type Crawl interface {
	worker.Engine
	Done() <-chan struct{}
	Err() error
	Stop()
}

// Dispatcher fans a crawl out to a fixed number of workers.
type Dispatcher struct {
	crawl   Crawl
	fetcher crawler.Fetcher
	clock   crawler.Clock
	size    int
	cfg     worker.Config
	logger  *zap.Logger
}

// New creates a Dispatcher with size workers (at least one).
func New(crawl Crawl, fetcher crawler.Fetcher, clock crawler.Clock, size int, cfg worker.Config, logger *zap.Logger) *Dispatcher {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		crawl:   crawl,
		fetcher: fetcher,
		clock:   clock,
		size:    size,
		cfg:     cfg,
		logger:  logger.Named("dispatcher"),
	}
}

// Run starts all workers and blocks until every one has exited. It returns
// the crawl's terminal error, or the first worker failure. A worker failure
// stops the crawl so the rest of the pool drains.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.size; i++ {
		w := worker.New(i, d.crawl, d.fetcher, d.clock, d.cfg, d.logger)
		g.Go(func() error {
			if err := w.Run(gctx); err != nil {
				d.crawl.Stop()
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	// Workers also leave when ctx ends, which does not end the crawl itself.
	d.crawl.Stop()
	if err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	<-d.crawl.Done()
	return d.crawl.Err()
}
