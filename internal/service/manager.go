// Package service runs crawls on behalf of the API and CLI. It owns the
// registry of live and finished crawls and the worker pool of each.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/budget"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/crawl-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/crawl-orchestrator/internal/policy/robots"
	"github.com/JakeFAU/crawl-orchestrator/internal/progress"
	"github.com/JakeFAU/crawl-orchestrator/internal/worker"
)

var (
	// ErrNotFound is returned for an unknown crawl ID.
	ErrNotFound = errors.New("crawl not found")
	// ErrTooManyCrawls rejects a start beyond the running-crawl limit.
	ErrTooManyCrawls = errors.New("too many running crawls")
	// ErrClosed rejects work after Shutdown.
	ErrClosed = errors.New("service closed")
)

// State is the coarse lifecycle of a crawl.
type State string

// Crawl states.
const (
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// VisitedFactory builds the visited set for one crawl. release is called
// once the crawl has finished.
type VisitedFactory func(ctx context.Context) (set crawler.VisitedSet, release func(), err error)

// Options wire a Manager.
type Options struct {
	Engine     orchestrator.Config
	Workers    int
	MaxRunning int
	Worker     worker.Config

	Fetcher crawler.Fetcher
	Clock   crawler.Clock
	Events  progress.Emitter
	Visited VisitedFactory
	// RobotsSource overrides robots.txt retrieval.
	RobotsSource robots.Source
	Logger       *zap.Logger
}

// Request starts a crawl.
type Request struct {
	Seeds []string
	Query string
	// MaxPages and MaxDepth override the engine defaults when positive.
	MaxPages int64
	MaxDepth int
}

// Status is a point-in-time view of one crawl.
type Status struct {
	ID         string
	Query      string
	State      State
	StartedAt  time.Time
	FinishedAt time.Time
	Stats      orchestrator.Stats
	Err        string
}

type run struct {
	handle     *orchestrator.Handle
	query      string
	startedAt  time.Time
	finishedAt time.Time
	done       chan struct{}
	err        error
}

// Manager is the crawl registry. It is safe for concurrent use.
type Manager struct {
	opts   Options
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	crawls  map[string]*run
	running int
	closed  bool
	wg      sync.WaitGroup
}

// New builds a Manager. Only Fetcher and Clock are required.
func New(opts Options) (*Manager, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Clock == nil {
		return nil, errors.New("clock is required")
	}
	if err := opts.Engine.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxRunning < 1 {
		opts.MaxRunning = 1
	}
	if opts.Events == nil {
		opts.Events = progress.NopEmitter{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:   opts,
		logger: opts.Logger.Named("service"),
		ctx:    ctx,
		cancel: cancel,
		crawls: make(map[string]*run),
	}, nil
}

// Start launches a crawl in the background and returns its initial status.
func (m *Manager) Start(ctx context.Context, req Request) (Status, error) {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return Status{}, ErrClosed
	case m.running >= m.opts.MaxRunning:
		m.mu.Unlock()
		return Status{}, fmt.Errorf("%w: limit %d", ErrTooManyCrawls, m.opts.MaxRunning)
	}
	m.running++
	m.mu.Unlock()

	r, err := m.launch(ctx, req)
	if err != nil {
		m.mu.Lock()
		m.running--
		m.mu.Unlock()
		return Status{}, err
	}
	return m.status(r), nil
}

func (m *Manager) launch(ctx context.Context, req Request) (*run, error) {
	cfg := m.opts.Engine
	if req.MaxPages > 0 {
		cfg.MaxPagesGlobal = req.MaxPages
	}
	if req.MaxDepth > 0 {
		cfg.MaxDepth = req.MaxDepth
	}

	var (
		visited crawler.VisitedSet
		release = func() {}
	)
	if m.opts.Visited != nil {
		var err error
		visited, release, err = m.opts.Visited(ctx)
		if err != nil {
			return nil, fmt.Errorf("visited set: %w", err)
		}
	}

	h, err := orchestrator.StartCrawl(m.ctx, req.Seeds, req.Query, cfg, orchestrator.Deps{
		Clock:        m.opts.Clock,
		Visited:      visited,
		Events:       m.opts.Events,
		Logger:       m.opts.Logger,
		RobotsSource: m.opts.RobotsSource,
	})
	if err != nil {
		release()
		return nil, err
	}

	r := &run{
		handle:    h,
		query:     req.Query,
		startedAt: m.opts.Clock.Now(),
		done:      make(chan struct{}),
	}
	m.mu.Lock()
	m.crawls[h.ID()] = r
	m.mu.Unlock()

	pool := dispatcher.New(h, m.opts.Fetcher, m.opts.Clock, m.opts.Workers, m.opts.Worker, m.opts.Logger)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer release()
		err := pool.Run(m.ctx)
		m.mu.Lock()
		r.err = err
		r.finishedAt = m.opts.Clock.Now()
		m.running--
		close(r.done)
		m.mu.Unlock()
		if err != nil && !worker.Finished(err) {
			m.logger.Error("crawl failed", zap.String("crawl_id", h.ID()), zap.Error(err))
			return
		}
		m.logger.Info("crawl complete", zap.String("crawl_id", h.ID()), zap.String("reason", h.Stats().StopReason))
	}()
	return r, nil
}

// Get returns the status of one crawl.
func (m *Manager) Get(id string) (Status, error) {
	r, err := m.lookup(id)
	if err != nil {
		return Status{}, err
	}
	return m.status(r), nil
}

// List returns every known crawl, newest first.
func (m *Manager) List() []Status {
	m.mu.Lock()
	runs := make([]*run, 0, len(m.crawls))
	for _, r := range m.crawls {
		runs = append(runs, r)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(runs))
	for _, r := range runs {
		out = append(out, m.status(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Stop ends a crawl. Stopping a finished crawl is a no-op.
func (m *Manager) Stop(id string) error {
	r, err := m.lookup(id)
	if err != nil {
		return err
	}
	r.handle.Stop()
	return nil
}

// AddSeeds opens a session on a running crawl with its own page and byte
// limits and returns the session ID.
func (m *Manager) AddSeeds(id string, seeds []string, limits budget.Limits) (string, error) {
	r, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	sid, err := r.handle.StartSession(seeds, limits)
	if err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}
	return sid, nil
}

// EndSession drops a session's limits; its queued URLs stay queued.
func (m *Manager) EndSession(id, sessionID string) error {
	r, err := m.lookup(id)
	if err != nil {
		return err
	}
	r.handle.EndSession(sessionID)
	return nil
}

// Wait blocks until the crawl's workers have exited or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (Status, error) {
	r, err := m.lookup(id)
	if err != nil {
		return Status{}, err
	}
	select {
	case <-r.done:
		return m.status(r), nil
	case <-ctx.Done():
		return m.status(r), fmt.Errorf("wait for crawl %s: %w", id, ctx.Err())
	}
}

// Running reports how many crawls are in progress.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Shutdown stops every crawl and waits for their workers, or for ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

func (m *Manager) lookup(id string) (*run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.crawls[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, nil
}

func (m *Manager) status(r *run) Status {
	m.mu.Lock()
	st := Status{
		ID:         r.handle.ID(),
		Query:      r.query,
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
	}
	select {
	case <-r.done:
		st.State = StateDone
		if r.err != nil && !worker.Finished(r.err) {
			st.State = StateFailed
			st.Err = r.err.Error()
		}
	default:
		st.State = StateRunning
	}
	m.mu.Unlock()

	st.Stats = r.handle.Stats()
	return st
}
