package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/clock/system"
	"github.com/JakeFAU/crawl-orchestrator/internal/config"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/dedup/bloom"
	"github.com/JakeFAU/crawl-orchestrator/internal/dedup/memory"
	dedupstore "github.com/JakeFAU/crawl-orchestrator/internal/dedup/postgres"
	collyfetcher "github.com/JakeFAU/crawl-orchestrator/internal/fetcher/colly"
	"github.com/JakeFAU/crawl-orchestrator/internal/hash/sha256"
	"github.com/JakeFAU/crawl-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/crawl-orchestrator/internal/progress"
	"github.com/JakeFAU/crawl-orchestrator/internal/progress/sinks"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage/postgres"
	"github.com/JakeFAU/crawl-orchestrator/internal/store"
	"github.com/JakeFAU/crawl-orchestrator/internal/worker"
)

// Runtime bundles a Manager with the shared infrastructure it was built on.
type Runtime struct {
	Manager *Manager
	Hub     *progress.Hub
	// Progress is nil unless progress.store is enabled.
	Progress store.ProgressRepository

	progressStore *postgres.ProgressStore
	logger        *zap.Logger
}

// Build wires a Runtime from configuration. reg receives the progress
// collectors; nil uses the default registerer.
func Build(ctx context.Context, cfg config.Config, reg prometheus.Registerer, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	engine, err := cfg.EngineConfig()
	if err != nil {
		return nil, err
	}

	rt := &Runtime{logger: logger}
	hubSinks := []progress.Sink{sinks.NewLogSink(logger)}
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink: %w", err)
	}
	hubSinks = append(hubSinks, promSink)
	if cfg.Progress.Store {
		ps, err := postgres.NewProgressStore(ctx, cfg.DB.DSN)
		if err != nil {
			return nil, fmt.Errorf("progress store: %w", err)
		}
		if err := ps.EnsureSchema(ctx); err != nil {
			ps.Close()
			return nil, fmt.Errorf("progress schema: %w", err)
		}
		rt.progressStore = ps
		rt.Progress = ps
		hubSinks = append(hubSinks, sinks.NewStoreSink(ps, logger))
	}
	rt.Hub = progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   cfg.Progress.MaxBatchWait,
		SinkTimeout:    cfg.Progress.SinkTimeout,
		Logger:         logger,
	}, hubSinks...)

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.Crawler.UserAgent,
		Timeout:     cfg.FetchTimeout(),
		MaxBodySize: cfg.HTTP.MaxBodyBytes,
		MaxAttempts: cfg.HTTP.MaxRetries + 1,
	}, logger)

	m, err := New(Options{
		Engine:     engine,
		Workers:    cfg.Crawler.Concurrency,
		MaxRunning: cfg.Crawler.MaxRunning,
		Worker:     worker.Config{FetchTimeout: cfg.FetchTimeout() * time.Duration(cfg.HTTP.MaxRetries+2)},
		Fetcher:    fetcher,
		Clock:      system.New(),
		Events:     rt.Hub,
		Visited:    VisitedFromConfig(cfg),
		Logger:     logger,
	})
	if err != nil {
		_ = rt.Hub.Close(ctx)
		rt.closeStore()
		return nil, err
	}
	rt.Manager = m
	return rt, nil
}

// Close stops all crawls, flushes progress and releases connections.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.Manager != nil {
		if err := rt.Manager.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.Hub != nil {
		if err := rt.Hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
	}
	rt.closeStore()
	return errors.Join(errs...)
}

func (rt *Runtime) closeStore() {
	if rt.progressStore != nil {
		rt.progressStore.Close()
	}
}

// VisitedFromConfig returns the visited-set factory for the configured
// backend, optionally fronted by a bloom filter.
func VisitedFromConfig(cfg config.Config) VisitedFactory {
	return func(ctx context.Context) (crawler.VisitedSet, func(), error) {
		var (
			set     crawler.VisitedSet
			release = func() {}
		)
		switch cfg.Dedup.Backend {
		case "postgres":
			scope := cfg.Dedup.Scope
			if scope == "" {
				id, err := uuid.New().NewID()
				if err != nil {
					return nil, nil, fmt.Errorf("dedup scope: %w", err)
				}
				scope = id
			}
			s, err := dedupstore.NewStore(ctx, dedupstore.Config{
				DSN:             cfg.DB.DSN,
				Table:           cfg.Dedup.Table,
				MaxConns:        cfg.DB.MaxConns,
				MinConns:        cfg.DB.MinConns,
				MaxConnLifetime: cfg.DB.MaxConnLifetime,
			}, scope, sha256.New())
			if err != nil {
				return nil, nil, err
			}
			if err := s.EnsureSchema(ctx); err != nil {
				s.Close()
				return nil, nil, fmt.Errorf("dedup schema: %w", err)
			}
			set, release = s, s.Close
		default:
			set = memory.New()
		}
		if !cfg.Dedup.Bloom.Enabled {
			return set, release, nil
		}
		guarded, err := bloom.New(set, bloom.Config{
			ExpectedItems:     cfg.Dedup.Bloom.ExpectedItems,
			FalsePositiveRate: cfg.Dedup.Bloom.FalsePositiveRate,
		})
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("bloom guard: %w", err)
		}
		return guarded, release, nil
	}
}
