package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/progress"
	"github.com/JakeFAU/crawl-orchestrator/internal/store"
)

// StoreSink persists crawl lifecycle and per-host fetch totals through a
// store.ProgressRepository. Fetch events are collapsed per (crawl, host,
// status class) before writing.
type StoreSink struct {
	repo   store.ProgressRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.ProgressRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume writes the batch. Crawl starts are written before host rows and
// completions after them, so a run row exists for every host row.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[deltaKey]*store.HostDelta)
	var order []deltaKey
	var completions []progress.Event

	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageCrawlStart:
			if err := s.repo.UpsertCrawlStart(ctx, evt.CrawlID, evt.Note, evt.TS); err != nil {
				return fmt.Errorf("upsert crawl start: %w", err)
			}
		case progress.StageCrawlDone, progress.StageCrawlError:
			completions = append(completions, evt)
		case progress.StageFetchDone:
			if evt.Site == "" {
				continue
			}
			key := deltaKey{crawlID: evt.CrawlID, host: evt.Site, statusClass: string(evt.StatusClass)}
			d, ok := deltas[key]
			if !ok {
				d = &store.HostDelta{CrawlID: evt.CrawlID, Host: evt.Site, StatusClass: key.statusClass}
				deltas[key] = d
				order = append(order, key)
			}
			d.Fetches++
			d.Bytes += evt.Bytes
			d.RelevanceSum += evt.Relevance
			if evt.TS.After(d.At) {
				d.At = evt.TS
			}
		}
	}

	for _, key := range order {
		if err := s.repo.UpsertHostStats(ctx, *deltas[key]); err != nil {
			return fmt.Errorf("upsert host stats: %w", err)
		}
	}
	for _, evt := range completions {
		status := store.RunSuccess
		if evt.Stage == progress.StageCrawlError {
			status = store.RunError
		}
		var reason *string
		if evt.Note != "" {
			note := evt.Note
			reason = &note
		}
		if err := s.repo.CompleteCrawl(ctx, evt.CrawlID, evt.TS, status, reason); err != nil {
			return fmt.Errorf("complete crawl: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type deltaKey struct {
	crawlID     string
	host        string
	statusClass string
}
