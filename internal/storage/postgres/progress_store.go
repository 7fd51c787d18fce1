// Package postgres persists crawl progress in Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawl-orchestrator/internal/store"
)

// Schema creates the tables ProgressStore writes to.
const Schema = `
CREATE TABLE IF NOT EXISTS crawl_runs (
	id            TEXT PRIMARY KEY,
	query         TEXT NOT NULL DEFAULT '',
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	status        TEXT NOT NULL,
	stop_reason   TEXT
);
CREATE TABLE IF NOT EXISTS crawl_host_stats (
	crawl_id      TEXT NOT NULL REFERENCES crawl_runs(id) ON DELETE CASCADE,
	host          TEXT NOT NULL,
	last_update   TIMESTAMPTZ NOT NULL,
	fetches       BIGINT NOT NULL DEFAULT 0,
	bytes_total   BIGINT NOT NULL DEFAULT 0,
	fetch_2xx     BIGINT NOT NULL DEFAULT 0,
	fetch_3xx     BIGINT NOT NULL DEFAULT 0,
	fetch_4xx     BIGINT NOT NULL DEFAULT 0,
	fetch_5xx     BIGINT NOT NULL DEFAULT 0,
	fetch_other   BIGINT NOT NULL DEFAULT 0,
	relevance_sum DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (crawl_id, host)
);`

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// ProgressStore implements store.ProgressRepository on Postgres.
type ProgressStore struct {
	pool pool
}

// NewProgressStore connects to dsn and returns a ProgressStore.
func NewProgressStore(ctx context.Context, dsn string) (*ProgressStore, error) {
	if dsn == "" {
		return nil, errors.New("progress dsn is required")
	}
	p, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &ProgressStore{pool: p}, nil
}

// NewProgressStoreWithPool wraps an existing pool (primarily for testing).
func NewProgressStoreWithPool(p pool) *ProgressStore {
	return &ProgressStore{pool: p}
}

// EnsureSchema creates the progress tables if they are missing.
func (s *ProgressStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create progress schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *ProgressStore) Close() {
	s.pool.Close()
}

// UpsertCrawlStart inserts a running crawl row.
func (s *ProgressStore) UpsertCrawlStart(ctx context.Context, crawlID, query string, startedAt time.Time) error {
	const q = `
		INSERT INTO crawl_runs (id, query, started_at, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING;
	`
	if _, err := s.pool.Exec(ctx, q, crawlID, query, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("failed to upsert crawl start: %w", err)
	}
	return nil
}

// CompleteCrawl marks a crawl finished.
func (s *ProgressStore) CompleteCrawl(
	ctx context.Context,
	crawlID string,
	finishedAt time.Time,
	status store.RunStatus,
	reason *string,
) error {
	const q = `
		UPDATE crawl_runs
		SET finished_at = $1, status = $2, stop_reason = $3
		WHERE id = $4;
	`
	if _, err := s.pool.Exec(ctx, q, finishedAt, status, reason, crawlID); err != nil {
		return fmt.Errorf("failed to complete crawl: %w", err)
	}
	return nil
}

// UpsertHostStats adds d to the crawl's host row in one statement.
func (s *ProgressStore) UpsertHostStats(ctx context.Context, d store.HostDelta) error {
	var c2, c3, c4, c5, other int64
	switch d.StatusClass {
	case "2xx":
		c2 = d.Fetches
	case "3xx":
		c3 = d.Fetches
	case "4xx":
		c4 = d.Fetches
	case "5xx":
		c5 = d.Fetches
	default:
		other = d.Fetches
	}
	const q = `
		INSERT INTO crawl_host_stats
			(crawl_id, host, last_update, fetches, bytes_total,
			 fetch_2xx, fetch_3xx, fetch_4xx, fetch_5xx, fetch_other, relevance_sum)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (crawl_id, host) DO UPDATE SET
			last_update   = GREATEST(crawl_host_stats.last_update, EXCLUDED.last_update),
			fetches       = crawl_host_stats.fetches + EXCLUDED.fetches,
			bytes_total   = crawl_host_stats.bytes_total + EXCLUDED.bytes_total,
			fetch_2xx     = crawl_host_stats.fetch_2xx + EXCLUDED.fetch_2xx,
			fetch_3xx     = crawl_host_stats.fetch_3xx + EXCLUDED.fetch_3xx,
			fetch_4xx     = crawl_host_stats.fetch_4xx + EXCLUDED.fetch_4xx,
			fetch_5xx     = crawl_host_stats.fetch_5xx + EXCLUDED.fetch_5xx,
			fetch_other   = crawl_host_stats.fetch_other + EXCLUDED.fetch_other,
			relevance_sum = crawl_host_stats.relevance_sum + EXCLUDED.relevance_sum;
	`
	_, err := s.pool.Exec(ctx, q,
		d.CrawlID, d.Host, d.At, d.Fetches, d.Bytes,
		c2, c3, c4, c5, other, d.RelevanceSum,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert host stats: %w", err)
	}
	return nil
}

// GetCrawl retrieves a single crawl run by ID.
func (s *ProgressStore) GetCrawl(ctx context.Context, crawlID string) (store.CrawlRun, error) {
	const q = `
		SELECT id, query, started_at, finished_at, status, stop_reason
		FROM crawl_runs
		WHERE id = $1;
	`
	var run store.CrawlRun
	err := s.pool.QueryRow(ctx, q, crawlID).Scan(
		&run.ID,
		&run.Query,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.StopReason,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.CrawlRun{}, store.ErrNotFound
		}
		return store.CrawlRun{}, fmt.Errorf("failed to get crawl: %w", err)
	}
	return run, nil
}

// ListCrawls retrieves crawl runs, newest first, optionally filtered by status.
func (s *ProgressStore) ListCrawls(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.CrawlRun, error) {
	const q = `
		SELECT id, query, started_at, finished_at, status, stop_reason
		FROM crawl_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, q, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list crawls: %w", err)
	}
	defer rows.Close()

	var runs []store.CrawlRun
	for rows.Next() {
		var run store.CrawlRun
		if err := rows.Scan(
			&run.ID,
			&run.Query,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Status,
			&run.StopReason,
		); err != nil {
			return nil, fmt.Errorf("failed to scan crawl row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate crawls: %w", err)
	}
	return runs, nil
}

// ListCrawlHosts retrieves per-host aggregates for a crawl, busiest first.
func (s *ProgressStore) ListCrawlHosts(
	ctx context.Context,
	crawlID string,
	limit,
	offset int,
) ([]store.HostStats, error) {
	const q = `
		SELECT crawl_id, host, last_update, fetches, bytes_total,
		       fetch_2xx, fetch_3xx, fetch_4xx, fetch_5xx, fetch_other, relevance_sum
		FROM crawl_host_stats
		WHERE crawl_id = $1
		ORDER BY fetches DESC, host
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, q, crawlID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list crawl hosts: %w", err)
	}
	defer rows.Close()

	var stats []store.HostStats
	for rows.Next() {
		var st store.HostStats
		if err := rows.Scan(
			&st.CrawlID,
			&st.Host,
			&st.LastUpdate,
			&st.Fetches,
			&st.BytesTotal,
			&st.Fetch2xx,
			&st.Fetch3xx,
			&st.Fetch4xx,
			&st.Fetch5xx,
			&st.FetchOther,
			&st.RelevanceSum,
		); err != nil {
			return nil, fmt.Errorf("failed to scan host stats row: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate host stats: %w", err)
	}
	return stats, nil
}
