// Package postgres provides a Postgres-backed visited set so that several
// crawler processes working one crawl share a single dedup view.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "visited_urls"

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements crawler.AtomicVisitedSet. Rows are keyed by crawl scope and
// the hex SHA-256 of the normalized URL.
type Store struct {
	pool   pool
	table  string
	scope  string
	hasher crawler.Hasher
}

// NewStore connects to Postgres and returns a Store scoped to one crawl.
func NewStore(ctx context.Context, cfg Config, scope string, hasher crawler.Hasher) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dedup.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewStoreWithPool(p, cfg.Table, scope, hasher)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(p pool, table, scope string, hasher crawler.Hasher) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if scope == "" {
		return nil, fmt.Errorf("scope is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: p, table: table, scope: scope, hasher: hasher}, nil
}

// EnsureSchema creates the visited table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	scope TEXT NOT NULL,
	url_hash TEXT NOT NULL,
	url TEXT NOT NULL,
	seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (scope, url_hash)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create visited table: %w", err)
	}
	return nil
}

// HasSeen implements crawler.VisitedSet.
func (s *Store) HasSeen(ctx context.Context, url string) (bool, error) {
	key, err := s.key(url)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE scope = $1 AND url_hash = $2)`, s.table)
	var seen bool
	if err := s.pool.QueryRow(ctx, query, s.scope, key).Scan(&seen); err != nil {
		return false, fmt.Errorf("query visited url: %w", err)
	}
	return seen, nil
}

// MarkSeen implements crawler.VisitedSet.
func (s *Store) MarkSeen(ctx context.Context, url string) error {
	_, err := s.MarkIfNew(ctx, url)
	return err
}

// MarkIfNew inserts the URL and reports whether the row did not exist yet.
func (s *Store) MarkIfNew(ctx context.Context, url string) (bool, error) {
	key, err := s.key(url)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(`INSERT INTO %s (scope, url_hash, url) VALUES ($1, $2, $3) ON CONFLICT (scope, url_hash) DO NOTHING`, s.table)
	tag, err := s.pool.Exec(ctx, query, s.scope, key, url)
	if err != nil {
		return false, fmt.Errorf("insert visited url: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) key(url string) (string, error) {
	key, err := s.hasher.Hash([]byte(url))
	if err != nil {
		return "", fmt.Errorf("hash url: %w", err)
	}
	return key, nil
}
