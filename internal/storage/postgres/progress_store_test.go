package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/store"
)

func newMockStore(t *testing.T) (*ProgressStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewProgressStoreWithPool(mock), mock
}

// TestUpsertCrawlStart verifies a run row is inserted as running.
func TestUpsertCrawlStart(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("INSERT INTO crawl_runs").
		WithArgs("crawl-1", "election results", now, store.RunRunning).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.UpsertCrawlStart(context.Background(), "crawl-1", "election results", now))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestCompleteCrawlWrapsErrors verifies driver errors are wrapped.
func TestCompleteCrawlWrapsErrors(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	boom := errors.New("connection refused")
	reason := "pages 50 reached limit 50"
	mock.ExpectExec("UPDATE crawl_runs").
		WithArgs(pgxmock.AnyArg(), store.RunSuccess, &reason, "crawl-1").
		WillReturnError(boom)

	err := s.CompleteCrawl(context.Background(), "crawl-1", time.Now(), store.RunSuccess, &reason)
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "complete crawl")
}

// TestUpsertHostStatsSplitsStatusClass verifies the delta lands in the
// matching status column.
func TestUpsertHostStatsSplitsStatusClass(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	at := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("INSERT INTO crawl_host_stats").
		WithArgs("crawl-1", "news.example", at, int64(3), int64(2048),
			int64(0), int64(0), int64(3), int64(0), int64(0), 0.0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO crawl_host_stats").
		WithArgs("crawl-1", "news.example", at, int64(1), int64(0),
			int64(0), int64(0), int64(0), int64(0), int64(1), 0.0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.UpsertHostStats(context.Background(), store.HostDelta{
		CrawlID: "crawl-1", Host: "news.example", StatusClass: "4xx", Fetches: 3, Bytes: 2048, At: at,
	}))
	require.NoError(t, s.UpsertHostStats(context.Background(), store.HostDelta{
		CrawlID: "crawl-1", Host: "news.example", StatusClass: "other", Fetches: 1, At: at,
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestGetCrawlNotFound verifies missing rows map to store.ErrNotFound.
func TestGetCrawlNotFound(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id, query, started_at").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetCrawl(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

// TestListCrawlsScansRows verifies rows are decoded in order.
func TestListCrawlsScansRows(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)
	reason := "frontier exhausted"
	rows := pgxmock.NewRows([]string{"id", "query", "started_at", "finished_at", "status", "stop_reason"}).
		AddRow("crawl-2", "election", started, &finished, store.RunSuccess, &reason).
		AddRow("crawl-1", "election", started.Add(-time.Hour), nil, store.RunRunning, nil)
	mock.ExpectQuery("FROM crawl_runs").
		WithArgs(pgxmock.AnyArg(), 10, 0).
		WillReturnRows(rows)

	runs, err := s.ListCrawls(context.Background(), nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "crawl-2", runs[0].ID)
	require.Equal(t, finished, *runs[0].FinishedAt)
	require.Nil(t, runs[1].FinishedAt)
	require.Equal(t, store.RunRunning, runs[1].Status)
}

// TestListCrawlHosts verifies host aggregates are decoded.
func TestListCrawlHosts(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	at := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{
		"crawl_id", "host", "last_update", "fetches", "bytes_total",
		"fetch_2xx", "fetch_3xx", "fetch_4xx", "fetch_5xx", "fetch_other", "relevance_sum",
	}).AddRow("crawl-1", "news.example", at, int64(4), int64(4096), int64(4), int64(0), int64(0), int64(0), int64(0), 2.0)
	mock.ExpectQuery("FROM crawl_host_stats").
		WithArgs("crawl-1", 100, 0).
		WillReturnRows(rows)

	hosts, err := s.ListCrawlHosts(context.Background(), "crawl-1", 100, 0)
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	require.InDelta(t, 0.5, hosts[0].MeanRelevance(), 1e-9)
}

// TestEnsureSchema verifies the schema statement is executed.
func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_runs").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, s.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
