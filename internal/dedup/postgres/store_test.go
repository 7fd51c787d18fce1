package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/hash/sha256"
)

const testURL = "https://news.example/election"

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface, string) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	hasher := sha256.New()
	store, err := NewStoreWithPool(mock, "visited_urls", "crawl-1", hasher)
	require.NoError(t, err)
	key, err := hasher.Hash([]byte(testURL))
	require.NoError(t, err)
	return store, mock, key
}

func TestMarkIfNewInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock, key := newMockStore(t)
	mock.ExpectExec("INSERT INTO visited_urls").
		WithArgs("crawl-1", key, testURL).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO visited_urls").
		WithArgs("crawl-1", key, testURL).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	isNew, err := store.MarkIfNew(context.Background(), testURL)
	require.NoError(t, err)
	require.True(t, isNew)

	isNew, err = store.MarkIfNew(context.Background(), testURL)
	require.NoError(t, err)
	require.False(t, isNew)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHasSeenQueriesByHash(t *testing.T) {
	t.Parallel()

	store, mock, key := newMockStore(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("crawl-1", key).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	seen, err := store.HasSeen(context.Background(), testURL)
	require.NoError(t, err)
	require.True(t, seen)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSeenWrapsErrors(t *testing.T) {
	t.Parallel()

	store, mock, key := newMockStore(t)
	mock.ExpectExec("INSERT INTO visited_urls").
		WithArgs("crawl-1", key, testURL).
		WillReturnError(errors.New("connection reset"))

	err := store.MarkSeen(context.Background(), testURL)
	require.ErrorContains(t, err, "insert visited url")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS visited_urls").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewStoreWithPoolValidates(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewStoreWithPool(nil, "", "crawl-1", sha256.New())
	require.Error(t, err)
	_, err = NewStoreWithPool(mock, "bad-name;", "crawl-1", sha256.New())
	require.Error(t, err)
	_, err = NewStoreWithPool(mock, "", "", sha256.New())
	require.Error(t, err)
	_, err = NewStoreWithPool(mock, "", "crawl-1", nil)
	require.Error(t, err)

	store, err := NewStoreWithPool(mock, "", "crawl-1", sha256.New())
	require.NoError(t, err)
	require.Equal(t, defaultTable, store.table)
}

func TestNewStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewStore(context.Background(), Config{}, "crawl-1", sha256.New())
	require.Error(t, err)
}
