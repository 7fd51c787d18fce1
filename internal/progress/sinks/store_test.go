package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/progress"
	"github.com/JakeFAU/crawl-orchestrator/internal/store"
)

type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) UpsertCrawlStart(ctx context.Context, crawlID, query string, startedAt time.Time) error {
	return m.Called(ctx, crawlID, query, startedAt).Error(0)
}

func (m *mockRepo) CompleteCrawl(
	ctx context.Context,
	crawlID string,
	finishedAt time.Time,
	status store.RunStatus,
	reason *string,
) error {
	return m.Called(ctx, crawlID, finishedAt, status, reason).Error(0)
}

func (m *mockRepo) UpsertHostStats(ctx context.Context, delta store.HostDelta) error {
	return m.Called(ctx, delta).Error(0)
}

func (m *mockRepo) GetCrawl(context.Context, string) (store.CrawlRun, error) {
	return store.CrawlRun{}, errors.New("not implemented")
}

func (m *mockRepo) ListCrawls(context.Context, *store.RunStatus, int, int) ([]store.CrawlRun, error) {
	return nil, errors.New("not implemented")
}

func (m *mockRepo) ListCrawlHosts(context.Context, string, int, int) ([]store.HostStats, error) {
	return nil, errors.New("not implemented")
}

// TestStoreSinkPersistsEvents ensures fetches are collapsed per host and status
// class before persisting, between the run start and its completion.
func TestStoreSinkPersistsEvents(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	repo := &mockRepo{}
	var calls []string
	repo.On("UpsertCrawlStart", mock.Anything, "c1", "election results", now).
		Run(func(mock.Arguments) { calls = append(calls, "start") }).Return(nil)
	repo.On("UpsertHostStats", mock.Anything, store.HostDelta{
		CrawlID: "c1", Host: "news.example", StatusClass: "2xx",
		Fetches: 2, Bytes: 150, RelevanceSum: 1.25, At: now.Add(2 * time.Second),
	}).Run(func(mock.Arguments) { calls = append(calls, "host") }).Return(nil)
	repo.On("UpsertHostStats", mock.Anything, store.HostDelta{
		CrawlID: "c1", Host: "news.example", StatusClass: "4xx",
		Fetches: 1, At: now.Add(3 * time.Second),
	}).Run(func(mock.Arguments) { calls = append(calls, "host") }).Return(nil)
	reason := "frontier exhausted"
	repo.On("CompleteCrawl", mock.Anything, "c1", now.Add(4*time.Second), store.RunSuccess, &reason).
		Run(func(mock.Arguments) { calls = append(calls, "complete") }).Return(nil)

	sink := NewStoreSink(repo, nil)
	batch := []progress.Event{
		{CrawlID: "c1", Stage: progress.StageCrawlStart, TS: now, Note: "election results"},
		{
			CrawlID: "c1", Stage: progress.StageFetchDone, Site: "news.example",
			Bytes: 100, Relevance: 0.75, StatusClass: progress.Status2xx, TS: now.Add(time.Second),
		},
		{
			CrawlID: "c1", Stage: progress.StageFetchDone, Site: "news.example",
			Bytes: 50, Relevance: 0.5, StatusClass: progress.Status2xx, TS: now.Add(2 * time.Second),
		},
		{
			CrawlID: "c1", Stage: progress.StageFetchDone, Site: "news.example",
			StatusClass: progress.Status4xx, TS: now.Add(3 * time.Second),
		},
		{CrawlID: "c1", Stage: progress.StageDispatch, Site: "news.example", TS: now},
		{CrawlID: "c1", Stage: progress.StageCrawlDone, TS: now.Add(4 * time.Second), Note: reason},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))
	repo.AssertExpectations(t)
	require.Equal(t, []string{"start", "host", "host", "complete"}, calls)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &mockRepo{}
	repo.On("UpsertCrawlStart", mock.Anything, "c1", "", mock.Anything).Return(errors.New("db down"))

	sink := NewStoreSink(repo, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{CrawlID: "c1", Stage: progress.StageCrawlStart, TS: time.Now()},
	})
	require.ErrorContains(t, err, "upsert crawl start")
}

// TestStoreSinkMarksErrors verifies a crawl error completes the run as error.
func TestStoreSinkMarksErrors(t *testing.T) {
	t.Parallel()

	repo := &mockRepo{}
	repo.On("CompleteCrawl", mock.Anything, "c1", mock.Anything, store.RunError, mock.Anything).Return(nil)

	sink := NewStoreSink(repo, nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{CrawlID: "c1", Stage: progress.StageCrawlError, TS: time.Now(), Note: "concurrency violation"},
	}))
	repo.AssertExpectations(t)
}

// TestNilStoreSink verifies a sink without a repository is inert.
func TestNilStoreSink(t *testing.T) {
	t.Parallel()

	var s *StoreSink
	require.NoError(t, s.Consume(context.Background(), []progress.Event{{CrawlID: "c1"}}))
}
