package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// TestFetchExtractsPage verifies a successful fetch carries body, text and links.
func TestFetchExtractsPage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "test-agent", r.UserAgent())
		require.Equal(t, "yes", r.Header.Get("X-Trace"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(articleHTML))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "test-agent", Timeout: time.Second, Headers: http.Header{"X-Trace": {"yes"}}}, nil)
	resp, err := f.Fetch(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int64(len(articleHTML)), resp.BytesLen)
	require.Contains(t, resp.Text, "Election results")
	require.Len(t, resp.Links, 3)
}

// TestFetchSkipsExtractionForNonHTML verifies binary bodies are not parsed.
func TestFetchSkipsExtractionForNonHTML(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"a":"<a href='/x'>x</a>"}`))
	}))
	defer srv.Close()

	resp, err := New(Config{}, nil).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Empty(t, resp.Links)
	require.Empty(t, resp.Text)
}

// TestFetchClientErrorIsFinal verifies a 404 returns a FetchError without retry.
func TestFetchClientErrorIsFinal(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.NotFound(w, nil)
	}))
	defer srv.Close()

	resp, err := New(Config{MaxAttempts: 3}, nil).Fetch(context.Background(), srv.URL+"/missing")
	var fe *crawler.FetchError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, http.StatusNotFound, fe.StatusCode)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, int32(1), hits.Load())
}

// TestFetchRetriesServerErrors verifies a transient 503 is retried.
func TestFetchRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>recovered</body></html>"))
	}))
	defer srv.Close()

	resp, err := New(Config{MaxAttempts: 2}, nil).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, "recovered", resp.Text)
	require.Equal(t, int32(2), hits.Load())
}

// TestFetchHonorsContext verifies a cancelled context aborts the fetch.
func TestFetchHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Config{Timeout: 5 * time.Second}, nil).Fetch(ctx, srv.URL)
	require.ErrorIs(t, err, context.Canceled)
}

// TestRetryPolicy verifies which failures are retried.
func TestRetryPolicy(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(3)
	require.False(t, p.ShouldRetry(nil, 1))
	require.False(t, p.ShouldRetry(context.Canceled, 1))
	require.True(t, p.ShouldRetry(&crawler.FetchError{StatusCode: 502, Err: errors.New("bad gateway")}, 1))
	require.True(t, p.ShouldRetry(&crawler.FetchError{StatusCode: 429, Err: errors.New("slow down")}, 2))
	require.False(t, p.ShouldRetry(&crawler.FetchError{StatusCode: 403, Err: errors.New("forbidden")}, 1))
	require.False(t, p.ShouldRetry(&crawler.FetchError{StatusCode: 502, Err: errors.New("bad gateway")}, 3))

	for attempt := 0; attempt < 6; attempt++ {
		d := p.Backoff(attempt)
		require.Positive(t, d)
		require.LessOrEqual(t, d, 5*time.Second)
	}
}
