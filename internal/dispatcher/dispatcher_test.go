package dispatcher

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/clock/fake"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/crawl-orchestrator/internal/worker"
)

type siteFetcher struct {
	mu    sync.Mutex
	pages map[string]crawler.FetchResponse
	calls map[string]int
}

func (f *siteFetcher) Fetch(_ context.Context, rawURL string) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[rawURL]++
	resp, ok := f.pages[rawURL]
	if !ok {
		return crawler.FetchResponse{URL: rawURL, StatusCode: http.StatusNotFound},
			&crawler.FetchError{URL: rawURL, StatusCode: http.StatusNotFound}
	}
	return resp, nil
}

func newSite(n int) *siteFetcher {
	f := &siteFetcher{pages: make(map[string]crawler.FetchResponse), calls: make(map[string]int)}
	var links []crawler.Link
	for i := 0; i < n; i++ {
		u := fmt.Sprintf("https://news.example/election/%d", i)
		links = append(links, crawler.Link{URL: u, Anchor: "election result"})
		f.pages[u] = crawler.FetchResponse{URL: u, StatusCode: http.StatusOK, Text: "election count update", BytesLen: 100}
	}
	f.pages["https://news.example/"] = crawler.FetchResponse{
		URL: "https://news.example/", StatusCode: http.StatusOK, Text: "election coverage", Links: links, BytesLen: 100,
	}
	return f
}

func engineConfig() orchestrator.Config {
	cfg := orchestrator.DefaultConfig()
	cfg.RespectRobots = false
	cfg.DefaultRPS = 1000
	cfg.JitterFraction = 0
	cfg.MaxPagesPerHost = 0
	cfg.EarlyStopThreshold = 0
	return cfg
}

// TestDispatcherDrainsCrawl verifies a pool fetches each page once and ends
// with the crawl exhausted.
func TestDispatcherDrainsCrawl(t *testing.T) {
	t.Parallel()

	clk := fake.NewAutoAdvance(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	h, err := orchestrator.StartCrawl(context.Background(), []string{"https://news.example/"}, "election",
		engineConfig(), orchestrator.Deps{Clock: clk, Logger: zap.NewNop()})
	require.NoError(t, err)

	site := newSite(12)
	d := New(h, site, clk, 4, worker.Config{}, zap.NewNop())
	err = d.Run(context.Background())
	require.ErrorIs(t, err, orchestrator.ErrExhausted)

	require.Len(t, site.calls, 13)
	for u, n := range site.calls {
		require.Equal(t, 1, n, u)
	}
	require.Equal(t, int64(13), h.Stats().Pages)
}

// TestDispatcherStopsOnContextCancel verifies cancelling Run ends the crawl.
func TestDispatcherStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	clk := fake.New(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	cfg := engineConfig()
	cfg.DefaultRPS = 0.001
	h, err := orchestrator.StartCrawl(context.Background(), []string{"https://news.example/", "https://news.example/x"}, "election",
		cfg, orchestrator.Deps{Clock: clk})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(h, newSite(0), nil, 2, worker.Config{}, nil).Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, orchestrator.ErrStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
	select {
	case <-h.Done():
	default:
		t.Fatal("crawl still running")
	}
	require.True(t, strings.Contains(h.Stats().StopReason, "stopped"))
}

// TestNewClampsPoolSize verifies at least one worker runs.
func TestNewClampsPoolSize(t *testing.T) {
	t.Parallel()

	require.Equal(t, 1, New(nil, nil, nil, 0, worker.Config{}, nil).size)
}
