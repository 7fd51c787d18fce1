package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawl-orchestrator/internal/budget"
	"github.com/JakeFAU/crawl-orchestrator/internal/clock/fake"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/policy/ratelimit"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type stubPolicy struct {
	deny  map[string]bool
	hint  float64
	delay time.Duration
}

func (p stubPolicy) IsAllowed(rawURL, _ string) bool {
	return !p.deny[rawURL]
}

func (p stubPolicy) RateHint(string) (float64, bool) {
	return p.hint, p.hint > 0
}

func (p stubPolicy) CrawlDelay(string) time.Duration {
	return p.delay
}

// unreachableRobots fails every robots.txt fetch.
type unreachableRobots struct{}

func (unreachableRobots) FetchRobots(context.Context, string) (int, []byte, error) {
	return 0, nil, errors.New("connection refused")
}

type mockRateGate struct {
	mock.Mock
}

func (m *mockRateGate) Acquire(host string) ratelimit.Decision {
	args := m.Called(host)
	return args.Get(0).(ratelimit.Decision)
}

func (m *mockRateGate) SetRate(host string, rps float64) {
	m.Called(host, rps)
}

type page struct {
	text  string
	links []crawler.Link
}

// site serves canned pages; unknown URLs fail with a 404.
type site map[string]page

func (s site) outcome(rawURL string) Outcome {
	p, ok := s[rawURL]
	if !ok {
		return Outcome{StatusCode: 404, Err: &crawler.FetchError{URL: rawURL, StatusCode: 404, Err: errors.New("not found")}}
	}
	return Outcome{StatusCode: 200, Bytes: int64(len(p.text)), Text: p.text, Links: p.links}
}

func link(u, anchor string) crawler.Link {
	return crawler.Link{URL: u, Anchor: anchor, Context: anchor}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DefaultRPS = 1000
	cfg.JitterFraction = 0
	return cfg
}

func testDeps(clk *fake.Clock) Deps {
	return Deps{Clock: clk, Policy: stubPolicy{}}
}

// drain runs a single worker until Next fails and returns the dispatch order.
func drain(t *testing.T, h *Handle, s site) ([]Dispatch, error) {
	t.Helper()
	var out []Dispatch
	for {
		d, err := h.Next(context.Background())
		if err != nil {
			return out, err
		}
		out = append(out, d)
		require.NoError(t, h.ReportResult(d.URL, s.outcome(d.URL)))
	}
}

// TestStartCrawlRejectsBadInput verifies config, query and seed validation.
func TestStartCrawlRejectsBadInput(t *testing.T) {
	t.Parallel()

	clk := fake.NewAutoAdvance(epoch)
	ctx := context.Background()

	bad := testConfig()
	bad.DefaultRPS = 0
	_, err := StartCrawl(ctx, []string{"https://news.example/"}, "election", bad, testDeps(clk))
	require.ErrorContains(t, err, "default_rps")

	_, err = StartCrawl(ctx, []string{"https://news.example/"}, "a an of", testConfig(), testDeps(clk))
	require.ErrorContains(t, err, "no usable terms")

	_, err = StartCrawl(ctx, []string{"mailto:desk@news.example", "not a url"}, "election", testConfig(), testDeps(clk))
	require.ErrorIs(t, err, crawler.ErrInvalidURL)

	_, err = StartCrawl(ctx, []string{"https://news.example/"}, "election", testConfig(), Deps{})
	require.ErrorContains(t, err, "clock")
}

// TestCrawlFocusesOnRelevantPages verifies a budgeted crawl spends its pages on
// relevant articles, stays polite to the host and leaves only less relevant
// work queued.
func TestCrawlFocusesOnRelevantPages(t *testing.T) {
	t.Parallel()

	const home = "https://news.example/"
	s := site{}
	homeLinks := []crawler.Link{}
	for i := 1; i <= 49; i++ {
		article := fmt.Sprintf("https://news.example/election/district-%d", i)
		homeLinks = append(homeLinks, link(article, fmt.Sprintf("Election results district %d", i)))
		s[article] = page{
			text: fmt.Sprintf("District %d election results: the count finished overnight and turnout was recorded.", i),
			links: []crawler.Link{
				link(fmt.Sprintf("https://news.example/lifestyle/%d", i), "Recipes and gardening"),
			},
		}
	}
	for i := 1; i <= 20; i++ {
		homeLinks = append(homeLinks,
			link(fmt.Sprintf("https://news.example/weather/%d", i), "Weather forecast"),
			link(fmt.Sprintf("https://news.example/sports/%d", i), "Sports scores"),
		)
	}
	s[home] = page{
		text:  "Election results tonight: live coverage of the election results across every district.",
		links: homeLinks,
	}

	cfg := DefaultConfig()
	cfg.MaxPagesGlobal = 50
	cfg.MaxPagesPerHost = 100
	cfg.DefaultRPS = 2
	clk := fake.NewAutoAdvance(epoch)

	h, err := StartCrawl(context.Background(), []string{home}, "election results", cfg, testDeps(clk))
	require.NoError(t, err)

	var (
		dispatched []Dispatch
		times      []time.Time
	)
	for {
		d, err := h.Next(context.Background())
		if err != nil {
			require.ErrorIs(t, err, crawler.ErrBudgetExceeded)
			break
		}
		dispatched = append(dispatched, d)
		times = append(times, clk.Now())
		require.NoError(t, h.ReportResult(d.URL, s.outcome(d.URL)))
	}

	st := h.Stats()
	require.LessOrEqual(t, st.Pages, int64(50))
	require.Len(t, dispatched, 50)
	require.True(t, st.Done)
	require.ErrorIs(t, h.Err(), crawler.ErrBudgetExceeded)

	minRel := 1.0
	for i, d := range dispatched {
		require.Equal(t, "news.example", d.Host)
		require.Positive(t, d.Relevance, d.URL)
		minRel = min(minRel, d.Relevance)
		if i > 0 {
			gap := times[i].Sub(times[i-1])
			require.GreaterOrEqual(t, gap, 499*time.Millisecond, "gap before %s", d.URL)
		}
	}

	top, ok := h.PeekQueued()
	require.True(t, ok)
	require.Less(t, top.Relevance, minRel)
	require.NotEmpty(t, h.Queued())
}

// TestNextReturnsExhausted verifies the crawl ends once nothing is queued or
// in flight.
func TestNextReturnsExhausted(t *testing.T) {
	t.Parallel()

	s := site{"https://news.example/": {text: "election night"}}
	h, err := StartCrawl(context.Background(), []string{"https://news.example/"}, "election", testConfig(), testDeps(fake.NewAutoAdvance(epoch)))
	require.NoError(t, err)

	got, err := drain(t, h, s)
	require.ErrorIs(t, err, ErrExhausted)
	require.Len(t, got, 1)

	select {
	case <-h.Done():
	default:
		t.Fatal("done channel not closed")
	}
	require.ErrorIs(t, h.Err(), ErrExhausted)
	_, err = h.Next(context.Background())
	require.ErrorIs(t, err, ErrExhausted)
}

// TestNextWaitsForInFlightWork verifies an empty frontier does not end the
// crawl while a result that may add links is outstanding.
func TestNextWaitsForInFlightWork(t *testing.T) {
	t.Parallel()

	s := site{
		"https://news.example/":        {text: "election", links: []crawler.Link{link("/results", "election results")}},
		"https://news.example/results": {text: "election results"},
	}
	h, err := StartCrawl(context.Background(), []string{"https://news.example/"}, "election", testConfig(), testDeps(fake.NewAutoAdvance(epoch)))
	require.NoError(t, err)

	first, err := h.Next(context.Background())
	require.NoError(t, err)

	next := make(chan Dispatch, 1)
	go func() {
		d, err := h.Next(context.Background())
		if err == nil {
			next <- d
		}
		close(next)
	}()

	require.NoError(t, h.ReportResult(first.URL, s.outcome(first.URL)))
	select {
	case d, ok := <-next:
		require.True(t, ok)
		require.Equal(t, "https://news.example/results", d.URL)
		require.Equal(t, 1, d.Depth)
		require.Equal(t, first.URL, d.DiscoveredFrom)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked Next was not woken by the reported links")
	}
}

// TestPolicyDisallowDrops verifies robots-disallowed URLs are never dispatched.
func TestPolicyDisallowDrops(t *testing.T) {
	t.Parallel()

	deps := testDeps(fake.NewAutoAdvance(epoch))
	deps.Policy = stubPolicy{deny: map[string]bool{"https://news.example/private": true}}
	s := site{
		"https://news.example/": {text: "election", links: []crawler.Link{
			link("/private", "election archive"),
			link("/public", "election coverage"),
		}},
		"https://news.example/public": {text: "election coverage"},
	}
	h, err := StartCrawl(context.Background(), []string{"https://news.example/"}, "election", testConfig(), deps)
	require.NoError(t, err)

	got, err := drain(t, h, s)
	require.ErrorIs(t, err, ErrExhausted)
	urls := make([]string, 0, len(got))
	for _, d := range got {
		urls = append(urls, d.URL)
	}
	require.ElementsMatch(t, []string{"https://news.example/", "https://news.example/public"}, urls)
}

// TestRateHintAndLimiterWait verifies the policy rate hint is capped by the
// default rate and a limiter wait defers the entry instead of dropping it.
func TestRateHintAndLimiterWait(t *testing.T) {
	t.Parallel()

	gate := &mockRateGate{}
	gate.On("SetRate", "news.example", 0.5).Return()
	gate.On("Acquire", "news.example").Return(ratelimit.Decision{Wait: 300 * time.Millisecond}).Once()
	gate.On("Acquire", "news.example").Return(ratelimit.Decision{})

	clk := fake.NewAutoAdvance(epoch)
	deps := testDeps(clk)
	deps.Policy = stubPolicy{hint: 0.5}
	deps.Limiter = gate

	h, err := StartCrawl(context.Background(), []string{"https://news.example/"}, "election", testConfig(), deps)
	require.NoError(t, err)

	d, err := h.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "https://news.example/", d.URL)
	require.GreaterOrEqual(t, clk.Now().Sub(epoch), 300*time.Millisecond)
	gate.AssertNumberOfCalls(t, "Acquire", 2)
	gate.AssertExpectations(t)
	h.Stop()
}

// TestStopUnblocksNext verifies Stop wakes a blocked Next with ErrStopped and
// still accepts the outstanding result.
func TestStopUnblocksNext(t *testing.T) {
	t.Parallel()

	h, err := StartCrawl(context.Background(), []string{"https://news.example/"}, "election", testConfig(), testDeps(fake.NewAutoAdvance(epoch)))
	require.NoError(t, err)
	d, err := h.Next(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := h.Next(context.Background())
		errCh <- err
	}()
	h.Stop()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrStopped)
	case <-time.After(5 * time.Second):
		t.Fatal("Next did not return after Stop")
	}
	require.NoError(t, h.ReportResult(d.URL, Outcome{StatusCode: 200, Text: "election"}))
	require.Equal(t, "stopped by caller", h.Stats().StopReason)
}

// TestNextHonorsContext verifies per-call and crawl-level cancellation.
func TestNextHonorsContext(t *testing.T) {
	t.Parallel()

	crawlCtx, cancelCrawl := context.WithCancel(context.Background())
	h, err := StartCrawl(crawlCtx, []string{"https://news.example/"}, "election", testConfig(), testDeps(fake.NewAutoAdvance(epoch)))
	require.NoError(t, err)

	callCtx, cancelCall := context.WithCancel(context.Background())
	cancelCall()
	_, err = h.Next(callCtx)
	require.ErrorIs(t, err, ErrStopped)
	require.ErrorIs(t, err, context.Canceled)
	require.Nil(t, h.Err(), "a cancelled call does not end the crawl")
	_, ok := h.PeekQueued()
	require.True(t, ok)

	cancelCrawl()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("crawl did not stop on context cancellation")
	}
	_, err = h.Next(context.Background())
	require.ErrorIs(t, err, ErrStopped)
}

// TestReportResultRejectsUnknownURL verifies results must match a dispatch and
// are accepted once.
func TestReportResultRejectsUnknownURL(t *testing.T) {
	t.Parallel()

	h, err := StartCrawl(context.Background(), []string{"https://news.example/"}, "election", testConfig(), testDeps(fake.NewAutoAdvance(epoch)))
	require.NoError(t, err)
	defer h.Stop()

	require.ErrorIs(t, h.ReportResult("https://news.example/never", Outcome{}), ErrNotInFlight)

	d, err := h.Next(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.ReportResult(d.URL, Outcome{StatusCode: 200, Text: "election"}))
	require.ErrorIs(t, h.ReportResult(d.URL, Outcome{StatusCode: 200}), ErrNotInFlight)
}

// TestGlobalBudgetStopsCrawl verifies the crawl ends with ErrBudgetExceeded
// and leaves undispatched work visible.
func TestGlobalBudgetStopsCrawl(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxPagesGlobal = 2
	seeds := []string{"https://a.example/", "https://b.example/", "https://c.example/"}
	h, err := StartCrawl(context.Background(), seeds, "election", cfg, testDeps(fake.NewAutoAdvance(epoch)))
	require.NoError(t, err)

	got, err := drain(t, h, site{})
	require.ErrorIs(t, err, crawler.ErrBudgetExceeded)
	require.Len(t, got, 2)

	st := h.Stats()
	require.Equal(t, int64(2), st.Pages)
	require.Equal(t, int64(2), st.Failures, "failed fetches count against the budget")
	require.Contains(t, st.StopReason, "pages 2 reached limit 2")
	_, ok := h.PeekQueued()
	require.True(t, ok)
}

// TestFailedFetchesCanBeExcluded verifies failed fetches do not spend pages
// when counting them is disabled.
func TestFailedFetchesCanBeExcluded(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxPagesGlobal = 2
	cfg.CountFailedFetches = false
	seeds := []string{"https://a.example/", "https://b.example/", "https://c.example/"}
	h, err := StartCrawl(context.Background(), seeds, "election", cfg, testDeps(fake.NewAutoAdvance(epoch)))
	require.NoError(t, err)

	got, err := drain(t, h, site{})
	require.ErrorIs(t, err, ErrExhausted)
	require.Len(t, got, 3)
	require.Zero(t, h.Stats().Pages)
}

// TestEarlyStopHaltsBranch verifies a host whose pages stop matching the query
// stops contributing links.
func TestEarlyStopHaltsBranch(t *testing.T) {
	t.Parallel()

	s := site{}
	var homeLinks []crawler.Link
	for i := 1; i <= 5; i++ {
		a := fmt.Sprintf("https://blog.example/a%d", i)
		homeLinks = append(homeLinks, link(a, "gardening tips"))
		s[a] = page{
			text:  "gardening tips for spring",
			links: []crawler.Link{link(fmt.Sprintf("/b%d", i), "more gardening")},
		}
	}
	s["https://blog.example/"] = page{text: "election results and election coverage", links: homeLinks}

	cfg := testConfig()
	cfg.EarlyStopWindow = 2
	cfg.EarlyStopThreshold = 0.2
	cfg.SimilarityWeight = 0
	h, err := StartCrawl(context.Background(), []string{"https://blog.example/"}, "election", cfg, testDeps(fake.NewAutoAdvance(epoch)))
	require.NoError(t, err)

	got, err := drain(t, h, s)
	require.ErrorIs(t, err, ErrExhausted)

	seen := make(map[string]bool, len(got))
	for _, d := range got {
		seen[d.URL] = true
	}
	for i := 1; i <= 5; i++ {
		require.True(t, seen[fmt.Sprintf("https://blog.example/a%d", i)], "queued links are still crawled")
	}
	require.True(t, seen["https://blog.example/b1"])
	for i := 2; i <= 5; i++ {
		require.False(t, seen[fmt.Sprintf("https://blog.example/b%d", i)], "b%d enqueued after the branch stopped", i)
	}
	require.Equal(t, []string{"blog.example"}, h.Stats().StoppedBranches)
}

// TestMaxDepthLimitsExpansion verifies links beyond the depth limit are not
// enqueued.
func TestMaxDepthLimitsExpansion(t *testing.T) {
	t.Parallel()

	s := site{
		"https://news.example/":   {text: "election", links: []crawler.Link{link("/d1", "election")}},
		"https://news.example/d1": {text: "election", links: []crawler.Link{link("/d2", "election")}},
		"https://news.example/d2": {text: "election"},
	}
	cfg := testConfig()
	cfg.MaxDepth = 1
	h, err := StartCrawl(context.Background(), []string{"https://news.example/"}, "election", cfg, testDeps(fake.NewAutoAdvance(epoch)))
	require.NoError(t, err)

	got, err := drain(t, h, s)
	require.ErrorIs(t, err, ErrExhausted)
	require.Len(t, got, 2)
	require.Equal(t, 1, got[1].Depth)
}

// TestNofollowLinksSkipped verifies rel=nofollow links are ignored when obeyed.
func TestNofollowLinksSkipped(t *testing.T) {
	t.Parallel()

	nofollow := link("/hidden", "election")
	nofollow.NoFollow = true
	s := site{"https://news.example/": {text: "election", links: []crawler.Link{nofollow}}}

	h, err := StartCrawl(context.Background(), []string{"https://news.example/"}, "election", testConfig(), testDeps(fake.NewAutoAdvance(epoch)))
	require.NoError(t, err)
	got, err := drain(t, h, s)
	require.ErrorIs(t, err, ErrExhausted)
	require.Len(t, got, 1)
}

// TestBlockedDomainsDropped verifies links and seeds on blocked hosts are never dispatched.
func TestBlockedDomainsDropped(t *testing.T) {
	t.Parallel()

	s := site{
		"https://news.example/": {text: "election", links: []crawler.Link{
			link("https://pixel.tracker/election", "election"),
			link("https://ads.example/election", "election"),
			link("/results", "election results"),
		}},
		"https://news.example/results": {text: "election results"},
	}
	cfg := testConfig()
	cfg.BlockedDomains = []string{"*.tracker", "ads.example"}
	h, err := StartCrawl(context.Background(), []string{"https://news.example/", "https://ads.example/"}, "election", cfg, testDeps(fake.NewAutoAdvance(epoch)))
	require.NoError(t, err)

	got, err := drain(t, h, s)
	require.ErrorIs(t, err, ErrExhausted)
	urls := make([]string, 0, len(got))
	for _, d := range got {
		urls = append(urls, d.URL)
	}
	require.ElementsMatch(t, []string{"https://news.example/", "https://news.example/results"}, urls)

	_, err = StartCrawl(context.Background(), []string{"https://ads.example/"}, "election", cfg, testDeps(fake.NewAutoAdvance(epoch)))
	require.ErrorIs(t, err, crawler.ErrInvalidURL)
}

// TestSessionLimits verifies a session's page limit only constrains its own
// URLs and links inherit the session.
func TestSessionLimits(t *testing.T) {
	t.Parallel()

	s := site{
		"https://news.example/":     {text: "election"},
		"https://archive.example/1": {text: "election", links: []crawler.Link{link("/2", "election")}},
		"https://archive.example/2": {text: "election"},
		"https://other.example/":    {text: "election"},
	}
	h, err := StartCrawl(context.Background(), []string{"https://news.example/"}, "election", testConfig(), testDeps(fake.NewAutoAdvance(epoch)))
	require.NoError(t, err)

	id, err := h.StartSession([]string{"https://archive.example/1", "https://other.example/"}, budget.Limits{MaxPages: 2})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := drain(t, h, s)
	require.ErrorIs(t, err, ErrExhausted)

	inSession := 0
	for _, d := range got {
		if d.SessionID == id {
			inSession++
		}
	}
	require.Equal(t, 2, inSession)
	require.Len(t, got, 3)

	_, err = h.StartSession([]string{"https://late.example/"}, budget.Limits{})
	require.ErrorIs(t, err, ErrExhausted)
}

// TestConcurrentWorkersDispatchEachURLOnce verifies parallel workers never
// receive the same URL twice.
func TestConcurrentWorkersDispatchEachURLOnce(t *testing.T) {
	t.Parallel()

	s := site{}
	var seeds []string
	for _, host := range []string{"a.example", "b.example", "c.example"} {
		root := "https://" + host + "/"
		seeds = append(seeds, root)
		var links []crawler.Link
		for i := 0; i < 10; i++ {
			u := fmt.Sprintf("%sstory/%d", root, i)
			links = append(links, link(u, "election story"))
			s[u] = page{text: "election story", links: []crawler.Link{link(root, "election home")}}
		}
		s[root] = page{text: "election home", links: links}
	}
	cfg := testConfig()
	cfg.EarlyStopThreshold = 0
	h, err := StartCrawl(context.Background(), seeds, "election", cfg, testDeps(fake.NewAutoAdvance(epoch)))
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	g, ctx := errgroup.WithContext(context.Background())
	for w := 0; w < 4; w++ {
		g.Go(func() error {
			for {
				d, err := h.Next(ctx)
				if errors.Is(err, ErrExhausted) {
					return nil
				}
				if err != nil {
					return err
				}
				mu.Lock()
				seen[d.URL]++
				mu.Unlock()
				if err := h.ReportResult(d.URL, s.outcome(d.URL)); err != nil {
					return err
				}
			}
		})
	}
	require.NoError(t, g.Wait())
	require.Len(t, seen, len(s))
	for u, n := range seen {
		require.Equal(t, 1, n, u)
	}
	require.Equal(t, int64(len(s)), h.Stats().Dispatched)
}

// TestDefaultCrawlDelayPacesUnknownPolicy verifies a host whose robots.txt is
// unreachable is paced at the default crawl delay rather than the default rate.
func TestDefaultCrawlDelayPacesUnknownPolicy(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.DefaultRPS = 2
	cfg.DefaultCrawlDelay = 5 * time.Second
	cfg.PolicyMaxRetries = 1
	clk := fake.NewAutoAdvance(epoch)
	deps := Deps{Clock: clk, RobotsSource: unreachableRobots{}}

	seeds := []string{"https://slow.example/a", "https://slow.example/b"}
	h, err := StartCrawl(context.Background(), seeds, "election", cfg, deps)
	require.NoError(t, err)
	defer h.Stop()

	var times []time.Time
	for range seeds {
		d, err := h.Next(context.Background())
		require.NoError(t, err)
		times = append(times, clk.Now())
		require.NoError(t, h.ReportResult(d.URL, Outcome{StatusCode: 200, Text: "election"}))
	}
	require.GreaterOrEqual(t, times[1].Sub(times[0]), 5*time.Second)
}

// TestDefaultCrawlDelayIgnoredWithoutRobots verifies the default crawl delay
// only paces hosts while robots are respected.
func TestDefaultCrawlDelayIgnoredWithoutRobots(t *testing.T) {
	t.Parallel()

	gate := &mockRateGate{}
	gate.On("SetRate", "news.example", 1000.0).Return()
	gate.On("Acquire", "news.example").Return(ratelimit.Decision{})

	cfg := testConfig()
	cfg.RespectRobots = false
	deps := testDeps(fake.NewAutoAdvance(epoch))
	deps.Policy = stubPolicy{delay: 5 * time.Second}
	deps.Limiter = gate

	h, err := StartCrawl(context.Background(), []string{"https://news.example/"}, "election", cfg, deps)
	require.NoError(t, err)
	_, err = h.Next(context.Background())
	require.NoError(t, err)
	gate.AssertExpectations(t)
	h.Stop()
}

// TestAdaptiveModeRecoversFailingHost verifies a host that fails often enough
// to be throttled is still crawled at a slower pace and the crawl ends once
// its queue is drained.
func TestAdaptiveModeRecoversFailingHost(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.EnforcementMode = budget.Adaptive
	cfg.ErrorWindow = 10
	clk := fake.NewAutoAdvance(epoch)

	seeds := make([]string, 0, 8)
	for i := 0; i < 8; i++ {
		seeds = append(seeds, fmt.Sprintf("https://flaky.example/story/%d", i))
	}
	h, err := StartCrawl(context.Background(), seeds, "election", cfg, testDeps(clk))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var times []time.Time
	for {
		d, err := h.Next(ctx)
		if err != nil {
			require.ErrorIs(t, err, ErrExhausted)
			break
		}
		times = append(times, clk.Now())
		out := Outcome{StatusCode: 200, Bytes: 8, Text: "election"}
		if len(times) <= 5 {
			out = Outcome{StatusCode: 503, Err: &crawler.FetchError{URL: d.URL, StatusCode: 503, Err: errors.New("unavailable")}}
		}
		require.NoError(t, h.ReportResult(d.URL, out))
	}

	require.Len(t, times, len(seeds))
	require.GreaterOrEqual(t, times[5].Sub(times[4]), 5*time.Second)
	st := h.Stats()
	require.EqualValues(t, 5, st.Failures)
	require.ErrorIs(t, h.Err(), ErrExhausted)
}

// TestQueuedEntriesRescoredAsHostIsVisited verifies the host diversity bonus
// of queued entries shrinks as their host is crawled, letting a fresh host
// overtake them.
func TestQueuedEntriesRescoredAsHostIsVisited(t *testing.T) {
	t.Parallel()

	seeds := []string{"https://a.example/1", "https://a.example/2", "https://b.example/1"}
	s := site{}
	for _, u := range seeds {
		s[u] = page{text: "election"}
	}
	h, err := StartCrawl(context.Background(), seeds, "election", testConfig(), testDeps(fake.NewAutoAdvance(epoch)))
	require.NoError(t, err)

	got, err := drain(t, h, s)
	require.ErrorIs(t, err, ErrExhausted)
	urls := make([]string, 0, len(got))
	for _, d := range got {
		urls = append(urls, d.URL)
	}
	require.Equal(t, []string{"https://a.example/1", "https://b.example/1", "https://a.example/2"}, urls)
}

// TestURLSignalsBreakAnchorTies verifies links with equally uninformative
// anchors are ordered by query terms in their URL.
func TestURLSignalsBreakAnchorTies(t *testing.T) {
	t.Parallel()

	s := site{
		"https://news.example/": {text: "election", links: []crawler.Link{
			link("/weather/today", "Read more"),
			link("/election/today", "Read more"),
		}},
		"https://news.example/weather/today":  {text: "election"},
		"https://news.example/election/today": {text: "election"},
	}
	h, err := StartCrawl(context.Background(), []string{"https://news.example/"}, "election", testConfig(), testDeps(fake.NewAutoAdvance(epoch)))
	require.NoError(t, err)

	got, err := drain(t, h, s)
	require.ErrorIs(t, err, ErrExhausted)
	require.Len(t, got, 3)
	require.Equal(t, "https://news.example/election/today", got[1].URL)
	require.Equal(t, "https://news.example/weather/today", got[2].URL)
}

// TestMaxQueuedPerHostCapsFrontier verifies links beyond the per-host queue
// cap are not queued.
func TestMaxQueuedPerHostCapsFrontier(t *testing.T) {
	t.Parallel()

	links := make([]crawler.Link, 0, 5)
	for i := 0; i < 5; i++ {
		links = append(links, link(fmt.Sprintf("/election/%d", i), "election"))
	}
	cfg := testConfig()
	cfg.MaxQueuedPerHost = 2
	h, err := StartCrawl(context.Background(), []string{"https://news.example/"}, "election", cfg, testDeps(fake.NewAutoAdvance(epoch)))
	require.NoError(t, err)
	defer h.Stop()

	d, err := h.Next(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.ReportResult(d.URL, Outcome{StatusCode: 200, Text: "election", Links: links}))
	require.Len(t, h.Queued(), 2)
}
