// Package orchestrator runs a query-focused crawl. It orders discovered URLs by
// predicted relevance, passes each through the robots, budget and rate gates
// before releasing it to a worker, and learns from every reported page.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/budget"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/dedup/memory"
	"github.com/JakeFAU/crawl-orchestrator/internal/frontier"
	"github.com/JakeFAU/crawl-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
	"github.com/JakeFAU/crawl-orchestrator/internal/policy/ratelimit"
	"github.com/JakeFAU/crawl-orchestrator/internal/policy/robots"
	"github.com/JakeFAU/crawl-orchestrator/internal/progress"
	"github.com/JakeFAU/crawl-orchestrator/internal/relevance"
	"github.com/JakeFAU/crawl-orchestrator/internal/similarity"
)

const seedRelevance = 1.0

type inflight struct {
	entry frontier.Entry
	res   *budget.Reservation
}

// Handle controls one running crawl. All methods are safe for concurrent use.
type Handle struct {
	id     string
	cfg    Config
	query  relevance.Query
	clock  crawler.Clock
	logger *zap.Logger
	events progress.Emitter
	ids    crawler.IDGenerator

	frontier    *frontier.Frontier
	scorer      *relevance.Scorer
	budget      *budget.Manager
	policy      PolicyGate
	limiter     RateGate
	similarity  crawler.Similarity
	blocked     *crawler.Blocklist
	ownedRobots *robots.Cache

	wake   *broadcaster
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	inflight   map[string]inflight
	dispatched map[string]struct{}
	// pending counts popped entries still being gated plus results still
	// being expanded; either may add work to the frontier.
	pending         int
	visits          map[string]int
	recent          []string
	trends          map[string]*trend
	stoppedBranches map[string]struct{}
	dispatchCount   int64
	finished        bool
	err             error
	stopReason      string
	diagnostic      string
}

// StartCrawl seeds a new crawl and starts its background monitors. The crawl
// stops when ctx is cancelled, Stop is called, a global budget is spent or
// the frontier runs dry.
func StartCrawl(ctx context.Context, seeds []string, query string, cfg Config, deps Deps) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid crawl config: %w", err)
	}
	if deps.Clock == nil {
		return nil, errors.New("clock is required")
	}
	q := relevance.ParseQuery(query)
	if q.Empty() {
		return nil, fmt.Errorf("query %q has no usable terms", query)
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ids := deps.IDs
	if ids == nil {
		ids = uuid.New()
	}
	id, err := ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("crawl id: %w", err)
	}
	logger = logger.Named("orchestrator").With(zap.String("crawl_id", id))

	bm, err := budget.New(cfg.budgetConfig(), deps.Clock, logger.Named("budget"))
	if err != nil {
		return nil, fmt.Errorf("budget: %w", err)
	}

	h := &Handle{
		id:              id,
		cfg:             cfg,
		query:           q,
		clock:           deps.Clock,
		logger:          logger,
		events:          deps.Events,
		ids:             ids,
		scorer:          relevance.NewScorer(relevance.Config{}),
		budget:          bm,
		policy:          deps.Policy,
		limiter:         deps.Limiter,
		similarity:      deps.Similarity,
		blocked:         crawler.NewBlocklist(cfg.BlockedDomains),
		wake:            newBroadcaster(),
		done:            make(chan struct{}),
		inflight:        make(map[string]inflight),
		dispatched:      make(map[string]struct{}),
		visits:          make(map[string]int),
		trends:          make(map[string]*trend),
		stoppedBranches: make(map[string]struct{}),
	}
	if h.events == nil {
		h.events = progress.NopEmitter{}
	}
	if h.similarity == nil {
		h.similarity = similarity.NewJaccard()
	}
	visited := deps.Visited
	if visited == nil {
		visited = memory.New()
	}
	h.frontier = frontier.New(visited, logger.Named("frontier"), frontier.WithMaxPerHost(cfg.MaxQueuedPerHost))

	if h.policy == nil {
		src := deps.RobotsSource
		if src == nil && cfg.RespectRobots {
			src = robots.NewHTTPSource(cfg.UserAgent, 0, logger)
		}
		cache, err := robots.New(cfg.robotsConfig(), src, deps.Clock, logger.Named("robots"))
		if err != nil {
			return nil, fmt.Errorf("robots cache: %w", err)
		}
		h.policy = cache
		h.ownedRobots = cache
	}
	var ownedLimiter *ratelimit.Limiter
	if h.limiter == nil {
		ownedLimiter = ratelimit.New(cfg.limiterConfig(), deps.Clock, logger.Named("ratelimit"))
		h.limiter = ownedLimiter
	}

	h.ctx, h.cancel = context.WithCancel(ctx)
	if n := h.pushSeeds(seeds, ""); n == 0 {
		h.cancel()
		if h.ownedRobots != nil {
			h.ownedRobots.Close()
		}
		return nil, fmt.Errorf("%w: no valid seed urls", crawler.ErrInvalidURL)
	}

	go h.budget.Run(h.ctx)
	if ownedLimiter != nil {
		go ownedLimiter.Run(h.ctx)
	}
	go func() {
		<-h.ctx.Done()
		h.finish(ErrStopped, "crawl context cancelled")
	}()

	h.logger.Info("crawl started",
		zap.String("query", query),
		zap.Strings("query_terms", q.Terms),
		zap.Int("seeds", len(seeds)),
	)
	h.emit(progress.Event{Stage: progress.StageCrawlStart, Note: query})
	return h, nil
}

// ID returns the crawl identifier.
func (h *Handle) ID() string {
	return h.id
}

// Done is closed once the crawl has stopped for any reason.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the terminal error once the crawl is done, or nil while it runs.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Stop ends the crawl. Pending and future Next calls return ErrStopped;
// results for URLs already in flight are still accepted.
func (h *Handle) Stop() {
	h.finish(ErrStopped, "stopped by caller")
}

// Next blocks until a URL clears every gate, then returns it. It returns
// ErrStopped, ErrExhausted or crawler.ErrBudgetExceeded once the crawl is over.
func (h *Handle) Next(ctx context.Context) (Dispatch, error) {
	for {
		wake := h.wake.wait()
		if err := h.interrupted(ctx); err != nil {
			return Dispatch{}, err
		}
		now := h.clock.Now()
		e, ok, wait, exhausted := h.pop(now)
		if exhausted {
			h.finish(ErrExhausted, "frontier exhausted")
			return Dispatch{}, h.terminalErr()
		}
		if !ok {
			if err := h.sleep(ctx, wake, wait); err != nil {
				return Dispatch{}, err
			}
			continue
		}
		d, dispatched, err := h.admit(ctx, e, now)
		if err != nil {
			return Dispatch{}, err
		}
		if dispatched {
			return d, nil
		}
	}
}

func (h *Handle) pop(now time.Time) (e frontier.Entry, ok bool, wait time.Duration, exhausted bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok, wait = h.frontier.Pop(now)
	if ok {
		h.pending++
		return e, true, 0, false
	}
	exhausted = wait == 0 && h.pending == 0 && len(h.inflight) == 0
	return e, false, wait, exhausted
}

// admit runs e through the gates in order: robots policy, budget, then rate
// limit. Cancellation is checked between gates. A held-back entry goes back to
// the frontier with a release time; a rejected one is dropped.
func (h *Handle) admit(ctx context.Context, e frontier.Entry, now time.Time) (Dispatch, bool, error) {
	defer h.settle()

	if !h.policy.IsAllowed(e.URL, h.cfg.UserAgent) {
		metrics.ObserveGateRejection("policy", "dropped")
		h.logger.Debug("url disallowed by robots", zap.String("url", e.URL))
		return Dispatch{}, false, nil
	}
	h.limiter.SetRate(e.Host, h.hostRate(e.Host))
	if err := h.interrupted(ctx); err != nil {
		h.frontier.Reinsert(e, time.Time{})
		return Dispatch{}, false, err
	}

	decision, res := h.budget.Reserve(e.Host, e.Depth, e.SessionID)
	switch decision.Kind {
	case budget.Throttle:
		metrics.ObserveGateRejection("budget", "deferred")
		h.frontier.Reinsert(e, now.Add(decision.Delay))
		return Dispatch{}, false, nil
	case budget.Stop:
		if decision.Terminal() {
			h.frontier.Reinsert(e, time.Time{})
			h.finish(crawler.ErrBudgetExceeded, decision.Reason)
			return Dispatch{}, false, h.terminalErr()
		}
		metrics.ObserveGateRejection("budget", "dropped")
		h.logger.Debug("url dropped by budget",
			zap.String("url", e.URL),
			zap.Stringer("scope", decision.Scope),
			zap.String("reason", decision.Reason),
		)
		return Dispatch{}, false, nil
	}
	if err := h.interrupted(ctx); err != nil {
		h.budget.Release(res)
		h.frontier.Reinsert(e, time.Time{})
		return Dispatch{}, false, err
	}

	if rd := h.limiter.Acquire(e.Host); !rd.Allowed() {
		h.budget.Release(res)
		metrics.ObserveGateRejection("ratelimit", "deferred")
		h.frontier.Reinsert(e, now.Add(rd.Wait))
		return Dispatch{}, false, nil
	}
	return h.dispatch(e, res)
}

// hostRate is the request rate for host: the policy's hint when it has one,
// otherwise the default crawl delay while robots are respected. Neither may
// exceed DefaultRPS.
func (h *Handle) hostRate(host string) float64 {
	if rps, ok := h.policy.RateHint(host); ok {
		return math.Min(rps, h.cfg.DefaultRPS)
	}
	if h.cfg.RespectRobots {
		if delay := h.policy.CrawlDelay(host); delay > 0 {
			return math.Min(1/delay.Seconds(), h.cfg.DefaultRPS)
		}
	}
	return h.cfg.DefaultRPS
}

func (h *Handle) dispatch(e frontier.Entry, res *budget.Reservation) (Dispatch, bool, error) {
	h.mu.Lock()
	if _, dup := h.dispatched[e.URL]; dup {
		diag := fmt.Sprintf("url %s popped after dispatch; dispatched=%d in_flight=%d queued=%d",
			e.URL, h.dispatchCount, len(h.inflight), h.frontier.Len())
		h.mu.Unlock()
		h.budget.Release(res)
		err := fmt.Errorf("%w: %s dispatched twice", crawler.ErrConcurrencyViolation, e.URL)
		h.abort(err, diag)
		return Dispatch{}, false, err
	}
	h.dispatched[e.URL] = struct{}{}
	h.inflight[e.URL] = inflight{entry: e, res: res}
	h.dispatchCount++
	h.mu.Unlock()

	metrics.ObserveDispatch(e.URL)
	h.emit(progress.Event{
		Stage:     progress.StageDispatch,
		Site:      e.Host,
		URL:       e.URL,
		Depth:     e.Depth,
		Relevance: e.Relevance,
	})
	return Dispatch{
		URL:            e.URL,
		Host:           e.Host,
		Depth:          e.Depth,
		Priority:       e.Priority,
		Relevance:      e.Relevance,
		SessionID:      e.SessionID,
		DiscoveredFrom: e.DiscoveredFrom,
	}, true, nil
}

// ReportResult records the outcome for a dispatched URL: budget accounting,
// relevance trend, link discovery and corpus growth, in that order.
func (h *Handle) ReportResult(rawURL string, out Outcome) error {
	h.mu.Lock()
	inf, ok := h.inflight[rawURL]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotInFlight, rawURL)
	}
	delete(h.inflight, rawURL)
	h.pending++
	h.visits[inf.entry.Host]++
	diversity := h.diversityLocked(inf.entry.Host)
	h.mu.Unlock()
	defer h.settle()

	e := inf.entry
	h.frontier.Rescore(e.Host, func(q frontier.Entry) float64 {
		return q.Base + diversity*h.cfg.DiversityWeight
	})
	failed := out.Failed()
	h.budget.Complete(inf.res, out.Bytes, failed)
	metrics.ObserveCrawl(e.URL, statusLabel(out), out.Bytes)

	evt := progress.Event{
		Stage:       progress.StageFetchDone,
		Site:        e.Host,
		URL:         e.URL,
		Bytes:       out.Bytes,
		Depth:       e.Depth,
		StatusClass: progress.ClassifyStatus(out.StatusCode),
		Dur:         out.Duration,
	}
	if failed {
		evt.Note = out.Err.Error()
		h.emit(evt)
		h.logger.Info("fetch failed",
			zap.String("url", e.URL),
			zap.Int("status", out.StatusCode),
			zap.Error(out.Err),
		)
		h.checkGlobalBudget()
		return nil
	}

	rel := h.scorer.Relevance(h.query, out.Text)
	evt.Relevance = rel
	h.emit(evt)

	sim := h.similarity.Similarity(out.Text, h.recentTexts())
	if !h.observeTrend(e.Host, rel) && !h.isFinished() {
		h.enqueueLinks(e, out.Links, sim)
	}
	h.scorer.UpdateCorpus(out.Text)
	h.remember(out.Text)
	h.checkGlobalBudget()
	return nil
}

func (h *Handle) enqueueLinks(parent frontier.Entry, links []crawler.Link, sim float64) {
	depth := parent.Depth + 1
	if depth > h.cfg.MaxDepth {
		h.logger.Debug("links beyond max depth dropped", zap.String("url", parent.URL), zap.Int("links", len(links)))
		return
	}
	now := h.clock.Now()
	added := 0
	for _, link := range links {
		if h.cfg.ObeyNofollow && link.NoFollow {
			continue
		}
		target, err := crawler.ResolveLink(parent.URL, link.URL)
		if err != nil {
			h.logger.Debug("link dropped", zap.String("href", link.URL), zap.Error(err))
			continue
		}
		if h.wasDispatched(target) {
			continue
		}
		host := crawler.HostKey(target)
		if h.blocked.IsBlocked(host) {
			metrics.ObserveGateRejection("blocklist", "dropped")
			continue
		}
		rel := h.scorer.Relevance(h.query, link.Anchor+" "+link.Context)
		base := h.baseScore(rel, target, depth, sim)
		ok, err := h.frontier.Push(h.ctx, frontier.Entry{
			URL:            target,
			Host:           host,
			Priority:       h.priority(base, host),
			Base:           base,
			Relevance:      rel,
			Depth:          depth,
			DiscoveredFrom: parent.URL,
			DiscoveredAt:   now,
			SessionID:      parent.SessionID,
		})
		if err != nil {
			if errors.Is(err, frontier.ErrHostFull) {
				metrics.ObserveGateRejection("frontier", "dropped")
			}
			h.logger.Debug("link dropped", zap.String("url", target), zap.Error(err))
			continue
		}
		if ok {
			added++
		}
	}
	metrics.SetFrontierSize(h.frontier.Len())
	h.logger.Debug("links enqueued", zap.String("url", parent.URL), zap.Int("found", len(links)), zap.Int("added", added))
}

// baseScore combines predicted relevance, URL signals and a penalty for pages
// repeating recent content. It does not change while the entry is queued.
func (h *Handle) baseScore(rel float64, rawURL string, depth int, sim float64) float64 {
	signals := relevance.URLSignals(h.query, rawURL, depth)
	return rel*h.cfg.RelevanceWeight + signals*h.cfg.URLSignalWeight - sim*h.cfg.SimilarityWeight
}

// priority adds the bonus for rarely visited hosts to base. Queued entries are
// rescored as their host accumulates visits.
func (h *Handle) priority(base float64, host string) float64 {
	h.mu.Lock()
	diversity := h.diversityLocked(host)
	h.mu.Unlock()
	return base + diversity*h.cfg.DiversityWeight
}

func (h *Handle) diversityLocked(host string) float64 {
	return 1 / (1 + float64(h.visits[host]))
}

func (h *Handle) pushSeeds(seeds []string, session string) int {
	h.mu.Lock()
	h.pending++
	h.mu.Unlock()
	defer h.settle()

	now := h.clock.Now()
	added := 0
	for _, raw := range seeds {
		u, err := crawler.NormalizeURL(raw)
		if err != nil {
			h.logger.Debug("seed dropped", zap.String("url", raw), zap.Error(err))
			continue
		}
		if h.wasDispatched(u) {
			continue
		}
		host := crawler.HostKey(u)
		if h.blocked.IsBlocked(host) {
			h.logger.Debug("seed on blocked host dropped", zap.String("url", u))
			continue
		}
		base := h.baseScore(seedRelevance, u, 0, 0)
		ok, err := h.frontier.Push(h.ctx, frontier.Entry{
			URL:          u,
			Host:         host,
			Priority:     h.priority(base, host),
			Base:         base,
			Relevance:    seedRelevance,
			DiscoveredAt: now,
			SessionID:    session,
		})
		if err != nil {
			h.logger.Debug("seed dropped", zap.String("url", u), zap.Error(err))
			continue
		}
		if ok {
			added++
		}
	}
	return added
}

// StartSession opens a sub-crawl with its own limits, seeded with seeds. Links
// found under the session inherit it.
func (h *Handle) StartSession(seeds []string, limits budget.Limits) (string, error) {
	if h.isFinished() {
		return "", h.terminalErr()
	}
	id, err := h.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("session id: %w", err)
	}
	if err := h.budget.StartSession(id, limits); err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}
	added := h.pushSeeds(seeds, id)
	h.logger.Info("session started", zap.String("session_id", id), zap.Int("seeds", added))
	return id, nil
}

// EndSession drops a session's limits; its queued URLs stay queued unscoped.
func (h *Handle) EndSession(id string) {
	h.budget.EndSession(id)
}

// PeekQueued returns the best queued entry without removing it.
func (h *Handle) PeekQueued() (frontier.Entry, bool) {
	return h.frontier.Peek()
}

// Queued returns every queued entry, best first.
func (h *Handle) Queued() []frontier.Entry {
	return h.frontier.Entries()
}

// Stats returns a snapshot of crawl progress.
func (h *Handle) Stats() Stats {
	b := h.budget.Snapshot()
	st := Stats{
		ID:       h.id,
		Pages:    b.Pages,
		Bytes:    b.Bytes,
		Failures: b.Failures,
		InFlight: b.InFlight,
		Elapsed:  b.Elapsed,
		PerHost:  b.PerHost,
		Queued:   h.frontier.Len(),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	st.Dispatched = h.dispatchCount
	st.Done = h.finished
	st.StopReason = h.stopReason
	st.Diagnostic = h.diagnostic
	for host := range h.stoppedBranches {
		st.StoppedBranches = append(st.StoppedBranches, host)
	}
	sort.Strings(st.StoppedBranches)
	return st
}

func (h *Handle) observeTrend(host string, rel float64) (stopped bool) {
	h.mu.Lock()
	t, ok := h.trends[host]
	if !ok {
		t = newTrend(h.cfg.EarlyStopWindow, h.cfg.EarlyStopThreshold, h.cfg.EarlyStopPatience)
		h.trends[host] = t
	}
	stoppedNow := t.observe(rel)
	if stoppedNow {
		h.stoppedBranches[host] = struct{}{}
	}
	stopped = t.stopped
	mean := t.mean()
	h.mu.Unlock()

	if stoppedNow {
		h.logger.Info("branch stopped on low relevance",
			zap.String("host", host),
			zap.Float64("window_mean", mean),
			zap.Float64("threshold", h.cfg.EarlyStopThreshold),
		)
		h.emit(progress.Event{Stage: progress.StageBranchStop, Site: host, Relevance: mean})
	}
	return stopped
}

func (h *Handle) recentTexts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.recent...)
}

func (h *Handle) remember(text string) {
	if h.cfg.SimilarityWindow == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recent = append(h.recent, text)
	if over := len(h.recent) - h.cfg.SimilarityWindow; over > 0 {
		h.recent = append(h.recent[:0:0], h.recent[over:]...)
	}
}

func (h *Handle) wasDispatched(url string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.dispatched[url]
	return ok
}

func (h *Handle) checkGlobalBudget() {
	if d := h.budget.Evaluate("", 0, ""); d.Terminal() {
		h.finish(crawler.ErrBudgetExceeded, d.Reason)
	}
}

func (h *Handle) settle() {
	h.mu.Lock()
	h.pending--
	h.mu.Unlock()
	h.wake.broadcast()
}

func (h *Handle) interrupted(ctx context.Context) error {
	select {
	case <-h.done:
		return h.terminalErr()
	default:
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStopped, err)
	}
	return nil
}

func (h *Handle) sleep(ctx context.Context, wake <-chan struct{}, wait time.Duration) error {
	var timer <-chan time.Time
	if wait > 0 {
		timer = h.clock.After(wait)
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrStopped, ctx.Err())
	case <-h.done:
		return h.terminalErr()
	case <-wake:
	case <-timer:
	}
	return nil
}

func (h *Handle) isFinished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished
}

func (h *Handle) terminalErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err == nil {
		return ErrStopped
	}
	return h.err
}

func (h *Handle) abort(err error, diagnostic string) {
	h.mu.Lock()
	if !h.finished {
		h.diagnostic = diagnostic
	}
	h.mu.Unlock()
	h.logger.Error("crawl aborted", zap.Error(err), zap.String("diagnostic", diagnostic))
	h.finish(err, "concurrency violation")
}

func (h *Handle) finish(err error, reason string) {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.finished = true
	h.err = err
	h.stopReason = reason
	h.mu.Unlock()

	h.cancel()
	close(h.done)
	h.wake.broadcast()
	if h.ownedRobots != nil {
		h.ownedRobots.Close()
	}

	st := h.budget.Snapshot()
	h.logger.Info("crawl finished",
		zap.String("reason", reason),
		zap.Error(err),
		zap.Int64("pages", st.Pages),
		zap.Int64("bytes", st.Bytes),
		zap.Duration("elapsed", st.Elapsed),
	)
	stage := progress.StageCrawlDone
	if errors.Is(err, crawler.ErrConcurrencyViolation) {
		stage = progress.StageCrawlError
	}
	h.emit(progress.Event{Stage: stage, Dur: st.Elapsed, Note: reason})
}

func (h *Handle) emit(evt progress.Event) {
	evt.CrawlID = h.id
	evt.TS = h.clock.Now()
	h.events.Emit(evt)
}

func statusLabel(out Outcome) string {
	if out.StatusCode > 0 {
		return strconv.Itoa(out.StatusCode)
	}
	return "error"
}
