// Package frontier holds discovered-but-unfetched URLs in priority order.
// Entries held back by a gate wait in a second heap keyed by release time, so
// nothing is polled before it can make progress.
package frontier

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// ErrHostFull is returned by Push when the entry's host already has the
// maximum number of queued entries.
var ErrHostFull = errors.New("host queue full")

// Entry is one queued URL. Base is the host-independent part of Priority,
// kept so Rescore can recompute it.
type Entry struct {
	URL            string
	Host           string
	Priority       float64
	Base           float64
	Relevance      float64
	Depth          int
	DiscoveredFrom string
	DiscoveredAt   time.Time
	SessionID      string
	ReleaseAt      time.Time

	seq uint64
}

// Frontier is a concurrency-safe priority queue with delayed reinsertion.
type Frontier struct {
	visited crawler.VisitedSet
	logger  *zap.Logger

	mu      sync.Mutex
	ready   readyHeap
	delayed delayedHeap
	queued  map[string]struct{}
	perHost map[string]int
	maxHost int
	seq     uint64

	// dedupMu serializes HasSeen/MarkSeen for stores without MarkIfNew.
	dedupMu sync.Mutex
}

// Option configures a Frontier.
type Option func(*Frontier)

// WithMaxPerHost caps how many entries one host may have queued. Zero means
// no cap.
func WithMaxPerHost(n int) Option {
	return func(f *Frontier) {
		if n > 0 {
			f.maxHost = n
		}
	}
}

// New builds a Frontier. visited may be nil, in which case only URLs
// currently queued are deduplicated.
func New(visited crawler.VisitedSet, logger *zap.Logger, opts ...Option) *Frontier {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Frontier{
		visited: visited,
		logger:  logger,
		queued:  make(map[string]struct{}),
		perHost: make(map[string]int),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Push adds e unless its URL is already queued or was seen before. It reports
// whether the entry was added. A host at its cap yields ErrHostFull and the URL
// stays unseen, so a later discovery can queue it. e.URL must be normalized.
func (f *Frontier) Push(ctx context.Context, e Entry) (bool, error) {
	if e.URL == "" {
		return false, fmt.Errorf("%w: empty url", crawler.ErrInvalidURL)
	}

	f.mu.Lock()
	if _, ok := f.queued[e.URL]; ok {
		f.mu.Unlock()
		return false, nil
	}
	if f.maxHost > 0 && f.perHost[e.Host] >= f.maxHost {
		f.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrHostFull, e.Host)
	}
	// Claim the URL and the host slot locally before consulting the store so
	// concurrent pushes cannot both pass.
	f.queued[e.URL] = struct{}{}
	f.perHost[e.Host]++
	f.mu.Unlock()

	isNew := f.markIfNew(ctx, e.URL)

	f.mu.Lock()
	defer f.mu.Unlock()
	if !isNew {
		delete(f.queued, e.URL)
		f.releaseHostLocked(e.Host)
		return false, nil
	}
	f.seq++
	e.seq = f.seq
	if e.ReleaseAt.IsZero() {
		heap.Push(&f.ready, e)
	} else {
		heap.Push(&f.delayed, e)
	}
	return true, nil
}

// markIfNew records url in the visited set. Store errors are logged and the
// URL is treated as unseen, which can only cause a duplicate fetch.
func (f *Frontier) markIfNew(ctx context.Context, url string) bool {
	if f.visited == nil {
		return true
	}
	if atomicSet, ok := f.visited.(crawler.AtomicVisitedSet); ok {
		isNew, err := atomicSet.MarkIfNew(ctx, url)
		if err != nil {
			f.logger.Warn("visited set mark failed", zap.String("url", url), zap.Error(err))
			return true
		}
		return isNew
	}

	f.dedupMu.Lock()
	defer f.dedupMu.Unlock()
	seen, err := f.visited.HasSeen(ctx, url)
	if err != nil {
		f.logger.Warn("visited set lookup failed", zap.String("url", url), zap.Error(err))
		seen = false
	}
	if seen {
		return false
	}
	if err := f.visited.MarkSeen(ctx, url); err != nil {
		f.logger.Warn("visited set mark failed", zap.String("url", url), zap.Error(err))
	}
	return true
}

// Pop removes the highest-priority entry whose release time has passed. When
// nothing is ready, ok is false and wait is the time until the earliest delayed
// entry becomes ready (zero if the frontier is empty).
func (f *Frontier) Pop(now time.Time) (e Entry, ok bool, wait time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promoteLocked(now)
	if f.ready.Len() == 0 {
		if f.delayed.Len() > 0 {
			return Entry{}, false, f.delayed[0].ReleaseAt.Sub(now)
		}
		return Entry{}, false, 0
	}
	e = heap.Pop(&f.ready).(Entry)
	delete(f.queued, e.URL)
	f.releaseHostLocked(e.Host)
	return e, true, 0
}

// Reinsert puts a popped entry back, held until releaseAt. It bypasses the
// visited set, which already holds the URL.
func (f *Frontier) Reinsert(e Entry, releaseAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.queued[e.URL]; ok {
		return
	}
	f.queued[e.URL] = struct{}{}
	f.perHost[e.Host]++
	e.ReleaseAt = releaseAt
	if e.seq == 0 {
		f.seq++
		e.seq = f.seq
	}
	heap.Push(&f.delayed, e)
}

// Rescore recomputes the priority of every entry queued for host and returns
// how many changed.
func (f *Frontier) Rescore(host string, score func(Entry) float64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	changed := 0
	for i := range f.ready {
		if f.ready[i].Host == host {
			if p := score(f.ready[i]); p != f.ready[i].Priority {
				f.ready[i].Priority = p
				changed++
			}
		}
	}
	for i := range f.delayed {
		if f.delayed[i].Host == host {
			if p := score(f.delayed[i]); p != f.delayed[i].Priority {
				f.delayed[i].Priority = p
				changed++
			}
		}
	}
	if changed > 0 {
		heap.Init(&f.ready)
	}
	return changed
}

// HostLen returns the number of entries queued for host.
func (f *Frontier) HostLen(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.perHost[host]
}

// Len returns the number of queued entries, ready or delayed.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready.Len() + f.delayed.Len()
}

// Peek returns the best entry by priority across ready and delayed entries
// without removing it.
func (f *Frontier) Peek() (Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best Entry
	found := false
	if f.ready.Len() > 0 {
		best, found = f.ready[0], true
	}
	for _, e := range f.delayed {
		if !found || e.Priority > best.Priority {
			best, found = e, true
		}
	}
	return best, found
}

// Entries returns a copy of every queued entry, highest priority first.
func (f *Frontier) Entries() []Entry {
	f.mu.Lock()
	out := make([]Entry, 0, f.ready.Len()+f.delayed.Len())
	out = append(out, f.ready...)
	out = append(out, f.delayed...)
	f.mu.Unlock()
	h := readyHeap(out)
	heap.Init(&h)
	sorted := make([]Entry, 0, len(out))
	for h.Len() > 0 {
		sorted = append(sorted, heap.Pop(&h).(Entry))
	}
	return sorted
}

func (f *Frontier) releaseHostLocked(host string) {
	if f.perHost[host] <= 1 {
		delete(f.perHost, host)
		return
	}
	f.perHost[host]--
}

func (f *Frontier) promoteLocked(now time.Time) {
	for f.delayed.Len() > 0 && !f.delayed[0].ReleaseAt.After(now) {
		e := heap.Pop(&f.delayed).(Entry)
		e.ReleaseAt = time.Time{}
		heap.Push(&f.ready, e)
	}
}
