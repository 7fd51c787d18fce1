// Package bloom puts a bloom filter in front of an exact visited set so that
// most lookups for new URLs never reach the backing store.
package bloom

import (
	"context"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

const (
	defaultExpectedItems     = 1_000_000
	defaultFalsePositiveRate = 0.01
)

// Config sizes the filter.
type Config struct {
	ExpectedItems     uint
	FalsePositiveRate float64
}

// Guard implements crawler.AtomicVisitedSet. A filter miss proves the URL is
// new; a hit is confirmed against the inner store.
type Guard struct {
	inner crawler.VisitedSet

	mu     sync.Mutex
	filter *bloom.BloomFilter
}

// New wraps inner with a bloom filter.
func New(inner crawler.VisitedSet, cfg Config) (*Guard, error) {
	if inner == nil {
		return nil, fmt.Errorf("inner visited set is required")
	}
	if cfg.ExpectedItems == 0 {
		cfg.ExpectedItems = defaultExpectedItems
	}
	if cfg.FalsePositiveRate <= 0 || cfg.FalsePositiveRate >= 1 {
		cfg.FalsePositiveRate = defaultFalsePositiveRate
	}
	return &Guard{
		inner:  inner,
		filter: bloom.NewWithEstimates(cfg.ExpectedItems, cfg.FalsePositiveRate),
	}, nil
}

// HasSeen implements crawler.VisitedSet.
func (g *Guard) HasSeen(ctx context.Context, url string) (bool, error) {
	if !g.mayContain(url) {
		return false, nil
	}
	seen, err := g.inner.HasSeen(ctx, url)
	if err != nil {
		return false, fmt.Errorf("visited lookup: %w", err)
	}
	return seen, nil
}

// MarkSeen implements crawler.VisitedSet.
func (g *Guard) MarkSeen(ctx context.Context, url string) error {
	if err := g.inner.MarkSeen(ctx, url); err != nil {
		return fmt.Errorf("visited mark: %w", err)
	}
	g.add(url)
	return nil
}

// MarkIfNew implements crawler.AtomicVisitedSet. Inner stores without an
// atomic primitive fall back to a lookup followed by a mark.
func (g *Guard) MarkIfNew(ctx context.Context, url string) (bool, error) {
	if atomicSet, ok := g.inner.(crawler.AtomicVisitedSet); ok {
		isNew, err := atomicSet.MarkIfNew(ctx, url)
		if err != nil {
			return false, fmt.Errorf("visited mark: %w", err)
		}
		g.add(url)
		return isNew, nil
	}
	seen, err := g.HasSeen(ctx, url)
	if err != nil {
		return false, err
	}
	if seen {
		return false, nil
	}
	if err := g.MarkSeen(ctx, url); err != nil {
		return false, err
	}
	return true, nil
}

// ApproximateSize estimates how many URLs the filter holds.
func (g *Guard) ApproximateSize() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.filter.ApproximatedSize()
}

func (g *Guard) mayContain(url string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.filter.TestString(url)
}

func (g *Guard) add(url string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.filter.AddString(url)
}
