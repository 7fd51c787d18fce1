// Package memory provides an in-process visited set.
package memory

import (
	"context"
	"sync"
	"sync/atomic"
)

// Store implements crawler.AtomicVisitedSet with a sync.Map.
type Store struct {
	seen sync.Map
	size atomic.Int64
}

// New returns an empty Store.
func New() *Store {
	return &Store{}
}

// HasSeen reports whether url was marked.
func (s *Store) HasSeen(_ context.Context, url string) (bool, error) {
	_, ok := s.seen.Load(url)
	return ok, nil
}

// MarkSeen records url.
func (s *Store) MarkSeen(ctx context.Context, url string) error {
	_, err := s.MarkIfNew(ctx, url)
	return err
}

// MarkIfNew records url and reports whether it was unseen.
func (s *Store) MarkIfNew(_ context.Context, url string) (bool, error) {
	if _, loaded := s.seen.LoadOrStore(url, struct{}{}); loaded {
		return false, nil
	}
	s.size.Add(1)
	return true, nil
}

// Len returns the number of marked URLs.
func (s *Store) Len() int {
	return int(s.size.Load())
}
