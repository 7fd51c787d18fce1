package crawler

import (
	"context"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata. Retry and backoff
// belong to the implementation; callers treat the result as terminal.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (FetchResponse, error)
}

// VisitedSet is the external dedup collaborator keyed by normalized URL.
// Implementations may return false negatives but never false positives.
type VisitedSet interface {
	HasSeen(ctx context.Context, normalizedURL string) (bool, error)
	MarkSeen(ctx context.Context, normalizedURL string) error
}

// AtomicVisitedSet is implemented by stores that can test-and-set in one step.
type AtomicVisitedSet interface {
	VisitedSet
	// MarkIfNew records the URL and reports whether it was previously unseen.
	MarkIfNew(ctx context.Context, normalizedURL string) (bool, error)
}

// Similarity scores how close candidate text is to a window of recent
// documents, in [0,1].
type Similarity interface {
	Similarity(candidate string, recent []string) float64
}

// SimilarityFunc adapts a plain function to the Similarity interface.
type SimilarityFunc func(candidate string, recent []string) float64

// Similarity implements Similarity.
func (f SimilarityFunc) Similarity(candidate string, recent []string) float64 {
	return f(candidate, recent)
}

// Hasher computes digests used as storage keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time and timer channels (useful for testing).
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// IDGenerator produces crawl and session IDs.
type IDGenerator interface {
	NewID() (string, error)
}
