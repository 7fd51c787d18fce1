// Package similarity measures how much a page repeats recently fetched content.
package similarity

import "github.com/JakeFAU/crawl-orchestrator/internal/relevance"

// Jaccard implements crawler.Similarity as the highest Jaccard index between
// the candidate's stemmed token set and each recent text.
type Jaccard struct{}

// NewJaccard returns a Jaccard similarity.
func NewJaccard() Jaccard {
	return Jaccard{}
}

// Similarity returns a value in [0,1]; 0 when either side has no tokens.
func (Jaccard) Similarity(candidate string, recent []string) float64 {
	cand := tokenSet(candidate)
	if len(cand) == 0 {
		return 0
	}
	best := 0.0
	for _, text := range recent {
		if s := index(cand, tokenSet(text)); s > best {
			best = s
		}
	}
	return best
}

func index(a, b map[string]struct{}) float64 {
	if len(b) == 0 {
		return 0
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	shared := 0
	for t := range a {
		if _, ok := b[t]; ok {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	return float64(shared) / float64(union)
}

func tokenSet(text string) map[string]struct{} {
	tokens := relevance.Tokenize(text)
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}
