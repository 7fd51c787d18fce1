package relevance

import "math"

// Normalize squashes an unbounded BM25 score into (0,1), preserving order.
// A raw score of 0 maps to 0.5.
func Normalize(raw float64) float64 {
	return 1 / (1 + math.Exp(-raw))
}

// Relevance is the bounded relevance of text to q, used for link anchors and
// per-fetch trend tracking. Text sharing no term with the query scores 0.
// Otherwise the result blends query-term coverage with the normalized BM25
// score, so it lies in (0,1) even when over-common terms drive BM25 negative.
func (s *Scorer) Relevance(q Query, text string) float64 {
	if q.Empty() {
		return 0
	}
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return 0
	}
	present := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		present[t] = struct{}{}
	}
	matched := 0
	for _, term := range q.Terms {
		if _, ok := present[term]; ok {
			matched++
		}
	}
	if matched == 0 {
		return 0
	}
	coverage := float64(matched) / float64(len(q.Terms))
	return 0.5*coverage + 0.5*Normalize(s.scoreTokens(tokens, q.Terms))
}
