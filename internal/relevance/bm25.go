// Package relevance scores text against a query with Okapi BM25 and keeps the
// corpus statistics the scores depend on.
package relevance

import (
	"math"
	"sync"
)

// Default BM25 parameters.
const (
	DefaultK1 = 1.2
	DefaultB  = 0.75
)

// Config tunes the BM25 function. Zero values fall back to the defaults.
type Config struct {
	K1 float64
	B  float64
}

// Scorer computes BM25 scores. Reads run against a per-call snapshot of the
// corpus statistics; UpdateCorpus is the only mutation and is serialized.
type Scorer struct {
	k1 float64
	b  float64

	mu       sync.RWMutex
	docs     int64
	totalLen int64
	docFreq  map[string]int64
}

// NewScorer builds an empty Scorer.
func NewScorer(cfg Config) *Scorer {
	if cfg.K1 <= 0 {
		cfg.K1 = DefaultK1
	}
	if cfg.B <= 0 || cfg.B > 1 {
		cfg.B = DefaultB
	}
	return &Scorer{
		k1:      cfg.K1,
		b:       cfg.B,
		docFreq: make(map[string]int64),
	}
}

// Stats is an immutable view of the corpus restricted to a set of terms.
type Stats struct {
	Docs      int64
	AvgDocLen float64
	DocFreq   map[string]int64
}

// Snapshot copies the corpus statistics needed to score the given terms.
func (s *Scorer) Snapshot(terms []string) Stats {
	st := Stats{DocFreq: make(map[string]int64, len(terms))}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st.Docs = s.docs
	if s.docs > 0 {
		st.AvgDocLen = float64(s.totalLen) / float64(s.docs)
	}
	for _, t := range terms {
		st.DocFreq[t] = s.docFreq[t]
	}
	return st
}

// Docs returns the number of documents in the corpus.
func (s *Scorer) Docs() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs
}

// UpdateCorpus adds one document to the corpus statistics.
func (s *Scorer) UpdateCorpus(documentText string) {
	tokens := Tokenize(documentText)
	unique := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		unique[t] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs++
	s.totalLen += int64(len(tokens))
	for t := range unique {
		s.docFreq[t]++
	}
}

// Score returns the BM25 score of documentText for queryTerms. Query terms
// are run through the same tokenizer as documents. Scoring never changes the
// corpus; an empty corpus scores 0.
func (s *Scorer) Score(documentText string, queryTerms []string) float64 {
	var terms []string
	for _, qt := range queryTerms {
		terms = append(terms, Tokenize(qt)...)
	}
	return s.scoreTokens(Tokenize(documentText), terms)
}

func (s *Scorer) scoreTokens(docTokens, terms []string) float64 {
	st := s.Snapshot(terms)
	if st.Docs == 0 || len(docTokens) == 0 {
		return 0
	}
	tf := make(map[string]int, len(docTokens))
	for _, t := range docTokens {
		tf[t]++
	}
	docLen := float64(len(docTokens))
	var score float64
	counted := make(map[string]struct{}, len(terms))
	for _, term := range terms {
		if _, dup := counted[term]; dup {
			continue
		}
		counted[term] = struct{}{}
		freq := tf[term]
		if freq == 0 {
			continue
		}
		score += IDF(st.Docs, st.DocFreq[term]) * TFComponent(float64(freq), docLen, st.AvgDocLen, s.k1, s.b)
	}
	return score
}

// IDF is ln((N - df + 0.5) / (df + 0.5)). It is negative for terms present in
// more than half the corpus; that penalty is part of Okapi BM25.
func IDF(totalDocs, docFreq int64) float64 {
	if docFreq > totalDocs {
		docFreq = totalDocs
	}
	n := float64(totalDocs)
	df := float64(docFreq)
	return math.Log((n - df + 0.5) / (df + 0.5))
}

// TFComponent is the saturating term-frequency factor of BM25.
func TFComponent(tf, docLen, avgDocLen, k1, b float64) float64 {
	if tf <= 0 {
		return 0
	}
	ratio := 1.0
	if avgDocLen > 0 {
		ratio = docLen / avgDocLen
	}
	return tf * (k1 + 1) / (tf + k1*(1-b+b*ratio))
}
