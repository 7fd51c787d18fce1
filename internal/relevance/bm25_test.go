package relevance

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func seedCorpus(s *Scorer, docs ...string) {
	for _, d := range docs {
		s.UpdateCorpus(d)
	}
}

// TestScoreRareTermOutranksCommonOnly verifies a document holding a rare query
// term outscores one holding only the over-common term, whose IDF is negative.
func TestScoreRareTermOutranksCommonOnly(t *testing.T) {
	t.Parallel()

	s := NewScorer(Config{})
	seedCorpus(s,
		"results from the county board tonight",
		"results posted for the school district",
		"results of the weekend football games",
		"results summary for local weather records",
		"results and standings after the final round",
		"results digest with traffic and transit notes",
		"results tracker for the marathon runners",
		"election night coverage with results from every precinct",
	)
	query := []string{"election", "results"}

	require.Less(t, IDF(s.Docs(), s.Snapshot([]string{"result"}).DocFreq["result"]), 0.0,
		"a term in every document must carry a negative IDF")

	d1 := s.Score("election results tonight downtown", query)
	d2 := s.Score("results tonight downtown", query)
	require.Greater(t, d1, d2)
	require.Less(t, d2, 0.0, "common-only documents may score below zero")
}

// TestScoreDoesNotMutateCorpus ensures scoring is read-only.
func TestScoreDoesNotMutateCorpus(t *testing.T) {
	t.Parallel()

	s := NewScorer(Config{})
	seedCorpus(s, "election results in the capital")
	before := s.Snapshot([]string{"elect"})
	s.Score("election election election", []string{"election"})
	after := s.Snapshot([]string{"elect"})
	require.Equal(t, before, after)
}

func TestScoreEmptyCorpus(t *testing.T) {
	t.Parallel()

	s := NewScorer(Config{})
	require.Zero(t, s.Score("election results", []string{"election"}))
}

// TestTFComponentMonotonic checks raising term frequency never lowers the TF factor.
func TestTFComponentMonotonic(t *testing.T) {
	t.Parallel()

	prev := 0.0
	for tf := 1.0; tf <= 50; tf++ {
		got := TFComponent(tf, 20, 20, DefaultK1, DefaultB)
		require.GreaterOrEqual(t, got, prev)
		prev = got
	}
	require.Less(t, prev, DefaultK1+1)
}

// TestScoreSaturationWithNegativeIDF verifies tf=10 scores less than 2.5x tf=1
// even when the term is over-common.
func TestScoreSaturationWithNegativeIDF(t *testing.T) {
	t.Parallel()

	s := NewScorer(Config{})
	filler := strings.Repeat("filler ", 9)
	for i := 0; i < 6; i++ {
		s.UpdateCorpus("results " + filler)
	}

	tenTimes := strings.TrimSpace(strings.Repeat("results ", 10))
	once := "results " + filler

	hi := s.Score(tenTimes, []string{"results"})
	lo := s.Score(once, []string{"results"})
	require.Less(t, lo, 0.0)
	require.Less(t, hi, 0.0)
	ratio := hi / lo
	require.Less(t, ratio, 2.5)
	require.Greater(t, ratio, 1.0)
}

func TestIDFNotClamped(t *testing.T) {
	t.Parallel()

	require.Less(t, IDF(10, 9), 0.0)
	require.Greater(t, IDF(10, 1), 0.0)
	require.InDelta(t, 0.0, IDF(10, 5), 1e-9)
}

// TestCorpusCountsMonotonicUnderConcurrency checks readers never observe a
// document frequency going backwards while writers run.
func TestCorpusCountsMonotonicUnderConcurrency(t *testing.T) {
	t.Parallel()

	s := NewScorer(Config{})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s.UpdateCorpus("election results update")
			}
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var last int64
	for {
		st := s.Snapshot([]string{"elect"})
		require.GreaterOrEqual(t, st.DocFreq["elect"], last)
		require.LessOrEqual(t, st.DocFreq["elect"], st.Docs)
		last = st.DocFreq["elect"]
		select {
		case <-done:
			require.Equal(t, int64(200), s.Docs())
			return
		default:
		}
	}
}
