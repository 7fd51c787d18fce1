package relevance

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestURLSignals verifies query terms in the path, host and early segments
// raise the score and depth lowers it.
func TestURLSignals(t *testing.T) {
	t.Parallel()

	q := ParseQuery("election results")
	tests := []struct {
		name  string
		url   string
		depth int
		want  float64
	}{
		{"terms in path", "https://news.example/election/results-2024", 0, 1.0625},
		{"no terms", "https://news.example/weather/today", 0, 0.5},
		{"deeper link", "https://news.example/election/results-2024", 2, (math.Exp(-0.6) + 1.125) / 2},
		{"term in host", "https://election.example/election", 0, 0.9125},
		{"unparseable", "://bad", 0, 0.5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.InDelta(t, tc.want, URLSignals(q, tc.url, tc.depth), 1e-9)
		})
	}
}

// TestURLSignalsEmptyQuery verifies an empty query leaves only depth decay
// over a neutral path score.
func TestURLSignalsEmptyQuery(t *testing.T) {
	t.Parallel()

	require.InDelta(t, 0.75, URLSignals(Query{}, "https://news.example/a", 0), 1e-9)
	require.Greater(t, URLSignals(Query{}, "https://news.example/a", 0), URLSignals(Query{}, "https://news.example/a", 3))
}
