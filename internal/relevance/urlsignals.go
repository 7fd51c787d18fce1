package relevance

import (
	"math"
	"net/url"
	"strings"
)

const (
	depthDecay      = 0.3
	hostTermBonus   = 0.5
	segmentBonus    = 0.3
	neutralPathRank = 0.5
)

// URLSignals scores a link before it is fetched from its URL alone: query
// terms in the path, extra credit when they also appear in the host or in an
// early path segment, and exponential decay with depth. Path and depth count
// equally.
func URLSignals(q Query, rawURL string, depth int) float64 {
	depthScore := math.Exp(-depthDecay * float64(max(depth, 0)))
	return (depthScore + pathRelevance(q, rawURL)) / 2
}

func pathRelevance(q Query, rawURL string) float64 {
	if q.Empty() {
		return neutralPathRank
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0
	}
	path := strings.ToLower(u.Path)
	host := strings.ToLower(u.Hostname())
	segments := strings.Split(path, "/")

	var score float64
	for _, term := range q.Terms {
		if !strings.Contains(path, term) {
			continue
		}
		score++
		if strings.Contains(host, term) {
			score += hostTermBonus
		}
		for i, seg := range segments {
			if strings.Contains(seg, term) {
				score += segmentBonus / float64(i+1)
			}
		}
	}
	return score / float64(len(q.Terms))
}
