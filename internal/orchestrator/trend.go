package orchestrator

// trend tracks the relevance of recent fetches on one branch. Once the window
// is full, every observation is an evaluation; the branch stops after the
// window mean stays below the threshold for patience evaluations in a row.
type trend struct {
	window    []float64
	next      int
	filled    int
	sum       float64
	threshold float64
	patience  int

	observed    int
	evaluations int
	below       int
	stopped     bool
	// stoppedAt is the 1-based observation that stopped the branch.
	stoppedAt int
}

func newTrend(size int, threshold float64, patience int) *trend {
	if size < 1 {
		size = 1
	}
	if patience < 1 {
		patience = 1
	}
	return &trend{window: make([]float64, size), threshold: threshold, patience: patience}
}

// observe records one relevance value and reports whether this observation
// stopped the branch.
func (t *trend) observe(v float64) bool {
	t.observed++
	if t.filled == len(t.window) {
		t.sum -= t.window[t.next]
	} else {
		t.filled++
	}
	t.window[t.next] = v
	t.sum += v
	t.next = (t.next + 1) % len(t.window)

	if t.stopped || t.filled < len(t.window) {
		return false
	}
	t.evaluations++
	if t.mean() < t.threshold {
		t.below++
	} else {
		t.below = 0
	}
	if t.below >= t.patience {
		t.stopped = true
		t.stoppedAt = t.observed
		return true
	}
	return false
}

func (t *trend) mean() float64 {
	if t.filled == 0 {
		return 0
	}
	return t.sum / float64(t.filled)
}
