package budget

import "sync"

// errorWindow tracks the outcome of the last N fetches for a host.
type errorWindow struct {
	mu      sync.Mutex
	results []bool
	next    int
	filled  int
	fails   int
}

func newErrorWindow(size int) *errorWindow {
	if size <= 0 {
		size = 1
	}
	return &errorWindow{results: make([]bool, size)}
}

func (w *errorWindow) record(failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.filled == len(w.results) {
		if w.results[w.next] {
			w.fails--
		}
	} else {
		w.filled++
	}
	w.results[w.next] = failed
	if failed {
		w.fails++
	}
	w.next = (w.next + 1) % len(w.results)
}

// rate returns the failure fraction and the number of samples it covers.
func (w *errorWindow) rate() (float64, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.filled == 0 {
		return 0, 0
	}
	return float64(w.fails) / float64(w.filled), w.filled
}
