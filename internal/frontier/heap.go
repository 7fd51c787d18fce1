package frontier

// readyHeap orders by priority, then by insertion so ties stay FIFO.
type readyHeap []Entry

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(Entry)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// delayedHeap orders by release time.
type delayedHeap []Entry

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool {
	if !h[i].ReleaseAt.Equal(h[j].ReleaseAt) {
		return h[i].ReleaseAt.Before(h[j].ReleaseAt)
	}
	return h[i].seq < h[j].seq
}

func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayedHeap) Push(x any) { *h = append(*h, x.(Entry)) }

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
