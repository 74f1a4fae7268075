package queue

// pendingItem is a heap entry for a job awaiting dispatch. seq encodes
// arrival order within a priority tier: enqueues take increasing positive
// sequences, retries take decreasing negative ones so they re-enter at the
// front of their tier.
type pendingItem struct {
	job   *Job
	seq   int64
	index int
}

// pendingHeap orders jobs by priority (higher first), then by sequence
// (lower first). Implements [container/heap.Interface].
type pendingHeap []*pendingItem

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pendingHeap) Push(x any) {
	item := x.(*pendingItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
