package queue

import "time"

// entry is a heap reference to a record. gen must match the record's gen,
// otherwise the entry is stale and skipped.
type entry struct {
	id          string
	gen         uint64
	priority    Priority
	availableAt time.Time
	seq         uint64
}

// waitHeap orders entries by availableAt, then seq.
type waitHeap []entry

func (h waitHeap) Len() int { return len(h) }
func (h waitHeap) Less(i, j int) bool {
	if !h[i].availableAt.Equal(h[j].availableAt) {
		return h[i].availableAt.Before(h[j].availableAt)
	}
	return h[i].seq < h[j].seq
}
func (h waitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *waitHeap) Push(x any)   { *h = append(*h, x.(entry)) }
func (h *waitHeap) Pop() any {
	old := *h
	e := old[len(old)-1]
	*h = old[:len(old)-1]
	return e
}

// readyHeap orders eligible entries by priority (highest first), then
// availableAt, then seq.
type readyHeap []entry

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	if !h[i].availableAt.Equal(h[j].availableAt) {
		return h[i].availableAt.Before(h[j].availableAt)
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)   { *h = append(*h, x.(entry)) }
func (h *readyHeap) Pop() any {
	old := *h
	e := old[len(old)-1]
	*h = old[:len(old)-1]
	return e
}
