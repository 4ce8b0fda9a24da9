package deletion

import "time"

// taskHeap orders tasks by fire time at second granularity; within a second
// priority tasks go first, then insertion order.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	as, bs := a.fireAt.Truncate(time.Second), b.fireAt.Truncate(time.Second)
	if !as.Equal(bs) {
		return as.Before(bs)
	}
	if a.priority != b.priority {
		return a.priority
	}
	return a.seq < b.seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// dueBy reports whether t may run at now. Second granularity matches the heap order,
// but a task never runs before its own fire time.
func (t *task) dueBy(now time.Time) bool {
	return !now.Before(t.fireAt)
}
