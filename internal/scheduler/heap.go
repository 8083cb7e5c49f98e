// Package scheduler runs the named one-shot timers behind signal SLAs, grace
// periods, retention and storm quiet periods.
//
// Pending timers live in a min-heap ordered by due time, with ties broken by
// scheduling order. One goroutine sleeps until the root is due. Re-arming or
// cancelling a timer removes it from the heap immediately, so a stale timer
// can never fire.
package scheduler

import (
	"container/heap"
	"time"
)

type timer struct {
	id  string
	tag string
	at  time.Time
	seq uint64 // scheduling order; tie-break for equal at
	idx int    // position in the heap, -1 once removed
}

// timerHeap implements heap.Interface. The earliest timer is at index 0.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx, h[j].idx = i, j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.idx = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	last := len(old) - 1
	t := old[last]
	old[last] = nil
	t.idx = -1
	*h = old[:last]
	return t
}

func (h *timerHeap) peek() *timer {
	if len(*h) == 0 {
		return nil
	}
	return (*h)[0]
}

func (h *timerHeap) drop(t *timer) {
	if t.idx >= 0 {
		heap.Remove(h, t.idx)
	}
}
