package engine

import (
	"container/heap"
	"time"
)

// Timer is a one-shot callback run on the loop goroutine.
// It is not safe to touch a Timer from any other goroutine.
type Timer struct {
	loop  *Loop
	when  time.Time
	fn    func()
	index int // position in the heap, -1 when not armed
}

// Reset (re)arms the timer to fire after d
func (t *Timer) Reset(d time.Duration) {
	t.when = time.Now().Add(d)
	if t.index >= 0 {
		heap.Fix(&t.loop.timers, t.index)
		return
	}
	heap.Push(&t.loop.timers, t)
}

// Stop disarms the timer, it reports whether it was armed
func (t *Timer) Stop() bool {
	if t.index < 0 {
		return false
	}
	heap.Remove(&t.loop.timers, t.index)
	return true
}

func (t *Timer) Armed() bool { return t.index >= 0 }

// timerHeap is a min-heap on deadline
type timerHeap []*Timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

func heapPop(h *timerHeap) *Timer {
	return heap.Pop(h).(*Timer)
}
