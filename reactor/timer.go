// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// reactor/timer.go
// One-shot timers kept in a deadline-ordered heap. The heap head bounds the
// epoll wait timeout, so no separate timer fd is needed.

package reactor

import (
	"container/heap"
	"time"

	"github.com/momentics/hioload-proxy/api"
)

type timerImpl struct {
	d        *Dispatcher
	cb       api.TimerCb
	deadline time.Time
	enabled  bool
	index    int
}

var _ api.Timer = (*timerImpl)(nil)

// Enable arms or re-arms the timer. Must run on the dispatcher goroutine.
func (t *timerImpl) Enable(d time.Duration) {
	t.deadline = time.Now().Add(d)
	if t.enabled {
		heap.Fix(&t.d.timers, t.index)
		return
	}
	t.enabled = true
	heap.Push(&t.d.timers, t)
}

// Disable disarms the timer if armed.
func (t *timerImpl) Disable() {
	if !t.enabled {
		return
	}
	heap.Remove(&t.d.timers, t.index)
	t.enabled = false
	t.index = -1
}

func (t *timerImpl) Enabled() bool { return t.enabled }

// runExpiredTimers pops everything due before running any callback, so a
// callback re-arming a zero-delay timer fires next iteration instead of
// spinning the drain loop.
func (d *Dispatcher) runExpiredTimers() {
	now := time.Now()
	var expired []*timerImpl
	for len(d.timers) > 0 && !d.timers[0].deadline.After(now) {
		t := heap.Pop(&d.timers).(*timerImpl)
		t.enabled = false
		t.index = -1
		expired = append(expired, t)
	}
	for _, t := range expired {
		t.cb()
	}
}

type timerHeap []*timerImpl

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timerImpl)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
