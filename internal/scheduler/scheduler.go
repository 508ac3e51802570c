// Package scheduler implements the master's delayed re-injection queue:
// "run this descriptor's processing request again in N seconds". A
// container/heap of pending tasks shares a single time.Timer that is
// always armed for the soonest deadline.
/*
 * Copyright (c) 2024, REbus contributors. All rights reserved.
 */
package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// Injector is called from the scheduler's timer goroutine when a task's
// delay has elapsed. Implementations must not block for long; further
// expirations wait behind it.
type Injector func(args ...interface{})

type task struct {
	runAt time.Time
	args  []interface{}
}

type taskHeap []*task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].runAt.Before(h[j].runAt) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*task)) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// maxIdle bounds how long the internal timer sleeps with an empty heap.
const maxIdle = 30 * time.Second

// Sched is a single-injector delayed task queue: AddAction schedules args
// to be passed to the injector after delay elapses. A new, sooner
// deadline reschedules the pending timer instead of waiting for it.
type Sched struct {
	mu       sync.Mutex
	injector Injector
	timer    *time.Timer
	heap     taskHeap
	stopped  bool
}

// New constructs a Sched that calls injector for every expired action.
func New(injector Injector) *Sched {
	return &Sched{injector: injector}
}

// AddAction schedules args to be delivered to the injector after delay.
func (s *Sched) AddAction(delay time.Duration, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	t := &task{runAt: time.Now().Add(delay), args: args}
	heap.Push(&s.heap, t)
	// A new soonest deadline (or a push into an empty heap whose timer is
	// sleeping the maxIdle fallback) re-arms the timer.
	if s.heap[0] == t && s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.ensureTimerStarted()
}

// Shutdown cancels any pending timer; already-fired actions still run.
func (s *Sched) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Sched) ensureTimerStarted() {
	if s.timer != nil {
		return
	}
	wait := maxIdle
	if len(s.heap) > 0 {
		if d := time.Until(s.heap[0].runAt); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	s.timer = time.AfterFunc(wait, s.trigger)
}

func (s *Sched) trigger() {
	s.mu.Lock()
	s.timer = nil
	if s.stopped {
		s.mu.Unlock()
		return
	}
	var due []*task
	now := time.Now()
	for len(s.heap) > 0 && !s.heap[0].runAt.After(now) {
		due = append(due, heap.Pop(&s.heap).(*task))
	}
	s.ensureTimerStarted()
	s.mu.Unlock()

	for _, t := range due {
		s.injector(t.args...)
	}
}
