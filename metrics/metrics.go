// Package metrics is the observability collaborator for the queue engine.
// The engine emits named counters and timers and never blocks on delivery;
// applications plug in their own Recorder to forward them to a real sink.
package metrics

import (
	"sync"
	"time"
)

// Counter and timer names emitted by the engine.
const (
	TasksEnqueued   = "tasks.enqueued"
	TasksCompleted  = "tasks.completed"
	TasksFailed     = "tasks.failed"
	TasksDeadLetter = "tasks.deadlettered"
	ClaimDuration   = "tasks.claim_duration"
	HandlerDuration = "tasks.handler_duration"
)

type Recorder interface {
	Count(name string, delta int64)
	Observe(name string, d time.Duration)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Count(string, int64)           {}
func (Nop) Observe(string, time.Duration) {}

// Atomic is an in-memory Recorder. Counters accumulate; timers keep the
// observation count and running total. Useful in tests and for exposing a
// snapshot over a debug endpoint.
type Atomic struct {
	mu       sync.Mutex
	counters map[string]int64
	timers   map[string]TimerSnapshot
}

type TimerSnapshot struct {
	Count int64
	Total time.Duration
}

func NewAtomic() *Atomic {
	return &Atomic{
		counters: make(map[string]int64),
		timers:   make(map[string]TimerSnapshot),
	}
}

func (a *Atomic) Count(name string, delta int64) {
	a.mu.Lock()
	a.counters[name] += delta
	a.mu.Unlock()
}

func (a *Atomic) Observe(name string, d time.Duration) {
	a.mu.Lock()
	t := a.timers[name]
	t.Count++
	t.Total += d
	a.timers[name] = t
	a.mu.Unlock()
}

// Counter returns the current value of a counter.
func (a *Atomic) Counter(name string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counters[name]
}

// Timer returns the current snapshot of a timer.
func (a *Atomic) Timer(name string) TimerSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timers[name]
}
