// Package pool runs submitted tasks on a fixed set of worker goroutines
// that share one blocking queue.
//
// Workers are started eagerly and never replaced: a worker that stays
// idle longer than the configured limit exits on its own, and the pool
// does not grow again afterwards.  Backpressure is queue depth.
package pool

import (
	"context"
	"time"
)

// Task is a unit of work executed exactly once by one worker.  The
// context is cancelled when the pool stops; long-running tasks must
// check it cooperatively.
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func(ctx context.Context) error

// Execute calls f(ctx).
func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// ── Observer ─────────────────────────────────────────────────────────

// EventKind identifies a worker lifecycle notification.
type EventKind int

const (
	ThreadStarted EventKind = iota
	ThreadFinished
	TaskStarted
	TaskFinished
	IdleTimeout
)

func (k EventKind) String() string {
	switch k {
	case ThreadStarted:
		return "thread-started"
	case ThreadFinished:
		return "thread-finished"
	case TaskStarted:
		return "task-started"
	case TaskFinished:
		return "task-finished"
	case IdleTimeout:
		return "idle-timeout"
	default:
		return "unknown"
	}
}

// Event is delivered to an Observer from the worker goroutine that
// produced it.  Task is set for task events; Err and Elapsed only for
// TaskFinished.
type Event struct {
	Kind    EventKind
	Worker  int
	Task    Task
	Err     error
	Elapsed time.Duration
}

// Observer receives worker events.  Notify runs on the worker
// goroutine and must not block.
type Observer interface {
	Notify(ev Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ev Event)

// Notify calls f(ev).
func (f ObserverFunc) Notify(ev Event) { f(ev) }

// Observers fans an event out to several observers in order.
type Observers []Observer

// Notify forwards ev to every non-nil observer.
func (o Observers) Notify(ev Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Notify(ev)
		}
	}
}
