// Package queue provides an unbounded FIFO shared by many producers and
// consumers, with timeout-bounded removal.
package queue

import (
	"context"
	"sync"
	"time"

	ring "github.com/eapache/queue"
)

// BlockingQueue is a thread-safe FIFO.  Push never blocks; Pop waits up
// to a timeout for an item.  Every pushed item is delivered to exactly
// one consumer.
type BlockingQueue[T any] struct {
	mu      sync.Mutex
	items   *ring.Queue
	waiters []chan struct{} // parked consumers, oldest first
}

// New returns an empty queue.
func New[T any]() *BlockingQueue[T] {
	return &BlockingQueue[T]{items: ring.New()}
}

// Push appends item to the tail and wakes one waiting consumer.
func (q *BlockingQueue[T]) Push(item T) {
	q.mu.Lock()
	q.items.Add(item)
	q.wakeOneLocked()
	q.mu.Unlock()
}

// Pop removes the head item, waiting up to timeout for one to arrive.
// It reports false on timeout.
func (q *BlockingQueue[T]) Pop(timeout time.Duration) (T, bool) {
	return q.PopContext(context.Background(), timeout)
}

// PopContext is Pop that also gives up when ctx is done.  A consumer
// whose context is done never removes an item, even one that is
// already queued.
func (q *BlockingQueue[T]) PopContext(ctx context.Context, timeout time.Duration) (T, bool) {
	var zero T

	q.mu.Lock()
	if ctx.Err() != nil {
		q.mu.Unlock()
		return zero, false
	}
	if q.items.Length() > 0 {
		item := q.items.Remove().(T)
		q.mu.Unlock()
		return item, true
	}
	if timeout <= 0 {
		q.mu.Unlock()
		return zero, false
	}
	wake := q.parkLocked()
	q.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-wake:
			q.mu.Lock()
			if ctx.Err() != nil {
				q.forwardLocked()
				q.mu.Unlock()
				return zero, false
			}
			if q.items.Length() > 0 {
				item := q.items.Remove().(T)
				q.mu.Unlock()
				return item, true
			}
			// Another consumer took the item on its fast path.
			wake = q.parkLocked()
			q.mu.Unlock()

		case <-timer.C:
			q.mu.Lock()
			signalled := !q.unparkLocked(wake)
			if ctx.Err() == nil && q.items.Length() > 0 {
				item := q.items.Remove().(T)
				q.mu.Unlock()
				return item, true
			}
			if signalled {
				q.forwardLocked()
			}
			q.mu.Unlock()
			return zero, false

		case <-ctx.Done():
			q.mu.Lock()
			if !q.unparkLocked(wake) {
				q.forwardLocked()
			}
			q.mu.Unlock()
			return zero, false
		}
	}
}

// Len returns the number of queued items.  The value may be stale by
// the time the caller inspects it.
func (q *BlockingQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

// Drain removes and returns every queued item in FIFO order.
func (q *BlockingQueue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, 0, q.items.Length())
	for q.items.Length() > 0 {
		out = append(out, q.items.Remove().(T))
	}
	return out
}

// ── waiter bookkeeping (q.mu held) ───────────────────────────────────

func (q *BlockingQueue[T]) parkLocked() chan struct{} {
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	return ch
}

// unparkLocked removes ch from the waiter list.  It returns false if ch
// was no longer parked, meaning a producer already signalled it.
func (q *BlockingQueue[T]) unparkLocked(ch chan struct{}) bool {
	for i, w := range q.waiters {
		if w == ch {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (q *BlockingQueue[T]) wakeOneLocked() {
	if len(q.waiters) == 0 {
		return
	}
	ch := q.waiters[0]
	q.waiters[0] = nil
	q.waiters = q.waiters[1:]
	close(ch)
}

// forwardLocked passes a consumed wake-up on to the next waiter when
// items remain, so a consumer that gives up never strands an item.
func (q *BlockingQueue[T]) forwardLocked() {
	if q.items.Length() > 0 {
		q.wakeOneLocked()
	}
}
