package syncx

import (
	"context"
	"sync"
	"time"
)

// Semaphore is a counting semaphore used as a sleep/wake primitive:
// Post increments the count and wakes one waiter, Wait decrements it,
// blocking up to a timeout while the count is zero.
type Semaphore struct {
	mu      sync.Mutex
	count   uint
	max     uint // 0 means unbounded
	waiters []chan struct{}
}

// NewSemaphore returns a semaphore with the given initial count.  A
// non-zero max clamps the count; posts beyond it are absorbed.
func NewSemaphore(initial, max uint) *Semaphore {
	if max > 0 && initial > max {
		initial = max
	}
	return &Semaphore{count: initial, max: max}
}

// Post increments the count and wakes one waiter.
func (s *Semaphore) Post() {
	s.mu.Lock()
	if s.max == 0 || s.count < s.max {
		s.count++
	}
	if len(s.waiters) > 0 {
		ch := s.waiters[0]
		s.waiters = s.waiters[1:]
		close(ch)
	}
	s.mu.Unlock()
}

// Wait decrements the count, waiting up to timeout for it to become
// positive.  It reports false on timeout.
func (s *Semaphore) Wait(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.WaitContext(ctx)
}

// WaitContext decrements the count, waiting until it becomes positive
// or ctx is done.
func (s *Semaphore) WaitContext(ctx context.Context) bool {
	s.mu.Lock()
	for s.count == 0 {
		if ctx.Err() != nil {
			s.mu.Unlock()
			return false
		}
		ch := make(chan struct{})
		s.waiters = append(s.waiters, ch)
		s.mu.Unlock()

		select {
		case <-ch:
			s.mu.Lock()
		case <-ctx.Done():
			s.mu.Lock()
			if !s.removeWaiterLocked(ch) && s.count > 0 && len(s.waiters) > 0 {
				// We were woken but are giving up; pass it on.
				next := s.waiters[0]
				s.waiters = s.waiters[1:]
				close(next)
			}
			s.mu.Unlock()
			return false
		}
	}
	s.count--
	s.mu.Unlock()
	return true
}

// Count returns the current count.
func (s *Semaphore) Count() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *Semaphore) removeWaiterLocked(ch chan struct{}) bool {
	for i, w := range s.waiters {
		if w == ch {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return true
		}
	}
	return false
}
