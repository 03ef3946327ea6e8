// Package syncx holds the timed synchronisation primitives used by the
// serving core.  Every acquisition takes an explicit timeout and reports
// failure as a boolean rather than blocking forever.
package syncx

import (
	"sync"
	"time"
)

// RWLock is a reader/writer lock with timed acquisition.
//
// Writers are preferred: once a writer is waiting, new shared
// acquisitions block until that writer has acquired and released the
// lock, so a steady stream of readers cannot starve it.
type RWLock struct {
	mu             sync.Mutex
	readers        int
	writer         bool
	writersWaiting int
	changed        chan struct{} // closed and replaced on every release
}

// NewRWLock returns an unlocked RWLock.
func NewRWLock() *RWLock {
	return &RWLock{changed: make(chan struct{})}
}

// LockShared acquires the lock for reading, waiting at most timeout.
func (l *RWLock) LockShared(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	l.mu.Lock()
	for l.writer || l.writersWaiting > 0 {
		if !l.waitLocked(deadline) {
			l.mu.Unlock()
			return false
		}
	}
	l.readers++
	l.mu.Unlock()
	return true
}

// UnlockShared releases a shared acquisition.
func (l *RWLock) UnlockShared() {
	l.mu.Lock()
	if l.readers == 0 {
		l.mu.Unlock()
		panic("syncx: UnlockShared of RWLock not held for reading")
	}
	l.readers--
	if l.readers == 0 {
		l.broadcastLocked()
	}
	l.mu.Unlock()
}

// Lock acquires the lock exclusively, waiting at most timeout.
func (l *RWLock) Lock(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	l.mu.Lock()
	l.writersWaiting++
	for l.writer || l.readers > 0 {
		if !l.waitLocked(deadline) {
			l.writersWaiting--
			// Readers parked behind this writer may proceed now.
			l.broadcastLocked()
			l.mu.Unlock()
			return false
		}
	}
	l.writersWaiting--
	l.writer = true
	l.mu.Unlock()
	return true
}

// Unlock releases an exclusive acquisition.
func (l *RWLock) Unlock() {
	l.mu.Lock()
	if !l.writer {
		l.mu.Unlock()
		panic("syncx: Unlock of RWLock not held for writing")
	}
	l.writer = false
	l.broadcastLocked()
	l.mu.Unlock()
}

// waitLocked releases l.mu until the next state change or the deadline.
// It reports false once the deadline has passed.
func (l *RWLock) waitLocked(deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	ch := l.changed
	l.mu.Unlock()

	timer := time.NewTimer(remaining)
	select {
	case <-ch:
		timer.Stop()
		l.mu.Lock()
		return true
	case <-timer.C:
		l.mu.Lock()
		return false
	}
}

func (l *RWLock) broadcastLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}
