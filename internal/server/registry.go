package server

import (
	"time"

	"connserve/internal/syncx"
)

// registryPoll bounds a single attempt to take the registry lock.
const registryPoll = time.Second

// registry tracks live connections by id.  Every mutation is exclusive
// and every snapshot shared; Each visits a copy so callbacks may call
// back into the registry.
type registry struct {
	lock  *syncx.RWLock
	conns map[string]*Connection
}

func newRegistry() *registry {
	return &registry{lock: syncx.NewRWLock(), conns: make(map[string]*Connection)}
}

func (r *registry) exclusive() {
	for !r.lock.Lock(registryPoll) {
	}
}

func (r *registry) shared() {
	for !r.lock.LockShared(registryPoll) {
	}
}

// Add registers c.
func (r *registry) Add(c *Connection) {
	r.exclusive()
	r.conns[c.ID()] = c
	r.lock.Unlock()
}

// Remove forgets the connection with the given id.
func (r *registry) Remove(id string) {
	r.exclusive()
	delete(r.conns, id)
	r.lock.Unlock()
}

// Len returns the number of registered connections.
func (r *registry) Len() int {
	r.shared()
	defer r.lock.UnlockShared()
	return len(r.conns)
}

// Snapshot returns the registered connections in no particular order.
func (r *registry) Snapshot() []*Connection {
	r.shared()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.lock.UnlockShared()
	return out
}

// Each calls fn for every connection registered at the time of the call.
func (r *registry) Each(fn func(*Connection)) {
	for _, c := range r.Snapshot() {
		fn(c)
	}
}
