// Package metrics provides lightweight, lock-free counters and gauges
// for tracking runtime statistics of a connserve server.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"connserve/internal/pool"
)

// Collector tracks runtime metrics for a server and its worker pool.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	connectionsActive   atomic.Int64
	connectionsTotal    atomic.Int64
	connectionsRejected atomic.Int64
	bytesIn             atomic.Int64
	bytesOut            atomic.Int64
	handshakeFailures   atomic.Int64
	errorsTotal         atomic.Int64

	workersLive   atomic.Int64
	workersReaped atomic.Int64
	tasksActive   atomic.Int64
	tasksTotal    atomic.Int64
	tasksFailed   atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Connection metrics ───────────────────────────────────────────────

// ConnectionOpened increments both the active and total counters.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(1)
	c.connectionsTotal.Add(1)
}

// ConnectionClosed decrements the active connection counter.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(-1)
}

// ConnectionRejected records a connection refused by admission control
// or the connection cap.
func (c *Collector) ConnectionRejected() {
	if c == nil {
		return
	}
	c.connectionsRejected.Add(1)
}

// HandshakeFailed records a failed TLS handshake.
func (c *Collector) HandshakeFailed() {
	if c == nil {
		return
	}
	c.handshakeFailures.Add(1)
}

// ActiveConnections returns the current number of open connections.
func (c *Collector) ActiveConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsActive.Load()
}

// TotalConnections returns the lifetime connection count.
func (c *Collector) TotalConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsTotal.Load()
}

// RejectedConnections returns the lifetime rejection count.
func (c *Collector) RejectedConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsRejected.Load()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records n bytes read from the network.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// BytesSent records n bytes written to the network.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Worker pool metrics ──────────────────────────────────────────────

// Notify implements pool.Observer.
func (c *Collector) Notify(ev pool.Event) {
	if c == nil {
		return
	}
	switch ev.Kind {
	case pool.ThreadStarted:
		c.workersLive.Add(1)
	case pool.ThreadFinished:
		c.workersLive.Add(-1)
	case pool.IdleTimeout:
		c.workersReaped.Add(1)
	case pool.TaskStarted:
		c.tasksActive.Add(1)
	case pool.TaskFinished:
		c.tasksActive.Add(-1)
		c.tasksTotal.Add(1)
		if ev.Err != nil {
			c.tasksFailed.Add(1)
		}
	}
}

// LiveWorkers returns the number of running worker goroutines.
func (c *Collector) LiveWorkers() int64 {
	if c == nil {
		return 0
	}
	return c.workersLive.Load()
}

// TasksFailed returns the number of tasks that returned an error or
// panicked.
func (c *Collector) TasksFailed() int64 {
	if c == nil {
		return 0
	}
	return c.tasksFailed.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime              string `json:"uptime"`
	ConnectionsActive   int64  `json:"connections_active"`
	ConnectionsTotal    int64  `json:"connections_total"`
	ConnectionsRejected int64  `json:"connections_rejected"`
	HandshakeFailures   int64  `json:"handshake_failures"`
	BytesIn             int64  `json:"bytes_in"`
	BytesOut            int64  `json:"bytes_out"`
	WorkersLive         int64  `json:"workers_live"`
	WorkersReaped       int64  `json:"workers_reaped"`
	TasksActive         int64  `json:"tasks_active"`
	TasksTotal          int64  `json:"tasks_total"`
	TasksFailed         int64  `json:"tasks_failed"`
	ErrorsTotal         int64  `json:"errors_total"`
	LastError           string `json:"last_error,omitempty"`
	LastErrorMessage    string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:              time.Since(c.startTime).Truncate(time.Second).String(),
		ConnectionsActive:   c.connectionsActive.Load(),
		ConnectionsTotal:    c.connectionsTotal.Load(),
		ConnectionsRejected: c.connectionsRejected.Load(),
		HandshakeFailures:   c.handshakeFailures.Load(),
		BytesIn:             c.bytesIn.Load(),
		BytesOut:            c.bytesOut.Load(),
		WorkersLive:         c.workersLive.Load(),
		WorkersReaped:       c.workersReaped.Load(),
		TasksActive:         c.tasksActive.Load(),
		TasksTotal:          c.tasksTotal.Load(),
		TasksFailed:         c.tasksFailed.Load(),
		ErrorsTotal:         c.errorsTotal.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
