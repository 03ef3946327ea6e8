package server

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"connserve/internal/metrics"
	"connserve/internal/syncx"
	"connserve/util"
)

// ConnState is the lifecycle position of a Connection.
type ConnState int32

const (
	Created ConnState = iota
	Running
	Terminating
	Terminated
)

func (s ConnState) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Terminating:
		return "terminating"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

// DefaultHandshakeTimeout bounds the TLS handshake of a connection.
const DefaultHandshakeTimeout = 10 * time.Second

// ConnOptions configures a Connection.
type ConnOptions struct {
	HandshakeTimeout time.Duration
	Metrics          *metrics.Collector
	Logger           *util.Logger
}

type handshaker interface {
	HandshakeContext(ctx context.Context) error
}

type timedReader interface {
	ReadWithin(p []byte, d time.Duration) (int, bool, error)
}

// Connection is one accepted client.  It owns its socket exclusively
// and closes it exactly once, when Run finishes or Close is called.
type Connection struct {
	id      string
	stream  net.Conn
	peer    net.Addr
	handler Handler
	opts    ConnOptions
	started time.Time

	state      atomic.Int32
	terminated atomic.Bool
	wake       *syncx.Semaphore

	mu     sync.Mutex
	cancel context.CancelFunc
	exits  []func(*Connection)

	closeOnce sync.Once
	bytesIn   atomic.Int64
	bytesOut  atomic.Int64
}

// NewConnection wraps stream.  If stream can handshake (a *tls.Conn
// from this module does) Run performs the handshake before handing the
// connection to h.
func NewConnection(stream net.Conn, h Handler, opts ConnOptions) *Connection {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Connection{
		id:      uuid.NewString(),
		stream:  stream,
		peer:    stream.RemoteAddr(),
		handler: h,
		opts:    opts,
		started: time.Now(),
		wake:    syncx.NewSemaphore(0, 1),
	}
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string { return c.id }

// Peer returns the client address.
func (c *Connection) Peer() net.Addr { return c.peer }

// Stream returns the socket, or TLS session, the connection owns.
func (c *Connection) Stream() net.Conn { return c.stream }

// State returns the current lifecycle state.
func (c *Connection) State() ConnState { return ConnState(c.state.Load()) }

// Started returns the time the connection was accepted.
func (c *Connection) Started() time.Time { return c.started }

// BytesIn returns the number of bytes read from the peer.
func (c *Connection) BytesIn() int64 { return c.bytesIn.Load() }

// BytesOut returns the number of bytes written to the peer.
func (c *Connection) BytesOut() int64 { return c.bytesOut.Load() }

func (c *Connection) String() string {
	return fmt.Sprintf("%s (%s)", c.id[:8], util.AddrString(c.peer))
}

// OnExit registers fn to run after the socket has been closed.  Hooks
// run in registration order, once.
func (c *Connection) OnExit(fn func(*Connection)) {
	c.mu.Lock()
	c.exits = append(c.exits, fn)
	c.mu.Unlock()
}

// Execute implements pool.Task.
func (c *Connection) Execute(ctx context.Context) error { return c.Run(ctx) }

// Run handshakes if the stream supports it, runs the handler and then
// closes the socket and runs the exit hooks.  Only the first call does
// anything; a connection closed before it ran is skipped.
func (c *Connection) Run(parent context.Context) (err error) {
	if !c.state.CompareAndSwap(int32(Created), int32(Running)) {
		return nil
	}

	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	if c.terminated.Load() {
		cancel()
	}

	defer c.finish()
	defer cancel()

	if c.terminated.Load() {
		return nil
	}

	if hs, ok := c.stream.(handshaker); ok {
		hctx, hcancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
		err = hs.HandshakeContext(hctx)
		hcancel()
		if err != nil {
			c.opts.Metrics.HandshakeFailed()
			c.opts.Logger.Verbose("connection %s: %v", c, err)
			return err
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			c.opts.Metrics.RecordError(err.Error())
			c.opts.Logger.Error("connection %s: %v\n%s", c, r, debug.Stack())
		}
	}()

	c.opts.Logger.Debug("connection %s: serving", c)
	if err = c.handler.Serve(ctx, c); err != nil && !util.IsHarmless(err) {
		c.opts.Logger.Verbose("connection %s: %v", c, err)
	}
	return err
}

// Terminate asks the connection to stop: it raises the terminated flag,
// cancels the handler's context and wakes any Sleep.  The socket is not
// closed here.
func (c *Connection) Terminate() {
	if c.terminated.Swap(true) {
		return
	}
	c.state.CompareAndSwap(int32(Running), int32(Terminating))
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wake.Post()
}

// Terminated reports whether Terminate has been called.
func (c *Connection) Terminated() bool { return c.terminated.Load() }

// Close forcibly closes the socket.  A running handler sees its next
// read or write fail; a connection that never ran is finished here.
func (c *Connection) Close() error {
	c.Terminate()
	if c.state.CompareAndSwap(int32(Created), int32(Terminated)) {
		c.finish()
		return nil
	}
	return c.closeStream()
}

// Sleep pauses for d.  It returns false early if the connection is or
// becomes terminated.
func (c *Connection) Sleep(d time.Duration) bool {
	if c.terminated.Load() {
		return false
	}
	if c.wake.Wait(d) {
		return false
	}
	return !c.terminated.Load()
}

// Read reads from the peer.
func (c *Connection) Read(p []byte) (int, error) {
	n, err := c.stream.Read(p)
	c.countIn(n)
	return n, err
}

// ReadWithin reads with a deadline d from now, reporting an expired
// deadline through timedOut rather than err.  A peer that has gone away
// surfaces as io.EOF.
func (c *Connection) ReadWithin(p []byte, d time.Duration) (n int, timedOut bool, err error) {
	if tr, ok := c.stream.(timedReader); ok {
		n, timedOut, err = tr.ReadWithin(p, d)
		c.countIn(n)
		return n, timedOut, err
	}

	// Streams refuse deadlines once closed; the read below reports why.
	if c.stream.SetReadDeadline(time.Now().Add(d)) == nil {
		defer c.stream.SetReadDeadline(time.Time{}) //nolint:errcheck
	}

	n, err = c.stream.Read(p)
	c.countIn(n)
	if err != nil && util.IsTimeout(err) {
		return n, true, nil
	}
	return n, false, err
}

// Write writes p to the peer.
func (c *Connection) Write(p []byte) (int, error) {
	n, err := c.stream.Write(p)
	if n > 0 {
		c.bytesOut.Add(int64(n))
		c.opts.Metrics.BytesSent(int64(n))
	}
	return n, err
}

func (c *Connection) countIn(n int) {
	if n > 0 {
		c.bytesIn.Add(int64(n))
		c.opts.Metrics.BytesReceived(int64(n))
	}
}

func (c *Connection) closeStream() (err error) {
	c.closeOnce.Do(func() {
		err = c.stream.Close()
		if util.IsHarmless(err) {
			err = nil
		}
	})
	return err
}

func (c *Connection) finish() {
	if err := c.closeStream(); err != nil {
		c.opts.Logger.Debug("connection %s: close: %v", c, err)
	}
	c.state.Store(int32(Terminated))

	c.mu.Lock()
	exits := c.exits
	c.exits = nil
	c.mu.Unlock()
	for _, fn := range exits {
		c.runExit(fn)
	}
	c.opts.Logger.Debug("connection %s: closed after %s (in=%d out=%d)",
		c, time.Since(c.started).Round(time.Millisecond), c.BytesIn(), c.BytesOut())
}

func (c *Connection) runExit(fn func(*Connection)) {
	defer func() {
		if r := recover(); r != nil {
			c.opts.Logger.Error("connection %s: exit hook panic: %v", c, r)
		}
	}()
	fn(c)
}
