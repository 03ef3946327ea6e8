package server

import (
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	cerrors "connserve/internal/errors"
	"connserve/internal/retry"
	"connserve/util"
)

// DefaultPollInterval bounds a single accept wait.  Terminate does not
// wait for it.
const DefaultPollInterval = time.Second

// ListenerOptions wires a Listener to the rest of the server.  Factory
// and Dispatcher are required.
type ListenerOptions struct {
	// Allow is consulted first for every accepted socket; false closes
	// the socket without any protocol output.  Nil admits everything.
	Allow func(net.Conn) bool
	// Factory turns an admitted socket into a Connection.  On error the
	// socket is closed.
	Factory func(net.Conn) (*Connection, error)
	// Register records the new Connection before it is dispatched.
	Register func(*Connection) error
	// Dispatcher runs the Connection.
	Dispatcher Dispatcher

	PollInterval time.Duration
	Logger       *util.Logger
}

type deadlineListener interface {
	net.Listener
	SetDeadline(t time.Time) error
}

// Listener owns one listening socket and the goroutine accepting on it.
// Failures while handling one accepted socket never stop the loop.
type Listener struct {
	opts ListenerOptions

	mu sync.Mutex // guards ln; never held across Accept
	ln deadlineListener

	terminated atomic.Bool
	started    atomic.Bool
	done       chan struct{}
	accepted   atomic.Int64
}

// NewListener returns an idle Listener.
func NewListener(opts ListenerOptions) *Listener {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = GoroutineDispatcher{}
	}
	return &Listener{opts: opts, done: make(chan struct{})}
}

// Listen binds addr and starts accepting.  A bind failure is returned
// as is and nothing is retried.
func (l *Listener) Listen(addr string) error {
	if l.opts.Factory == nil {
		return fmt.Errorf("listener: no connection factory")
	}
	if !l.started.CompareAndSwap(false, true) {
		return cerrors.ErrAlreadyListening
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		l.started.Store(false)
		return cerrors.Wrap("listen", addr, err)
	}
	dl, ok := ln.(deadlineListener)
	if !ok {
		ln.Close()
		l.started.Store(false)
		return fmt.Errorf("listener: %T does not support deadlines", ln)
	}

	l.mu.Lock()
	if l.terminated.Load() {
		l.mu.Unlock()
		ln.Close()
		return cerrors.ErrListenerClosed
	}
	l.ln = dl
	l.mu.Unlock()

	l.opts.Logger.Verbose("listening on %s", ln.Addr())
	go l.loop()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Accepted returns the number of sockets accepted so far.
func (l *Listener) Accepted() int64 { return l.accepted.Load() }

// Terminate stops the accept loop and closes the listening socket.  An
// accept in progress returns at once with net.ErrClosed.
func (l *Listener) Terminate() error {
	if l.terminated.Swap(true) {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		close(l.done)
		return nil
	}
	if err := l.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Terminated reports whether Terminate has been called.
func (l *Listener) Terminated() bool { return l.terminated.Load() }

// Wait blocks until the accept loop has exited.
func (l *Listener) Wait() { <-l.done }

func (l *Listener) loop() {
	defer close(l.done)

	backoff := retry.AcceptBackoff()
	failures := 0

	for !l.terminated.Load() {
		conn, err := l.acceptOnce()
		if err != nil {
			if util.IsTimeout(err) {
				continue
			}
			if l.terminated.Load() || errors.Is(err, net.ErrClosed) {
				break
			}
			failures++
			delay := backoff.Delay(failures)
			level := util.LogError
			if cerrors.IsTemporary(err) {
				level = util.LogNormal
			}
			l.opts.Logger.Log(level, "accept on %s: %v (retrying in %s)", l.ln.Addr(), err, delay)
			time.Sleep(delay)
			continue
		}
		failures = 0
		l.accepted.Add(1)
		l.handle(conn)
	}

	l.mu.Lock()
	l.ln.Close() //nolint:errcheck
	l.mu.Unlock()
	l.opts.Logger.Verbose("listener on %s stopped", l.ln.Addr())
}

func (l *Listener) acceptOnce() (net.Conn, error) {
	l.mu.Lock()
	ln := l.ln
	terminated := l.terminated.Load()
	l.mu.Unlock()
	if terminated {
		return nil, net.ErrClosed
	}
	if err := ln.SetDeadline(time.Now().Add(l.opts.PollInterval)); err != nil {
		return nil, err
	}
	return ln.Accept()
}

// handle admits, builds, registers and dispatches one socket.  Nothing
// that goes wrong here escapes to the accept loop.
func (l *Listener) handle(raw net.Conn) {
	var c *Connection
	defer func() {
		if r := recover(); r != nil {
			l.opts.Logger.Error("listener: panic handling %s: %v\n%s",
				util.AddrString(raw.RemoteAddr()), r, debug.Stack())
			if c != nil {
				c.Close() //nolint:errcheck
			} else {
				raw.Close()
			}
		}
	}()

	peer := util.AddrString(raw.RemoteAddr())

	if l.opts.Allow != nil && !l.opts.Allow(raw) {
		l.opts.Logger.Verbose("rejected connection from %s", peer)
		raw.Close()
		return
	}

	var err error
	if c, err = l.opts.Factory(raw); err != nil {
		l.opts.Logger.Verbose("dropping connection from %s: %v", peer, err)
		raw.Close()
		return
	}

	if l.opts.Register != nil {
		if err := l.opts.Register(c); err != nil {
			l.opts.Logger.Verbose("dropping connection %s: %v", c, err)
			c.Close() //nolint:errcheck
			return
		}
	}

	if err := l.opts.Dispatcher.Dispatch(c); err != nil {
		if errors.Is(err, cerrors.ErrNoWorkers) {
			l.opts.Logger.Warn("dropping connection %s: %v", c, err)
		} else {
			l.opts.Logger.Verbose("dropping connection %s: %v", c, err)
		}
		c.Close() //nolint:errcheck
		return
	}
	l.opts.Logger.Verbose("connection %s accepted", c)
}
