package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	cerrors "connserve/internal/errors"
	"connserve/internal/metrics"
	"connserve/internal/pool"
	ctls "connserve/internal/tls"
	"connserve/util"
)

// drainPoll is how often Shutdown checks whether connections are gone.
const drainPoll = 10 * time.Millisecond

// Options configures a Server.  Handler is required.
type Options struct {
	Handler Handler

	// TLS, when set, wraps every accepted socket in a server-side TLS
	// session built from TLS.Current() at accept time.
	TLS ctls.Source

	// Pool runs connections when set; the caller owns and stops it.
	// Otherwise Workers > 0 makes the server create and own a pool of
	// that size, and Workers == 0 runs each connection on its own
	// goroutine.
	Pool    *pool.Pool
	Workers int
	MaxIdle time.Duration

	// MaxConnections caps concurrently registered connections; sockets
	// beyond the cap are closed on accept.  Zero means unlimited.
	MaxConnections int64

	Admission        Policy
	HandshakeTimeout time.Duration
	PollInterval     time.Duration
	Metrics          *metrics.Collector
	Logger           *util.Logger
}

// Server accepts connections on any number of listeners and runs the
// handler on each of them.
type Server struct {
	opts       Options
	dispatcher Dispatcher
	ownedPool  *pool.Pool
	limiter    *semaphore.Weighted
	registry   *registry

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners []*Listener
	closed    bool
}

// New builds a Server.  No socket is opened until Listen.
func New(opts Options) (*Server, error) {
	if opts.Handler == nil {
		return nil, fmt.Errorf("server: no handler")
	}
	if opts.Admission == nil {
		opts.Admission = AllowAll
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:     opts,
		registry: newRegistry(),
		ctx:      ctx,
		cancel:   cancel,
	}

	switch {
	case opts.Pool != nil:
		s.dispatcher = PoolDispatcher{Pool: opts.Pool}
	case opts.Workers > 0:
		var obs pool.Observer
		if opts.Metrics != nil {
			obs = opts.Metrics
		}
		s.ownedPool = pool.New(pool.Options{
			Size:     opts.Workers,
			MaxIdle:  opts.MaxIdle,
			Observer: obs,
			Logger:   opts.Logger,
		})
		s.dispatcher = PoolDispatcher{Pool: s.ownedPool}
	default:
		s.dispatcher = GoroutineDispatcher{Context: ctx}
	}

	if opts.MaxConnections > 0 {
		s.limiter = semaphore.NewWeighted(opts.MaxConnections)
	}
	return s, nil
}

// Listen binds addr and starts accepting on it.  It may be called more
// than once to serve several addresses.
func (s *Server) Listen(addr string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return cerrors.ErrServerClosed
	}
	s.mu.Unlock()

	l := NewListener(ListenerOptions{
		Allow:        s.allow,
		Factory:      s.newConnection,
		Register:     s.register,
		Dispatcher:   s.dispatcher,
		PollInterval: s.opts.PollInterval,
		Logger:       s.opts.Logger,
	})
	if err := l.Listen(addr); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		l.Terminate() //nolint:errcheck
		return cerrors.ErrServerClosed
	}
	s.listeners = append(s.listeners, l)
	return nil
}

// ListenPort listens on port on every interface.
func (s *Server) ListenPort(port int) error {
	return s.Listen(net.JoinHostPort("", strconv.Itoa(port)))
}

// Addrs returns the bound address of every listener.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l.Addr())
	}
	return out
}

// Size returns the number of live connections.
func (s *Server) Size() int { return s.registry.Len() }

// Connections returns a snapshot of the live connections.
func (s *Server) Connections() []*Connection { return s.registry.Snapshot() }

// Pool returns the pool connections run on, or nil with goroutine
// dispatch.
func (s *Server) Pool() *pool.Pool {
	if pd, ok := s.dispatcher.(PoolDispatcher); ok {
		return pd.Pool
	}
	return nil
}

// Shutdown stops every listener, asks every connection to terminate and
// waits for them to finish.  If ctx ends first the remaining sockets
// are closed and ctx's error is returned.  A pool created by the server
// is stopped last.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := append([]*Listener(nil), s.listeners...)
	s.mu.Unlock()

	var g errgroup.Group
	for _, l := range listeners {
		l := l
		g.Go(func() error {
			err := l.Terminate()
			l.Wait()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		s.opts.Logger.Warn("closing listener: %v", err)
	}

	n := s.registry.Len()
	s.opts.Logger.Verbose("shutting down: %d connection(s) open", n)
	s.registry.Each((*Connection).Terminate)

	err := s.drain(ctx)
	if err != nil {
		s.opts.Logger.Warn("shutdown: forcing %d connection(s) closed", s.registry.Len())
		s.registry.Each(func(c *Connection) { c.Close() }) //nolint:errcheck
	}

	if s.ownedPool != nil {
		s.ownedPool.Stop()
	}
	// Connections a stopped pool never ran are finished here.
	s.registry.Each(func(c *Connection) { c.Close() }) //nolint:errcheck
	s.cancel()
	return err
}

func (s *Server) drain(ctx context.Context) error {
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for s.registry.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// ── listener wiring ──────────────────────────────────────────────────

func (s *Server) allow(raw net.Conn) bool {
	if s.opts.Admission.Allow(raw.RemoteAddr()) {
		return true
	}
	s.opts.Metrics.ConnectionRejected()
	return false
}

func (s *Server) newConnection(raw net.Conn) (*Connection, error) {
	if s.limiter != nil && !s.limiter.TryAcquire(1) {
		s.opts.Metrics.ConnectionRejected()
		return nil, cerrors.ErrTooManyConnections
	}
	release := func() {
		if s.limiter != nil {
			s.limiter.Release(1)
		}
	}

	stream := raw
	if s.opts.TLS != nil {
		tc, err := s.opts.TLS.Current().Server(raw)
		if err != nil {
			release()
			return nil, err
		}
		stream = tc
	}

	c := NewConnection(stream, s.opts.Handler, ConnOptions{
		HandshakeTimeout: s.opts.HandshakeTimeout,
		Metrics:          s.opts.Metrics,
		Logger:           s.opts.Logger,
	})
	s.opts.Metrics.ConnectionOpened()
	c.OnExit(func(c *Connection) {
		s.registry.Remove(c.ID())
		release()
		s.opts.Metrics.ConnectionClosed()
	})
	return c, nil
}

func (s *Server) register(c *Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cerrors.ErrServerClosed
	}
	s.registry.Add(c)
	return nil
}
