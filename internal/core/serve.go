package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"connserve/internal/metrics"
	"connserve/internal/server"
	ctls "connserve/internal/tls"
	"connserve/util"
)

// ServeMode binds every configured address and serves until ctx is
// cancelled, then shuts the server down within GracePeriod.
type ServeMode struct {
	Server      *server.Server
	Addrs       []string
	GracePeriod time.Duration

	// Watcher, when set, hot-reloads the TLS keys while serving.
	Watcher *ctls.Watcher

	// MetricsAddr, when set, exposes Metrics at /metrics over HTTP.
	MetricsAddr string
	Metrics     *metrics.Collector

	Logger *util.Logger

	readyOnce sync.Once
	ready     chan struct{}
}

// Ready returns a channel closed once Run has bound every address.
func (m *ServeMode) Ready() <-chan struct{} {
	m.readyOnce.Do(func() { m.ready = make(chan struct{}) })
	return m.ready
}

// Run starts listening and blocks until ctx is done.  A bind failure on
// any address shuts down what was already started and is returned.
func (m *ServeMode) Run(ctx context.Context) error {
	m.Ready()
	g, gctx := errgroup.WithContext(ctx)

	for _, addr := range m.Addrs {
		if err := m.Server.Listen(addr); err != nil {
			m.shutdown()
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
	}
	for _, a := range m.Server.Addrs() {
		m.Logger.Info("listening on %s", a)
	}

	if m.MetricsAddr != "" {
		srv, ln, err := m.metricsServer()
		if err != nil {
			m.shutdown()
			return err
		}
		m.Logger.Info("metrics on http://%s/metrics", ln.Addr())
		g.Go(func() error {
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if m.Watcher != nil {
		g.Go(func() error {
			err := m.Watcher.Run(gctx)
			if err != nil {
				m.Logger.Warn("tls watcher stopped: %v", err)
			}
			return nil
		})
	}

	close(m.ready)

	g.Go(func() error {
		<-gctx.Done()
		return m.shutdown()
	})
	return g.Wait()
}

func (m *ServeMode) shutdown() error {
	m.Logger.Verbose("shutting down, %d connection(s) open", m.Server.Size())
	grace := m.GracePeriod
	if grace <= 0 {
		grace = time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	err := m.Server.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		m.Logger.Warn("grace period expired, connections were closed")
		return nil
	}
	return err
}

func (m *ServeMode) metricsServer() (*http.Server, net.Listener, error) {
	h, err := m.Metrics.Handler()
	if err != nil {
		return nil, nil, fmt.Errorf("metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	ln, err := net.Listen("tcp", m.MetricsAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics listen on %s: %w", m.MetricsAddr, err)
	}
	return &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}, ln, nil
}
