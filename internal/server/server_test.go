package server_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "connserve/internal/errors"
	"connserve/internal/metrics"
	"connserve/internal/pool"
	"connserve/internal/server"
	ctls "connserve/internal/tls"
	"connserve/internal/tls/tlstest"
)

// echo copies input back until the peer closes or the connection is
// terminated.
func echo(_ context.Context, c *server.Connection) error {
	buf := make([]byte, 1024)
	for !c.Terminated() {
		n, _, err := c.ReadWithin(buf, 50*time.Millisecond)
		if n > 0 {
			if _, werr := c.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func newServer(t *testing.T, opts server.Options) (*server.Server, string) {
	t.Helper()
	if opts.Handler == nil {
		opts.Handler = server.HandlerFunc(echo)
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 50 * time.Millisecond
	}
	s, err := server.New(opts)
	require.NoError(t, err)
	require.NoError(t, s.Listen("127.0.0.1:0"))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx) //nolint:errcheck
	})
	return s, s.Addrs()[0].String()
}

func roundTrip(conn net.Conn, msg string) (string, error) {
	conn.SetDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck
	if _, err := conn.Write([]byte(msg)); err != nil {
		return "", err
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// expectClosed asserts the server closed conn without writing anything.
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	n, err := conn.Read(make([]byte, 16))
	assert.Zero(t, n)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, os.ErrDeadlineExceeded), "socket was not closed")
}

func TestServer_EchoManyClients(t *testing.T) {
	tests := []struct {
		name string
		opts server.Options
	}{
		{"goroutine per connection", server.Options{}},
		{"server-owned pool", server.Options{Workers: 8}},
		{"caller pool", server.Options{Pool: pool.New(pool.Options{Size: 4})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			tt.opts.Metrics = m
			s, addr := newServer(t, tt.opts)
			if tt.opts.Pool != nil {
				defer tt.opts.Pool.Stop()
			}

			const clients = 50
			var wg sync.WaitGroup
			errs := make(chan error, clients)
			for i := 0; i < clients; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					conn, err := net.Dial("tcp", addr)
					if err != nil {
						errs <- err
						return
					}
					defer conn.Close()
					msg := fmt.Sprintf("payload:%07d\n", i) // 16 bytes
					got, err := roundTrip(conn, msg)
					if err == nil && got != msg {
						err = fmt.Errorf("got %q, want %q", got, msg)
					}
					if err != nil {
						errs <- err
					}
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Error(err)
			}

			require.Eventually(t, func() bool { return s.Size() == 0 }, 5*time.Second, 10*time.Millisecond)
			assert.EqualValues(t, clients, m.TotalConnections())
			assert.EqualValues(t, 0, m.ActiveConnections())
			assert.EqualValues(t, clients*16, m.TotalBytesIn())
			assert.EqualValues(t, clients*16, m.TotalBytesOut())
		})
	}
}

func TestServer_OwnedPoolKeepsWorkersByDefault(t *testing.T) {
	s, addr := newServer(t, server.Options{Workers: 2})
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 2, s.Pool().Size())

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	got, err := roundTrip(conn, "still here\n")
	require.NoError(t, err)
	assert.Equal(t, "still here\n", got)
}

func TestServer_ReapedPoolRefusesConnections(t *testing.T) {
	s, err := server.New(server.Options{
		Handler:      server.HandlerFunc(echo),
		Workers:      2,
		MaxIdle:      200 * time.Millisecond,
		PollInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, s.Listen("127.0.0.1:0"))
	addr := s.Addrs()[0].String()

	require.Eventually(t, func() bool { return s.Pool().Size() == 0 }, 5*time.Second, 10*time.Millisecond)

	// With every worker gone the connection is closed instead of
	// waiting forever in the queue.
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	expectClosed(t, conn)
	require.Eventually(t, func() bool { return s.Size() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, s.Pool().Pending())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, s.Shutdown(ctx))
	assert.Less(t, time.Since(start), time.Second)
}

func TestServer_RejectedByPolicy(t *testing.T) {
	var served atomic.Int32
	policy, err := server.ParseCIDRPolicy(nil, []string{"127.0.0.0/8"})
	require.NoError(t, err)
	m := metrics.New()
	s, addr := newServer(t, server.Options{
		Admission: policy,
		Metrics:   m,
		Handler: server.HandlerFunc(func(context.Context, *server.Connection) error {
			served.Add(1)
			return nil
		}),
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	expectClosed(t, conn)

	assert.Zero(t, served.Load())
	assert.Zero(t, s.Size())
	assert.EqualValues(t, 1, m.RejectedConnections())
	assert.EqualValues(t, 0, m.TotalConnections())
}

func TestServer_MaxConnections(t *testing.T) {
	started := make(chan struct{}, 4)
	m := metrics.New()
	s, addr := newServer(t, server.Options{
		MaxConnections: 1,
		Metrics:        m,
		Handler: server.HandlerFunc(func(_ context.Context, c *server.Connection) error {
			started <- struct{}{}
			for c.Sleep(time.Hour) {
			}
			return nil
		}),
	})

	first, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer first.Close()
	<-started
	assert.Equal(t, 1, s.Size())

	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()
	expectClosed(t, second)
	assert.EqualValues(t, 1, m.RejectedConnections())

	// Freeing the slot admits the next client.
	for _, c := range s.Connections() {
		c.Terminate()
	}
	require.Eventually(t, func() bool { return s.Size() == 0 }, 5*time.Second, 10*time.Millisecond)

	third, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer third.Close()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("third connection was not served")
	}
}

func TestServer_ShutdownTerminatesSleepers(t *testing.T) {
	s, addr := newServer(t, server.Options{
		Workers: 2,
		Handler: server.HandlerFunc(func(_ context.Context, c *server.Connection) error {
			for c.Sleep(time.Hour) {
			}
			return nil
		}),
	})

	var conns []net.Conn
	for i := 0; i < 4; i++ {
		c, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		defer c.Close()
		conns = append(conns, c)
	}
	require.Eventually(t, func() bool { return s.Size() == 4 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, s.Shutdown(ctx))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Zero(t, s.Size())
	assert.True(t, s.Pool().Stopped())

	for _, c := range conns {
		expectClosed(t, c)
	}
	_, err := net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err, "listener should be closed")
	assert.ErrorIs(t, s.Listen("127.0.0.1:0"), cerrors.ErrServerClosed)
}

func TestServer_ShutdownForcesUncooperativeHandler(t *testing.T) {
	s, addr := newServer(t, server.Options{
		Handler: server.HandlerFunc(func(_ context.Context, c *server.Connection) error {
			_, err := io.Copy(io.Discard, c) // ignores termination
			return err
		}),
	})
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.Size() == 1 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Shutdown(ctx), context.DeadlineExceeded)
	require.Eventually(t, func() bool { return s.Size() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestServer_HandlerPanicClosesConnection(t *testing.T) {
	m := metrics.New()
	s, addr := newServer(t, server.Options{
		Metrics: m,
		Handler: server.HandlerFunc(func(context.Context, *server.Connection) error {
			panic("boom")
		}),
	})
	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		expectClosed(t, conn)
		conn.Close()
	}
	require.Eventually(t, func() bool { return s.Size() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 3, m.ErrorCount())
}

func TestServer_TLSEcho(t *testing.T) {
	dir := t.TempDir()
	f := tlstest.NewAuthority(t, "root").Issue(t, dir, "server")
	tctx := ctls.NewContext()
	require.NoError(t, tctx.LoadKeys(ctls.Keys{CertificateFile: f.Cert, PrivateKeyFile: f.Key}))

	m := metrics.New()
	s, addr := newServer(t, server.Options{TLS: tctx, Workers: 4, Metrics: m})

	roots := caPool(t, f.CA)
	for i := 0; i < 5; i++ {
		conn, err := tls.Dial("tcp", addr, &tls.Config{RootCAs: roots, ServerName: "localhost", MinVersion: tls.VersionTLS12})
		require.NoError(t, err)
		got, err := roundTrip(conn, "secure hello")
		require.NoError(t, err)
		assert.Equal(t, "secure hello", got)
		conn.Close()
	}

	// A plaintext client fails the handshake and is dropped.
	plain, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer plain.Close()
	plain.Write([]byte("GET / HTTP/1.0\r\n\r\n")) //nolint:errcheck
	require.Eventually(t, func() bool { return m.Snapshot().HandshakeFailures == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return s.Size() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestServer_WatcherSource(t *testing.T) {
	dir := t.TempDir()
	f := tlstest.NewAuthority(t, "root").Issue(t, dir, "server")
	w, err := ctls.NewWatcher(ctls.Keys{CertificateFile: f.Cert, PrivateKeyFile: f.Key}, nil)
	require.NoError(t, err)

	_, addr := newServer(t, server.Options{TLS: w})
	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true}) //nolint:gosec
	require.NoError(t, err)
	defer conn.Close()
	got, err := roundTrip(conn, "via watcher")
	require.NoError(t, err)
	assert.Equal(t, "via watcher", got)
}

func TestServer_MultipleListeners(t *testing.T) {
	s, first := newServer(t, server.Options{})
	require.NoError(t, s.Listen("127.0.0.1:0"))
	addrs := s.Addrs()
	require.Len(t, addrs, 2)
	assert.Equal(t, first, addrs[0].String())

	for _, a := range addrs {
		conn, err := net.Dial("tcp", a.String())
		require.NoError(t, err)
		got, err := roundTrip(conn, "ping")
		require.NoError(t, err)
		assert.Equal(t, "ping", got)
		conn.Close()
	}
}

func TestServer_BindFailureReturned(t *testing.T) {
	_, addr := newServer(t, server.Options{})
	s, err := server.New(server.Options{Handler: server.HandlerFunc(echo)})
	require.NoError(t, err)
	assert.Error(t, s.Listen(addr))
	assert.Empty(t, s.Addrs())
}

func TestNew_RequiresHandler(t *testing.T) {
	_, err := server.New(server.Options{})
	assert.Error(t, err)
}

func caPool(t *testing.T, path string) *x509.CertPool {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM(data))
	return roots
}
