package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	cerrors "connserve/internal/errors"
	"connserve/util"
)

// State is the lifecycle position of a Conn.
type State int32

const (
	Unattached State = iota // socket bound, no handshake yet
	Handshaking
	Established
	Closed
)

func (s State) String() string {
	switch s {
	case Unattached:
		return "unattached"
	case Handshaking:
		return "handshaking"
	case Established:
		return "established"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Conn is one TLS session over one exclusively owned socket.  Reads and
// writes may run concurrently with each other; Close may be called from
// any goroutine and more than once.
type Conn struct {
	raw   net.Conn
	tc    *tls.Conn
	state atomic.Int32

	hsOnce sync.Once
	hsErr  error

	closeOnce sync.Once
	closeErr  error
}

// Server attaches raw to a new server-side session.
func (c *Context) Server(raw net.Conn) (*Conn, error) {
	cfg, err := c.serverConfig()
	if err != nil {
		return nil, err
	}
	return &Conn{raw: raw, tc: tls.Server(raw, cfg)}, nil
}

// Client attaches raw to a new client-side session.  serverName is used
// for SNI and hostname verification.
func (c *Context) Client(raw net.Conn, serverName string) (*Conn, error) {
	cfg, err := c.clientConfig(serverName)
	if err != nil {
		return nil, err
	}
	return &Conn{raw: raw, tc: tls.Client(raw, cfg)}, nil
}

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Handshake runs the TLS handshake with no deadline of its own.
func (c *Conn) Handshake() error {
	return c.HandshakeContext(context.Background())
}

// HandshakeContext runs the TLS handshake once.  On failure the session
// and socket are torn down and a *errors.TLSError describing the
// failure is returned; later calls return the same error.
func (c *Conn) HandshakeContext(ctx context.Context) error {
	c.hsOnce.Do(func() {
		if !c.state.CompareAndSwap(int32(Unattached), int32(Handshaking)) {
			c.hsErr = &cerrors.TLSError{
				Op: "handshake", Code: cerrors.TLSCodeState,
				Reason: "connection is " + c.State().String(),
			}
			return
		}
		if err := c.tc.HandshakeContext(ctx); err != nil {
			c.hsErr = cerrors.WrapTLS("handshake", err)
			c.teardown()
			return
		}
		c.state.CompareAndSwap(int32(Handshaking), int32(Established))
	})
	return c.hsErr
}

// Read reads decrypted application data, handshaking first if needed.
// A peer that closed the session yields io.EOF; timeouts come back as
// the underlying net.Error; anything else is a *errors.TLSError.
func (c *Conn) Read(p []byte) (int, error) {
	if err := c.HandshakeContext(context.Background()); err != nil {
		return 0, err
	}
	n, err := c.tc.Read(p)
	if err != nil {
		err = c.mapErr("read", err)
	}
	return n, err
}

// ReadWithin reads with a deadline d from now.  An expired deadline is
// reported through timedOut, never as an error, and leaves the session
// usable.  A handshake still pending is bounded by the same deadline
// and its failure is returned as an error.
func (c *Conn) ReadWithin(p []byte, d time.Duration) (n int, timedOut bool, err error) {
	if c.raw.SetReadDeadline(time.Now().Add(d)) == nil {
		defer c.raw.SetReadDeadline(time.Time{}) //nolint:errcheck
	}

	if err := c.HandshakeContext(context.Background()); err != nil {
		return 0, false, err
	}
	n, err = c.Read(p)
	if err != nil && util.IsTimeout(err) {
		return n, true, nil
	}
	return n, false, err
}

// Write encrypts and sends p, handshaking first if needed.
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.HandshakeContext(context.Background()); err != nil {
		return 0, err
	}
	n, err := c.tc.Write(p)
	if err != nil {
		err = c.mapErr("write", err)
	}
	return n, err
}

// CloseWrite sends close_notify without closing the socket.
func (c *Conn) CloseWrite() error {
	if c.State() != Established {
		return nil
	}
	return c.tc.CloseWrite()
}

// Close sends close_notify if the session was established and then
// closes the socket.  Only the first call has an effect.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		if c.State() == Established {
			c.closeErr = c.tc.Close()
		} else {
			c.closeErr = c.raw.Close()
		}
		c.state.Store(int32(Closed))
		if util.IsHarmless(c.closeErr) {
			c.closeErr = nil
		}
	})
	return c.closeErr
}

func (c *Conn) teardown() {
	c.closeOnce.Do(func() {
		c.closeErr = c.raw.Close()
		c.state.Store(int32(Closed))
	})
}

func (c *Conn) mapErr(op string, err error) error {
	switch {
	case errors.Is(err, io.EOF):
		return io.EOF
	case util.IsTimeout(err), errors.Is(err, net.ErrClosed):
		return err
	}
	var ne *net.OpError
	if errors.As(err, &ne) && ne.Op != "remote error" {
		return cerrors.Wrap(op, c.RemoteAddr().String(), err)
	}
	return cerrors.WrapTLS(op, err)
}

// ConnectionState returns the negotiated session parameters.
func (c *Conn) ConnectionState() tls.ConnectionState { return c.tc.ConnectionState() }

// PeerCertificates returns the certificates presented by the peer, leaf
// first.  Empty before the handshake or when the peer sent none.
func (c *Conn) PeerCertificates() []*x509.Certificate {
	return c.tc.ConnectionState().PeerCertificates
}

// NetConn returns the underlying socket.
func (c *Conn) NetConn() net.Conn { return c.raw }

func (c *Conn) LocalAddr() net.Addr                { return c.raw.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr               { return c.raw.RemoteAddr() }
func (c *Conn) SetDeadline(t time.Time) error      { return c.raw.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.raw.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.raw.SetWriteDeadline(t) }

var _ net.Conn = (*Conn)(nil)
