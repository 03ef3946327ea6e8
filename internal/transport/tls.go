package transport

import (
	"context"
	"net"
	"time"

	ctls "connserve/internal/tls"
)

// DefaultHandshakeTimeout bounds a client handshake when the dialer
// sets none.
const DefaultHandshakeTimeout = 10 * time.Second

// TLSDialer wraps another Dialer and completes a client TLS handshake
// on every connection it opens.  The returned net.Conn is a
// *tls.Conn from connserve/internal/tls.
type TLSDialer struct {
	Dialer  Dialer // defaults to a zero TCPDialer
	Context ctls.Source
	// ServerName is sent as SNI and checked against the certificate.
	// Empty means the host part of the dialled address.
	ServerName       string
	HandshakeTimeout time.Duration
}

// Dial connects and handshakes.  A handshake failure closes the socket
// and returns a *errors.TLSError.
func (d *TLSDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	under := d.Dialer
	if under == nil {
		under = &TCPDialer{}
	}
	raw, err := under.Dial(ctx, network, address)
	if err != nil {
		return nil, err
	}

	name := d.ServerName
	if name == "" {
		if host, _, err := net.SplitHostPort(address); err == nil {
			name = host
		}
	}

	tc, err := d.Context.Current().Client(raw, name)
	if err != nil {
		raw.Close()
		return nil, err
	}

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := tc.HandshakeContext(hctx); err != nil {
		return nil, err
	}
	return tc, nil
}

// Close closes the underlying dialer.
func (d *TLSDialer) Close() error {
	if d.Dialer == nil {
		return nil
	}
	return d.Dialer.Close()
}
