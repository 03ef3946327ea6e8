package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	cerrors "connserve/internal/errors"
	"connserve/internal/retry"
	"connserve/internal/transport"
	"connserve/util"
)

// retryDelay is the wait before the second dial attempt.
const retryDelay = 500 * time.Millisecond

// ConnectMode dials a server and relays stdin/stdout over the
// connection, the default client mode.
type ConnectMode struct {
	Dialer  transport.Dialer
	Address string
	// Attempts bounds the dial retries; 0 or 1 dials once.
	Attempts int
	Logger   *util.Logger

	// Stdin/Stdout default to os.Stdin/os.Stdout when nil.
	// Override in tests for deterministic I/O.
	Stdin  io.Reader
	Stdout io.Writer
}

func (m *ConnectMode) stdin() io.Reader {
	if m.Stdin != nil {
		return m.Stdin
	}
	return os.Stdin
}

func (m *ConnectMode) stdout() io.Writer {
	if m.Stdout != nil {
		return m.Stdout
	}
	return os.Stdout
}

// Run dials the remote address and relays until either side closes or
// ctx is cancelled.  The dialer is closed when Run returns.
func (m *ConnectMode) Run(ctx context.Context) error {
	defer m.Dialer.Close()

	m.Logger.Verbose("connecting to %s", m.Address)

	conn, err := m.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", m.Address, err)
	}
	defer conn.Close()

	m.Logger.Verbose("connected to %s", conn.RemoteAddr())

	return util.BidirectionalCopy(ctx, conn, m.stdin(), m.stdout())
}

// dial retries refused or unreachable servers with backoff.  TLS
// failures are not retried: a bad certificate stays bad.
func (m *ConnectMode) dial(ctx context.Context) (net.Conn, error) {
	b := retry.DefaultBackoff()
	b.InitialDelay = retryDelay
	b.MaxAttempts = m.Attempts
	if b.MaxAttempts < 1 {
		b.MaxAttempts = 1
	}

	var conn net.Conn
	err := b.Do(ctx, func(attempt int) error {
		c, err := m.Dialer.Dial(ctx, "tcp", m.Address)
		if err == nil {
			conn = c
			return nil
		}
		var te *cerrors.TLSError
		if errors.As(err, &te) || ctx.Err() != nil {
			return retry.Permanent(err)
		}
		m.Logger.Verbose("attempt %d: %v", attempt, err)
		return err
	})
	return conn, err
}
