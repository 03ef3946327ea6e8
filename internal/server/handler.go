// Package server is the connection-serving core: a Listener accepts
// sockets and hands them to a Dispatcher as Connections, each of which
// runs a Handler exactly once.  Server ties listeners, a connection
// registry, admission control and optional TLS together.
package server

import "context"

// Handler implements the per-connection protocol.  Serve should return
// promptly once ctx is done or conn.Terminated() reports true; the
// socket is closed by the caller after Serve returns.
type Handler interface {
	Serve(ctx context.Context, conn *Connection) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn *Connection) error

// Serve calls f(ctx, conn).
func (f HandlerFunc) Serve(ctx context.Context, conn *Connection) error { return f(ctx, conn) }
