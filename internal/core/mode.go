// Package core is the orchestration layer.  It turns a validated
// Config into a runnable Mode: ServeMode wires TLS, the worker pool,
// admission and metrics into a server.Server; ConnectMode dials a
// server and relays stdin/stdout over the connection.
//
// Architecture layers (bottom → top):
//
//	queue/syncx  →  pool  →  tls  →  server  →  handler  →  core  →  cmd (CLI)
package core

import "context"

// Mode is a complete operational mode of connserve.  Each mode owns
// its full lifecycle from the first socket to teardown.
type Mode interface {
	Run(ctx context.Context) error
}
