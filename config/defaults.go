package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultDispatch runs connections on a fixed worker pool.
	DefaultDispatch = DispatchPool

	// DefaultMaxIdle is how long a pool worker may wait for work
	// before it exits.  Reaped workers are not replaced, so serving
	// keeps its workers unless asked otherwise.
	DefaultMaxIdle time.Duration = 0

	// DefaultPollInterval bounds each accept and queue wait.
	DefaultPollInterval = time.Second

	// DefaultHandshakeTimeout bounds a TLS handshake.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultConnTimeout is the outbound connection timeout.
	DefaultConnTimeout = 30 * time.Second

	// DefaultGracePeriod is how long shutdown waits for handlers to
	// finish before closing their sockets.
	DefaultGracePeriod = 5 * time.Second

	// DefaultServerVerify does not ask clients for certificates.
	DefaultServerVerify = "none"

	// DefaultClientVerify authenticates the server.
	DefaultClientVerify = "peer"

	// DefaultConnectAttempts is how many times connect mode dials
	// before giving up.
	DefaultConnectAttempts = 3
)

// Default returns a Config populated with the defaults above.
func Default() *Config {
	return &Config{
		Dispatch:         DefaultDispatch,
		MaxIdle:          DefaultMaxIdle,
		PollInterval:     DefaultPollInterval,
		HandshakeTimeout: DefaultHandshakeTimeout,
		GracePeriod:      DefaultGracePeriod,
	}
}
