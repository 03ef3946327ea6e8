// Package config defines the runtime configuration for connserve and
// the validation applied before any socket is opened.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	cerrors "connserve/internal/errors"
	"connserve/internal/server"
	ctls "connserve/internal/tls"
)

// Dispatch strategies.
const (
	DispatchPool      = "pool"
	DispatchGoroutine = "goroutine"
)

// Config holds every tuneable for one connserve process.  The yaml tags
// name the keys accepted in a --config file.
type Config struct {
	// ── Connection ───────────────────────────────────────────────────
	Host        string        `yaml:"host"`   // connect: destination host
	Port        int           `yaml:"port"`   // connect: destination port
	Listen      bool          `yaml:"listen"` // -l: serve instead of connect
	LocalPort   int           `yaml:"local_port"`
	BindAddress string        `yaml:"bind"`
	ExtraListen []string      `yaml:"extra_listen"` // further host:port pairs to serve on
	Timeout     time.Duration `yaml:"timeout"`      // -w: connect timeout, or idle limit per client when listening

	// ── Serving ──────────────────────────────────────────────────────
	Dispatch         string        `yaml:"dispatch"`
	Workers          int           `yaml:"workers"`
	MaxIdle          time.Duration `yaml:"max_idle"`
	MaxConnections   int           `yaml:"max_connections"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	GracePeriod      time.Duration `yaml:"grace_period"`
	Allow            []string      `yaml:"allow"`
	Deny             []string      `yaml:"deny"`

	// ── TLS ──────────────────────────────────────────────────────────
	TLS               bool   `yaml:"tls"` // connect: use TLS even without client keys
	TLSCert           string `yaml:"tls_cert"`
	TLSKey            string `yaml:"tls_key"`
	TLSCA             string `yaml:"tls_ca"`
	TLSVerify         string `yaml:"tls_verify"` // none | peer | require
	TLSDepth          int    `yaml:"tls_depth"`
	TLSPasswordPrompt bool   `yaml:"tls_password_prompt"`
	TLSPasswordEnv    string `yaml:"tls_password_env"` // env var holding the key password
	TLSWatch          bool   `yaml:"tls_watch"`
	ServerName        string `yaml:"server_name"`

	// ── Execution ────────────────────────────────────────────────────
	Execute string   `yaml:"exec"`    // -e: program path
	Args    []string `yaml:"args"`    // arguments for -e
	Command string   `yaml:"command"` // -c: shell command

	// ── Output ───────────────────────────────────────────────────────
	MetricsAddr string `yaml:"metrics_addr"`
	Verbose     int    `yaml:"verbose"`
}

// TLSEnabled reports whether the selected mode speaks TLS.
func (c *Config) TLSEnabled() bool {
	if c.Listen {
		return c.TLSCert != ""
	}
	return c.TLS || c.TLSCert != "" || c.TLSCA != ""
}

// VerifyMode resolves TLSVerify, falling back to the mode's default.
func (c *Config) VerifyMode() (ctls.VerifyMode, error) {
	v := c.TLSVerify
	if v == "" {
		v = DefaultServerVerify
		if !c.Listen {
			v = DefaultClientVerify
		}
	}
	return ctls.ParseVerifyMode(v)
}

// ListenAddrs returns every address listen mode serves on.
func (c *Config) ListenAddrs() []string {
	var out []string
	if c.LocalPort > 0 {
		out = append(out, bindAddr(c.BindAddress, c.LocalPort))
	}
	return append(out, c.ExtraListen...)
}

func bindAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ── Port helpers ─────────────────────────────────────────────────────

// ParsePort accepts a decimal port in 1-65535.
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range 1-65535", port)
	}
	return port, nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
// Failures are *errors.ConfigError values carrying a hint.
func (c *Config) Validate() error {
	if c.Listen {
		if err := c.validateListen(); err != nil {
			return err
		}
	} else {
		if err := c.validateConnect(); err != nil {
			return err
		}
	}
	return c.validateTLS()
}

func (c *Config) validateListen() error {
	if c.LocalPort == 0 && len(c.ExtraListen) == 0 {
		return &cerrors.ConfigError{
			Field:   "port",
			Message: "listen mode requires a port",
			Hint:    "use -l -p <port>",
		}
	}
	if c.LocalPort < 0 || c.LocalPort > 65535 {
		return &cerrors.ConfigError{Field: "port", Value: c.LocalPort, Message: "out of range 1-65535"}
	}
	if c.Execute != "" && c.Command != "" {
		return &cerrors.ConfigError{
			Field:   "exec",
			Message: "-e and -c are mutually exclusive",
			Hint:    "use -e for a program or -c for a shell command",
		}
	}
	switch c.Dispatch {
	case DispatchPool, DispatchGoroutine:
	default:
		return &cerrors.ConfigError{
			Field: "dispatch", Value: c.Dispatch,
			Message: "unknown dispatch strategy",
			Hint:    "use pool or goroutine",
		}
	}
	if c.Workers < 0 {
		return &cerrors.ConfigError{Field: "workers", Value: c.Workers, Message: "must not be negative"}
	}
	if c.MaxConnections < 0 {
		return &cerrors.ConfigError{Field: "max-conns", Value: c.MaxConnections, Message: "must not be negative"}
	}
	if c.MaxIdle < 0 {
		return &cerrors.ConfigError{Field: "max-idle", Value: c.MaxIdle, Message: "must not be negative"}
	}
	if _, err := server.ParseCIDRPolicy(c.Allow, c.Deny); err != nil {
		return &cerrors.ConfigError{
			Field:   "allow",
			Message: err.Error(),
			Hint:    "give addresses or CIDR networks such as 10.0.0.0/8",
		}
	}
	if c.TLSCert == "" && c.TLSKey == "" && c.TLSCA != "" {
		return &cerrors.ConfigError{
			Field:   "tls-ca",
			Message: "a CA bundle needs a server certificate",
			Hint:    "add --tls-cert and --tls-key",
		}
	}
	return nil
}

func (c *Config) validateConnect() error {
	if c.Host == "" {
		return &cerrors.ConfigError{
			Field:   "host",
			Message: "hostname is required",
			Hint:    "use --help for usage",
		}
	}
	if c.Port < 1 || c.Port > 65535 {
		return &cerrors.ConfigError{
			Field:   "port",
			Value:   c.Port,
			Message: "destination port is required",
			Hint:    "connserve <host> <port>",
		}
	}
	if c.Execute != "" || c.Command != "" {
		return &cerrors.ConfigError{
			Field:   "exec",
			Message: "-e and -c apply to listen mode only",
			Hint:    "add -l -p <port>",
		}
	}
	if c.TLSWatch {
		return &cerrors.ConfigError{Field: "tls-watch", Message: "applies to listen mode only"}
	}
	return nil
}

func (c *Config) validateTLS() error {
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return &cerrors.ConfigError{
			Field:   "tls-key",
			Message: "certificate and key must be given together",
			Hint:    "pass both --tls-cert and --tls-key",
		}
	}
	if _, err := c.VerifyMode(); err != nil {
		return &cerrors.ConfigError{
			Field: "tls-verify", Value: c.TLSVerify,
			Message: err.Error(),
		}
	}
	if c.TLSDepth < 0 {
		return &cerrors.ConfigError{Field: "tls-depth", Value: c.TLSDepth, Message: "must not be negative"}
	}
	if c.TLSPasswordPrompt && c.TLSKey == "" {
		return &cerrors.ConfigError{
			Field:   "tls-password-prompt",
			Message: "no private key to unlock",
			Hint:    "add --tls-key",
		}
	}
	if c.TLSWatch {
		if c.TLSCert == "" {
			return &cerrors.ConfigError{Field: "tls-watch", Message: "nothing to watch", Hint: "add --tls-cert and --tls-key"}
		}
		if c.TLSPasswordPrompt {
			return &cerrors.ConfigError{
				Field:   "tls-watch",
				Message: "reloading cannot prompt for a password",
				Hint:    "use --tls-password-env for encrypted keys with --tls-watch",
			}
		}
	}
	return nil
}
