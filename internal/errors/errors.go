// Package errors provides domain-specific error types for connserve.
//
// These types carry structured context (operation, address, TLS code,
// retryability) that helps callers decide how to handle failures and
// provides better diagnostics than plain string wrapping.
//
// Timeouts on the core primitives are reported as boolean results, not
// errors.  ErrTimeout exists only for the client-facing helpers that
// must surface an expired deadline through an error return.
package errors

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"reflect"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrTimeout            = errors.New("operation timed out")
	ErrNotLoaded          = errors.New("tls context has no keys loaded")
	ErrAlreadyLoaded      = errors.New("tls context keys already loaded")
	ErrListenerClosed     = errors.New("listener is closed")
	ErrAlreadyListening   = errors.New("listener already listening")
	ErrTooManyConnections = errors.New("too many connections")
	ErrRejected           = errors.New("connection rejected by admission policy")
	ErrServerClosed       = errors.New("server is shut down")
	ErrNoWorkers          = errors.New("worker pool has no live workers")
)

// ── Structured error types ───────────────────────────────────────────

// NetworkError represents a failure in a transport operation.
type NetworkError struct {
	Op        string // operation: "dial", "listen", "accept", "write", "read"
	Addr      string // network address involved
	Err       error  // underlying error
	Retryable bool   // whether the caller should retry
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TLS error codes.  Non-negative codes are TLS alert numbers (RFC 8446
// §6) as reported by crypto/tls; negative codes classify local failures.
const (
	TLSCodeGeneric      = -1
	TLSCodeLoad         = -2 // unreadable or unparsable key material
	TLSCodeKeyMismatch  = -3 // private key does not match certificate
	TLSCodeVerify       = -4 // peer certificate verification failed
	TLSCodeRecordHeader = -5 // peer is not speaking TLS
	TLSCodeState        = -6 // operation invalid in the current state
)

// TLSError represents a TLS configuration or session failure.
type TLSError struct {
	Op     string // "load", "handshake", "read", "write", "close"
	Path   string // file involved, if any
	Code   int    // alert number or one of the TLSCode* constants
	Reason string // human-readable reason from the TLS layer
	Err    error
}

func (e *TLSError) Error() string {
	s := "tls " + e.Op
	if e.Path != "" {
		s += " " + e.Path
	}
	return fmt.Sprintf("%s: %s (code %d)", s, e.Reason, e.Code)
}

func (e *TLSError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError, automatically detecting retryability
// from the underlying error.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapTLS creates a TLSError, extracting the alert code and reason from
// crypto/tls error types when present.
func WrapTLS(op string, err error) *TLSError {
	code, reason := classifyTLS(err)
	return &TLSError{Op: op, Code: code, Reason: reason, Err: err}
}

// TLSLoad creates a TLSError for a key-material failure on path.
func TLSLoad(path string, code int, err error) *TLSError {
	return &TLSError{Op: "load", Path: path, Code: code, Reason: err.Error(), Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return classifyRetryable(err)
}

// IsTemporary reports whether err represents a temporary condition.
func IsTemporary(err error) bool {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable // temporary ≈ retryable for network errors
	}
	return classifyRetryable(err)
}

// TLSCode returns the code of the first TLSError in err's chain, or
// TLSCodeGeneric when there is none.
func TLSCode(err error) int {
	var te *TLSError
	if errors.As(err, &te) {
		return te.Code
	}
	return TLSCodeGeneric
}

// classifyRetryable inspects standard library error types.
func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary() //nolint:staticcheck // Temporary is deprecated but still useful
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

func classifyTLS(err error) (int, string) {
	if err == nil {
		return TLSCodeGeneric, "unknown error"
	}
	var alert tls.AlertError
	if errors.As(err, &alert) {
		return int(alert), alert.Error()
	}
	// Alerts received from the peer surface as an OpError wrapping
	// crypto/tls's unexported alert type, which is a uint8.
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "remote error" && opErr.Err != nil {
		if v := reflect.ValueOf(opErr.Err); v.Kind() == reflect.Uint8 {
			return int(v.Uint()), opErr.Err.Error()
		}
	}
	var verr *tls.CertificateVerificationError
	if errors.As(err, &verr) {
		return TLSCodeVerify, verr.Err.Error()
	}
	var uaErr x509.UnknownAuthorityError
	if errors.As(err, &uaErr) {
		return TLSCodeVerify, uaErr.Error()
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return TLSCodeVerify, hostErr.Error()
	}
	var rhErr tls.RecordHeaderError
	if errors.As(err, &rhErr) {
		return TLSCodeRecordHeader, rhErr.Msg
	}
	return TLSCodeGeneric, err.Error()
}

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use connserve/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
