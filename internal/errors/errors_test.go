package errors

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"testing"
)

func TestNetworkError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  NetworkError
		want string
	}{
		{
			name: "retryable",
			err:  NetworkError{Op: "dial", Addr: "example.com:80", Err: io.EOF, Retryable: true},
			want: "dial example.com:80: EOF (retryable)",
		},
		{
			name: "non-retryable",
			err:  NetworkError{Op: "listen", Addr: ":8080", Err: fmt.Errorf("bind failed")},
			want: "listen :8080: bind failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNetworkError_Unwrap(t *testing.T) {
	err := &NetworkError{Op: "dial", Addr: "x", Err: io.EOF}
	if !Is(err, io.EOF) {
		t.Error("should unwrap to io.EOF")
	}
}

func TestTLSError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  *TLSError
		want string
	}{
		{
			name: "load with path",
			err:  TLSLoad("/etc/key.pem", TLSCodeLoad, fmt.Errorf("no PEM data")),
			want: "tls load /etc/key.pem: no PEM data (code -2)",
		},
		{
			name: "handshake alert",
			err:  WrapTLS("handshake", tls.AlertError(42)),
			want: "tls handshake: tls: bad certificate (code 42)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWrapTLS_Classify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"alert", fmt.Errorf("wrapped: %w", tls.AlertError(48)), 48},
		{"remote alert", &net.OpError{Op: "remote error", Err: tls.AlertError(40)}, 40},
		{"verification", &tls.CertificateVerificationError{Err: x509.UnknownAuthorityError{}}, TLSCodeVerify},
		{"record header", tls.RecordHeaderError{Msg: "first record does not look like a TLS handshake"}, TLSCodeRecordHeader},
		{"plain", io.ErrUnexpectedEOF, TLSCodeGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := WrapTLS("handshake", tt.err)
			if err.Code != tt.code {
				t.Errorf("code = %d, want %d", err.Code, tt.code)
			}
			if !Is(err, tt.err) && !As(err, new(*tls.CertificateVerificationError)) {
				t.Error("should unwrap to the original error")
			}
			if TLSCode(fmt.Errorf("ctx: %w", err)) != tt.code {
				t.Error("TLSCode should find the wrapped TLSError")
			}
		})
	}
}

func TestConfigError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  ConfigError
		want string
	}{
		{
			name: "with value and hint",
			err: ConfigError{
				Field:   "port",
				Value:   99999,
				Message: "out of range 1-65535",
				Hint:    "use a port between 1 and 65535",
			},
			want: "config: --port=99999: out of range 1-65535\n  hint: use a port between 1 and 65535",
		},
		{
			name: "missing value no hint",
			err: ConfigError{
				Field:   "tls-key",
				Message: "required with --tls-cert",
			},
			want: "config: --tls-key: required with --tls-cert",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("got:\n%s\nwant:\n%s", got, tt.want)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	inner := fmt.Errorf("connection refused")
	err := Wrap("dial", "10.0.0.1:22", inner)

	if err.Op != "dial" || err.Addr != "10.0.0.1:22" {
		t.Errorf("wrong fields: Op=%q Addr=%q", err.Op, err.Addr)
	}
	if !Is(err, inner) {
		t.Error("should unwrap to inner error")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"retryable network", &NetworkError{Op: "dial", Addr: "x", Err: io.EOF, Retryable: true}, true},
		{"non-retryable network", &NetworkError{Op: "dial", Addr: "x", Err: io.EOF, Retryable: false}, false},
		{"plain error", fmt.Errorf("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTemporary(t *testing.T) {
	ne := &NetworkError{Op: "read", Addr: "x", Err: io.EOF, Retryable: true}
	if !IsTemporary(ne) {
		t.Error("expected temporary")
	}
}

func TestClassifyRetryable_NetOpError(t *testing.T) {
	opErr := &net.OpError{
		Op:  "dial",
		Net: "tcp",
		Err: &net.DNSError{IsTemporary: true},
	}
	if !classifyRetryable(opErr) {
		t.Error("temporary OpError should be retryable")
	}
}

func TestSentinels(t *testing.T) {
	// Verify sentinel errors are distinct.
	sentinels := []error{
		ErrTimeout, ErrNotLoaded, ErrAlreadyLoaded, ErrListenerClosed,
		ErrAlreadyListening, ErrTooManyConnections, ErrRejected, ErrServerClosed,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j && Is(a, b) {
				t.Errorf("sentinel %d and %d should not match", i, j)
			}
		}
	}
}
