package config

import (
	"testing"

	ctls "connserve/internal/tls"
)

// ── ParsePort ────────────────────────────────────────────────────────

func TestParsePort(t *testing.T) {
	tests := []struct {
		input   string
		want    int
		wantErr bool
	}{
		{"80", 80, false},
		{"443", 443, false},
		{"65535", 65535, false},
		{"0", 0, true},
		{"70000", 0, true},
		{"abc", 0, true},
		{"80-90", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParsePort(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePort(%q) error = %v, wantErr = %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParsePort(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

// ── Derived values ───────────────────────────────────────────────────

func TestListenAddrs(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want []string
	}{
		{"port only", Config{LocalPort: 8080}, []string{":8080"}},
		{"bind v4", Config{LocalPort: 8080, BindAddress: "127.0.0.1"}, []string{"127.0.0.1:8080"}},
		{"bind v6", Config{LocalPort: 8080, BindAddress: "::1"}, []string{"[::1]:8080"}},
		{"extra", Config{LocalPort: 1, ExtraListen: []string{"x:2"}}, []string{":1", "x:2"}},
		{"extra only", Config{ExtraListen: []string{"x:2"}}, []string{"x:2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.cfg.ListenAddrs()
			if len(got) != len(tt.want) {
				t.Fatalf("ListenAddrs = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("ListenAddrs[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestDefault_PoolWorkersNeverReaped(t *testing.T) {
	cfg := Default()
	if cfg.Dispatch != DispatchPool {
		t.Fatalf("Dispatch = %q, want pool", cfg.Dispatch)
	}
	if cfg.MaxIdle != 0 {
		t.Errorf("MaxIdle = %v, want 0 so serving keeps its workers", cfg.MaxIdle)
	}
}

func TestVerifyModeDefaults(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want ctls.VerifyMode
	}{
		{"server default", Config{Listen: true}, ctls.VerifyNone},
		{"client default", Config{}, ctls.VerifyPeer},
		{"explicit", Config{Listen: true, TLSVerify: "require"}, ctls.VerifyPeer | ctls.VerifyFailIfNoPeerCert},
		{"client opt-out", Config{TLSVerify: "none"}, ctls.VerifyNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.VerifyMode()
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("VerifyMode = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTLSEnabled(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want bool
	}{
		{"plain listen", Config{Listen: true}, false},
		{"listen with cert", Config{Listen: true, TLSCert: "c"}, true},
		{"plain connect", Config{}, false},
		{"connect --tls", Config{TLS: true}, true},
		{"connect with ca", Config{TLSCA: "ca"}, true},
	}
	for _, tt := range tests {
		if got := tt.cfg.TLSEnabled(); got != tt.want {
			t.Errorf("%s: TLSEnabled = %v, want %v", tt.name, got, tt.want)
		}
	}
}

// ── Validate ─────────────────────────────────────────────────────────

func TestValidate_Valid(t *testing.T) {
	listen := func(mod func(*Config)) Config {
		c := *Default()
		c.Listen = true
		c.LocalPort = 8080
		if mod != nil {
			mod(&c)
		}
		return c
	}
	tests := []struct {
		name string
		cfg  Config
	}{
		{"listen", listen(nil)},
		{"listen goroutine", listen(func(c *Config) { c.Dispatch = DispatchGoroutine })},
		{"listen tls", listen(func(c *Config) { c.TLSCert, c.TLSKey, c.TLSCA, c.TLSVerify = "c", "k", "ca", "require" })},
		{"listen exec", listen(func(c *Config) { c.Execute = "/bin/cat" })},
		{"listen cidr", listen(func(c *Config) { c.Allow, c.Deny = []string{"10.0.0.0/8"}, []string{"10.1.2.3"} })},
		{"listen watch", listen(func(c *Config) { c.TLSCert, c.TLSKey, c.TLSWatch = "c", "k", true })},
		{"connect", Config{Host: "example.com", Port: 80}},
		{"connect tls", Config{Host: "example.com", Port: 443, TLS: true, ServerName: "example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); err != nil {
				t.Errorf("Validate: %v", err)
			}
		})
	}
}
