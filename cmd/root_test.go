package cmd

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"connserve/config"
)

// TestExecute_Version verifies --version prints a version string.
func TestExecute_Version(t *testing.T) {
	// Execute with --version should not return an error (it prints and exits).
	err := Execute(context.Background(), []string{"--version"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestExecute_Help verifies --help (and no args) returns without error.
func TestExecute_Help(t *testing.T) {
	for _, args := range [][]string{{"--help"}, {}} {
		name := "no-args"
		if len(args) > 0 {
			name = args[0]
		}
		t.Run(name, func(t *testing.T) {
			err := Execute(context.Background(), args)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

// TestExecute_DryRun verifies --dry-run validates and exits cleanly.
func TestExecute_DryRun(t *testing.T) {
	for _, args := range [][]string{
		{"-l", "-p", "8080", "--dry-run"},
		{"-l", "-p", "8080", "--dispatch", "goroutine", "--allow", "10.0.0.0/8,127.0.0.1", "--dry-run"},
		{"-l", "-p", "8080", "-e", "/bin/cat", "--max-conns", "4", "--dry-run"},
		{"--tls", "example.com", "443", "--dry-run"},
		{"-w", "5", "localhost", "80", "--dry-run"},
	} {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			if err := Execute(context.Background(), args); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

// TestExecute_DryRunInvalid verifies --dry-run still catches bad configs.
func TestExecute_DryRunInvalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"listen without port", []string{"-l", "--dry-run"}, "requires a port"},
		{"bad dispatch", []string{"-l", "-p", "80", "--dispatch", "fork", "--dry-run"}, "dispatch"},
		{"bad cidr", []string{"-l", "-p", "80", "--deny", "nonsense", "--dry-run"}, "allow"},
		{"cert without key", []string{"-l", "-p", "80", "--tls-cert", "c.pem", "--dry-run"}, "together"},
		{"bad verify", []string{"--tls", "--tls-verify", "maybe", "h", "1", "--dry-run"}, "verify"},
		{"missing port", []string{"localhost", "--dry-run"}, "port required"},
		{"bad port", []string{"localhost", "http", "--dry-run"}, "invalid port"},
		{"too many", []string{"localhost", "80", "81", "--dry-run"}, "too many"},
		{"exec in connect mode", []string{"-e", "cat", "localhost", "80", "--dry-run"}, "listen mode only"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Execute(context.Background(), tt.args)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should contain %q", err, tt.want)
			}
		})
	}
}

// TestExecute_InvalidFlags verifies unknown flags produce an error.
func TestExecute_InvalidFlags(t *testing.T) {
	err := Execute(context.Background(), []string{"--nonexistent-flag"})
	if err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

// TestExecute_ConflictingFlags verifies -e and -c conflict is caught.
func TestExecute_ConflictingFlags(t *testing.T) {
	err := Execute(context.Background(), []string{
		"-l", "-p", "8080", "-e", "cat", "-c", "ls", "--dry-run",
	})
	if err == nil {
		t.Fatal("expected error for -e and -c conflict")
	}
	if !strings.Contains(err.Error(), "mutually exclusive") {
		t.Errorf("error should mention mutually exclusive: %v", err)
	}
}

// TestExecute_ConfigFile verifies the file supplies settings and flags
// still override them.
func TestExecute_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connserve.yaml")
	if err := os.WriteFile(path, []byte("listen: true\nlocal_port: 9000\ndispatch: fork\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	err := Execute(context.Background(), []string{"--config", path, "--dry-run"})
	if err == nil || !strings.Contains(err.Error(), "dispatch") {
		t.Fatalf("file value should be validated, got %v", err)
	}

	err = Execute(context.Background(), []string{"--config=" + path, "--dispatch", "goroutine", "--dry-run"})
	if err != nil {
		t.Fatalf("flag should override the file: %v", err)
	}

	err = Execute(context.Background(), []string{"--config", filepath.Join(t.TempDir(), "nope.yaml")})
	if err == nil {
		t.Fatal("expected error for a missing config file")
	}
}

func TestConfigPath(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{nil, ""},
		{[]string{"-l", "--config", "a.yaml"}, "a.yaml"},
		{[]string{"--config=b.yaml", "-l"}, "b.yaml"},
		{[]string{"--config"}, ""},
		{[]string{"--", "--config", "c.yaml"}, ""},
	}
	for _, tt := range tests {
		if got := configPath(tt.args); got != tt.want {
			t.Errorf("configPath(%q) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestParsePositional(t *testing.T) {
	cfg := &config.Config{}
	if err := parsePositional(cfg, []string{"example.com", "8080"}); err != nil {
		t.Fatal(err)
	}
	if cfg.Host != "example.com" || cfg.Port != 8080 {
		t.Errorf("got %s:%d", cfg.Host, cfg.Port)
	}

	cfg = &config.Config{Listen: true}
	if err := parsePositional(cfg, []string{"127.0.0.1"}); err != nil {
		t.Fatal(err)
	}
	if cfg.BindAddress != "127.0.0.1" {
		t.Errorf("BindAddress = %q", cfg.BindAddress)
	}

	cfg = &config.Config{Host: "from-file", Port: 22}
	if err := parsePositional(cfg, nil); err != nil {
		t.Errorf("host and port from file should suffice: %v", err)
	}
}
