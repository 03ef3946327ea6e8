package config

// loader.go - configuration loading from a YAML file and environment
// variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (LoadFromEnv)
//   3. Config file  (LoadFile)
//   4. Defaults   (defaults.go)

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ── Config file ──────────────────────────────────────────────────────

// LoadFile overlays the YAML document at path onto cfg.  Keys absent
// from the file leave cfg untouched; unknown keys are an error.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the CONNSERVE_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).  Durations accept Go
// syntax ("90s") or a bare number of seconds.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("CONNSERVE_HOST"); v != "" {
		cfg.Host = v
	}
	if v := envInt("CONNSERVE_PORT"); v > 0 {
		cfg.LocalPort = v
	}
	if v := os.Getenv("CONNSERVE_BIND"); v != "" {
		cfg.BindAddress = v
	}
	if envBool("CONNSERVE_LISTEN") {
		cfg.Listen = true
	}
	if v, ok := envDuration("CONNSERVE_TIMEOUT"); ok {
		cfg.Timeout = v
	}

	// Serving
	if v := os.Getenv("CONNSERVE_DISPATCH"); v != "" {
		cfg.Dispatch = v
	}
	if v := envInt("CONNSERVE_WORKERS"); v > 0 {
		cfg.Workers = v
	}
	if v, ok := envDuration("CONNSERVE_MAX_IDLE"); ok {
		cfg.MaxIdle = v
	}
	if v := envInt("CONNSERVE_MAX_CONNS"); v > 0 {
		cfg.MaxConnections = v
	}
	if v := envList("CONNSERVE_ALLOW"); v != nil {
		cfg.Allow = v
	}
	if v := envList("CONNSERVE_DENY"); v != nil {
		cfg.Deny = v
	}

	// TLS
	if envBool("CONNSERVE_TLS") {
		cfg.TLS = true
	}
	if v := os.Getenv("CONNSERVE_TLS_CERT"); v != "" {
		cfg.TLSCert = v
	}
	if v := os.Getenv("CONNSERVE_TLS_KEY"); v != "" {
		cfg.TLSKey = v
	}
	if v := os.Getenv("CONNSERVE_TLS_CA"); v != "" {
		cfg.TLSCA = v
	}
	if v := os.Getenv("CONNSERVE_TLS_VERIFY"); v != "" {
		cfg.TLSVerify = v
	}
	if v := envInt("CONNSERVE_TLS_DEPTH"); v > 0 {
		cfg.TLSDepth = v
	}
	if v := os.Getenv("CONNSERVE_TLS_PASSWORD_ENV"); v != "" {
		cfg.TLSPasswordEnv = v
	}
	if envBool("CONNSERVE_TLS_WATCH") {
		cfg.TLSWatch = true
	}

	// Output
	if v := os.Getenv("CONNSERVE_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := envInt("CONNSERVE_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return secondsDuration(n), true
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, false
	}
	return d, true
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}
