// Package cmd wires up the CLI flags and dispatches to the core modes.
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"connserve/config"
	"connserve/internal/core"
	"connserve/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X connserve/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Execute parses args and runs the appropriate connserve mode.
//
// Settings are layered: defaults, then the --config file, then
// CONNSERVE_* environment variables, then flags.  Flags are registered
// with the layered value as their default so only flags actually given
// override it.
func Execute(ctx context.Context, args []string) error {
	cfg := config.Default()
	if path := configPath(args); path != "" {
		if err := config.LoadFile(path, cfg); err != nil {
			return err
		}
	}
	config.LoadFromEnv(cfg)
	// CountVarP zeroes its target; remember the layered verbosity.
	baseVerbose := cfg.Verbose

	fs := flag.NewFlagSet("connserve", flag.ContinueOnError)

	// ── connection ───────────────────────────────────────────────
	fs.BoolVarP(&cfg.Listen, "listen", "l", cfg.Listen, "Listen mode")
	fs.IntVarP(&cfg.LocalPort, "port", "p", cfg.LocalPort, "Listen port, or source port when connecting")
	fs.StringVar(&cfg.BindAddress, "bind", cfg.BindAddress, "Address to bind with -p")
	fs.StringSliceVar(&cfg.ExtraListen, "listen-addr", cfg.ExtraListen, "Additional host:port to serve on (repeatable)")

	var timeoutSec int
	fs.IntVarP(&timeoutSec, "timeout", "w", 0, "Timeout in seconds (connect, or per-client idle limit with -l)")

	// ── serving ──────────────────────────────────────────────────
	fs.StringVar(&cfg.Dispatch, "dispatch", cfg.Dispatch, "Connection dispatch: pool or goroutine")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Pool workers (0 = automatic)")
	fs.DurationVar(&cfg.MaxIdle, "max-idle", cfg.MaxIdle, "Idle time before a pool worker exits for good (0 = never)")
	fs.IntVar(&cfg.MaxConnections, "max-conns", cfg.MaxConnections, "Maximum concurrent connections (0 = unlimited)")
	fs.StringSliceVar(&cfg.Allow, "allow", cfg.Allow, "Only accept clients from these CIDRs/IPs")
	fs.StringSliceVar(&cfg.Deny, "deny", cfg.Deny, "Refuse clients from these CIDRs/IPs")
	fs.DurationVar(&cfg.GracePeriod, "grace", cfg.GracePeriod, "Shutdown grace period before connections are closed")

	// ── TLS ──────────────────────────────────────────────────────
	fs.BoolVar(&cfg.TLS, "tls", cfg.TLS, "Connect over TLS")
	fs.StringVar(&cfg.TLSCert, "tls-cert", cfg.TLSCert, "Certificate chain (PEM)")
	fs.StringVar(&cfg.TLSKey, "tls-key", cfg.TLSKey, "Private key (PEM, may be encrypted)")
	fs.StringVar(&cfg.TLSCA, "tls-ca", cfg.TLSCA, "CA bundle used to verify the peer")
	fs.StringVar(&cfg.TLSVerify, "tls-verify", cfg.TLSVerify, "Peer verification: none, peer or require")
	fs.IntVar(&cfg.TLSDepth, "tls-depth", cfg.TLSDepth, "Maximum verified chain depth (0 = unlimited)")
	fs.BoolVar(&cfg.TLSPasswordPrompt, "tls-password-prompt", cfg.TLSPasswordPrompt, "Prompt for the private key passphrase")
	fs.StringVar(&cfg.TLSPasswordEnv, "tls-password-env", cfg.TLSPasswordEnv, "Read the key passphrase from this environment variable")
	fs.BoolVar(&cfg.TLSWatch, "tls-watch", cfg.TLSWatch, "Reload keys when the files change (with -l)")
	fs.DurationVar(&cfg.HandshakeTimeout, "tls-handshake-timeout", cfg.HandshakeTimeout, "TLS handshake timeout")
	fs.StringVar(&cfg.ServerName, "server-name", cfg.ServerName, "Expected server name (default: host)")

	// ── execution ────────────────────────────────────────────────
	fs.StringVarP(&cfg.Execute, "exec", "e", cfg.Execute, "Execute program for each client (with -l)")
	fs.StringVarP(&cfg.Command, "command", "c", cfg.Command, "Execute shell command for each client (with -l)")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve Prometheus metrics on this address")

	var showVersion, showHelp, dryRun bool
	var configFile string
	fs.StringVar(&configFile, "config", "", "YAML configuration file")
	fs.BoolVar(&dryRun, "dry-run", false, "Validate the configuration and exit")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg.Verbose += baseVerbose

	if showHelp || len(args) == 0 {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Printf("connserve %s\n", version)
		return nil
	}

	if fs.Changed("timeout") {
		cfg.Timeout = time.Duration(timeoutSec) * time.Second
	}

	// ── positional arguments ─────────────────────────────────────
	if err := parsePositional(cfg, fs.Args()); err != nil {
		return err
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}
	if dryRun {
		fmt.Fprintln(os.Stderr, describe(cfg))
		return nil
	}

	// ── build and run ────────────────────────────────────────────
	logger := util.NewLogger(cfg.Verbose)
	mode, err := core.Build(cfg, logger)
	if err != nil {
		return err
	}
	return mode.Run(ctx)
}

// ── helpers ──────────────────────────────────────────────────────────

// configPath finds --config ahead of the full parse, since the file
// supplies the defaults the flags are registered with.
func configPath(args []string) string {
	for i, a := range args {
		if a == "--" {
			break
		}
		if v, ok := strings.CutPrefix(a, "--config="); ok {
			return v
		}
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func parsePositional(cfg *config.Config, remaining []string) error {
	if cfg.Listen {
		switch len(remaining) {
		case 0: // connserve -l -p PORT
		case 1:
			cfg.BindAddress = remaining[0]
		default:
			return fmt.Errorf("too many arguments for listen mode")
		}
		return nil
	}

	// Connect mode: host port
	if len(remaining) < 1 {
		if cfg.Host != "" && cfg.Port > 0 {
			return nil // both from the config file
		}
		return fmt.Errorf("hostname required (use --help for usage)")
	}
	cfg.Host = remaining[0]

	if len(remaining) < 2 {
		return fmt.Errorf("port required")
	}
	if len(remaining) > 2 {
		return fmt.Errorf("too many arguments for connect mode")
	}

	port, err := config.ParsePort(remaining[1])
	if err != nil {
		return fmt.Errorf("port: %w", err)
	}
	cfg.Port = port
	return nil
}

// describe summarises the resolved configuration for --dry-run.
func describe(cfg *config.Config) string {
	var b strings.Builder
	if cfg.Listen {
		fmt.Fprintf(&b, "serve %s dispatch=%s", strings.Join(cfg.ListenAddrs(), ","), cfg.Dispatch)
		if cfg.MaxConnections > 0 {
			fmt.Fprintf(&b, " max-conns=%d", cfg.MaxConnections)
		}
	} else {
		fmt.Fprintf(&b, "connect %s", util.FormatAddr(cfg.Host, cfg.Port))
	}
	if cfg.TLSEnabled() {
		mode, _ := cfg.VerifyMode()
		fmt.Fprintf(&b, " tls verify=%s", mode)
	}
	return b.String()
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `connserve – concurrent connection server v%s

Serves TCP or TLS clients from a worker pool, or connects to a server
and relays stdin/stdout.

Usage:
  connserve [options] <host> <port>               Connect
  connserve -l -p <port> [options] [bind-addr]    Serve

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  connserve -l -p 7000                            Echo server on 7000
  connserve -l -p 7000 --workers 16 --max-conns 64
  connserve -l -p 8443 --tls-cert srv.pem --tls-key srv.key --tls-watch
  connserve -l -p 7000 -e /bin/cat --allow 10.0.0.0/8
  connserve --tls --tls-ca ca.pem example.com 8443
  echo "hello" | connserve host.example.com 7000  Pipe data
`)
}
