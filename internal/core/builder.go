package core

import (
	"fmt"
	"os"
	"runtime"

	"connserve/config"
	"connserve/internal/handler"
	"connserve/internal/metrics"
	"connserve/internal/server"
	ctls "connserve/internal/tls"
	"connserve/internal/transport"
	"connserve/util"
)

// Build constructs the appropriate Mode from the given configuration.
// cfg is expected to have passed Validate.
func Build(cfg *config.Config, logger *util.Logger) (Mode, error) {
	if cfg.Listen {
		return buildServe(cfg, logger)
	}
	return buildConnect(cfg, logger)
}

// ── mode builders ────────────────────────────────────────────────────

func buildServe(cfg *config.Config, logger *util.Logger) (Mode, error) {
	policy, err := server.ParseCIDRPolicy(cfg.Allow, cfg.Deny)
	if err != nil {
		return nil, err
	}
	var admission server.Policy = server.AllowAll
	if len(cfg.Allow) > 0 || len(cfg.Deny) > 0 {
		admission = policy
	}

	m := &ServeMode{
		Addrs:       cfg.ListenAddrs(),
		GracePeriod: cfg.GracePeriod,
		MetricsAddr: cfg.MetricsAddr,
		Metrics:     metrics.New(),
		Logger:      logger,
	}

	opts := server.Options{
		Handler:          buildHandler(cfg, logger),
		MaxIdle:          cfg.MaxIdle,
		MaxConnections:   int64(cfg.MaxConnections),
		Admission:        admission,
		HandshakeTimeout: cfg.HandshakeTimeout,
		PollInterval:     cfg.PollInterval,
		Metrics:          m.Metrics,
		Logger:           logger,
	}
	if cfg.Dispatch == config.DispatchPool {
		opts.Workers = workerCount(cfg)
	}
	logger.Verbose("serving with %s", describe(cfg))

	if cfg.TLSEnabled() {
		keys, err := tlsKeys(cfg)
		if err != nil {
			return nil, err
		}
		if cfg.TLSWatch {
			w, err := ctls.NewWatcher(keys, logger)
			if err != nil {
				return nil, err
			}
			w.OnReload = func(_ *ctls.Context, err error) {
				if err != nil {
					m.Metrics.RecordError("tls reload: " + err.Error())
					logger.Warn("tls reload failed, keeping previous keys: %v", err)
				}
			}
			m.Watcher = w
			opts.TLS = w
		} else {
			tc := ctls.NewContext()
			if err := tc.LoadKeys(keys); err != nil {
				return nil, err
			}
			logger.Verbose("tls: serving %s", ctls.DescribeCertificate(tc.Leaf()))
			opts.TLS = tc
		}
	}

	srv, err := server.New(opts)
	if err != nil {
		return nil, err
	}
	m.Server = srv
	return m, nil
}

func buildConnect(cfg *config.Config, logger *util.Logger) (Mode, error) {
	dialer, err := buildDialer(cfg)
	if err != nil {
		return nil, err
	}
	return &ConnectMode{
		Dialer:   dialer,
		Address:  util.FormatAddr(cfg.Host, cfg.Port),
		Attempts: config.DefaultConnectAttempts,
		Logger:   logger,
	}, nil
}

// ── shared helpers ───────────────────────────────────────────────────

// buildDialer creates the right transport.Dialer for connect mode.
func buildDialer(cfg *config.Config) (transport.Dialer, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = config.DefaultConnTimeout
	}
	tcp := &transport.TCPDialer{Timeout: timeout, LocalPort: cfg.LocalPort}
	if !cfg.TLSEnabled() {
		return tcp, nil
	}

	keys, err := tlsKeys(cfg)
	if err != nil {
		return nil, err
	}
	tc := ctls.NewContext()
	if err := tc.LoadKeys(keys); err != nil {
		return nil, err
	}
	return &transport.TLSDialer{
		Dialer:           tcp,
		Context:          tc,
		ServerName:       cfg.ServerName,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}, nil
}

// buildHandler selects the per-connection behaviour.
func buildHandler(cfg *config.Config, logger *util.Logger) server.Handler {
	if cfg.Execute != "" || cfg.Command != "" {
		return &handler.Exec{
			Program: cfg.Execute,
			Args:    cfg.Args,
			Command: cfg.Command,
			Logger:  logger,
		}
	}
	return &handler.Echo{Poll: cfg.PollInterval, IdleTimeout: cfg.Timeout}
}

// tlsKeys translates the TLS flags into ctls.Keys.
func tlsKeys(cfg *config.Config) (ctls.Keys, error) {
	mode, err := cfg.VerifyMode()
	if err != nil {
		return ctls.Keys{}, err
	}
	keys := ctls.Keys{
		PrivateKeyFile:  cfg.TLSKey,
		CertificateFile: cfg.TLSCert,
		CAFile:          cfg.TLSCA,
		VerifyMode:      mode,
		VerifyDepth:     cfg.TLSDepth,
	}
	switch {
	case cfg.TLSPasswordEnv != "":
		keys.Password = envPassword(cfg.TLSPasswordEnv)
	case cfg.TLSPasswordPrompt:
		keys.Password = promptPassword(cfg.TLSKey, os.Stderr)
	}
	return keys, nil
}

// workerCount sizes the pool when --workers is not given.
func workerCount(cfg *config.Config) int {
	if cfg.Workers > 0 {
		return cfg.Workers
	}
	n := 4 * runtime.NumCPU()
	if cfg.MaxConnections > 0 && cfg.MaxConnections < n {
		n = cfg.MaxConnections
	}
	return n
}

// describe is used in log lines for the chosen serving strategy.
func describe(cfg *config.Config) string {
	if cfg.Dispatch == config.DispatchGoroutine {
		return "goroutine per connection"
	}
	return fmt.Sprintf("%d pool workers", workerCount(cfg))
}
