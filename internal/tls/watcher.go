package tls

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"connserve/util"
)

// DefaultDebounce is the quiet period after the last file event before
// a reload is attempted.
const DefaultDebounce = 250 * time.Millisecond

// Source yields the Context new sessions should be built from.  Both
// *Context and *Watcher implement it.
type Source interface {
	Current() *Context
}

// Watcher keeps a loaded Context in step with the key files on disk.
// Each reload builds a fresh Context; sessions already attached keep
// the one they were created from.  The Keys password callback is
// invoked on every reload of an encrypted key.
type Watcher struct {
	keys     Keys
	current  atomic.Pointer[Context]
	reloads  atomic.Int64
	Debounce time.Duration
	logger   *util.Logger

	// OnReload, if set, is called after every reload attempt.
	OnReload func(*Context, error)
}

// NewWatcher loads keys once and returns a Watcher publishing the
// result.  The initial load must succeed.
func NewWatcher(keys Keys, logger *util.Logger) (*Watcher, error) {
	w := &Watcher{keys: keys, Debounce: DefaultDebounce, logger: logger}
	if err := w.Reload(); err != nil {
		return nil, err
	}
	return w, nil
}

// Current returns the most recently loaded Context.
func (w *Watcher) Current() *Context { return w.current.Load() }

// Reloads returns the number of successful loads, the initial one
// included.
func (w *Watcher) Reloads() int64 { return w.reloads.Load() }

// Reload builds a new Context from the key files and publishes it.  On
// failure the previous Context stays current.
func (w *Watcher) Reload() error {
	ctx := NewContext()
	err := ctx.LoadKeys(w.keys)
	if err == nil {
		w.current.Store(ctx)
		w.reloads.Add(1)
		if leaf := ctx.Leaf(); leaf != nil {
			w.logger.Verbose("tls: loaded %s", DescribeCertificate(leaf))
		}
	}
	if w.OnReload != nil {
		w.OnReload(ctx, err)
	}
	return err
}

// Run watches the directories holding the key files until ctx ends.
// Directories rather than files are watched so that editors and tools
// replacing files by rename are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("tls watcher: %w", err)
	}
	defer fw.Close() //nolint:errcheck

	names := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, p := range []string{w.keys.CertificateFile, w.keys.PrivateKeyFile, w.keys.CAFile} {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("tls watcher: %w", err)
		}
		names[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for d := range dirs {
		if err := fw.Add(d); err != nil {
			return fmt.Errorf("tls watcher: watch %s: %w", d, err)
		}
	}

	debounce := w.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			abs, _ := filepath.Abs(ev.Name)
			if !names[abs] {
				continue
			}
			w.logger.Debug("tls: %s %s", ev.Op, ev.Name)
			timer.Reset(debounce)

		case <-timer.C:
			if err := w.Reload(); err != nil {
				w.logger.Warn("tls: reload failed, keeping previous keys: %v", err)
			} else {
				w.logger.Info("tls: key material reloaded")
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("tls watcher: %v", err)
		}
	}
}

// DescribeCertificate renders the identifying fields of cert on one
// line for logs.
func DescribeCertificate(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	var sans []string
	sans = append(sans, cert.DNSNames...)
	for _, ip := range cert.IPAddresses {
		sans = append(sans, ip.String())
	}
	s := fmt.Sprintf("subject=%q issuer=%q expires=%s sha256=%s",
		cert.Subject.String(), cert.Issuer.String(),
		cert.NotAfter.UTC().Format(time.RFC3339), hex.EncodeToString(sum[:8]))
	if len(sans) > 0 {
		s += " san=" + strings.Join(sans, ",")
	}
	return s
}
