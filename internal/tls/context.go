// Package tls wraps crypto/tls in the two objects the serving core
// needs: a Context holding loaded key material and verification
// policy, and a Conn that owns one socket and one TLS session built
// from a Context.
//
// A Context is immutable once LoadKeys succeeds and may be shared by
// any number of concurrent Conns without further locking.
package tls

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	cerrors "connserve/internal/errors"
)

// VerifyMode selects peer verification, using the familiar bit layout
// of OpenSSL's SSL_VERIFY_* flags.
type VerifyMode int

const (
	VerifyNone             VerifyMode = 0
	VerifyPeer             VerifyMode = 1 << 0
	VerifyFailIfNoPeerCert VerifyMode = 1 << 1
)

func (m VerifyMode) String() string {
	switch {
	case m&VerifyPeer == 0:
		return "none"
	case m&VerifyFailIfNoPeerCert != 0:
		return "require"
	default:
		return "peer"
	}
}

// ParseVerifyMode accepts "none", "peer" or "require" as well as the
// numeric flag value.
func ParseVerifyMode(s string) (VerifyMode, error) {
	switch s {
	case "", "none", "0":
		return VerifyNone, nil
	case "peer", "1":
		return VerifyPeer, nil
	case "require", "3":
		return VerifyPeer | VerifyFailIfNoPeerCert, nil
	}
	return VerifyNone, fmt.Errorf("unknown verify mode %q (want none, peer or require)", s)
}

// PasswordFunc supplies the passphrase for an encrypted private key.
// It is called at most once per LoadKeys and only when the key is
// actually encrypted; the returned slice is zeroed after use.
type PasswordFunc func() ([]byte, error)

// StaticPassword returns a PasswordFunc yielding a copy of pw.
func StaticPassword(pw string) PasswordFunc {
	return func() ([]byte, error) { return []byte(pw), nil }
}

// Keys describes the key material and verification policy for LoadKeys.
type Keys struct {
	PrivateKeyFile  string
	CertificateFile string
	Password        PasswordFunc
	CAFile          string // optional trust bundle; system roots when empty
	VerifyMode      VerifyMode
	// VerifyDepth limits the verified peer chain to VerifyDepth+1
	// certificates.  Zero or negative means unlimited.
	VerifyDepth int
}

// Context holds loaded TLS configuration.
type Context struct {
	mu     sync.Mutex // serialises LoadKeys
	config atomic.Pointer[tls.Config]
	mode   VerifyMode
	leaf   *x509.Certificate
}

// NewContext returns an empty Context.  It cannot create sessions
// until LoadKeys succeeds.
func NewContext() *Context {
	return &Context{}
}

// Loaded reports whether LoadKeys has succeeded.
func (c *Context) Loaded() bool { return c.config.Load() != nil }

// Current returns c, so a plain Context can be used wherever a
// reloading source is accepted.
func (c *Context) Current() *Context { return c }

// VerifyMode returns the loaded verification mode.
func (c *Context) VerifyMode() VerifyMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Leaf returns the parsed leaf certificate, or nil for a context loaded
// without a certificate.
func (c *Context) Leaf() *x509.Certificate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaf
}

// LoadKeys loads and validates the certificate chain and private key,
// loads trusted CAs and fixes the verification policy.  On failure the
// context stays unloaded and LoadKeys may be called again.  A context
// that loaded successfully rejects further calls.
//
// Both key and certificate may be omitted for a client-only context
// that authenticates servers but presents no certificate itself.
func (c *Context) LoadKeys(keys Keys) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.config.Load() != nil {
		return cerrors.ErrAlreadyLoaded
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	var leaf *x509.Certificate

	switch {
	case keys.CertificateFile != "" && keys.PrivateKeyFile != "":
		cert, err := loadKeyPair(keys)
		if err != nil {
			return err
		}
		cfg.Certificates = []tls.Certificate{cert}
		leaf = cert.Leaf
	case keys.CertificateFile != "" || keys.PrivateKeyFile != "":
		return &cerrors.TLSError{
			Op: "load", Code: cerrors.TLSCodeLoad,
			Reason: "certificate and private key must be given together",
		}
	}

	if keys.CAFile != "" {
		pool, err := loadCAs(keys.CAFile)
		if err != nil {
			return err
		}
		cfg.RootCAs = pool
		cfg.ClientCAs = pool
	}

	cfg.ClientAuth = clientAuth(keys.VerifyMode)
	if keys.VerifyMode&VerifyPeer != 0 && keys.VerifyDepth > 0 {
		cfg.VerifyPeerCertificate = depthCheck(keys.VerifyDepth)
	}

	c.mode = keys.VerifyMode
	c.leaf = leaf
	c.config.Store(cfg)
	return nil
}

// serverConfig returns the shared server-side configuration.
func (c *Context) serverConfig() (*tls.Config, error) {
	cfg := c.config.Load()
	if cfg == nil {
		return nil, cerrors.ErrNotLoaded
	}
	return cfg, nil
}

// clientConfig derives a client-side configuration for serverName.
func (c *Context) clientConfig(serverName string) (*tls.Config, error) {
	base := c.config.Load()
	if base == nil {
		return nil, cerrors.ErrNotLoaded
	}
	cfg := base.Clone()
	cfg.ServerName = serverName
	cfg.ClientAuth = tls.NoClientCert
	if c.VerifyMode()&VerifyPeer == 0 {
		// #nosec G402 -- VerifyNone explicitly asks for no verification.
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = nil
	}
	return cfg, nil
}

// ── loading helpers ──────────────────────────────────────────────────

func loadKeyPair(keys Keys) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(keys.CertificateFile)
	if err != nil {
		return tls.Certificate{}, cerrors.TLSLoad(keys.CertificateFile, cerrors.TLSCodeLoad, err)
	}
	var chain [][]byte
	for rest := certPEM; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			chain = append(chain, block.Bytes)
		}
	}
	if len(chain) == 0 {
		return tls.Certificate{}, cerrors.TLSLoad(keys.CertificateFile, cerrors.TLSCodeLoad,
			errors.New("no CERTIFICATE blocks found"))
	}
	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return tls.Certificate{}, cerrors.TLSLoad(keys.CertificateFile, cerrors.TLSCodeLoad, err)
	}
	if err := validateValidity(leaf, time.Now()); err != nil {
		return tls.Certificate{}, cerrors.TLSLoad(keys.CertificateFile, cerrors.TLSCodeVerify, err)
	}

	keyPEM, err := os.ReadFile(keys.PrivateKeyFile)
	if err != nil {
		return tls.Certificate{}, cerrors.TLSLoad(keys.PrivateKeyFile, cerrors.TLSCodeLoad, err)
	}
	signer, err := parsePrivateKey(keyPEM, keys.Password)
	if err != nil {
		return tls.Certificate{}, cerrors.TLSLoad(keys.PrivateKeyFile, cerrors.TLSCodeLoad, err)
	}

	pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(leaf.PublicKey) {
		return tls.Certificate{}, cerrors.TLSLoad(keys.PrivateKeyFile, cerrors.TLSCodeKeyMismatch,
			errors.New("private key does not match certificate public key"))
	}

	return tls.Certificate{Certificate: chain, PrivateKey: signer, Leaf: leaf}, nil
}

// parsePrivateKey decodes a PEM private key in PKCS#1, PKCS#8, SEC 1 or
// OpenSSH form, asking for a password only when the key is encrypted.
func parsePrivateKey(data []byte, password PasswordFunc) (crypto.Signer, error) {
	raw, err := ssh.ParseRawPrivateKey(data)

	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		if password == nil {
			return nil, errors.New("private key is encrypted and no password was supplied")
		}
		pw, perr := password()
		if perr != nil {
			return nil, fmt.Errorf("reading key password: %w", perr)
		}
		raw, err = ssh.ParseRawPrivateKeyWithPassphrase(data, pw)
		clear(pw)
	}
	if err != nil {
		return nil, err
	}

	switch k := raw.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	case ed25519.PrivateKey:
		return k, nil
	case *ed25519.PrivateKey:
		return *k, nil
	default:
		return nil, fmt.Errorf("unsupported private key type %T", raw)
	}
}

func loadCAs(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cerrors.TLSLoad(path, cerrors.TLSCodeLoad, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, cerrors.TLSLoad(path, cerrors.TLSCodeLoad, errors.New("no usable CA certificates"))
	}
	return pool, nil
}

func validateValidity(cert *x509.Certificate, now time.Time) error {
	if now.Before(cert.NotBefore) {
		return fmt.Errorf("certificate is not yet valid (valid from %s)", cert.NotBefore.Format(time.RFC3339))
	}
	if now.After(cert.NotAfter) {
		return fmt.Errorf("certificate expired on %s", cert.NotAfter.Format(time.RFC3339))
	}
	return nil
}

// clientAuth maps a VerifyMode to the server-side client-auth policy.
// FailIfNoPeerCert has no effect without VerifyPeer.
func clientAuth(mode VerifyMode) tls.ClientAuthType {
	switch {
	case mode&VerifyPeer == 0:
		return tls.NoClientCert
	case mode&VerifyFailIfNoPeerCert != 0:
		return tls.RequireAndVerifyClientCert
	default:
		return tls.VerifyClientCertIfGiven
	}
}

// depthCheck rejects peers whose every verified chain is longer than
// depth+1 certificates.
func depthCheck(depth int) func([][]byte, [][]*x509.Certificate) error {
	return func(_ [][]byte, chains [][]*x509.Certificate) error {
		if len(chains) == 0 {
			return nil
		}
		for _, chain := range chains {
			if len(chain) <= depth+1 {
				return nil
			}
		}
		return fmt.Errorf("peer certificate chain exceeds verify depth %d", depth)
	}
}
