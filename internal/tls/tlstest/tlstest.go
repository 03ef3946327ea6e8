// Package tlstest generates throwaway certificate authorities and key
// pairs on disk for tests that need real TLS sessions.
package tlstest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Authority is a signing certificate with its key.  Root is the
// self-signed certificate at the top of its chain.
type Authority struct {
	Cert  *x509.Certificate
	Key   *ecdsa.PrivateKey
	Root  *x509.Certificate
	chain []*x509.Certificate // intermediates from Cert up to, excluding, Root
}

// Files names the PEM files written by Issue.
type Files struct {
	Cert string // leaf followed by any intermediates
	Key  string // unencrypted PKCS#8
	CA   string // root certificate
	Leaf *x509.Certificate
}

// NewAuthority creates a self-signed root CA.
func NewAuthority(t testing.TB, cn string) *Authority {
	t.Helper()
	key := newKey(t)
	tmpl := template(cn)
	tmpl.IsCA = true
	tmpl.BasicConstraintsValid = true
	tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	cert := sign(t, tmpl, tmpl, &key.PublicKey, key)
	return &Authority{Cert: cert, Key: key, Root: cert}
}

// Intermediate creates a CA signed by a.
func (a *Authority) Intermediate(t testing.TB, cn string) *Authority {
	t.Helper()
	key := newKey(t)
	tmpl := template(cn)
	tmpl.IsCA = true
	tmpl.BasicConstraintsValid = true
	tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	cert := sign(t, tmpl, a.Cert, &key.PublicKey, a.Key)
	chain := append([]*x509.Certificate{cert}, a.chain...)
	return &Authority{Cert: cert, Key: key, Root: a.Root, chain: chain}
}

// Issue creates a leaf for localhost and 127.0.0.1, usable for both
// server and client authentication, and writes name.crt, name.key and
// ca.crt into dir.
func (a *Authority) Issue(t testing.TB, dir, name string) Files {
	t.Helper()
	key := newKey(t)
	tmpl := template(name)
	tmpl.KeyUsage = x509.KeyUsageDigitalSignature
	tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	tmpl.DNSNames = []string{"localhost"}
	tmpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback}
	leaf := sign(t, tmpl, a.Cert, &key.PublicKey, a.Key)

	var certPEM []byte
	certPEM = append(certPEM, encodeCert(leaf)...)
	for _, c := range a.chain {
		certPEM = append(certPEM, encodeCert(c)...)
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	return Files{
		Cert: WriteFile(t, dir, name+".crt", certPEM),
		Key:  WriteFile(t, dir, name+".key", pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
		CA:   WriteFile(t, dir, "ca.crt", encodeCert(a.Root)),
		Leaf: leaf,
	}
}

// EncryptKey writes a password-protected copy of the key in f.Key as a
// legacy encrypted "EC PRIVATE KEY" PEM block and returns its path.
func EncryptKey(t testing.TB, f Files, password string) string {
	t.Helper()
	data, err := os.ReadFile(f.Key)
	if err != nil {
		t.Fatalf("read key: %v", err)
	}
	block, _ := pem.Decode(data)
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	der, err := x509.MarshalECPrivateKey(parsed.(*ecdsa.PrivateKey))
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	//nolint:staticcheck // legacy PEM encryption is what older tooling produces
	enc, err := x509.EncryptPEMBlock(rand.Reader, "EC PRIVATE KEY", der, []byte(password), x509.PEMCipherAES256)
	if err != nil {
		t.Fatalf("encrypt key: %v", err)
	}
	return WriteFile(t, filepath.Dir(f.Key), filepath.Base(f.Key)+".enc", pem.EncodeToMemory(enc))
}

// WriteFile writes data to dir/name and returns the path.
func WriteFile(t testing.TB, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func encodeCert(c *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func template(cn string) *x509.Certificate {
	serial, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	return &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn, Organization: []string{"connserve test"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
}

func sign(t testing.TB, tmpl, parent *x509.Certificate, pub *ecdsa.PublicKey, signer *ecdsa.PrivateKey) *x509.Certificate {
	t.Helper()
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert
}
