package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	certFileName = "cert.pem"
	keyFileName  = "key.pem"
)

// Authority generates and holds the self signed certificate authority whose
// certificate is injected into proxy and updater containers so the proxy can
// intercept registry traffic.
type Authority struct {
	dir string

	mu      sync.Mutex
	certPEM string
	keyPEM  string
}

// NewAuthority creates an Authority that stores its material under dir.
func NewAuthority(dir string) *Authority {
	return &Authority{dir: dir}
}

// Initialize loads the CA key pair from disk, generating and persisting a
// fresh one when the stored material is missing, unparsable or expired.
// Idempotent and safe for concurrent use.
func (a *Authority) Initialize() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if certPEM, keyPEM, ok := a.loadExisting(); ok {
		a.certPEM = certPEM
		a.keyPEM = keyPEM
		return nil
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate ca key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generate ca serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "depwatch update-job proxy CA",
			Organization: []string{"depwatch"},
		},
		NotBefore:             now,
		NotAfter:              now.AddDate(2, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create ca certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	if err := os.MkdirAll(a.dir, 0o700); err != nil {
		return fmt.Errorf("create certs dir: %w", err)
	}
	certPath := filepath.Join(a.dir, certFileName)
	keyPath := filepath.Join(a.dir, keyFileName)
	for _, p := range []string{certPath, keyPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale %s: %w", filepath.Base(p), err)
		}
	}
	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		return fmt.Errorf("write ca certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write ca key: %w", err)
	}

	a.certPEM = string(certPEM)
	a.keyPEM = string(keyPEM)
	return nil
}

// loadExisting reads the stored key pair and reports whether it is still
// usable. Expired or corrupt material is discarded.
func (a *Authority) loadExisting() (string, string, bool) {
	certRaw, err := os.ReadFile(filepath.Join(a.dir, certFileName))
	if err != nil {
		return "", "", false
	}
	keyRaw, err := os.ReadFile(filepath.Join(a.dir, keyFileName))
	if err != nil {
		return "", "", false
	}
	block, _ := pem.Decode(certRaw)
	if block == nil || block.Type != "CERTIFICATE" {
		return "", "", false
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil || time.Now().After(cert.NotAfter) {
		return "", "", false
	}
	keyBlock, _ := pem.Decode(keyRaw)
	if keyBlock == nil {
		return "", "", false
	}
	if _, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes); err != nil {
		return "", "", false
	}
	return string(certRaw), string(keyRaw), true
}

// Get returns the PEM encoded certificate and private key. It fails when
// Initialize has not run.
func (a *Authority) Get() (certPEM, keyPEM string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.certPEM == "" || a.keyPEM == "" {
		return "", "", fmt.Errorf("certificate authority not initialized")
	}
	return a.certPEM, a.keyPEM, nil
}
