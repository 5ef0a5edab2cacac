package certs

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetBeforeInitializeFails(t *testing.T) {
	a := NewAuthority(t.TempDir())
	if _, _, err := a.Get(); err == nil {
		t.Fatal("Get succeeded before Initialize")
	}
}

func TestInitializeWritesUsableAuthority(t *testing.T) {
	dir := t.TempDir()
	a := NewAuthority(dir)
	if err := a.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	certPEM, keyPEM, err := a.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if keyPEM == "" {
		t.Fatal("empty key")
	}

	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		t.Fatalf("unexpected certificate PEM block: %+v", block)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	if !cert.IsCA || !cert.BasicConstraintsValid {
		t.Fatal("certificate is not a CA")
	}
	wantExpiry := time.Now().AddDate(2, 0, 0)
	if cert.NotAfter.Before(wantExpiry.Add(-time.Hour)) || cert.NotAfter.After(wantExpiry.Add(time.Hour)) {
		t.Fatalf("NotAfter = %v, want about %v", cert.NotAfter, wantExpiry)
	}

	for _, name := range []string{"cert.pem", "key.pem"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
}

func TestInitializeReusesValidMaterial(t *testing.T) {
	dir := t.TempDir()
	a := NewAuthority(dir)
	if err := a.Initialize(); err != nil {
		t.Fatalf("first Initialize: %v", err)
	}
	first, _, _ := a.Get()

	b := NewAuthority(dir)
	if err := b.Initialize(); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	second, _, _ := b.Get()
	if first != second {
		t.Fatal("Initialize regenerated a still valid authority")
	}
}

func TestInitializeReplacesCorruptMaterial(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "cert.pem"), []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "key.pem"), []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	a := NewAuthority(dir)
	if err := a.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	certPEM, _, err := a.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if block, _ := pem.Decode([]byte(certPEM)); block == nil {
		t.Fatal("regenerated certificate is not PEM")
	}
}
