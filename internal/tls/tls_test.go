package tls

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseTLSVersion(t *testing.T) {
	if v, err := parseTLSVersion(""); err != nil || v != tls.VersionTLS13 {
		t.Fatalf("default = %x, %v", v, err)
	}
	if v, err := parseTLSVersion("1.2"); err != nil || v != tls.VersionTLS12 {
		t.Fatalf("1.2 = %x, %v", v, err)
	}
	if _, err := parseTLSVersion("1.0"); err == nil {
		t.Fatal("1.0 should be rejected")
	}
}

func TestSetup_Disabled(t *testing.T) {
	c, err := Setup(Options{})
	if err != nil || c != nil {
		t.Fatalf("disabled setup = %v, %v", c, err)
	}
}

func TestSetup_NoSource(t *testing.T) {
	if _, err := Setup(Options{Enabled: true}); err == nil {
		t.Fatal("expected error without a certificate source")
	}
}

func TestSetup_AutoGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	c, err := Setup(Options{Enabled: true, Dir: dir, AutoGenerate: true, Hosts: []string{"localhost", "127.0.0.1"}})
	if err != nil || c == nil {
		t.Fatalf("setup: %v", err)
	}
	if c.MinVersion != tls.VersionTLS13 {
		t.Errorf("min version = %x", c.MinVersion)
	}

	for _, f := range []string{tlsCrt, tlsKey, tlsCaCrt} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			t.Errorf("%s: %v", f, err)
		}
	}

	cert, err := c.GetCertificate(&tls.ClientHelloInfo{})
	if err != nil {
		t.Fatalf("get certificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "localhost" {
		t.Errorf("dns names = %v", leaf.DNSNames)
	}
	if len(leaf.IPAddresses) != 1 || leaf.IPAddresses[0].String() != "127.0.0.1" {
		t.Errorf("ip addresses = %v", leaf.IPAddresses)
	}

	// A second setup reuses the pair on disk.
	before, err := os.ReadFile(filepath.Join(dir, tlsCrt))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Setup(Options{Enabled: true, Dir: dir, AutoGenerate: true}); err != nil {
		t.Fatalf("second setup: %v", err)
	}
	after, err := os.ReadFile(filepath.Join(dir, tlsCrt))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Fatal("existing certificate was regenerated")
	}
}

func TestSetup_ExplicitFiles(t *testing.T) {
	dir := t.TempDir()
	cc := CertConfig{
		CommonName: "test",
		DNSNames:   []string{"stream.local"},
		NotAfter:   time.Now().Add(time.Hour),
		CertPath:   filepath.Join(dir, "a.crt"),
		KeyPath:    filepath.Join(dir, "a.key"),
	}
	if err := GenerateSelfSignedCert(cc); err != nil {
		t.Fatalf("generate: %v", err)
	}

	c, err := Setup(Options{Enabled: true, CertFile: cc.CertPath, KeyFile: cc.KeyPath, MinVersion: "1.2"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if c.MinVersion != tls.VersionTLS12 {
		t.Errorf("min version = %x", c.MinVersion)
	}

	raw, err := os.ReadFile(cc.CertPath)
	if err != nil {
		t.Fatal(err)
	}
	if block, _ := pem.Decode(raw); block == nil || block.Type != "CERTIFICATE" {
		t.Fatalf("certificate file is not a PEM certificate")
	}

	info, err := os.Stat(cc.KeyPath)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("key permissions = %o, want 600", perm)
	}
}

func TestSetup_MissingFiles(t *testing.T) {
	if _, err := Setup(Options{Enabled: true, Dir: t.TempDir()}); err == nil {
		t.Fatal("expected error when the directory holds no certificate")
	}
}

func TestSafeReadFile_RejectsOutsideBase(t *testing.T) {
	base := t.TempDir()
	other := filepath.Join(t.TempDir(), "x")
	if err := os.WriteFile(other, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := safeReadFile(base, other); err == nil {
		t.Fatal("read outside the base directory should fail")
	}
}
