package certs

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	t.Parallel()
	cert, err := Generate(0, "tuner.local", "10.1.2.3")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(cert.TLSCert.Certificate) == 0 {
		t.Fatal("no certificate data")
	}
	leaf, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}

	if v := leaf.NotAfter.Sub(leaf.NotBefore); v != DefaultValidity {
		t.Errorf("validity = %v", v)
	}
	if want := sha256.Sum256(cert.TLSCert.Certificate[0]); cert.Fingerprint != want {
		t.Error("fingerprint mismatch")
	}
	if len(cert.FingerprintHex()) != 64 {
		t.Errorf("hex fingerprint %q", cert.FingerprintHex())
	}
	if !slices.Contains(leaf.DNSNames, "localhost") || !slices.Contains(leaf.DNSNames, "tuner.local") {
		t.Errorf("DNS names = %v", leaf.DNSNames)
	}
	if !slices.ContainsFunc(leaf.IPAddresses, func(ip net.IP) bool { return ip.Equal(net.ParseIP("10.1.2.3")) }) {
		t.Errorf("IP addresses = %v", leaf.IPAddresses)
	}
	if !cert.SelfSigned {
		t.Error("generated certificate not marked self-signed")
	}

	cfg := cert.TLSConfig("tunerd-ts")
	if len(cfg.NextProtos) != 1 || cfg.NextProtos[0] != "tunerd-ts" || len(cfg.Certificates) != 1 {
		t.Errorf("tls config = %+v", cfg)
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()
	gen, err := Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(gen.TLSCert.PrivateKey.(*ecdsa.PrivateKey))
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	certFile, keyFile := filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")
	var cb, kb bytes.Buffer
	pem.Encode(&cb, &pem.Block{Type: "CERTIFICATE", Bytes: gen.TLSCert.Certificate[0]})
	pem.Encode(&kb, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(certFile, cb.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, kb.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(certFile, keyFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Fingerprint != gen.Fingerprint || loaded.SelfSigned {
		t.Errorf("loaded %x, generated %x", loaded.Fingerprint, gen.Fingerprint)
	}
	if !loaded.NotAfter.Equal(gen.NotAfter.Truncate(time.Second)) {
		t.Errorf("NotAfter = %v, want %v", loaded.NotAfter, gen.NotAfter)
	}

	if _, err := Load(filepath.Join(dir, "missing.pem"), keyFile); err == nil {
		t.Error("expected error for missing file")
	}
}
