package secgw

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// serveTLSOnce accepts a single connection on a wrapped listener, completes
// the handshake and reports the resolved identity.
func serveTLSOnce(t *testing.T, in *InboundTLS) (addr string, result <-chan ClientIdentity) {
	t.Helper()
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ln := in.WrapListener(inner)
	t.Cleanup(func() { _ = ln.Close() })

	ch := make(chan ClientIdentity, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		tlsConn := conn.(*tls.Conn)
		_ = tlsConn.SetDeadline(time.Now().Add(5 * time.Second))
		if err := tlsConn.Handshake(); err != nil {
			close(ch)
			return
		}
		ch <- ExtractIdentity(tlsConn.ConnectionState().PeerCertificates)
		_, _ = io.WriteString(conn, "ok")
	}()

	return inner.Addr().String(), ch
}

func TestInboundTLS_Defaults(t *testing.T) {
	p := newTestPKI(t)
	in := NewInboundTLS(p.server.TLSCertificate(), p.pool())

	if in.Policy() != tls.VerifyClientCertIfGiven {
		t.Errorf("want VerifyClientCertIfGiven, got %v", in.Policy())
	}

	cfg := in.TLSConfig()
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("want TLS 1.2 minimum, got %x", cfg.MinVersion)
	}
	if len(cfg.NextProtos) != 1 || cfg.NextProtos[0] != "http/1.1" {
		t.Errorf("want only http/1.1 ALPN, got %v", cfg.NextProtos)
	}
	if cfg.ClientCAs == nil {
		t.Error("ClientCAs should be set")
	}
}

func TestInboundTLS_WithClientCert(t *testing.T) {
	p := newTestPKI(t)
	addr, result := serveTLSOnce(t, NewInboundTLS(p.server.TLSCertificate(), p.pool()))

	conn, err := tls.Dial("tcp", addr, &tls.Config{
		RootCAs:      p.pool(),
		Certificates: []tls.Certificate{p.client.TLSCertificate()},
		ServerName:   "localhost",
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	id := <-result
	if id.CommonName != "store-42" || !id.Authenticated {
		t.Errorf("want store-42, got %+v", id)
	}
}

func TestInboundTLS_WithoutClientCert(t *testing.T) {
	p := newTestPKI(t)
	addr, result := serveTLSOnce(t, NewInboundTLS(p.server.TLSCertificate(), p.pool()))

	conn, err := tls.Dial("tcp", addr, &tls.Config{
		RootCAs:    p.pool(),
		ServerName: "localhost",
	})
	if err != nil {
		t.Fatalf("dial without client cert should succeed: %v", err)
	}
	defer conn.Close()

	id, ok := <-result
	if !ok {
		t.Fatal("handshake failed on server side")
	}
	if id != Anonymous() {
		t.Errorf("want anonymous, got %+v", id)
	}
}

func TestInboundTLS_UntrustedClientCert(t *testing.T) {
	p := newTestPKI(t)
	other := newTestPKI(t)
	addr, result := serveTLSOnce(t, NewInboundTLS(p.server.TLSCertificate(), p.pool()))

	conn, err := tls.Dial("tcp", addr, &tls.Config{
		RootCAs:      p.pool(),
		Certificates: []tls.Certificate{other.client.TLSCertificate()},
		ServerName:   "localhost",
	})
	if err == nil {
		// TLS 1.3 reports the client certificate rejection on first read.
		_, err = conn.Read(make([]byte, 1))
		conn.Close()
	}
	if err == nil {
		t.Fatal("want handshake failure for untrusted client certificate")
	}

	if _, ok := <-result; ok {
		t.Error("server should not resolve an identity for an untrusted certificate")
	}
}

func TestInboundTLS_RequireClientCert(t *testing.T) {
	p := newTestPKI(t)
	in := NewInboundTLS(p.server.TLSCertificate(), p.pool())
	in.SetPolicy(tls.RequireAndVerifyClientCert)
	addr, result := serveTLSOnce(t, in)

	conn, err := tls.Dial("tcp", addr, &tls.Config{
		RootCAs:    p.pool(),
		ServerName: "localhost",
	})
	if err == nil {
		_, err = conn.Read(make([]byte, 1))
		conn.Close()
	}
	if err == nil {
		t.Fatal("want failure without client certificate")
	}
	if _, ok := <-result; ok {
		t.Error("server handshake should fail")
	}
}

func TestNewInboundTLSFromFiles(t *testing.T) {
	p := newTestPKI(t)
	dir := t.TempDir()

	write := func(name string, data []byte) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatal(err)
		}
		return path
	}
	certFile := write("server.crt", p.server.CertPEM)
	keyFile := write("server.key", p.server.KeyPEM)
	caFile := write("ca.crt", p.ca.CertPEM)
	badCA := write("bad.crt", []byte("not pem"))

	if _, err := NewInboundTLSFromFiles(certFile, keyFile, caFile); err != nil {
		t.Fatalf("NewInboundTLSFromFiles: %v", err)
	}

	var cfgErr *ConfigurationError
	if _, err := NewInboundTLSFromFiles(certFile, keyFile, badCA); !errors.As(err, &cfgErr) {
		t.Errorf("bad CA bundle: want *ConfigurationError, got %v", err)
	}
	if _, err := NewInboundTLSFromFiles(certFile, filepath.Join(dir, "missing.key"), caFile); !errors.As(err, &cfgErr) {
		t.Errorf("missing key: want *ConfigurationError, got %v", err)
	}
	if _, err := NewInboundTLSFromFiles(certFile, keyFile, filepath.Join(dir, "missing.crt")); !errors.As(err, &cfgErr) {
		t.Errorf("missing CA: want *ConfigurationError, got %v", err)
	}
}

func TestParseClientAuthType(t *testing.T) {
	tests := []struct {
		name    string
		want    tls.ClientAuthType
		wantErr bool
	}{
		{"", tls.VerifyClientCertIfGiven, false},
		{"VerifyClientCertIfGiven", tls.VerifyClientCertIfGiven, false},
		{"RequireAndVerifyClientCert", tls.RequireAndVerifyClientCert, false},
		{"NoClientCert", tls.NoClientCert, false},
		{"RequestClientCert", 0, true},
		{"RequireAnyClientCert", 0, true},
		{"bogus", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseClientAuthType(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseClientAuthType(%q): wantErr=%v, got %v", tt.name, tt.wantErr, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseClientAuthType(%q): want %v, got %v", tt.name, tt.want, got)
		}
	}
}
