package secgw

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestNewTransportPool_Defaults(t *testing.T) {
	tp := NewTransportPool(nil)

	if tp.MaxIdleConns != 100 {
		t.Errorf("want MaxIdleConns 100, got %d", tp.MaxIdleConns)
	}
	if tp.MaxIdleConnsPerHost != 32 {
		t.Errorf("want MaxIdleConnsPerHost 32, got %d", tp.MaxIdleConnsPerHost)
	}
	if tp.IdleConnTimeout != 90*time.Second {
		t.Errorf("want IdleConnTimeout 90s, got %v", tp.IdleConnTimeout)
	}
	if tp.DialTimeout != 10*time.Second {
		t.Errorf("want DialTimeout 10s, got %v", tp.DialTimeout)
	}
}

func TestTransportPool_Build(t *testing.T) {
	p := newTestPKI(t)
	tp := NewTransportPool(p.outboundContext(t))
	tr := tp.Build()

	if tr.ForceAttemptHTTP2 {
		t.Error("HTTP/2 must not be attempted")
	}
	if tr.TLSNextProto == nil || len(tr.TLSNextProto) != 0 {
		t.Error("TLSNextProto should be an empty non-nil map to disable h2")
	}
	if !tr.DisableCompression {
		t.Error("DisableCompression should be set")
	}
	if tr.TLSClientConfig == nil || len(tr.TLSClientConfig.Certificates) != 1 {
		t.Fatal("TLSClientConfig should carry the outbound certificate")
	}
}

func TestTransportPool_BuildWithoutTLS(t *testing.T) {
	tr := NewTransportPool(nil).Build()
	if tr.TLSClientConfig != nil {
		t.Error("TLSClientConfig should be nil without an outbound context")
	}
}

func TestTransportPool_RebuildReplacesTransport(t *testing.T) {
	tp := NewTransportPool(nil)
	first := tp.Build()
	second := tp.Build()
	if first == second {
		t.Error("Build should create a fresh transport")
	}
}

func TestTransportPool_Stats(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer backend.Close()

	tp := NewTransportPool(nil)
	client := &http.Client{Transport: tp.Transport()}

	for range 3 {
		resp, err := client.Get(backend.URL)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	stats := tp.Stats()
	if stats.TotalRequests != 3 {
		t.Errorf("want 3 total requests, got %d", stats.TotalRequests)
	}
	if stats.ActiveRequests != 0 {
		t.Errorf("want 0 active requests, got %d", stats.ActiveRequests)
	}
	// Keep-alive reuses the first connection.
	if stats.Dials != 1 {
		t.Errorf("want 1 dial with keep-alive, got %d", stats.Dials)
	}
}

func TestTransportPool_SingleDialOnRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	tp := NewTransportPool(nil)
	req, _ := http.NewRequest(http.MethodGet, "http://"+addr+"/", nil)
	if _, err := tp.Transport().RoundTrip(req); err == nil {
		t.Fatal("want error for closed port")
	}
	if d := tp.Stats().Dials; d != 1 {
		t.Errorf("want exactly 1 dial, got %d", d)
	}
}

func TestTransportPool_MutualTLS(t *testing.T) {
	p := newTestPKI(t)

	var (
		mu     sync.Mutex
		seenCN string
		proto  string
	)
	backend := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seenCN = r.TLS.PeerCertificates[0].Subject.CommonName
		proto = r.Proto
		mu.Unlock()
		_, _ = io.WriteString(w, "ok")
	}))
	backend.TLS = &tls.Config{
		Certificates: []tls.Certificate{p.server.TLSCertificate()},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    p.pool(),
	}
	backend.StartTLS()
	defer backend.Close()

	tp := NewTransportPool(p.outboundContext(t))
	client := &http.Client{Transport: tp.Transport()}

	resp, err := client.Get(backend.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	mu.Lock()
	defer mu.Unlock()
	if seenCN != "security-gateway" {
		t.Errorf("want upstream to see CN security-gateway, got %q", seenCN)
	}
	if proto != "HTTP/1.1" {
		t.Errorf("want HTTP/1.1 toward the upstream, got %s", proto)
	}
}

func TestTransportPool_UntrustedUpstream(t *testing.T) {
	p := newTestPKI(t)
	other := newTestPKI(t)

	backend := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	backend.TLS = &tls.Config{Certificates: []tls.Certificate{other.server.TLSCertificate()}}
	backend.StartTLS()
	defer backend.Close()

	tp := NewTransportPool(p.outboundContext(t))
	req, _ := http.NewRequest(http.MethodGet, backend.URL, nil)
	if _, err := tp.Transport().RoundTrip(req); err == nil {
		t.Fatal("want TLS verification failure for an upstream signed by an unknown CA")
	}
}

func TestTransportPool_CloseIdleConnections(t *testing.T) {
	tp := NewTransportPool(nil)
	// Must not panic before Build.
	tp.CloseIdleConnections()
	tp.Build()
	tp.CloseIdleConnections()
}
