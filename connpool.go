package secgw

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// TransportPool provides the pooled HTTP/1.1 transport used to reach the
// upstream. Every connection it opens authenticates with the gateway's
// [OutboundTLSContext] and verifies the upstream against its trusted CAs.
// The transport is safe for concurrent use; pooled connections are reused
// across requests without any ordering between them.
type TransportPool struct {
	// TLS is the outbound identity. When nil, connections use the system
	// roots and present no client certificate (plain or one-way TLS
	// upstreams, e.g. in development).
	TLS *OutboundTLSContext

	// MaxIdleConns is the total maximum number of idle connections.
	MaxIdleConns int

	// MaxIdleConnsPerHost is the maximum number of idle connections to the
	// upstream.
	MaxIdleConnsPerHost int

	// IdleConnTimeout is how long an idle connection remains in the
	// pool before being closed.
	IdleConnTimeout time.Duration

	// DialTimeout is the maximum time to wait for a TCP dial to complete.
	DialTimeout time.Duration

	// TLSHandshakeTimeout is the maximum time to wait for the outbound
	// TLS handshake.
	TLSHandshakeTimeout time.Duration

	transport atomic.Pointer[http.Transport]
	stats     transportStats
}

type transportStats struct {
	totalRequests  atomic.Int64
	activeRequests atomic.Int64
	dials          atomic.Int64
}

// NewTransportPool creates a TransportPool with the given outbound identity
// and sensible defaults.
func NewTransportPool(tlsCtx *OutboundTLSContext) *TransportPool {
	return &TransportPool{
		TLS:                 tlsCtx,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

// Build creates the underlying [http.Transport]. Call this after setting
// all configuration fields. Each call creates a fresh transport and closes
// idle connections on the previous one.
func (tp *TransportPool) Build() *http.Transport {
	dialTimeout := tp.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}
	dialer := &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: 30 * time.Second,
	}

	t := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			tp.stats.dials.Add(1)
			return dialer.DialContext(ctx, network, addr)
		},
		MaxIdleConns:        tp.MaxIdleConns,
		MaxIdleConnsPerHost: tp.MaxIdleConnsPerHost,
		IdleConnTimeout:     tp.IdleConnTimeout,
		TLSHandshakeTimeout: tp.TLSHandshakeTimeout,
		// Bodies are relayed exactly as the upstream encoded them.
		DisableCompression: true,
		// One request per connection at a time; no h2 multiplexing.
		ForceAttemptHTTP2: false,
		TLSNextProto:      map[string]func(string, *tls.Conn) http.RoundTripper{},
	}
	if tp.TLS != nil {
		t.TLSClientConfig = tp.TLS.ClientConfig()
	}

	if old := tp.transport.Swap(t); old != nil {
		old.CloseIdleConnections()
	}

	return t
}

// Transport returns an [http.RoundTripper] that wraps the pooled transport
// with request counting. If [TransportPool.Build] has not been called, it
// is called automatically.
func (tp *TransportPool) Transport() http.RoundTripper {
	if tp.transport.Load() == nil {
		tp.Build()
	}
	return &pooledRoundTripper{pool: tp}
}

// CloseIdleConnections closes all idle connections in the pool.
func (tp *TransportPool) CloseIdleConnections() {
	if t := tp.transport.Load(); t != nil {
		t.CloseIdleConnections()
	}
}

// Stats returns a snapshot of transport statistics.
func (tp *TransportPool) Stats() TransportPoolStats {
	return TransportPoolStats{
		TotalRequests:  tp.stats.totalRequests.Load(),
		ActiveRequests: tp.stats.activeRequests.Load(),
		Dials:          tp.stats.dials.Load(),
	}
}

// TransportPoolStats holds a snapshot of connection pool statistics.
type TransportPoolStats struct {
	TotalRequests  int64
	ActiveRequests int64
	// Dials counts outbound TCP connection attempts.
	Dials int64
}

type pooledRoundTripper struct {
	pool *TransportPool
}

func (rt *pooledRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.pool.stats.totalRequests.Add(1)
	rt.pool.stats.activeRequests.Add(1)
	defer rt.pool.stats.activeRequests.Add(-1)

	t := rt.pool.transport.Load()
	if t == nil {
		t = rt.pool.Build()
	}

	return t.RoundTrip(req)
}
