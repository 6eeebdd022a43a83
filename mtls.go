package secgw

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
)

// InboundTLS terminates client TLS connections for the gateway listener.
//
// By default client certificates are requested but optional
// ([tls.VerifyClientCertIfGiven]): a presented certificate must chain to
// one of the trusted client CAs or the handshake fails, while callers
// without a certificate still connect and are treated as anonymous.
// Whether an endpoint may be called anonymously is decided later by the
// [AccessPolicy], not here.
type InboundTLS struct {
	serverCert tls.Certificate
	clientCAs  *x509.CertPool
	policy     tls.ClientAuthType
}

// NewInboundTLS creates an InboundTLS presenting serverCert and verifying
// client certificates against clientCAs.
func NewInboundTLS(serverCert tls.Certificate, clientCAs *x509.CertPool) *InboundTLS {
	return &InboundTLS{
		serverCert: serverCert,
		clientCAs:  clientCAs,
		policy:     tls.VerifyClientCertIfGiven,
	}
}

// NewInboundTLSFromFiles loads the server key pair and the PEM client CA
// bundle from disk.
func NewInboundTLSFromFiles(certFile, keyFile, clientCAFile string) (*InboundTLS, error) {
	serverCert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, &ConfigurationError{Op: "server key pair", Location: certFile, Err: err}
	}
	data, err := os.ReadFile(clientCAFile)
	if err != nil {
		return nil, &ConfigurationError{Op: "client CA bundle", Location: clientCAFile, Err: err}
	}
	pool, err := certPoolFromPEM(data)
	if err != nil {
		return nil, &ConfigurationError{Op: "client CA bundle", Location: clientCAFile, Err: err}
	}
	return NewInboundTLS(serverCert, pool), nil
}

// SetPolicy overrides the client auth policy. Call before the listener is
// wrapped.
func (in *InboundTLS) SetPolicy(policy tls.ClientAuthType) {
	in.policy = policy
}

// Policy returns the client auth policy.
func (in *InboundTLS) Policy() tls.ClientAuthType {
	return in.policy
}

// TLSConfig returns the server-side TLS configuration. HTTP/2 is not
// offered.
func (in *InboundTLS) TLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{in.serverCert},
		ClientAuth:   in.policy,
		ClientCAs:    in.clientCAs,
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"http/1.1"},
	}
}

// WrapListener wraps inner so that every accepted connection performs the
// TLS handshake with client certificate verification.
func (in *InboundTLS) WrapListener(inner net.Listener) net.Listener {
	return tls.NewListener(inner, in.TLSConfig())
}

// ParseClientAuthType maps a configuration name to a [tls.ClientAuthType].
// An empty name selects VerifyClientCertIfGiven.
func ParseClientAuthType(name string) (tls.ClientAuthType, error) {
	switch name {
	case "VerifyClientCertIfGiven", "":
		return tls.VerifyClientCertIfGiven, nil
	case "RequireAndVerifyClientCert":
		return tls.RequireAndVerifyClientCert, nil
	case "NoClientCert":
		return tls.NoClientCert, nil
	default:
		// RequestClientCert and RequireAnyClientCert skip chain
		// verification, which would let unverified CNs through.
		return 0, fmt.Errorf("unsupported client_auth type: %s", name)
	}
}

func certPoolFromPEM(data []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no valid certificates found in PEM data")
	}
	return pool, nil
}
