package secgw

import (
	"bytes"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// EmbeddedPrefix marks a store location that is read from the loader's
// Resources filesystem instead of the local disk.
const EmbeddedPrefix = "embedded:"

// Store types accepted by the trust store loader.
const (
	StoreTypeAuto   = ""
	StoreTypePKCS12 = "pkcs12"
	StoreTypePEM    = "pem"
)

// OutboundTLSContext is the gateway's identity toward the upstream: its
// client certificate chain and private key, plus the CAs trusted to sign
// the upstream's server certificate. It is built once at startup and never
// mutated, so it can be shared by all forwarding goroutines without
// locking.
type OutboundTLSContext struct {
	certificate tls.Certificate
	trustedCAs  *x509.CertPool
	caCount     int
	serverName  string
}

// ClientConfig returns a fresh client-side TLS configuration presenting the
// gateway certificate and verifying the upstream against the trusted CAs.
func (o *OutboundTLSContext) ClientConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{o.certificate},
		RootCAs:      o.trustedCAs,
		ServerName:   o.serverName,
		MinVersion:   tls.VersionTLS12,
	}
}

// Leaf returns the gateway's outbound client certificate.
func (o *OutboundTLSContext) Leaf() *x509.Certificate {
	return o.certificate.Leaf
}

// TrustedCACount reports how many CA certificates the trust store held.
func (o *OutboundTLSContext) TrustedCACount() int {
	return o.caCount
}

// TrustStoreLoader reads the outbound key store and trust store.
type TrustStoreLoader struct {
	// Resources serves locations prefixed with [EmbeddedPrefix]. Leave nil
	// when no key material is bundled with the binary.
	Resources fs.FS
}

// LoadOutboundTLS loads cfg. "embedded:" locations are served from
// cfg.Resources, or from cfg.ResourceDir when no filesystem is attached.
func LoadOutboundTLS(cfg UpstreamTLSConfig) (*OutboundTLSContext, error) {
	l := &TrustStoreLoader{Resources: cfg.Resources}
	if l.Resources == nil && cfg.ResourceDir != "" {
		l.Resources = os.DirFS(cfg.ResourceDir)
	}
	return l.Load(cfg)
}

// Load decodes the key store and trust store named by cfg. Any failure is
// reported as a *ConfigurationError; there is no partial-trust fallback.
func (l *TrustStoreLoader) Load(cfg UpstreamTLSConfig) (*OutboundTLSContext, error) {
	keyData, err := l.read(cfg.KeyStore)
	if err != nil {
		return nil, &ConfigurationError{Op: "key store", Location: cfg.KeyStore, Err: err}
	}
	cert, err := decodeKeyStore(keyData, cfg.KeyStorePassword, cfg.KeyStoreType)
	if err != nil {
		return nil, &ConfigurationError{Op: "key store", Location: cfg.KeyStore, Err: err}
	}

	trustData, err := l.read(cfg.TrustStore)
	if err != nil {
		return nil, &ConfigurationError{Op: "trust store", Location: cfg.TrustStore, Err: err}
	}
	cas, err := decodeTrustStore(trustData, cfg.TrustStorePassword, cfg.TrustStoreType)
	if err != nil {
		return nil, &ConfigurationError{Op: "trust store", Location: cfg.TrustStore, Err: err}
	}

	pool := x509.NewCertPool()
	for _, ca := range cas {
		pool.AddCert(ca)
	}

	return &OutboundTLSContext{
		certificate: cert,
		trustedCAs:  pool,
		caCount:     len(cas),
		serverName:  cfg.ServerName,
	}, nil
}

func (l *TrustStoreLoader) read(location string) ([]byte, error) {
	if location == "" {
		return nil, errors.New("location is not configured")
	}
	if name, ok := strings.CutPrefix(location, EmbeddedPrefix); ok {
		if l.Resources == nil {
			return nil, errors.New("no embedded resources available")
		}
		return fs.ReadFile(l.Resources, strings.TrimPrefix(name, "/"))
	}
	return os.ReadFile(location)
}

func detectStoreType(data []byte, forced string) (string, error) {
	switch strings.ToLower(forced) {
	case StoreTypePKCS12, "p12", "pfx":
		return StoreTypePKCS12, nil
	case StoreTypePEM:
		return StoreTypePEM, nil
	case StoreTypeAuto:
		if bytes.Contains(data, []byte("-----BEGIN ")) {
			return StoreTypePEM, nil
		}
		return StoreTypePKCS12, nil
	default:
		return "", fmt.Errorf("unsupported store type %q", forced)
	}
}

func decodeKeyStore(data []byte, password, storeType string) (tls.Certificate, error) {
	kind, err := detectStoreType(data, storeType)
	if err != nil {
		return tls.Certificate{}, err
	}

	if kind == StoreTypePEM {
		// A PEM key store holds the certificate chain and the key in one file.
		cert, err := tls.X509KeyPair(data, data)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("decode PEM key store: %w", err)
		}
		if cert.Leaf == nil {
			if cert.Leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
				return tls.Certificate{}, fmt.Errorf("parse leaf: %w", err)
			}
		}
		return cert, nil
	}

	key, leaf, chain, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("decode PKCS#12 key store: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok || signer == nil {
		return tls.Certificate{}, errors.New("key store private key is not a signing key")
	}
	cert := tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		PrivateKey:  signer,
		Leaf:        leaf,
	}
	for _, c := range chain {
		cert.Certificate = append(cert.Certificate, c.Raw)
	}
	return cert, nil
}

func decodeTrustStore(data []byte, password, storeType string) ([]*x509.Certificate, error) {
	kind, err := detectStoreType(data, storeType)
	if err != nil {
		return nil, err
	}

	var certs []*x509.Certificate
	if kind == StoreTypePEM {
		for rest := data; ; {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			if block.Type != "CERTIFICATE" {
				continue
			}
			c, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse trusted certificate: %w", err)
			}
			certs = append(certs, c)
		}
	} else {
		certs, err = pkcs12.DecodeTrustStore(data, password)
		if err != nil {
			return nil, fmt.Errorf("decode PKCS#12 trust store: %w", err)
		}
	}

	if len(certs) == 0 {
		return nil, errors.New("trust store contains no certificates")
	}
	return certs, nil
}
