package secgw

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// Authority is a certificate authority able to issue server and client
// certificates. It backs the -gen-certs developer helper and the tests;
// production deployments should use a proper PKI.
type Authority struct {
	Cert *x509.Certificate
	Key  crypto.Signer

	CertPEM []byte
	KeyPEM  []byte
}

// IssuedCert is a leaf certificate together with its private key.
type IssuedCert struct {
	Cert *x509.Certificate
	Key  crypto.Signer

	CertPEM []byte
	KeyPEM  []byte
}

// TLSCertificate returns the leaf as a [tls.Certificate].
func (c *IssuedCert) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{c.Cert.Raw},
		PrivateKey:  c.Key,
		Leaf:        c.Cert,
	}
}

// NewAuthority generates a self-signed CA named org.
func NewAuthority(org string, validFor time.Duration) (*Authority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}

	serial, err := newSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   org + " Root CA",
			Organization: []string{org},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validFor),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}
	keyPEM, err := encodeKeyPEM(key)
	if err != nil {
		return nil, err
	}

	return &Authority{
		Cert:    cert,
		Key:     key,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  keyPEM,
	}, nil
}

// IssueServer issues a server certificate for the given DNS names or IP
// addresses.
func (a *Authority) IssueServer(hosts []string, validFor time.Duration) (*IssuedCert, error) {
	if len(hosts) == 0 {
		return nil, fmt.Errorf("at least one host is required")
	}
	template := &x509.Certificate{
		Subject:     pkix.Name{CommonName: hosts[0]},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	return a.issue(template, validFor)
}

// IssueClient issues a client certificate whose subject CN is cn.
func (a *Authority) IssueClient(cn string, orgs []string, validFor time.Duration) (*IssuedCert, error) {
	template := &x509.Certificate{
		Subject: pkix.Name{
			CommonName:   cn,
			Organization: orgs,
		},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	return a.issue(template, validFor)
}

func (a *Authority) issue(template *x509.Certificate, validFor time.Duration) (*IssuedCert, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}
	template.SerialNumber = serial
	template.NotBefore = time.Now().Add(-time.Hour)
	template.NotAfter = time.Now().Add(validFor)
	template.BasicConstraintsValid = true

	der, err := x509.CreateCertificate(rand.Reader, template, a.Cert, &key.PublicKey, a.Key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	keyPEM, err := encodeKeyPEM(key)
	if err != nil {
		return nil, err
	}

	return &IssuedCert{
		Cert:    cert,
		Key:     key,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  keyPEM,
	}, nil
}

// EncodeKeyStore packs c and its issuing CA into a password protected
// PKCS#12 key store.
func (a *Authority) EncodeKeyStore(c *IssuedCert, password string) ([]byte, error) {
	data, err := pkcs12.Modern.Encode(c.Key, c.Cert, []*x509.Certificate{a.Cert}, password)
	if err != nil {
		return nil, fmt.Errorf("encode key store: %w", err)
	}
	return data, nil
}

// EncodeTrustStore packs the CA certificate into a password protected
// PKCS#12 trust store.
func (a *Authority) EncodeTrustStore(password string) ([]byte, error) {
	data, err := pkcs12.Modern.EncodeTrustStore([]*x509.Certificate{a.Cert}, password)
	if err != nil {
		return nil, fmt.Errorf("encode trust store: %w", err)
	}
	return data, nil
}

// WriteDevPKI writes a development CA plus gateway server, sample client
// and gateway outbound credentials into dir:
//
//	ca.crt, ca.key                     development CA
//	server.crt, server.key             gateway listener identity (localhost)
//	client.crt, client.key             sample caller (CN=store-42)
//	gateway-keystore.p12               gateway outbound identity
//	gateway-truststore.p12             CA trusted for the upstream
//	upstream.crt, upstream.key         sample upstream server identity
func WriteDevPKI(dir, storePassword string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	ca, err := NewAuthority("Security Gateway Dev", 10*365*24*time.Hour)
	if err != nil {
		return err
	}
	const validFor = 365 * 24 * time.Hour
	server, err := ca.IssueServer([]string{"localhost", "127.0.0.1"}, validFor)
	if err != nil {
		return err
	}
	client, err := ca.IssueClient("store-42", []string{"Retail Stores"}, validFor)
	if err != nil {
		return err
	}
	outbound, err := ca.IssueClient("security-gateway", []string{"Gateway"}, validFor)
	if err != nil {
		return err
	}
	upstream, err := ca.IssueServer([]string{"localhost", "127.0.0.1"}, validFor)
	if err != nil {
		return err
	}
	keyStore, err := ca.EncodeKeyStore(outbound, storePassword)
	if err != nil {
		return err
	}
	trustStore, err := ca.EncodeTrustStore(storePassword)
	if err != nil {
		return err
	}

	files := []struct {
		name string
		data []byte
		perm os.FileMode
	}{
		{"ca.crt", ca.CertPEM, 0o644},
		{"ca.key", ca.KeyPEM, 0o600},
		{"server.crt", server.CertPEM, 0o644},
		{"server.key", server.KeyPEM, 0o600},
		{"client.crt", client.CertPEM, 0o644},
		{"client.key", client.KeyPEM, 0o600},
		{"gateway-keystore.p12", keyStore, 0o600},
		{"gateway-truststore.p12", trustStore, 0o644},
		{"upstream.crt", upstream.CertPEM, 0o644},
		{"upstream.key", upstream.KeyPEM, 0o600},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, f.perm); err != nil {
			return fmt.Errorf("write %s: %w", f.name, err)
		}
	}
	return nil
}

func newSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}

func encodeKeyPEM(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
