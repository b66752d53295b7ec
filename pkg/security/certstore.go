// Package security loads the mTLS material each gossip and worker-RPC
// connection authenticates with, and turns it into ready-to-use
// *tls.Config values for both ends of a connection (spec.md §4.3, §6).
package security

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

// certRotationThreshold is how far ahead of expiry a node should start
// logging rotation warnings.
const certRotationThreshold = 30 * 24 * time.Hour

// ErrNoCertificate means the PEM input had no CERTIFICATE block.
var ErrNoCertificate = errors.New("security: no certificate block found")

// ErrNoPrivateKey means the PEM input had no recognizable private key block.
var ErrNoPrivateKey = errors.New("security: no private key block found")

// CertStore holds one node's leaf certificate, its private key, and the CA
// that both ends of a connection must trust. It is built once at startup
// from PEM bytes — typically read from files, but the constructor takes
// bytes directly so tests and in-process simulations can supply in-memory
// material without touching a filesystem.
type CertStore struct {
	leaf *tls.Certificate
	ca   *x509.CertPool
	caCert *x509.Certificate
}

// LoadCertStore parses a node's leaf certificate, its private key, and the
// CA certificate that signed it, all PEM-encoded. The key may be PKCS#1,
// PKCS#8, or EC — tls.X509KeyPair already handles all three, unlike the
// RSA-only assumption the original cert helper made.
func LoadCertStore(certPEM, keyPEM, caPEM []byte) (*CertStore, error) {
	if b, _ := pem.Decode(certPEM); b == nil || b.Type != "CERTIFICATE" {
		return nil, ErrNoCertificate
	}
	if b, _ := pem.Decode(keyPEM); b == nil {
		return nil, ErrNoPrivateKey
	}
	leaf, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("security: load leaf key pair: %w", err)
	}
	if leaf.Leaf == nil {
		parsed, err := x509.ParseCertificate(leaf.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("security: parse leaf certificate: %w", err)
		}
		leaf.Leaf = parsed
	}

	block, _ := pem.Decode(caPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrNoCertificate
	}
	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("security: parse CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	return &CertStore{leaf: &leaf, ca: pool, caCert: caCert}, nil
}

// Acceptor returns the server-side TLS config a gossip transport listener
// or worker-RPC server uses: it presents the node's own leaf certificate
// and requires every client to present one signed by the same CA
// (spec.md §4.3, §6 — mutual authentication on every gossip connection).
func (s *CertStore) Acceptor() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{*s.leaf},
		ClientCAs:    s.ca,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}
}

// Connector returns the client-side TLS config used when dialing a peer:
// it presents the node's own leaf certificate for mutual auth and verifies
// the peer's certificate against the same CA pool.
func (s *CertStore) Connector() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{*s.leaf},
		RootCAs:      s.ca,
		MinVersion:   tls.VersionTLS12,
	}
}

// Leaf returns the node's own parsed leaf certificate.
func (s *CertStore) Leaf() *x509.Certificate {
	return s.leaf.Leaf
}

// NeedsRotation reports whether the leaf certificate is within the
// rotation threshold of expiry.
func (s *CertStore) NeedsRotation() bool {
	return time.Until(s.leaf.Leaf.NotAfter) < certRotationThreshold
}

// ValidatePeerChain verifies that peer was signed by the store's CA and
// carries client/server auth usage, independent of the handshake-time
// verification already performed by crypto/tls. Used by the transport
// server's upgrade handler to re-check an inbound peer's certificate before
// the WebSocket upgrade (spec.md §4.4, §6).
func (s *CertStore) ValidatePeerChain(peer *x509.Certificate) error {
	if peer == nil {
		return fmt.Errorf("security: peer certificate is nil")
	}
	opts := x509.VerifyOptions{
		Roots:     s.ca,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	if _, err := peer.Verify(opts); err != nil {
		return fmt.Errorf("security: peer chain verification failed: %w", err)
	}
	return nil
}
