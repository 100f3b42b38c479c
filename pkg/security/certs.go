// Package security loads the TLS material the coordinator uses to dial
// backends over mTLS: certificate and CA-pool loading, rotation
// checking, and chain validation.
package security

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// certRotationThreshold: treat a certificate as needing rotation
	// once less than this much validity remains.
	certRotationThreshold = 30 * 24 * time.Hour

	defaultCertDir = ".meridian/certs"
)

// GetCertDir returns the certificate directory for one coordinator
// instance, keyed by its own id (useful when multiple coordinators run
// on the same host, e.g. in tests).
func GetCertDir(coordinatorID string) (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, defaultCertDir, coordinatorID), nil
}

// LoadCertFromFile loads the coordinator's own TLS certificate and
// private key, for presentation as an mTLS client certificate when
// dialing backends.
func LoadCertFromFile(certDir string) (*tls.Certificate, error) {
	certPath := filepath.Join(certDir, "coordinator.crt")
	keyPath := filepath.Join(certDir, "coordinator.key")

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}

	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		cert.Leaf = leaf
	}
	return &cert, nil
}

// LoadCACertFromFile loads the CA certificate from a file.
func LoadCACertFromFile(certDir string) (*x509.Certificate, error) {
	caPath := filepath.Join(certDir, "ca.crt")
	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	block, _ := pem.Decode(caPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("failed to decode CA certificate PEM")
	}

	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	return caCert, nil
}

// CertExists checks if a certificate, key, and CA pair exist in certDir.
func CertExists(certDir string) bool {
	certPath := filepath.Join(certDir, "coordinator.crt")
	keyPath := filepath.Join(certDir, "coordinator.key")
	caPath := filepath.Join(certDir, "ca.crt")

	_, err1 := os.Stat(certPath)
	_, err2 := os.Stat(keyPath)
	_, err3 := os.Stat(caPath)
	return err1 == nil && err2 == nil && err3 == nil
}

// CertNeedsRotation returns true if cert should be rotated: fewer than
// 30 days remain until expiry.
func CertNeedsRotation(cert *x509.Certificate) bool {
	if cert == nil {
		return true
	}
	return time.Until(cert.NotAfter) < certRotationThreshold
}

// ValidateCertChain validates that cert is signed by ca.
func ValidateCertChain(cert, ca *x509.Certificate) error {
	if cert == nil {
		return fmt.Errorf("certificate is nil")
	}
	if ca == nil {
		return fmt.Errorf("CA certificate is nil")
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca)

	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("certificate verification failed: %w", err)
	}
	return nil
}
