// Package tls generates and loads the self-signed TLS material for the
// Opta-LMX API server. Certificates are created on first use under the
// user's home directory and regenerated automatically when they
// approach expiry.
package tls

import (
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
)

const (
	// DefaultCertsDir is the directory under the user's home where
	// generated certificates are stored.
	DefaultCertsDir = ".opta-lmx/certs"

	// CACertFile is the filename for the CA certificate.
	CACertFile = "ca.crt"
	// CAKeyFile is the filename for the CA private key.
	CAKeyFile = "ca.key"
	// ServerCertFile is the filename for the server certificate.
	ServerCertFile = "server.crt"
	// ServerKeyFile is the filename for the server private key.
	ServerKeyFile = "server.key"

	// DefaultCertValidityDays is how long generated server certificates
	// remain valid.
	DefaultCertValidityDays = 365
	// DefaultCAValidityDays is how long the generated CA remains valid.
	DefaultCAValidityDays = 3650
)

// CertPaths holds the on-disk locations of the certificate material.
type CertPaths struct {
	CACert     string
	CAKey      string
	ServerCert string
	ServerKey  string
}

// DefaultCertPaths returns the default certificate paths under the
// user's home directory.
func DefaultCertPaths() (*CertPaths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to determine home directory: %w", err)
	}
	dir := filepath.Join(home, DefaultCertsDir)
	return &CertPaths{
		CACert:     filepath.Join(dir, CACertFile),
		CAKey:      filepath.Join(dir, CAKeyFile),
		ServerCert: filepath.Join(dir, ServerCertFile),
		ServerKey:  filepath.Join(dir, ServerKeyFile),
	}, nil
}

// EnsureCertificates returns paths to a usable server certificate and
// key. When certPath and keyPath are both set they are used as-is and
// must exist. Otherwise the default self-signed material is used,
// generating or regenerating it as needed.
func EnsureCertificates(certPath, keyPath string) (string, string, error) {
	if certPath != "" && keyPath != "" {
		if _, err := os.Stat(certPath); err != nil {
			return "", "", fmt.Errorf("certificate file not found: %w", err)
		}
		if _, err := os.Stat(keyPath); err != nil {
			return "", "", fmt.Errorf("key file not found: %w", err)
		}
		return certPath, keyPath, nil
	}

	paths, err := DefaultCertPaths()
	if err != nil {
		return "", "", err
	}
	if !certsExistAndValid(paths) {
		if err := GenerateCertificates(paths); err != nil {
			return "", "", fmt.Errorf("failed to generate certificates: %w", err)
		}
	}
	return paths.ServerCert, paths.ServerKey, nil
}

// certsExistAndValid reports whether all certificate files exist and
// the server certificate has more than 30 days of validity left.
func certsExistAndValid(paths *CertPaths) bool {
	for _, p := range []string{paths.CACert, paths.CAKey, paths.ServerCert, paths.ServerKey} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}

	certPEM, err := os.ReadFile(paths.ServerCert)
	if err != nil {
		return false
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return false
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return false
	}
	return time.Now().AddDate(0, 0, 30).Before(cert.NotAfter)
}

// GenerateCertificates creates a new CA and server certificate pair at
// the given paths.
func GenerateCertificates(paths *CertPaths) error {
	dir := filepath.Dir(paths.CACert)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create certs directory: %w", err)
	}

	caKey, caCert, err := GenerateSelfSignedCA()
	if err != nil {
		return fmt.Errorf("failed to generate CA: %w", err)
	}
	if err := saveCertAndKey(paths.CACert, paths.CAKey, caCert.Raw, caKey); err != nil {
		return fmt.Errorf("failed to save CA: %w", err)
	}

	serverKey, serverCert, err := GenerateServerCert(caKey, caCert)
	if err != nil {
		return fmt.Errorf("failed to generate server certificate: %w", err)
	}
	if err := saveCertAndKey(paths.ServerCert, paths.ServerKey, serverCert.Raw, serverKey); err != nil {
		return fmt.Errorf("failed to save server certificate: %w", err)
	}
	return nil
}

// GenerateSelfSignedCA creates a new self-signed certificate authority.
func GenerateSelfSignedCA() (*ecdsa.PrivateKey, *x509.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate CA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization:       []string{"Opta-LMX"},
			OrganizationalUnit: []string{"Self-Signed CA"},
			CommonName:         "Opta-LMX CA",
		},
		// Backdated to tolerate clock skew.
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().AddDate(0, 0, DefaultCAValidityDays),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	return key, cert, nil
}

// GenerateServerCert creates a server certificate signed by the given
// CA, valid for localhost and loopback addresses.
func GenerateServerCert(caKey *ecdsa.PrivateKey, caCert *x509.Certificate) (*ecdsa.PrivateKey, *x509.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate server key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization:       []string{"Opta-LMX"},
			OrganizationalUnit: []string{"Server"},
			CommonName:         "localhost",
		},
		NotBefore:   time.Now().Add(-1 * time.Hour),
		NotAfter:    time.Now().AddDate(0, 0, DefaultCertValidityDays),
		KeyUsage:    x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:    []string{"localhost", "opta-lmx"},
		IPAddresses: []net.IP{
			net.IPv4(127, 0, 0, 1),
			net.IPv6loopback,
			net.IPv4zero,
			net.IPv6zero,
		},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create server certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse server certificate: %w", err)
	}
	return key, cert, nil
}

// saveCertAndKey writes a certificate and its private key as PEM files.
// The key file is readable only by the owner.
func saveCertAndKey(certPath, keyPath string, certDER []byte, key *ecdsa.PrivateKey) error {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

// ServerConfig builds the TLS configuration for the API listener.
// mtlsMode controls client certificates: "off" ignores them, "optional"
// verifies one when presented, and "required" rejects connections
// without a valid one. For the optional and required modes clientCAFile
// names the CA bundle client certificates must chain to; when empty the
// generated CA is used.
func ServerConfig(certPath, keyPath, mtlsMode, clientCAFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate and key: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	switch mtlsMode {
	case "", "off":
		return cfg, nil
	case "optional":
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	case "required":
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	default:
		return nil, fmt.Errorf("unknown mTLS mode %q", mtlsMode)
	}

	pool, err := caCertPool(clientCAFile)
	if err != nil {
		return nil, err
	}
	cfg.ClientCAs = pool
	return cfg, nil
}

// LoadClientTLSConfig builds a client TLS configuration that trusts the
// given CA certificate, or the generated CA when caCertPath is empty.
// skipVerify disables certificate verification entirely.
func LoadClientTLSConfig(caCertPath string, skipVerify bool) (*tls.Config, error) {
	if skipVerify {
		return &tls.Config{
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS12,
		}, nil
	}
	pool, err := caCertPool(caCertPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}, nil
}

// caCertPool loads a certificate pool from the given PEM file, falling
// back to the generated CA certificate when the path is empty.
func caCertPool(caCertPath string) (*x509.CertPool, error) {
	if caCertPath == "" {
		paths, err := DefaultCertPaths()
		if err != nil {
			return nil, err
		}
		caCertPath = paths.CACert
	}
	caPEM, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}
	return pool, nil
}
