// Package tls manages the certificate the tokengate API serves HTTPS with.
// When no certificate is configured a self-signed one is generated once and
// reused; devices can pin it by the SHA-256 fingerprint printed at startup.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Defaults for generated certificates.
const (
	DefaultValidity     = 365 * 24 * time.Hour
	DefaultOrganization = "tokengate"
)

// Options selects or describes the server certificate.
type Options struct {
	// CertFile and KeyFile are the PEM files. Empty means the defaults under
	// ~/.tokengate/certs.
	CertFile string
	KeyFile  string

	// Hosts become SANs of a generated certificate.
	// Default: localhost, 127.0.0.1 and ::1.
	Hosts []string

	// Validity of a generated certificate. Default: one year.
	Validity time.Duration

	// TimeNow returns the current time. Useful for testing.
	// Default: time.Now.
	TimeNow func() time.Time
}

// Certificate describes the certificate in use.
type Certificate struct {
	CertFile    string
	KeyFile     string
	Fingerprint string
	NotAfter    time.Time

	// Generated is true when the files were written by this call.
	Generated bool
}

// DefaultPaths returns ~/.tokengate/certs/server.crt and server.key.
func DefaultPaths() (certFile, keyFile string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("failed to get home directory: %w", err)
	}
	dir := filepath.Join(home, ".tokengate", "certs")
	return filepath.Join(dir, "server.crt"), filepath.Join(dir, "server.key"), nil
}

// Ensure loads the configured certificate, generating a self-signed one when
// either file is missing.
func Ensure(opts Options) (*Certificate, error) {
	if opts.CertFile == "" || opts.KeyFile == "" {
		certFile, keyFile, err := DefaultPaths()
		if err != nil {
			return nil, err
		}
		if opts.CertFile == "" {
			opts.CertFile = certFile
		}
		if opts.KeyFile == "" {
			opts.KeyFile = keyFile
		}
	}

	if exists(opts.CertFile) && exists(opts.KeyFile) {
		return Load(opts.CertFile, opts.KeyFile)
	}
	return Generate(opts)
}

// Load reads an existing key pair.
func Load(certFile, keyFile string) (*Certificate, error) {
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return &Certificate{
		CertFile:    certFile,
		KeyFile:     keyFile,
		Fingerprint: Fingerprint(leaf),
		NotAfter:    leaf.NotAfter,
	}, nil
}

// Generate writes a new self-signed P-256 certificate to opts.CertFile and
// opts.KeyFile. The key file is created with mode 0600.
func Generate(opts Options) (*Certificate, error) {
	if opts.CertFile == "" || opts.KeyFile == "" {
		return nil, errors.New("certificate and key paths are required")
	}
	hosts := opts.Hosts
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1", "::1"}
	}
	validity := opts.Validity
	if validity == 0 {
		validity = DefaultValidity
	}
	now := time.Now
	if opts.TimeNow != nil {
		now = opts.TimeNow
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	notBefore := now().Add(-time.Minute)
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{DefaultOrganization},
			CommonName:   "tokengate api",
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}

	if err := writePEM(opts.CertFile, "CERTIFICATE", der, 0644); err != nil {
		return nil, err
	}
	if err := writePEM(opts.KeyFile, "PRIVATE KEY", keyDER, 0600); err != nil {
		return nil, err
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse generated certificate: %w", err)
	}
	return &Certificate{
		CertFile:    opts.CertFile,
		KeyFile:     opts.KeyFile,
		Fingerprint: Fingerprint(leaf),
		NotAfter:    leaf.NotAfter,
		Generated:   true,
	}, nil
}

// Fingerprint is the SHA-256 of the DER certificate as colon-separated
// uppercase hex, e.g. "AB:CD:...".
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// ServerConfig returns a TLS 1.2+ server configuration for the key pair.
func ServerConfig(certFile, keyFile string) (*tls.Config, error) {
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}, nil
}

func writePEM(path, blockType string, der []byte, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create %s directory: %w", strings.ToLower(blockType), err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
