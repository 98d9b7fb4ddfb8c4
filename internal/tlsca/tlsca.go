// Package tlsca generates and loads the local certificate authority the
// proxy terminates TLS with: a self-signed CA plus a server certificate for
// the intercepted API hostname. Certificates are PEM files under the
// configured directory and are reused across restarts.
package tlsca

import (
	"crypto/rand"
	"crypto/rsa"
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

	. "github.com/synix-dev/dbproxy/internal/logging"
)

const (
	CACertFile     = "ca.pem"
	ServerCertFile = "server.pem"
	ServerKeyFile  = "server.key"

	caValidity     = 10 * 365 * 24 * time.Hour
	serverValidity = 365 * 24 * time.Hour
	rsaBits        = 2048
)

// serverSANs cover the intercepted hostname plus local access for the
// dashboard.
var serverSANs = []string{"api.anthropic.com", "localhost"}
var serverIPs = []net.IP{net.ParseIP("127.0.0.1")}

// CertPaths holds the on-disk locations of the generated material.
type CertPaths struct {
	CA    string
	Cert  string
	Key   string
	caNew bool
}

// CAGenerated reports whether this call created a fresh CA (and therefore
// the trust store needs reinstalling).
func (p CertPaths) CAGenerated() bool { return p.caNew }

// EnsureCerts generates the CA and server certificate under dir unless all
// three files already exist.
func EnsureCerts(dir string) (CertPaths, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return CertPaths{}, fmt.Errorf("create cert dir: %w", err)
	}
	paths := CertPaths{
		CA:   filepath.Join(dir, CACertFile),
		Cert: filepath.Join(dir, ServerCertFile),
		Key:  filepath.Join(dir, ServerKeyFile),
	}

	if fileExists(paths.CA) && fileExists(paths.Cert) && fileExists(paths.Key) {
		L_info("tls: certificates exist", "dir", dir)
		return paths, nil
	}

	L_info("tls: generating certificates", "dir", dir)
	if err := generate(paths); err != nil {
		return CertPaths{}, err
	}
	paths.caNew = true
	L_info("tls: certificates generated",
		"ca", paths.CA, "cert", paths.Cert, "key", paths.Key)
	return paths, nil
}

func generate(paths CertPaths) error {
	caKey, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return fmt.Errorf("generate CA key: %w", err)
	}
	caTemplate := &x509.Certificate{
		SerialNumber: randomSerial(),
		Subject: pkix.Name{
			CommonName:   "dbproxy local CA",
			Organization: []string{"dbproxy"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(caValidity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		return fmt.Errorf("create CA certificate: %w", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return fmt.Errorf("parse CA certificate: %w", err)
	}

	serverKey, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return fmt.Errorf("generate server key: %w", err)
	}
	serverTemplate := &x509.Certificate{
		SerialNumber: randomSerial(),
		Subject:      pkix.Name{CommonName: serverSANs[0]},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(serverValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     serverSANs,
		IPAddresses:  serverIPs,
	}
	serverDER, err := x509.CreateCertificate(rand.Reader, serverTemplate, caCert, &serverKey.PublicKey, caKey)
	if err != nil {
		return fmt.Errorf("create server certificate: %w", err)
	}

	if err := writePEM(paths.CA, "CERTIFICATE", caDER, 0o644); err != nil {
		return err
	}
	if err := writePEM(paths.Cert, "CERTIFICATE", serverDER, 0o644); err != nil {
		return err
	}
	keyDER := x509.MarshalPKCS1PrivateKey(serverKey)
	return writePEM(paths.Key, "RSA PRIVATE KEY", keyDER, 0o600)
}

// ServerTLSConfig loads the server certificate pair into a TLS config.
func ServerTLSConfig(paths CertPaths) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(paths.Cert, paths.Key)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func randomSerial() *big.Int {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return big.NewInt(time.Now().UnixNano())
	}
	return serial
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
