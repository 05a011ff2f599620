package crypto

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
	"strings"
	"sync"
	"time"

	"github.com/vesselhq/vessel/internal/database"
)

// GenerateServerCertPair creates a self-signed ECDSA P-256 TLS certificate
// for the API server covering the given host names and addresses. The
// certificate is self-signed because clients either pin it or sit behind a
// reverse proxy that terminates TLS with a real one — no CA is involved.
func GenerateServerCertPair(hosts []string) (certPEM, keyPEM string, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate ECDSA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", "", fmt.Errorf("generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: "vessel-control-plane",
		},
		NotBefore:             now,
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour), // ~10 years
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return "", "", fmt.Errorf("create certificate: %w", err)
	}

	certPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("marshal private key: %w", err)
	}

	keyPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: keyDER,
	})

	return string(certPEMBytes), string(keyPEMBytes), nil
}

var (
	serverCertOnce sync.Once
	serverCert     *tls.Certificate
	serverCertErr  error
)

// ServerCertificate returns the API server's TLS certificate, generating a
// self-signed one on first call and persisting it (private key encrypted)
// in settings so restarts keep serving the same certificate. A changed host
// list regenerates it.
func ServerCertificate(hosts []string) (*tls.Certificate, error) {
	serverCertOnce.Do(func() {
		serverCert, serverCertErr = loadOrGenerateServerCert(hosts)
	})
	return serverCert, serverCertErr
}

// ResetServerCertCache clears the cached certificate (for testing).
func ResetServerCertCache() {
	serverCertOnce = sync.Once{}
	serverCert = nil
	serverCertErr = nil
}

func loadOrGenerateServerCert(hosts []string) (*tls.Certificate, error) {
	joined := strings.Join(hosts, ",")

	certPEM, err := database.GetSetting("server_tls_cert")
	storedHosts, _ := database.GetSetting("server_tls_hosts")
	if err == nil && certPEM != "" && storedHosts == joined {
		encKeyPEM, err := database.GetSetting("server_tls_key")
		if err == nil && encKeyPEM != "" {
			keyPEM, err := Decrypt(encKeyPEM)
			if err == nil {
				parsed, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
				if err == nil {
					return &parsed, nil
				}
			}
		}
	}

	// Generate new cert pair.
	certPEM, keyPEM, err := GenerateServerCertPair(hosts)
	if err != nil {
		return nil, fmt.Errorf("generate server cert: %w", err)
	}

	encKeyPEM, err := Encrypt(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("encrypt server key: %w", err)
	}

	if err := database.SetSetting("server_tls_cert", certPEM); err != nil {
		return nil, fmt.Errorf("save server cert: %w", err)
	}
	if err := database.SetSetting("server_tls_key", encKeyPEM); err != nil {
		return nil, fmt.Errorf("save server key: %w", err)
	}
	if err := database.SetSetting("server_tls_hosts", joined); err != nil {
		return nil, fmt.Errorf("save server cert hosts: %w", err)
	}

	parsed, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse server cert: %w", err)
	}

	return &parsed, nil
}
