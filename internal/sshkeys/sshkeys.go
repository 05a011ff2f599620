package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// GenerateKeyPair generates an ED25519 key pair and returns the OpenSSH
// authorized_keys line and the PEM-encoded private key.
func GenerateKeyPair() (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}

	privateKeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privBytes,
	})

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	publicKey = ssh.MarshalAuthorizedKey(sshPub)

	return publicKey, privateKeyPEM, nil
}

// FormatAuthorizedKey appends a comment to an authorized_keys line so
// operators can tell deploy keys apart on the host.
func FormatAuthorizedKey(publicKey []byte, comment string) string {
	line := strings.TrimRight(string(publicKey), "\n")
	if comment == "" {
		return line
	}
	return line + " " + comment
}

// ParsePrivateKey parses a PEM-encoded private key into an ssh.Signer,
// using the passphrase when the key is encrypted.
func ParsePrivateKey(privateKeyPEM []byte, passphrase string) (ssh.Signer, error) {
	var signer ssh.Signer
	var err error
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(privateKeyPEM, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(privateKeyPEM)
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

/// AuthMethods builds the SSH auth methods for a host credential: a password,
// a private key with optional passphrase, or both.
func AuthMethods(password, privateKeyPEM, passphrase string) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if password != "" {
		methods = append(methods, ssh.Password(password))
	}

	if privateKeyPEM != "" {
		signer, err := ParsePrivateKey([]byte(privateKeyPEM), passphrase)
		if err != nil {
			return nil, err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no authentication method provided (password or private key required)")
	}
	return methods, nil
}
