package sshkeys

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// HostAccess defines what key rotation needs from the host layer: command
// execution over the current credential, a connectivity probe with an
// arbitrary signer, and credential storage. The host registry satisfies it.
type HostAccess interface {
	RunCommand(ctx context.Context, hostID uint, command string) (stdout, stderr string, exitCode int, err error)
	TestSigner(ctx context.Context, hostID uint, signer ssh.Signer) error
	ReplaceKeyCredential(hostID uint, privateKeyPEM string) error
}

// RotationResult captures the outcome of a deploy key rotation.
type RotationResult struct {
	HostID         uint      `json:"host_id"`
	OldFingerprint string    `json:"old_fingerprint,omitempty"`
	NewFingerprint string    `json:"new_fingerprint"`
	PublicKey      string    `json:"public_key"`
	OldKeyRemoved  bool      `json:"old_key_removed"`
	Timestamp      time.Time `json:"timestamp"`
}

// RotateDeployKey replaces a host's deploy key with a freshly generated
// ED25519 key pair. The rotation follows a safe multi-step process:
//
//  1. Generate a new key pair
//  2. Append the new public key to the host's authorized_keys (both keys work)
//  3. Open a fresh SSH connection authenticating with the new key only
//  4. Store the new private key as the host's credential
//  5. Remove the old public key from authorized_keys
//
// If step 3 or 4 fails, the appended key is removed again and the stored
// credential is left untouched, so the host remains reachable with its old
// key. Step 5 is best effort: a leftover old key is logged, not fatal.
//
// oldPrivateKeyPEM may be empty (host authenticated by password so far), in
// which case there is no old key to remove.
func RotateDeployKey(ctx context.Context, access HostAccess, hostID uint, oldPrivateKeyPEM, oldPassphrase, comment string) (*RotationResult, error) {
	result := &RotationResult{
		HostID:    hostID,
		Timestamp: time.Now(),
	}

	var oldLine string
	if oldPrivateKeyPEM != "" {
		oldSigner, err := ParsePrivateKey([]byte(oldPrivateKeyPEM), oldPassphrase)
		if err != nil {
			log.Printf("deploy key rotation: host %d: cannot parse current key, old key will not be removed: %v", hostID, err)
		} else {
			result.OldFingerprint = ssh.FingerprintSHA256(oldSigner.PublicKey())
			oldLine = strings.TrimRight(string(ssh.MarshalAuthorizedKey(oldSigner.PublicKey())), "\n")
		}
	}

	// Step 1: generate the replacement key pair
	newPub, newPrivPEM, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	newSigner, err := ParsePrivateKey(newPrivPEM, "")
	if err != nil {
		return nil, fmt.Errorf("parse new private key: %w", err)
	}
	result.NewFingerprint = ssh.FingerprintSHA256(newSigner.PublicKey())

	newLine := FormatAuthorizedKey(newPub, comment)
	result.PublicKey = newLine

	if result.OldFingerprint != "" {
		log.Printf("deploy key rotation: host %d: rotating %s -> %s", hostID, result.OldFingerprint, result.NewFingerprint)
	} else {
		log.Printf("deploy key rotation: host %d: installing deploy key %s", hostID, result.NewFingerprint)
	}

	// Step 2: append the new key, both keys authenticate from here on
	if err := appendAuthorizedKey(ctx, access, hostID, newLine); err != nil {
		return nil, fmt.Errorf("append new key: %w", err)
	}

	// Step 3: prove the new key works before touching the stored credential
	if err := access.TestSigner(ctx, hostID, newSigner); err != nil {
		if rmErr := removeAuthorizedKey(ctx, access, hostID, newLine); rmErr != nil {
			log.Printf("deploy key rotation: host %d: failed to remove rejected key from authorized_keys: %v", hostID, rmErr)
		}
		return nil, fmt.Errorf("new key rejected by host: %w", err)
	}

	// Step 4: swap the stored credential
	if err := access.ReplaceKeyCredential(hostID, string(newPrivPEM)); err != nil {
		if rmErr := removeAuthorizedKey(ctx, access, hostID, newLine); rmErr != nil {
			log.Printf("deploy key rotation: host %d: failed to remove unstored key from authorized_keys: %v", hostID, rmErr)
		}
		return nil, fmt.Errorf("store new credential: %w", err)
	}

	// Step 5: retire the old key
	if oldLine != "" {
		if err := removeAuthorizedKey(ctx, access, hostID, oldLine); err != nil {
			log.Printf("deploy key rotation: host %d: old key left in authorized_keys: %v", hostID, err)
		} else {
			result.OldKeyRemoved = true
		}
	}

	log.Printf("deploy key rotation: host %d: complete (fingerprint %s, old key removed: %t)", hostID, result.NewFingerprint, result.OldKeyRemoved)
	return result, nil
}

// appendAuthorizedKey appends an authorized_keys line on the remote host. The
// line travels base64-encoded so no part of the key material needs shell
// quoting.
func appendAuthorizedKey(ctx context.Context, access HostAccess, hostID uint, line string) error {
	b64 := base64.StdEncoding.EncodeToString([]byte(line + "\n"))
	cmd := fmt.Sprintf(`mkdir -p "$HOME/.ssh" && chmod 700 "$HOME/.ssh" && echo '%s' | base64 -d >> "$HOME/.ssh/authorized_keys" && chmod 600 "$HOME/.ssh/authorized_keys"`, b64)
	_, stderr, code, err := access.RunCommand(ctx, hostID, cmd)
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("exit code %d: %s", code, strings.TrimSpace(stderr))
	}
	return nil
}

// removeAuthorizedKey filters an authorized_keys line out on the remote host,
// matching on the base64 key blob so differing comments still match.
func removeAuthorizedKey(ctx context.Context, access HostAccess, hostID uint, line string) error {
	blob := keyBlob(line)
	if blob == "" {
		return fmt.Errorf("no key blob in authorized_keys line")
	}
	cmd := fmt.Sprintf(`grep -vF '%s' "$HOME/.ssh/authorized_keys" > "$HOME/.ssh/authorized_keys.tmp"; mv "$HOME/.ssh/authorized_keys.tmp" "$HOME/.ssh/authorized_keys" && chmod 600 "$HOME/.ssh/authorized_keys"`, blob)
	_, stderr, code, err := access.RunCommand(ctx, hostID, cmd)
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("exit code %d: %s", code, strings.TrimSpace(stderr))
	}
	return nil
}

// keyBlob extracts the base64 blob from an authorized_keys line
// ("ssh-ed25519 AAAA... comment" -> "AAAA...").
func keyBlob(line string) string {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}
