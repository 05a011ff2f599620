// Package sshkeys handles SSH key material for managed hosts: deploy-key
// generation, private key parsing, auth-method construction, fingerprinting,
// and zero-downtime deploy-key rotation.
//
// Persistence is deliberately out of scope — generated private keys are
// stored encrypted by the host registry, and this package never touches disk
// or the database.
//
// # Key lifecycle
//
// 1. Generation: [GenerateKeyPair] creates an ED25519 key pair, returning the
// public key in authorized_keys format and the private key as PEM.
//
// 2. Installation: the operator (or [RotateDeployKey]) appends the
// authorized_keys line to the target host; the host registry stores the
// private key as the host's credential.
//
// 3. Rotation: [RotateDeployKey] appends a fresh public key over the existing
// credential, verifies connectivity with the new key, swaps the stored
// credential, and then removes the old key from authorized_keys. A failed
// verification leaves the old credential in place.
//
// 4. Verification: [GetPublicKeyFingerprint] and [VerifyFingerprint] provide
// fingerprint checks; [MakeHostKeyCallback] implements trust-on-first-use
// pinning of remote host keys.
//
// ED25519 is used exclusively for generated keys; operator-supplied keys may
// be any type x/crypto/ssh parses.
package sshkeys
