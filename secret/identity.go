// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret wraps filippo.io/age for Carapace's one narrow use of
// encryption at rest: a policy file's env_inject values may be written
// as age ciphertext instead of plaintext, decrypted once when the Server
// loads its policy.
//
// This is deliberately a small subset of what a general secrets story
// would need — Carapace is not a secrets manager, it is a gateway that
// occasionally needs to keep a handful of credential values out of a
// policy file checked into version control.
package secret

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
)

// Identity holds a decryption key loaded from an age identity file
// (AGE-SECRET-KEY-1... format, one identity per file, as produced by
// `age-keygen`).
type Identity struct {
	identity *age.X25519Identity
}

// LoadIdentity reads an age identity from path. An empty path is an
// error — callers only reach LoadIdentity when a policy file actually
// contains an age-encrypted value, so a missing path is a configuration
// mistake worth failing loudly on.
func LoadIdentity(path string) (*Identity, error) {
	if path == "" {
		return nil, fmt.Errorf("secret: no age identity configured (set --age-identity)")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("secret: read identity file %s: %w", path, err)
	}
	identities, err := age.ParseIdentities(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("secret: parse identity file %s: %w", path, err)
	}
	for _, id := range identities {
		if x25519, ok := id.(*age.X25519Identity); ok {
			return &Identity{identity: x25519}, nil
		}
	}
	return nil, fmt.Errorf("secret: identity file %s contains no x25519 identity", path)
}

// Decrypt decrypts a base64-encoded age ciphertext and returns the
// plaintext as a string, suitable for direct use as an environment
// variable value.
func (id *Identity) Decrypt(ciphertextBase64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertextBase64)
	if err != nil {
		return "", fmt.Errorf("secret: decode base64 ciphertext: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(raw), id.identity)
	if err != nil {
		return "", fmt.Errorf("secret: decrypt: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("secret: read decrypted plaintext: %w", err)
	}
	return string(plaintext), nil
}

// Encrypt encrypts plaintext to recipientPublicKey (an age1... string)
// and returns base64-encoded ciphertext, for the operator-facing
// `carapace-debug seal` workflow that turns a plaintext value
// into the {age: "..."} form for a policy file.
func Encrypt(plaintext, recipientPublicKey string) (string, error) {
	recipient, err := age.ParseX25519Recipient(recipientPublicKey)
	if err != nil {
		return "", fmt.Errorf("secret: parse recipient: %w", err)
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return "", fmt.Errorf("secret: create encryptor: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("secret: write plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("secret: finalize encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
