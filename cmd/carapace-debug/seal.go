// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/carapace-project/carapace/secret"
)

// runSeal turns a plaintext env_inject value into the {age: "..."} form a
// policy file can carry without storing the secret in plaintext.
func runSeal(args []string) error {
	fs := newFlagSet("seal")
	if err := fs.Parse(args); err != nil {
		return err
	}
	positional := fs.Args()
	if len(positional) != 2 {
		return fmt.Errorf("usage: carapace-debug seal <recipient-public-key> <plaintext-value>")
	}
	recipient, plaintext := positional[0], positional[1]

	ciphertext, err := secret.Encrypt(plaintext, recipient)
	if err != nil {
		return fmt.Errorf("sealing value: %w", err)
	}
	fmt.Printf("age: %q\n", ciphertext)
	return nil
}
