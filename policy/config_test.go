// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFakeBinary(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\necho hi\n"), 0755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	return path
}

func TestLoadValidCliPolicy(t *testing.T) {
	dir := t.TempDir()
	binary := writeFakeBinary(t, dir, "op")

	yamlDoc := `
tools:
  op:
    type: cli
    binary: ` + binary + `
    argv_allow:
      - "item get *"
    argv_deny:
      - "item delete *"
    env_inject:
      OP_TOKEN: "X"
    timeout_secs: 10
`
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte(yamlDoc), 0644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	p, err := Load(path, LoadOptions{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cli, ok := p.Tools["op"].(*CliPolicy)
	if !ok {
		t.Fatalf("tool \"op\" is not a CliPolicy: %T", p.Tools["op"])
	}
	if cli.Binary != binary {
		t.Errorf("Binary = %q, want %q", cli.Binary, binary)
	}
	if cli.EnvInject["OP_TOKEN"] != "X" {
		t.Errorf("EnvInject[OP_TOKEN] = %q, want X", cli.EnvInject["OP_TOKEN"])
	}
	if cli.Timeout() != 10 {
		t.Errorf("Timeout() = %d, want 10", cli.Timeout())
	}
}

func TestLoadMissingBinaryFails(t *testing.T) {
	dir := t.TempDir()
	yamlDoc := `
tools:
  op:
    type: cli
    binary: /nonexistent/path/to/op
    argv_allow: ["*"]
`
	path := filepath.Join(dir, "policy.yaml")
	os.WriteFile(path, []byte(yamlDoc), 0644)

	if _, err := Load(path, LoadOptions{}); err == nil {
		t.Fatal("expected error for nonexistent binary")
	}
}

func TestLoadUnknownTypeFails(t *testing.T) {
	dir := t.TempDir()
	yamlDoc := `
tools:
  op:
    type: ftp
`
	path := filepath.Join(dir, "policy.yaml")
	os.WriteFile(path, []byte(yamlDoc), 0644)

	if _, err := Load(path, LoadOptions{}); err == nil {
		t.Fatal("expected error for unknown tool type")
	}
}

func TestLoadMissingTypeFails(t *testing.T) {
	dir := t.TempDir()
	yamlDoc := `
tools:
  op:
    binary: /bin/true
`
	path := filepath.Join(dir, "policy.yaml")
	os.WriteFile(path, []byte(yamlDoc), 0644)

	if _, err := Load(path, LoadOptions{}); err == nil {
		t.Fatal("expected error for missing type field")
	}
}

func TestLoadUnknownToolFieldRejected(t *testing.T) {
	dir := t.TempDir()
	binary := writeFakeBinary(t, dir, "op")
	yamlDoc := `
tools:
  op:
    type: cli
    binary: ` + binary + `
    argv_allow: ["*"]
    typo_field: true
`
	path := filepath.Join(dir, "policy.yaml")
	os.WriteFile(path, []byte(yamlDoc), 0644)

	if _, err := Load(path, LoadOptions{}); err == nil {
		t.Fatal("expected error for unknown field \"typo_field\"")
	}
}

func TestLoadMalformedYAMLFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	os.WriteFile(path, []byte("tools:\n  op: [this is not a mapping"), 0644)

	if _, err := Load(path, LoadOptions{}); err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}

func TestLoadEmptyConfigSucceedsWithNoTools(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	os.WriteFile(path, []byte("tools: {}\n"), 0644)

	p, err := Load(path, LoadOptions{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(p.Tools) != 0 {
		t.Errorf("expected no tools, got %d", len(p.Tools))
	}
}

func TestLoadHttpPolicyRequiresUpstream(t *testing.T) {
	dir := t.TempDir()
	yamlDoc := `
tools:
  signal:
    type: http
`
	path := filepath.Join(dir, "policy.yaml")
	os.WriteFile(path, []byte(yamlDoc), 0644)

	if _, err := Load(path, LoadOptions{}); err == nil {
		t.Fatal("expected error for http tool missing upstream")
	}
}

func TestLoadRateLimitMustBePositive(t *testing.T) {
	dir := t.TempDir()
	yamlDoc := `
tools:
  signal:
    type: http
    upstream: "http://localhost:9000"
    rate_limit:
      max_requests: 0
      window_secs: 60
`
	path := filepath.Join(dir, "policy.yaml")
	os.WriteFile(path, []byte(yamlDoc), 0644)

	if _, err := Load(path, LoadOptions{}); err == nil {
		t.Fatal("expected error for max_requests: 0")
	}
}

func TestLoadFromEnvVar(t *testing.T) {
	dir := t.TempDir()
	binary := writeFakeBinary(t, dir, "op")
	t.Setenv("CARAPACE_TEST_TOKEN", "secret-value")

	yamlDoc := `
tools:
  op:
    type: cli
    binary: ` + binary + `
    argv_allow: ["*"]
    env_inject:
      OP_TOKEN:
        from_env: CARAPACE_TEST_TOKEN
`
	path := filepath.Join(dir, "policy.yaml")
	os.WriteFile(path, []byte(yamlDoc), 0644)

	p, err := Load(path, LoadOptions{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cli := p.Tools["op"].(*CliPolicy)
	if cli.EnvInject["OP_TOKEN"] != "secret-value" {
		t.Errorf("EnvInject[OP_TOKEN] = %q, want secret-value", cli.EnvInject["OP_TOKEN"])
	}
}
