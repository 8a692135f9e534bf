// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit implements Carapace's append-only audit trail: one
// structured JSON-line record per request that reaches policy evaluation,
// written through a bounded queue so a slow or stalled sink never blocks
// dispatch, with denials and errors prioritized over allows when the
// queue is full.
package audit

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// ActionType names whether a record describes a CLI or HTTP/JSON-RPC
// dispatch.
type ActionType string

const (
	ActionCli  ActionType = "cli"
	ActionHTTP ActionType = "http"
)

// PolicyResult names the outcome of policy evaluation.
type PolicyResult string

const (
	ResultAllow PolicyResult = "allow"
	ResultDeny  PolicyResult = "deny"
)

// FilterAction records one response-filter pipeline action taken while
// processing a request, mirroring filter.Action.
type FilterAction struct {
	Filter string `json:"filter"`
	Path   string `json:"path,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Record is one audit entry. Ts is set by the sink at enqueue time so
// that records reflect arrival order even if callers race to submit.
type Record struct {
	Ts             time.Time      `json:"ts"`
	RequestID      string         `json:"request_id"`
	Tool           string         `json:"tool"`
	ActionType     ActionType     `json:"action_type"`
	ArgvOrMethod   string         `json:"argv_or_method"`
	PolicyResult   PolicyResult   `json:"policy_result"`
	Reason         string         `json:"reason,omitempty"`
	ExitCodeOrStatus int          `json:"exit_code_or_status,omitempty"`
	DurationMs     int64          `json:"duration_ms"`
	FilterActions  []FilterAction `json:"filter_actions,omitempty"`

	// PrevDigest and Digest form a hash chain over the redacted record:
	// Digest = blake3(PrevDigest || json(record)), the JSON being taken
	// while PrevDigest and Digest are both still empty (so it has no
	// prev_digest key and carries "digest":""). Deleting or reordering a
	// record breaks the chain for every record after it, which a verifier
	// can detect by recomputing digests in order and comparing. This is not present
	// in the reference precursor; it is a small extension, grounded on
	// this codebase's existing use of blake3 for tamper-evident digests
	// elsewhere, that makes the specification's "write-once, append-only"
	// invariant on AuditRecord independently checkable.
	PrevDigest string `json:"prev_digest,omitempty"`
	Digest     string `json:"digest"`
}

// redact replaces any argv or header value matching one of patterns with
// "***", leaving policy_result and structural fields untouched — per the
// specification, policy_result is never redacted.
func redact(value string, patterns []string) string {
	for _, pattern := range patterns {
		if matchSubstringGlob(pattern, value) {
			return "***"
		}
	}
	return value
}

// matchSubstringGlob performs a simple case-sensitive glob match in which
// only '*' is special (it matches any run of characters); '?' and '['
// match themselves literally. It does not import package policy (audit records redaction patterns independently of
// policy objects, since a Record may outlive the Policy that produced it
// — e.g. when replayed by carapace-debug against a different policy
// file).
func matchSubstringGlob(pattern, s string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, "?") {
		return pattern == s
	}
	// Delegate to a minimal independent matcher rather than duplicating
	// policy's full character-class support: redact_patterns in practice
	// are simple prefix/suffix globs over argv or header values.
	return simpleGlob(pattern, s)
}

func simpleGlob(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(s, parts[i])
		if idx < 0 {
			return false
		}
		s = s[idx+len(parts[i]):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}

// digest computes the blake3 hash chaining digest for a record given its
// predecessor's digest and the record's own canonical byte representation
// (its JSON encoding taken before PrevDigest and Digest are set).
func digest(prevDigest string, canonical []byte) string {
	hasher := blake3.New()
	hasher.Write([]byte(prevDigest))
	hasher.Write(canonical)
	return hex.EncodeToString(hasher.Sum(nil))
}
