// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy implements Carapace's declarative decision engine: argv
// glob matching, JSON-RPC method allow/deny, parameter field filters, rate
// limits, and env injection, with deny-first semantics throughout.
//
// A Policy is loaded once at Server start from a YAML file and is
// immutable for the life of the process — there is no hot reload; a
// policy change requires a restart. The Evaluate* functions are
// accordingly pure functions of the Policy and the request; rate-limit
// counting, which depends on the current time, lives in package
// ratelimit.
package policy

import "time"

// Policy maps a Tool name to its ToolPolicy. Tool resolution looks up this
// map directly; a miss is KindUnknownTool.
type Policy struct {
	Tools map[string]ToolPolicy
}

// ToolPolicy is implemented by *CliPolicy and *HttpPolicy.
type ToolPolicy interface {
	toolPolicy()
}

// CliPolicy governs a CLI tool.
type CliPolicy struct {
	// Binary is the absolute path to the executable spawned on allow.
	// The client's argv[0] is discarded in favor of this binary's
	// basename.
	Binary string

	// ArgvAllow and ArgvDeny are glob patterns matched against
	// argv[1:] (argv[0], the logical command name, is elided — see
	// ArgvMatcher). Deny is checked first and always wins.
	ArgvAllow []string
	ArgvDeny  []string

	// EnvInject entries always override a same-named key supplied by
	// the request.
	EnvInject map[string]string

	// CwdAllow, if non-empty, restricts request.Cwd to be a path
	// prefixed by one of these roots. An empty request.Cwd is always
	// allowed (the dispatcher uses a server-side default).
	CwdAllow []string

	// TimeoutSecs bounds execution; 0 means DefaultTimeoutSecs.
	TimeoutSecs int

	Audit           AuditConfig
	ResponseFilters []FilterSpec
}

func (*CliPolicy) toolPolicy() {}

// DefaultTimeoutSecs is used when a CliPolicy or HttpPolicy does not set
// TimeoutSecs explicitly, matching the reference policy's default.
const DefaultTimeoutSecs = 30

// HttpPolicy governs an HTTP/JSON-RPC tool.
type HttpPolicy struct {
	// Upstream is the base URL requests are proxied to.
	Upstream string

	JsonrpcAllowMethods []string
	JsonrpcDenyMethods  []string

	// JsonrpcParamFilters maps a JSON-RPC method name to the field
	// rules checked against its params object.
	JsonrpcParamFilters map[string][]ParamFilter

	RateLimit   *RateLimit
	TimeoutSecs int

	Audit           AuditConfig
	ResponseFilters []FilterSpec
}

func (*HttpPolicy) toolPolicy() {}

// ParamFilter is a single field rule within a method's parameter filter
// list. FieldPath uses dot notation with "[*]" for wildcard array
// iteration (e.g. "recipientNumber", "messages[*].to").
type ParamFilter struct {
	FieldPath    string
	AllowPattern []string
	DenyPattern  []string
}

// RateLimit is a per-tool token-bucket window.
type RateLimit struct {
	MaxRequests int
	WindowSecs  int
}

// AuditConfig governs how a tool's requests are recorded.
type AuditConfig struct {
	Enabled        bool
	LogArgv        bool
	LogBody        bool
	RedactPatterns []string
}

// DefaultAuditConfig matches the reference precursor's default: auditing
// on, argv logged, body not logged (bodies may carry large or sensitive
// payloads that argv rarely does).
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{Enabled: true, LogArgv: true, LogBody: false}
}

// FilterSpec is a response-filter pipeline stage. Exactly one of the
// pointer fields is non-nil; see package filter for evaluation.
type FilterSpec struct {
	ContentDeny   *ContentDenySpec
	FieldRedact   *FieldRedactSpec
	MaxOutputSize *MaxOutputSizeSpec
}

// ContentDenyAction names the outcome when a ContentDeny field matches.
type ContentDenyAction string

const (
	ActionBlock  ContentDenyAction = "block"
	ActionRedact ContentDenyAction = "redact"
	ActionOmit   ContentDenyAction = "omit"
)

// ContentDenySpec blocks, redacts, or omits values matching deny patterns
// at the given JSON field paths. Matching is case-insensitive unless
// CaseSensitive opts out.
type ContentDenySpec struct {
	Fields        []ContentDenyField
	Action        ContentDenyAction
	CaseSensitive bool
}

// ContentDenyField names one field path and its deny patterns.
type ContentDenyField struct {
	Path        string
	DenyPattern []string
}

// FieldRedactSpec unconditionally replaces scalars at the given paths.
type FieldRedactSpec struct {
	Fields      []string
	Replacement string
}

// MaxOutputSizeSpec truncates the serialized response body to MaxBytes at
// a UTF-8-safe boundary.
type MaxOutputSizeSpec struct {
	MaxBytes int
}

// Decision is the outcome of evaluating a request against a Policy.
type Decision struct {
	Allow       bool
	Reason      string
	MatchedRule string
}

// deny is a convenience constructor for a denial Decision.
func deny(reason, matchedRule string) Decision {
	return Decision{Allow: false, Reason: reason, MatchedRule: matchedRule}
}

var allow = Decision{Allow: true}

// now is a replaceable clock hook; no code or test in this package
// reads or overrides it.
var now = time.Now
