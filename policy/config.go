// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/carapace-project/carapace/secret"
)

// configFile is the top-level YAML shape of a policy file.
type configFile struct {
	Tools map[string]toolConfig `yaml:"tools"`
}

type toolConfig struct {
	Type string `yaml:"type"`

	// CLI fields.
	Binary      string            `yaml:"binary"`
	ArgvAllow   []string          `yaml:"argv_allow"`
	ArgvDeny    []string          `yaml:"argv_deny"`
	EnvInject   map[string]envVar `yaml:"env_inject"`
	CwdAllow    []string          `yaml:"cwd_allow"`
	TimeoutSecs int               `yaml:"timeout_secs"`

	// HTTP fields.
	Upstream            string                         `yaml:"upstream"`
	JsonrpcAllowMethods []string                       `yaml:"jsonrpc_allow_methods"`
	JsonrpcDenyMethods  []string                       `yaml:"jsonrpc_deny_methods"`
	JsonrpcParamFilters map[string][]paramFilterConfig `yaml:"jsonrpc_param_filters"`
	RateLimit           *rateLimitConfig               `yaml:"rate_limit"`

	Audit           *auditConfig   `yaml:"audit"`
	ResponseFilters []filterConfig `yaml:"response_filters"`
}

// envVar accepts either a bare string value or an extended form for
// secrets that should not be stored in plaintext: {age: "<ciphertext>"}
// decrypts once at load time using the server's local age identity, or
// {from_env: "NAME"} reads the value from the loader process's own
// environment at load time (for values injected by a secrets manager
// into the server's unit file).
type envVar struct {
	Value   string
	Age     string
	FromEnv string
}

func (e *envVar) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&e.Value)
	}
	var extended struct {
		Age     string `yaml:"age"`
		FromEnv string `yaml:"from_env"`
	}
	if err := node.Decode(&extended); err != nil {
		return fmt.Errorf("env_inject entry: %w", err)
	}
	e.Age = extended.Age
	e.FromEnv = extended.FromEnv
	return nil
}

type rateLimitConfig struct {
	MaxRequests int `yaml:"max_requests"`
	WindowSecs  int `yaml:"window_secs"`
}

type auditConfig struct {
	Enabled        *bool    `yaml:"enabled"`
	LogArgv        bool     `yaml:"log_argv"`
	LogBody        bool     `yaml:"log_body"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

type paramFilterConfig struct {
	FieldPath    string   `yaml:"field_path"`
	AllowPattern []string `yaml:"allow_pattern"`
	DenyPattern  []string `yaml:"deny_pattern"`
}

type filterConfig struct {
	ContentDeny   *contentDenyConfig   `yaml:"content_deny"`
	FieldRedact   *fieldRedactConfig   `yaml:"field_redact"`
	MaxOutputSize *maxOutputSizeConfig `yaml:"max_output_size"`
}

// contentDenyConfig's CaseSensitive defaults to false, matching spec's
// "glob, case-insensitive by default" — set case_sensitive: true in the
// policy file to opt out per content_deny block.
type contentDenyConfig struct {
	Fields        []contentDenyFieldConfig `yaml:"fields"`
	Action        string                   `yaml:"action"`
	CaseSensitive bool                     `yaml:"case_sensitive"`
}

type contentDenyFieldConfig struct {
	Path        string   `yaml:"path"`
	DenyPattern []string `yaml:"deny_pattern"`
}

type fieldRedactConfig struct {
	Fields      []string `yaml:"fields"`
	Replacement string   `yaml:"replacement"`
}

type maxOutputSizeConfig struct {
	MaxBytes int `yaml:"max_bytes"`
}

// LoadOptions configures secret resolution while loading a policy file.
type LoadOptions struct {
	// AgeIdentityPath, if set, is used to decrypt env_inject entries
	// written in {age: "..."} form. Loading fails if such an entry is
	// present and this is unset.
	AgeIdentityPath string
}

// Load reads, strictly decodes, and validates a policy file at path. All
// env_inject secrets are resolved (age-decrypted or read from the
// environment) before Load returns, so a fully loaded Policy never holds
// deferred secret resolution.
func Load(path string, opts LoadOptions) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}

	// Strict decode: unknown fields at any level fail the load, matching
	// the reference proxy config loader's validation discipline.
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var cfg configFile
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("policy: decode %s: %w", path, err)
	}

	var identity *secret.Identity
	for name, tool := range cfg.Tools {
		if tool.Type != "cli" {
			continue
		}
		for key, v := range tool.EnvInject {
			if v.Age == "" {
				continue
			}
			if identity == nil {
				identity, err = secret.LoadIdentity(opts.AgeIdentityPath)
				if err != nil {
					return nil, fmt.Errorf("policy: tool %q env var %q requires age identity: %w", name, key, err)
				}
			}
		}
	}

	tools := make(map[string]ToolPolicy, len(cfg.Tools))
	for name, tc := range cfg.Tools {
		tp, err := buildToolPolicy(name, tc, identity)
		if err != nil {
			return nil, err
		}
		tools[name] = tp
	}

	p := &Policy{Tools: tools}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("policy: %s: %w", path, err)
	}
	return p, nil
}

func buildToolPolicy(name string, tc toolConfig, identity *secret.Identity) (ToolPolicy, error) {
	switch tc.Type {
	case "cli":
		envInject := make(map[string]string, len(tc.EnvInject))
		for key, v := range tc.EnvInject {
			resolved, err := resolveEnvVar(v, identity)
			if err != nil {
				return nil, fmt.Errorf("tool %q env var %q: %w", name, key, err)
			}
			envInject[key] = resolved
		}
		audit := resolveAudit(tc.Audit)
		filters, err := buildFilterSpecs(tc.ResponseFilters)
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", name, err)
		}
		return &CliPolicy{
			Binary:          tc.Binary,
			ArgvAllow:       tc.ArgvAllow,
			ArgvDeny:        tc.ArgvDeny,
			EnvInject:       envInject,
			CwdAllow:        tc.CwdAllow,
			TimeoutSecs:     tc.TimeoutSecs,
			Audit:           audit,
			ResponseFilters: filters,
		}, nil
	case "http":
		paramFilters := make(map[string][]ParamFilter, len(tc.JsonrpcParamFilters))
		for method, fields := range tc.JsonrpcParamFilters {
			converted := make([]ParamFilter, len(fields))
			for i, f := range fields {
				converted[i] = ParamFilter{
					FieldPath:    f.FieldPath,
					AllowPattern: f.AllowPattern,
					DenyPattern:  f.DenyPattern,
				}
			}
			paramFilters[method] = converted
		}
		var rateLimit *RateLimit
		if tc.RateLimit != nil {
			rateLimit = &RateLimit{MaxRequests: tc.RateLimit.MaxRequests, WindowSecs: tc.RateLimit.WindowSecs}
		}
		audit := resolveAudit(tc.Audit)
		filters, err := buildFilterSpecs(tc.ResponseFilters)
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", name, err)
		}
		return &HttpPolicy{
			Upstream:            tc.Upstream,
			JsonrpcAllowMethods: tc.JsonrpcAllowMethods,
			JsonrpcDenyMethods:  tc.JsonrpcDenyMethods,
			JsonrpcParamFilters: paramFilters,
			RateLimit:           rateLimit,
			TimeoutSecs:         tc.TimeoutSecs,
			Audit:               audit,
			ResponseFilters:     filters,
		}, nil
	case "":
		return nil, fmt.Errorf("tool %q: missing required field \"type\"", name)
	default:
		return nil, fmt.Errorf("tool %q: unknown type %q (want \"cli\" or \"http\")", name, tc.Type)
	}
}

func resolveEnvVar(v envVar, identity *secret.Identity) (string, error) {
	switch {
	case v.Age != "":
		if identity == nil {
			return "", fmt.Errorf("age-encrypted value present but no identity loaded")
		}
		plaintext, err := identity.Decrypt(v.Age)
		if err != nil {
			return "", fmt.Errorf("decrypting age value: %w", err)
		}
		return plaintext, nil
	case v.FromEnv != "":
		value, ok := os.LookupEnv(v.FromEnv)
		if !ok {
			return "", fmt.Errorf("referenced environment variable %q is not set", v.FromEnv)
		}
		return value, nil
	default:
		return v.Value, nil
	}
}

func resolveAudit(a *auditConfig) AuditConfig {
	cfg := DefaultAuditConfig()
	if a == nil {
		return cfg
	}
	if a.Enabled != nil {
		cfg.Enabled = *a.Enabled
	}
	cfg.LogArgv = a.LogArgv
	cfg.LogBody = a.LogBody
	cfg.RedactPatterns = a.RedactPatterns
	return cfg
}

func buildFilterSpecs(cfgs []filterConfig) ([]FilterSpec, error) {
	specs := make([]FilterSpec, 0, len(cfgs))
	for _, c := range cfgs {
		switch {
		case c.ContentDeny != nil:
			action := ContentDenyAction(c.ContentDeny.Action)
			switch action {
			case ActionBlock, ActionRedact, ActionOmit:
			default:
				return nil, fmt.Errorf("content_deny: invalid action %q", c.ContentDeny.Action)
			}
			fields := make([]ContentDenyField, len(c.ContentDeny.Fields))
			for i, f := range c.ContentDeny.Fields {
				fields[i] = ContentDenyField{Path: f.Path, DenyPattern: f.DenyPattern}
			}
			specs = append(specs, FilterSpec{ContentDeny: &ContentDenySpec{
				Fields: fields, Action: action, CaseSensitive: c.ContentDeny.CaseSensitive,
			}})
		case c.FieldRedact != nil:
			specs = append(specs, FilterSpec{FieldRedact: &FieldRedactSpec{
				Fields: c.FieldRedact.Fields, Replacement: c.FieldRedact.Replacement,
			}})
		case c.MaxOutputSize != nil:
			specs = append(specs, FilterSpec{MaxOutputSize: &MaxOutputSizeSpec{
				MaxBytes: c.MaxOutputSize.MaxBytes,
			}})
		default:
			return nil, fmt.Errorf("response_filters: entry has no recognized filter kind")
		}
	}
	return specs, nil
}

// Validate checks structural invariants not expressible in the YAML
// schema itself: binary paths must be absolute, existing, and
// executable; glob patterns must compile; rate limits must be positive.
func (p *Policy) Validate() error {
	for name, tp := range p.Tools {
		switch t := tp.(type) {
		case *CliPolicy:
			if err := validateBinaryPath(t.Binary); err != nil {
				return fmt.Errorf("tool %q: %w", name, err)
			}
			if _, err := NewArgvMatcher(t.ArgvAllow, t.ArgvDeny); err != nil {
				return fmt.Errorf("tool %q: %w", name, err)
			}
		case *HttpPolicy:
			if t.Upstream == "" {
				return fmt.Errorf("tool %q: http policy requires \"upstream\"", name)
			}
			if t.RateLimit != nil && (t.RateLimit.MaxRequests <= 0 || t.RateLimit.WindowSecs <= 0) {
				return fmt.Errorf("tool %q: rate_limit requires positive max_requests and window_secs", name)
			}
		}
	}
	return nil
}

// validateBinaryPath requires an absolute, existing, executable file,
// grounded on the reference precursor's PolicyValidator::validate_binary_path —
// surfacing a misconfigured binary at load time rather than at first
// spawn.
func validateBinaryPath(binary string) error {
	if binary == "" {
		return fmt.Errorf("cli policy requires \"binary\"")
	}
	if !filepath.IsAbs(binary) {
		return fmt.Errorf("binary %q must be an absolute path", binary)
	}
	info, err := os.Stat(binary)
	if err != nil {
		return fmt.Errorf("binary %q: %w", binary, err)
	}
	if info.IsDir() {
		return fmt.Errorf("binary %q is a directory", binary)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("binary %q is not executable", binary)
	}
	return nil
}
