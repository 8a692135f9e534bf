// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

package policy

// EvaluateCli decides whether a CLI request is allowed. Argv matching is
// deny-first; a tool absent from the policy is KindUnknownTool.
func (p *Policy) EvaluateCli(tool string, argv []string) (Decision, *CliPolicy) {
	tp, ok := p.Tools[tool]
	if !ok {
		return deny("unknown_tool", tool), nil
	}
	cli, ok := tp.(*CliPolicy)
	if !ok {
		return deny("unknown_tool", tool), nil
	}
	matcher, err := NewArgvMatcher(cli.ArgvAllow, cli.ArgvDeny)
	if err != nil {
		// Patterns are validated at load time (see Validate); reaching
		// here means a policy was constructed without validation.
		return deny("argv_denied", err.Error()), cli
	}
	return matcher.Evaluate(argv), cli
}

// CheckCwd validates request.Cwd against cli.CwdAllow. An empty cwd is
// always allowed. A non-empty CwdAllow with no matching prefix denies
// with KindCwdDenied.
func (cli *CliPolicy) CheckCwd(cwd string) Decision {
	if cwd == "" || len(cli.CwdAllow) == 0 {
		return allow
	}
	for _, root := range cli.CwdAllow {
		if hasPathPrefix(cwd, root) {
			return allow
		}
	}
	return deny("cwd_denied", cwd)
}

func hasPathPrefix(path, prefix string) bool {
	if path == prefix {
		return true
	}
	if len(path) <= len(prefix) {
		return false
	}
	return path[:len(prefix)] == prefix && path[len(prefix)] == '/'
}

// EvaluateHttp resolves tool to an HttpPolicy. Method/param evaluation is
// performed separately by HttpPolicy.EvaluateJSONRPC once the request
// body is available, since rate-limit consumption (a side effect) should
// only occur once, after all other checks pass — see ratelimit package.
func (p *Policy) EvaluateHttp(tool string) (Decision, *HttpPolicy) {
	tp, ok := p.Tools[tool]
	if !ok {
		return deny("unknown_tool", tool), nil
	}
	http, ok := tp.(*HttpPolicy)
	if !ok {
		return deny("unknown_tool", tool), nil
	}
	return allow, http
}

// MergeEnv implements the bit-exact env_inject semantics from the
// specification: the child's environment starts from request env and
// policy.EnvInject entries overwrite entry-by-entry, regardless of
// whether the request supplied the key. Ambient server environment is
// never propagated.
func (cli *CliPolicy) MergeEnv(requestEnv map[string]string) map[string]string {
	merged := make(map[string]string, len(requestEnv)+len(cli.EnvInject))
	for k, v := range requestEnv {
		merged[k] = v
	}
	for k, v := range cli.EnvInject {
		merged[k] = v
	}
	return merged
}

// Timeout returns the configured timeout, defaulting when unset.
func (cli *CliPolicy) Timeout() int {
	if cli.TimeoutSecs <= 0 {
		return DefaultTimeoutSecs
	}
	return cli.TimeoutSecs
}

// Timeout returns the configured timeout, defaulting when unset.
func (h *HttpPolicy) Timeout() int {
	if h.TimeoutSecs <= 0 {
		return DefaultTimeoutSecs
	}
	return h.TimeoutSecs
}
