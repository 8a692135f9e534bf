// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"encoding/json"
	"strconv"
)

// jsonrpcEnvelope is the minimal shape this package needs to read from a
// JSON-RPC request body: the method name and its params object. Bodies
// that don't parse as this shape are not JSON-RPC and skip method/param
// evaluation entirely (the HttpPolicy's other checks — none, currently —
// still apply; a non-JSON-RPC body on an HttpPolicy with only
// jsonrpc_allow_methods configured is allowed through unfiltered, since
// those fields apply only when a method is present).
type jsonrpcEnvelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// EvaluateJSONRPC applies method allow/deny and parameter field filters
// to an HTTP request body. If body does not parse as a JSON-RPC envelope
// with a non-empty method, the decision is allow (method/param rules
// don't apply to non-JSON-RPC bodies).
func (p *HttpPolicy) EvaluateJSONRPC(body []byte) Decision {
	var env jsonrpcEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Method == "" {
		return allow
	}

	for _, denied := range p.JsonrpcDenyMethods {
		if denied == env.Method {
			return deny("method_denied", env.Method)
		}
	}
	if len(p.JsonrpcAllowMethods) > 0 {
		found := false
		for _, allowed := range p.JsonrpcAllowMethods {
			if allowed == env.Method {
				found = true
				break
			}
		}
		if !found {
			return deny("method_denied", env.Method)
		}
	}

	filters, ok := p.JsonrpcParamFilters[env.Method]
	if !ok || len(filters) == 0 {
		return allow
	}

	var params any
	if len(env.Params) > 0 {
		if err := json.Unmarshal(env.Params, &params); err != nil {
			// Malformed params on a method that declares filters: fail
			// closed, since the filter cannot be evaluated.
			return deny("param_denied", env.Method)
		}
	}

	for _, filter := range filters {
		if d := evaluateParamFilter(filter, params); !d.Allow {
			return d
		}
	}
	return allow
}

func evaluateParamFilter(filter ParamFilter, params any) Decision {
	segments := parsePath(filter.FieldPath)
	var result Decision = allow

	walkScalars(params, segments, false, func(scalar any, _ bool) {
		if !result.Allow {
			return
		}
		s, ok := scalarToString(scalar)
		if !ok {
			return
		}
		for _, pattern := range filter.DenyPattern {
			if globMatch(pattern, s) {
				result = deny("param_denied", filter.FieldPath+" "+pattern)
				return
			}
		}
		if len(filter.AllowPattern) > 0 {
			matched := false
			for _, pattern := range filter.AllowPattern {
				if globMatch(pattern, s) {
					matched = true
					break
				}
			}
			if !matched {
				result = deny("param_denied", filter.FieldPath)
			}
		}
	})
	return result
}

func scalarToString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		// json.Unmarshal into 'any' decodes numbers as float64; render
		// without exponent for typical integer-ish param values.
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10), true
		}
		return strconv.FormatFloat(t, 'g', -1, 64), true
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	default:
		return "", false
	}
}
