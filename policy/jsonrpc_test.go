// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import "testing"

func TestHttpPolicyMethodAllowDeny(t *testing.T) {
	p := &HttpPolicy{JsonrpcAllowMethods: []string{"send"}}
	d := p.EvaluateJSONRPC([]byte(`{"method":"send","params":{}}`))
	if !d.Allow {
		t.Fatalf("expected allow, got %+v", d)
	}
	d = p.EvaluateJSONRPC([]byte(`{"method":"receive","params":{}}`))
	if d.Allow || d.Reason != "method_denied" {
		t.Fatalf("expected method_denied, got %+v", d)
	}
}

func TestHttpPolicyDenyMethodWinsOverAllow(t *testing.T) {
	p := &HttpPolicy{JsonrpcAllowMethods: []string{"send"}, JsonrpcDenyMethods: []string{"send"}}
	d := p.EvaluateJSONRPC([]byte(`{"method":"send"}`))
	if d.Allow {
		t.Fatal("expected deny: explicit deny list wins")
	}
}

func TestHttpPolicyNonJSONRPCBodyAllowed(t *testing.T) {
	p := &HttpPolicy{JsonrpcAllowMethods: []string{"send"}}
	d := p.EvaluateJSONRPC([]byte(`not json at all`))
	if !d.Allow {
		t.Fatal("expected allow: method/param rules only apply to JSON-RPC bodies")
	}
}

func TestParamFilterDeniesMatchingField(t *testing.T) {
	p := &HttpPolicy{
		JsonrpcAllowMethods: []string{"send"},
		JsonrpcParamFilters: map[string][]ParamFilter{
			"send": {{FieldPath: "recipientNumber", DenyPattern: []string{"+1555*"}}},
		},
	}
	d := p.EvaluateJSONRPC([]byte(`{"method":"send","params":{"recipientNumber":"+15551234567"}}`))
	if d.Allow || d.Reason != "param_denied" {
		t.Fatalf("expected param_denied, got %+v", d)
	}
}

func TestParamFilterAbsentFieldAllowed(t *testing.T) {
	p := &HttpPolicy{
		JsonrpcAllowMethods: []string{"send"},
		JsonrpcParamFilters: map[string][]ParamFilter{
			"send": {{FieldPath: "recipientNumber", DenyPattern: []string{"+1555*"}}},
		},
	}
	d := p.EvaluateJSONRPC([]byte(`{"method":"send","params":{"other":"x"}}`))
	if !d.Allow {
		t.Fatalf("expected allow: absent field is not matched, got %+v", d)
	}
}

func TestParamFilterWildcardArrayIteration(t *testing.T) {
	p := &HttpPolicy{
		JsonrpcAllowMethods: []string{"batchSend"},
		JsonrpcParamFilters: map[string][]ParamFilter{
			"batchSend": {{FieldPath: "messages[*].to", DenyPattern: []string{"+1555*"}}},
		},
	}
	allowed := p.EvaluateJSONRPC([]byte(`{"method":"batchSend","params":{"messages":[{"to":"+15559999999"},{"to":"+442099999"}]}}`))
	if allowed.Allow {
		t.Fatalf("expected deny: one array element matches the deny pattern, got %+v", allowed)
	}

	ok := p.EvaluateJSONRPC([]byte(`{"method":"batchSend","params":{"messages":[{"to":"+442099999"}]}}`))
	if !ok.Allow {
		t.Fatalf("expected allow: no element matches, got %+v", ok)
	}
}
