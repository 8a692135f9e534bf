// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/carapace-project/carapace/policy"
)

// policyProbe is the loosely-typed request document accepted by the
// dry-run subcommand: a "method" field means JSON-RPC, an "argv" field
// means CLI, matching the reference debug tool's dispatch-by-shape.
type policyProbe struct {
	Tool   string          `json:"tool"`
	Method string          `json:"method"`
	Argv   []string        `json:"argv"`
	Params json.RawMessage `json:"params"`
}

type policyResult struct {
	Allowed bool     `json:"allowed"`
	Reason  string   `json:"reason"`
	Tool    string   `json:"tool"`
	Method  string   `json:"method,omitempty"`
	Argv    []string `json:"argv,omitempty"`
}

func runPolicy(args []string) error {
	var format, ageIdentityPath string
	fs := newFlagSet("policy")
	fs.StringVar(&format, "format", "text", "output format: text or json")
	fs.StringVar(&ageIdentityPath, "age-identity", "", "path to an age identity file for decrypting env_inject secrets")
	if err := fs.Parse(args); err != nil {
		return err
	}
	positional := fs.Args()
	if len(positional) != 2 {
		return fmt.Errorf("usage: carapace-debug policy [flags] <policy-file> <request-json-or-path>")
	}
	policyPath, requestArg := positional[0], positional[1]

	pol, err := policy.Load(policyPath, policy.LoadOptions{AgeIdentityPath: ageIdentityPath})
	if err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}

	probeJSON, err := resolveRequestJSON(requestArg)
	if err != nil {
		return err
	}
	var probe policyProbe
	if err := json.Unmarshal(probeJSON, &probe); err != nil {
		return fmt.Errorf("parsing request: %w", err)
	}
	if probe.Tool == "" {
		return fmt.Errorf("request must have a 'tool' field")
	}

	var result policyResult
	switch {
	case probe.Method != "":
		result = evaluateJSONRPCProbe(pol, probe, probeJSON)
	case len(probe.Argv) > 0:
		result = evaluateCliProbe(pol, probe)
	default:
		return fmt.Errorf("request must have either 'method' (JSON-RPC) or 'argv' (CLI) field")
	}

	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	printPolicyResult(result)
	return nil
}

func resolveRequestJSON(arg string) ([]byte, error) {
	if strings.HasPrefix(strings.TrimSpace(arg), "{") {
		return []byte(arg), nil
	}
	if _, err := os.Stat(arg); err == nil {
		return os.ReadFile(arg)
	}
	return nil, fmt.Errorf("request must be inline JSON or a path to a JSON file")
}

func evaluateCliProbe(pol *policy.Policy, probe policyProbe) policyResult {
	decision, _ := pol.EvaluateCli(probe.Tool, probe.Argv)
	reason := "argv passed policy validation"
	if !decision.Allow {
		reason = decision.Reason
		if decision.MatchedRule != "" {
			reason = fmt.Sprintf("%s (matched %q)", reason, decision.MatchedRule)
		}
	}
	return policyResult{Allowed: decision.Allow, Reason: reason, Tool: probe.Tool, Argv: probe.Argv}
}

func evaluateJSONRPCProbe(pol *policy.Policy, probe policyProbe, body []byte) policyResult {
	decision, http := pol.EvaluateHttp(probe.Tool)
	if !decision.Allow {
		return policyResult{Allowed: false, Reason: decision.Reason, Tool: probe.Tool, Method: probe.Method}
	}

	rpcDecision := http.EvaluateJSONRPC(body)
	reason := "method and params passed policy validation"
	if !rpcDecision.Allow {
		reason = rpcDecision.Reason
		if rpcDecision.MatchedRule != "" {
			reason = fmt.Sprintf("%s (matched %q)", reason, rpcDecision.MatchedRule)
		}
	}
	return policyResult{Allowed: rpcDecision.Allow, Reason: reason, Tool: probe.Tool, Method: probe.Method}
}

func printPolicyResult(result policyResult) {
	decision := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1")).Render("DENIED")
	if result.Allowed {
		decision = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2")).Render("ALLOWED")
	}
	fmt.Println("=== Policy Decision ===")
	fmt.Printf("Tool: %s\n", result.Tool)
	fmt.Printf("Decision: %s\n", decision)
	fmt.Printf("Reason: %s\n", result.Reason)
	if result.Method != "" {
		fmt.Printf("Method: %s\n", result.Method)
	}
	if len(result.Argv) > 0 {
		fmt.Printf("Arguments: %s\n", strings.Join(result.Argv, " "))
	}
}
