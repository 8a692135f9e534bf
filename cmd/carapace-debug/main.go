// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

// carapace-debug is the operator inspection toolkit: health checks, a
// live connection count, an audit-log query/export tool, and a policy
// dry-run evaluator, none of which touch a live request path.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 1
	}

	var err error
	switch args[0] {
	case "health":
		err = runHealth(args[1:])
	case "connections":
		err = runConnections(args[1:])
	case "audit":
		err = runAudit(args[1:])
	case "policy":
		err = runPolicy(args[1:])
	case "seal":
		err = runSeal(args[1:])
	case "-h", "--help", "help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "carapace-debug: unknown subcommand %q\n", args[0])
		usage()
		return 1
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "carapace-debug: %v\n", err)
		return 1
	}
	return 0
}

func usage() {
	fmt.Fprintln(os.Stderr, `carapace-debug - debugging toolkit for Carapace

Subcommands:
  health       query the admin socket's /health endpoint
  connections  list active framed connections (--watch N to poll)
  audit        tail/filter the audit log (--format cbor to export)
  policy       dry-run a CliRequest/HttpRequest JSON document against a policy file
  seal         encrypt a plaintext value to an age recipient for a policy file's env_inject`)
}

func newFlagSet(name string) *pflag.FlagSet {
	return pflag.NewFlagSet("carapace-debug "+name, pflag.ContinueOnError)
}
