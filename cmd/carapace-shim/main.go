// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

// carapace-shim is installed under the name of each allowlisted CLI tool
// (e.g. a symlink named "gh" pointing at this binary). Invoked as that
// name, it forwards its own argv, environment, and working directory to
// the local Agent's CLI ingress socket as a single CliRequest, then
// prints whatever CliResponse comes back and exits with its exit code.
package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/carapace-project/carapace/protocol"
)

func main() {
	os.Exit(run())
}

func run() int {
	tool := toolName(os.Args)
	argv := append([]string{tool}, os.Args[1:]...)
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "/"
	}

	socketPath := os.Getenv("CARAPACE_CLI_SOCKET")
	if socketPath == "" {
		socketPath = "/run/carapace/cli.sock"
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "carapace-shim: could not connect to agent at %s: %v\n", socketPath, err)
		return 1
	}
	defer conn.Close()

	codec := protocol.NewCodec(conn)
	req := &protocol.CliRequest{
		ID:   uuid.NewString(),
		Tool: tool,
		Argv: argv,
		Env:  environMap(),
		Cwd:  cwd,
	}
	if err := codec.Encode(protocol.Message{CliRequest: req}); err != nil {
		fmt.Fprintf(os.Stderr, "carapace-shim: sending request: %v\n", err)
		return 1
	}

	for {
		msg, err := codec.Decode()
		if err != nil {
			fmt.Fprintf(os.Stderr, "carapace-shim: no response from agent: %v\n", err)
			return 1
		}
		switch {
		case msg.CliResponse != nil:
			resp := msg.CliResponse
			if len(resp.Stdout) > 0 {
				os.Stdout.Write(resp.Stdout)
			}
			if len(resp.Stderr) > 0 {
				os.Stderr.Write(resp.Stderr)
			}
			return resp.ExitCode
		case msg.Error != nil:
			fmt.Fprintf(os.Stderr, "carapace-shim: %s: %s\n", msg.Error.Kind, msg.Error.Detail)
			return 1
		}
		// Anything else (e.g. a stray SseEvent) is not expected on the CLI
		// path; keep reading until a terminal message arrives.
	}
}

// toolName extracts the logical command name from argv[0], matching the
// reference shim's basename extraction so a symlink named "gh" resolves
// to tool "gh" regardless of where it was invoked from.
func toolName(argv []string) string {
	if len(argv) == 0 {
		return "unknown"
	}
	base := filepath.Base(argv[0])
	if base == "" || base == "." || base == "/" {
		return "unknown"
	}
	return base
}

func environMap() map[string]string {
	env := make(map[string]string, len(os.Environ()))
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				env[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return env
}
