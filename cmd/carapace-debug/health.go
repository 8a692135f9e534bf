// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
)

func runHealth(args []string) error {
	var socketPath, format string
	fs := newFlagSet("health")
	fs.StringVar(&socketPath, "admin-socket", "/run/carapace/admin.sock", "path to the Server's admin socket")
	fs.StringVar(&format, "format", "text", "output format: text or json")
	if err := fs.Parse(args); err != nil {
		return err
	}

	start := time.Now()
	var raw json.RawMessage
	err := adminGetJSON(socketPath, "/health", &raw)
	elapsed := time.Since(start)

	if err != nil {
		if format == "json" {
			fmt.Printf("{\"status\":\"error\",\"error\":%q}\n", err.Error())
		}
		return err
	}

	if format == "json" {
		fmt.Println(string(raw))
		return nil
	}

	okStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2"))
	fmt.Println("=== Carapace Server Health ===")
	fmt.Printf("Response time: %.2fms\n", elapsed.Seconds()*1000)
	fmt.Printf("Status: %s\n", okStyle.Render("ok"))
	return nil
}
