// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
)

type connectionsResponse struct {
	Connections int `json:"connections"`
}

func runConnections(args []string) error {
	var socketPath, format string
	var watchSecs int
	fs := newFlagSet("connections")
	fs.StringVar(&socketPath, "admin-socket", "/run/carapace/admin.sock", "path to the Server's admin socket")
	fs.StringVar(&format, "format", "text", "output format: text or json")
	fs.IntVar(&watchSecs, "watch", 0, "refresh every N seconds instead of printing once")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if watchSecs <= 0 {
		return printConnections(socketPath, format)
	}

	ticker := time.NewTicker(time.Duration(watchSecs) * time.Second)
	defer ticker.Stop()
	for {
		if err := printConnections(socketPath, format); err != nil {
			return err
		}
		<-ticker.C
	}
}

func printConnections(socketPath, format string) error {
	var resp connectionsResponse
	if err := adminGetJSON(socketPath, "/connections", &resp); err != nil {
		return err
	}

	if format == "json" {
		fmt.Printf("{\"connections\":%d}\n", resp.Connections)
		return nil
	}

	headerStyle := lipgloss.NewStyle().Bold(true)
	fmt.Println(headerStyle.Render("=== Active Connections ==="))
	fmt.Printf("Connections: %d\n", resp.Connections)
	return nil
}
