// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/carapace-project/carapace/audit"
)

func runAudit(args []string) error {
	var (
		file, toolFilter, actionFilter, resultFilter, since, format, exportPath string
		limit                                                                   int
		follow                                                                  bool
	)
	fs := newFlagSet("audit")
	fs.StringVar(&file, "file", "/var/log/carapace/audit.log", "audit log file")
	fs.StringVar(&toolFilter, "tool", "", "filter by tool name")
	fs.StringVar(&actionFilter, "action", "", "filter by action type (cli, http)")
	fs.StringVar(&resultFilter, "result", "", "filter by policy result (allow, deny)")
	fs.StringVar(&since, "since", "", `time range, e.g. "5m", "1h", "24h"`)
	fs.BoolVar(&follow, "follow", false, "not supported: reports an error suggesting tail -f on the log file")
	fs.StringVar(&format, "format", "text", "output format: text, json, or cbor (with --export)")
	fs.StringVar(&exportPath, "export", "", "write the filtered records to this path instead of printing")
	fs.IntVar(&limit, "limit", 50, "maximum number of results")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if follow {
		return fmt.Errorf(`follow mode is not implemented; use: tail -f %s`, file)
	}

	if _, err := os.Stat(file); err != nil {
		fmt.Printf("Audit log file not found: %s\n", file)
		return nil
	}

	all, err := audit.ReadRecords(file)
	if err != nil {
		return err
	}

	cutoff, err := parseSince(since)
	if err != nil {
		return err
	}

	matched := filterRecords(all, toolFilter, actionFilter, resultFilter, cutoff, limit)

	if exportPath != "" {
		return exportRecords(matched, exportPath, format)
	}

	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(matched)
	case "cbor":
		return audit.ExportCBOR(os.Stdout, matched)
	default:
		printAuditTable(matched)
		return nil
	}
}

// filterRecords applies the tool/action/result/since filters walking
// from the newest record back, and keeps at most limit matches, so the
// newest matching record is printed first, matching the reference debug
// tool's presentation.
func filterRecords(all []audit.Record, tool, action, result string, cutoff time.Time, limit int) []audit.Record {
	var matched []audit.Record
	for i := len(all) - 1; i >= 0 && len(matched) < limit; i-- {
		rec := all[i]
		if tool != "" && rec.Tool != tool {
			continue
		}
		if action != "" && string(rec.ActionType) != action {
			continue
		}
		if result != "" && string(rec.PolicyResult) != result {
			continue
		}
		if !cutoff.IsZero() && rec.Ts.Before(cutoff) {
			continue
		}
		matched = append(matched, rec)
	}
	return matched
}

// parseSince parses "5m", "1h", or "24h" style relative time filters.
func parseSince(filter string) (time.Time, error) {
	if filter == "" {
		return time.Time{}, nil
	}
	unit := filter[len(filter)-1]
	var duration time.Duration
	switch unit {
	case 'm':
		duration = time.Minute
	case 'h':
		duration = time.Hour
	case 'd':
		duration = 24 * time.Hour
	default:
		return time.Time{}, fmt.Errorf("unrecognized --since suffix in %q (want m, h, or d)", filter)
	}
	n, err := strconv.ParseInt(strings.TrimSuffix(filter, string(unit)), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since value %q: %w", filter, err)
	}
	return time.Now().Add(-time.Duration(n) * duration), nil
}

func exportRecords(records []audit.Record, path, format string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating export file %s: %w", path, err)
	}
	defer f.Close()

	if format == "cbor" {
		return audit.ExportCBOR(f, records)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

func printAuditTable(records []audit.Record) {
	colorize := term.IsTerminal(int(os.Stdout.Fd()))
	headerStyle := lipgloss.NewStyle().Bold(true)
	denyStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	allowStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("2"))

	header := "=== Audit Log Entries (Most Recent First) ==="
	if colorize {
		header = headerStyle.Render(header)
	}
	fmt.Println(header)
	fmt.Printf("%-20s %-12s %-6s %-8s %-40s\n", "Timestamp", "Tool", "Action", "Result", "Details")
	fmt.Println(strings.Repeat("-", 100))

	for _, rec := range records {
		// Padded first so a colorized result never throws off column
		// widths: lipgloss's ANSI codes count toward %-8s's byte width.
		resultText := fmt.Sprintf("%-8s", rec.PolicyResult)
		if colorize {
			switch rec.PolicyResult {
			case audit.ResultAllow:
				resultText = allowStyle.Render(resultText)
			case audit.ResultDeny:
				resultText = denyStyle.Render(resultText)
			}
		}
		details := rec.ArgvOrMethod
		if rec.Reason != "" {
			details = rec.Reason
		}
		if len(details) > 40 {
			details = details[:40]
		}
		fmt.Printf("%-20s %-12s %-6s %s %-40s\n",
			rec.Ts.Format(time.RFC3339), rec.Tool, rec.ActionType, resultText, details)
	}
	fmt.Printf("\nTotal: %d entries\n", len(records))
}
