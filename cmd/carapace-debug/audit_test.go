// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"
	"time"

	"github.com/carapace-project/carapace/audit"
)

func TestFilterRecordsByTool(t *testing.T) {
	records := []audit.Record{
		{Tool: "gh", ActionType: audit.ActionCli, PolicyResult: audit.ResultAllow, Ts: time.Now()},
		{Tool: "op", ActionType: audit.ActionCli, PolicyResult: audit.ResultDeny, Ts: time.Now()},
	}
	got := filterRecords(records, "gh", "", "", time.Time{}, 50)
	if len(got) != 1 || got[0].Tool != "gh" {
		t.Fatalf("got %+v, want one gh record", got)
	}
}

func TestFilterRecordsNewestFirst(t *testing.T) {
	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	records := []audit.Record{
		{Tool: "gh", Ts: older},
		{Tool: "gh", Ts: newer},
	}
	got := filterRecords(records, "", "", "", time.Time{}, 50)
	if len(got) != 2 || !got[0].Ts.Equal(newer) {
		t.Fatalf("got %+v, want newest first", got)
	}
}

func TestFilterRecordsRespectsLimit(t *testing.T) {
	var records []audit.Record
	for i := 0; i < 10; i++ {
		records = append(records, audit.Record{Tool: "gh", Ts: time.Now()})
	}
	got := filterRecords(records, "", "", "", time.Time{}, 3)
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}
}

func TestFilterRecordsBySince(t *testing.T) {
	records := []audit.Record{
		{Tool: "gh", Ts: time.Now().Add(-2 * time.Hour)},
		{Tool: "gh", Ts: time.Now()},
	}
	cutoff := time.Now().Add(-time.Hour)
	got := filterRecords(records, "", "", "", cutoff, 50)
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1 (only the recent one)", len(got))
	}
}

func TestParseSince(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
	}{
		{"5m", false},
		{"1h", false},
		{"24d", false},
		{"", false},
		{"5x", true},
		{"abc", true},
	}
	for _, tc := range cases {
		_, err := parseSince(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("parseSince(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
	}
}
