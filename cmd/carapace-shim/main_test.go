// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

package main

import "testing"

func TestToolNameFromArgv(t *testing.T) {
	cases := []struct {
		argv []string
		want string
	}{
		{[]string{"/usr/bin/gh"}, "gh"},
		{[]string{"gh"}, "gh"},
		{[]string{"/usr/local/bin/my-tool", "status"}, "my-tool"},
		{nil, "unknown"},
		{[]string{"/"}, "unknown"},
	}
	for _, tc := range cases {
		if got := toolName(tc.argv); got != tc.want {
			t.Errorf("toolName(%v) = %q, want %q", tc.argv, got, tc.want)
		}
	}
}

func TestEnvironMapSplitsOnFirstEquals(t *testing.T) {
	t.Setenv("CARAPACE_SHIM_TEST_VAR", "a=b=c")
	env := environMap()
	if env["CARAPACE_SHIM_TEST_VAR"] != "a=b=c" {
		t.Fatalf("got %q, want %q", env["CARAPACE_SHIM_TEST_VAR"], "a=b=c")
	}
}
