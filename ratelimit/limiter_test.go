// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterAllowsUpToMaxThenDenies(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	for i := 0; i < 3; i++ {
		if !l.Allow("op", 3, 60) {
			t.Fatalf("request %d: expected allow", i)
		}
	}
	if l.Allow("op", 3, 60) {
		t.Fatal("4th request within window: expected deny")
	}
}

func TestLimiterResetsAfterWindowExpiry(t *testing.T) {
	w := &window{maxRequests: 1, windowSecs: 1, windowStart: time.Now().Add(-2 * time.Second)}
	if !w.checkAndIncrement(time.Now()) {
		t.Fatal("expected allow: window expired, bucket should have reset")
	}
}

func TestLimiterDisabledWhenNonPositive(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()
	for i := 0; i < 100; i++ {
		if !l.Allow("unlimited", 0, 0) {
			t.Fatalf("request %d: expected allow with rate limiting disabled", i)
		}
	}
}

func TestLimiterPerToolIndependence(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	if !l.Allow("a", 1, 60) {
		t.Fatal("tool a: expected allow")
	}
	if !l.Allow("b", 1, 60) {
		t.Fatal("tool b: expected allow independent of tool a's bucket")
	}
	if l.Allow("a", 1, 60) {
		t.Fatal("tool a: expected deny on second request")
	}
}
