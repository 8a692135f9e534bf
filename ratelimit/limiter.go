// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit implements Carapace's per-tool token-bucket rate
// limiting: max_requests per window_secs, keyed by tool (not by client),
// denying the (max+1)-th request within a window and resetting on window
// expiry.
package ratelimit

import (
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// window is one tool's rolling rate-limit bucket.
type window struct {
	mu          sync.Mutex
	requests    int
	windowStart time.Time
	maxRequests int
	windowSecs  int
}

func (w *window) resetIfExpired(at time.Time) {
	if at.Sub(w.windowStart) >= time.Duration(w.windowSecs)*time.Second {
		w.requests = 0
		w.windowStart = at
	}
}

// checkAndIncrement reports whether a request is allowed, and if so
// consumes one unit of the bucket. Evaluation and consumption happen
// under the same lock so a racing pair of requests cannot both observe
// room for the last slot.
func (w *window) checkAndIncrement(at time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resetIfExpired(at)
	if w.requests >= w.maxRequests {
		return false
	}
	w.requests++
	return true
}

// Limiter tracks one window per tool. Windows are cached with a TTL of
// several multiples of their own window length so that tools which stop
// being called have their bucket state evicted instead of accumulating
// forever — the underlying store is an in-process ristretto cache, the
// same library and idiom the rest of this codebase's lineage uses for
// bounded in-process caching, repurposed here to bound rate-limiter
// memory rather than to cache response bytes.
type Limiter struct {
	cache *ristretto.Cache[string, *window]

	// createMu guards the get-or-create step below. It is held only
	// long enough to check for an existing window and possibly insert
	// a new one — the window's own mutex, not this one, guards its
	// counters, so createMu is never held across checkAndIncrement.
	createMu sync.Mutex
}

// New constructs a Limiter. The cache is sized generously relative to any
// realistic number of distinct tools in a policy file.
func New() (*Limiter, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, *window]{
		NumCounters: 1e4,
		MaxCost:     1e4,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Limiter{cache: cache}, nil
}

// Close releases the limiter's resources.
func (l *Limiter) Close() {
	l.cache.Close()
}

// Allow reports whether a request against tool is within its configured
// rate limit, consuming one unit if so. Returns true unconditionally if
// maxRequests or windowSecs is non-positive (rate limiting disabled).
func (l *Limiter) Allow(tool string, maxRequests, windowSecs int) bool {
	if maxRequests <= 0 || windowSecs <= 0 {
		return true
	}
	now := time.Now()

	w, found := l.cache.Get(tool)
	if !found {
		l.createMu.Lock()
		if w, found = l.cache.Get(tool); !found {
			w = &window{maxRequests: maxRequests, windowSecs: windowSecs, windowStart: now}
			// SetWithTTL with a generous multiple of the window so
			// buckets outlive brief gaps in traffic but are eventually
			// reclaimed once a tool goes idle.
			l.cache.SetWithTTL(tool, w, 1, time.Duration(windowSecs)*time.Second*10)
			l.cache.Wait()
		}
		l.createMu.Unlock()
	}
	return w.checkAndIncrement(now)
}
