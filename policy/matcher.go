// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import "strings"

// ArgvMatcher checks an argv sequence against glob patterns. Patterns are
// written as a single space-separated string and matched against the
// space-joined argv with argv[0] elided: the leading command name is the
// tool's identity, already fixed by the policy entry, and is never part
// of the match. This mirrors the reference implementation's full-string
// glob join, restricted to argv[1:] per this repository's explicit
// resolution of that ambiguity.
//
// Glob syntax, evaluated character-by-character against the joined
// string (spaces between tokens are ordinary characters a pattern can
// match across with "*"):
//
//	*        zero or more characters
//	?        exactly one character
//	[abc]    one character from the set
//	[a-z]    one character from the range
//	[^abc]   one character not in the set
type ArgvMatcher struct {
	allow []string
	deny  []string
}

// NewArgvMatcher constructs a matcher from allow and deny pattern lists.
// Invalid patterns are rejected immediately so configuration errors
// surface at policy load time, not at first request.
func NewArgvMatcher(allow, deny []string) (*ArgvMatcher, error) {
	for _, p := range allow {
		if err := validateGlob(p); err != nil {
			return nil, err
		}
	}
	for _, p := range deny {
		if err := validateGlob(p); err != nil {
			return nil, err
		}
	}
	return &ArgvMatcher{allow: allow, deny: deny}, nil
}

// Evaluate applies deny-first matching to argv: if any deny pattern
// matches the request is denied with KindArgvDenied regardless of any
// allow match; otherwise, if no allow pattern matches, it is denied with
// KindNotInAllowlist; otherwise allowed. A CliPolicy with no allow
// patterns denies everything — there is no implicit allow-all.
func (m *ArgvMatcher) Evaluate(argv []string) Decision {
	joined := joinArgs(argv)

	for _, pattern := range m.deny {
		if globMatch(pattern, joined) {
			return deny("argv_denied", pattern)
		}
	}
	for _, pattern := range m.allow {
		if globMatch(pattern, joined) {
			return allow
		}
	}
	return deny("not_in_allowlist", "")
}

// joinArgs drops argv[0] (the logical command name, already fixed by the
// tool's policy entry) and space-joins the remainder.
func joinArgs(argv []string) string {
	if len(argv) <= 1 {
		return ""
	}
	return strings.Join(argv[1:], " ")
}

// globMatch reports whether s matches the glob pattern, case-sensitively.
func globMatch(pattern, s string) bool {
	return matchGlob([]byte(pattern), []byte(s))
}

// MatchGlob is globMatch exported for package filter's ContentDeny
// evaluation, which applies the same glob syntax to response-body field
// values that this package applies to argv and JSON-RPC params.
func MatchGlob(pattern, s string) bool {
	return globMatch(pattern, s)
}

// matchGlob is a small recursive-descent glob matcher over bytes,
// supporting '*', '?', and '[...]' character classes (with '^' negation
// and 'a-z' ranges). Recursion depth is bounded by pattern length, and
// each '*' branch is tried greedily-then-backtracked, which is adequate
// for the short, operator-authored patterns policy files contain.
func matchGlob(pattern, s []byte) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			// Collapse consecutive '*' and try every split point.
			for len(pattern) > 0 && pattern[0] == '*' {
				pattern = pattern[1:]
			}
			if len(pattern) == 0 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if matchGlob(pattern, s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(s) == 0 {
				return false
			}
			pattern = pattern[1:]
			s = s[1:]
		case '[':
			end := classEnd(pattern)
			if end < 0 || len(s) == 0 {
				return false
			}
			if !matchClass(pattern[1:end], s[0]) {
				return false
			}
			pattern = pattern[end+1:]
			s = s[1:]
		default:
			if len(s) == 0 || pattern[0] != s[0] {
				return false
			}
			pattern = pattern[1:]
			s = s[1:]
		}
	}
	return len(s) == 0
}

// classEnd returns the index of the closing ']' for a '[...]' class
// starting at pattern[0], or -1 if unterminated.
func classEnd(pattern []byte) int {
	for i := 1; i < len(pattern); i++ {
		if pattern[i] == ']' {
			return i
		}
	}
	return -1
}

func matchClass(class []byte, c byte) bool {
	negate := false
	if len(class) > 0 && class[0] == '^' {
		negate = true
		class = class[1:]
	}
	matched := false
	for i := 0; i < len(class); i++ {
		if i+2 < len(class) && class[i+1] == '-' {
			if class[i] <= c && c <= class[i+2] {
				matched = true
			}
			i += 2
		} else if class[i] == c {
			matched = true
		}
	}
	return matched != negate
}

// validateGlob rejects patterns with unterminated character classes at
// load time.
func validateGlob(pattern string) error {
	b := []byte(pattern)
	for i := 0; i < len(b); i++ {
		if b[i] == '[' {
			end := classEnd(b[i:])
			if end < 0 {
				return &globError{pattern: pattern}
			}
			i += end
		}
	}
	return nil
}

type globError struct{ pattern string }

func (e *globError) Error() string {
	return "policy: invalid glob pattern (unterminated character class): " + e.pattern
}
