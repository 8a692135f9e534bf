// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

// Package filter implements Carapace's response-filter pipeline: an
// ordered chain of pure transforms applied to a dispatched response's
// body after execution and before the framed response is transmitted.
// Filters may only redact, omit, truncate, or block — output size and
// information content never increase.
package filter

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/carapace-project/carapace/policy"
)

// Action names one filter's effect on a response, recorded in the audit
// trail alongside the field path and pattern that triggered it.
type Action struct {
	Filter string
	Path   string
	Detail string
}

// Result is the outcome of running the pipeline: either a transformed
// body, or a block (the caller replaces the whole response with an
// ErrorMessage{kind: content_denied}).
type Result struct {
	Body      []byte
	Truncated bool
	Blocked   bool
	BlockKind string
	BlockWhy  string
	Actions   []Action
}

// Apply runs specs in order over body. Non-JSON bodies pass every
// structured filter through unchanged (recorded as an action so the
// audit trail notes the skip) except MaxOutputSize, which applies to raw
// bytes regardless of content type.
func Apply(specs []policy.FilterSpec, body []byte) Result {
	result := Result{Body: body}

	var doc any
	isJSON := len(body) > 0 && json.Unmarshal(body, &doc) == nil

	for _, spec := range specs {
		switch {
		case spec.ContentDeny != nil:
			if !isJSON {
				result.Actions = append(result.Actions, Action{Filter: "content_deny", Detail: "body is not JSON, skipped"})
				continue
			}
			blocked, why, path := applyContentDeny(spec.ContentDeny, &doc)
			if blocked {
				result.Blocked = true
				result.BlockKind = "content_denied"
				result.BlockWhy = fmt.Sprintf("field %s matched deny pattern: %s", path, why)
				return result
			}
			if path != "" {
				result.Actions = append(result.Actions, Action{Filter: "content_deny", Path: path, Detail: why})
			}

		case spec.FieldRedact != nil:
			if !isJSON {
				result.Actions = append(result.Actions, Action{Filter: "field_redact", Detail: "body is not JSON, skipped"})
				continue
			}
			for _, path := range spec.FieldRedact.Fields {
				if redactPath(&doc, parsePath(path), spec.FieldRedact.Replacement) {
					result.Actions = append(result.Actions, Action{Filter: "field_redact", Path: path})
				}
			}

		case spec.MaxOutputSize != nil:
			if isJSON {
				reencoded, err := json.Marshal(doc)
				if err == nil {
					body = reencoded
				}
			}
			if spec.MaxOutputSize.MaxBytes > 0 && len(body) > spec.MaxOutputSize.MaxBytes {
				body = truncateUTF8Safe(body, spec.MaxOutputSize.MaxBytes)
				result.Truncated = true
				result.Actions = append(result.Actions, Action{Filter: "max_output_size", Detail: fmt.Sprintf("truncated to %d bytes", spec.MaxOutputSize.MaxBytes)})
			}
			result.Body = body
			continue
		}

		if isJSON {
			reencoded, err := json.Marshal(doc)
			if err == nil {
				body = reencoded
				result.Body = body
			}
		}
	}

	return result
}

// pathSegment mirrors policy's internal type; duplicated rather than
// exported from policy because filter's walk mutates in place while
// policy's walk is read-only, and the two packages should not share a
// mutable-vs-immutable-walk abstraction just to save a few lines.
type pathSegment struct {
	key      string
	wildcard bool
}

func parsePath(path string) []pathSegment {
	var segments []pathSegment
	for _, part := range strings.Split(path, ".") {
		seg := pathSegment{key: part}
		if strings.HasSuffix(part, "[*]") {
			seg.key = strings.TrimSuffix(part, "[*]")
			seg.wildcard = true
		}
		segments = append(segments, seg)
	}
	return segments
}

// applyContentDeny walks every field in spec.Fields. On the first match
// with action=block, returns blocked=true immediately (remaining fields
// are not evaluated — the response is about to be discarded entirely).
// For action=redact or action=omit, mutates *doc in place and continues.
func applyContentDeny(spec *policy.ContentDenySpec, doc *any) (blocked bool, why, path string) {
	for _, field := range spec.Fields {
		segments := parsePath(field.Path)
		hasWildcard := strings.Contains(field.Path, "[*]")
		matchedAny := false
		result := visitAndMutate(doc, segments, func(parent map[string]any, arr []any, idx int, key string, scalar any) mutation {
			s, ok := scalarToString(scalar)
			if !ok {
				return mutation{}
			}
			for _, pattern := range field.DenyPattern {
				if globMatch(pattern, s, !spec.CaseSensitive) {
					matchedAny = true
					switch spec.Action {
					case policy.ActionBlock:
						return mutation{block: true}
					case policy.ActionOmit:
						if hasWildcard {
							// The matched scalar sits under a "[*]"
							// wildcard segment, possibly several
							// segments deeper than the array itself
							// (e.g. messages[*].subject) — signal
							// omission and let it propagate back up
							// through walk to the wildcard loop that
							// owns the array being filtered.
							return mutation{omitElement: true}
						}
						// No wildcard anywhere in the path: there is
						// no array element to drop, so omit is
						// treated as redact.
						return mutation{replace: true, replacement: "[REDACTED]"}
					default: // ActionRedact
						return mutation{replace: true, replacement: "[REDACTED]"}
					}
				}
			}
			return mutation{}
		})
		if result.blocked {
			return true, strings.Join(field.DenyPattern, ","), field.Path
		}
		if matchedAny {
			why, path = "matched deny pattern", field.Path
		}
	}
	return false, why, path
}

func redactPath(doc *any, segments []pathSegment, replacement string) bool {
	matched := false
	visitAndMutate(doc, segments, func(_ map[string]any, _ []any, _ int, _ string, _ any) mutation {
		matched = true
		return mutation{replace: true, replacement: replacement}
	})
	return matched
}

// mutation describes what to do with one matched scalar.
type mutation struct {
	block       bool
	replace     bool
	replacement string
	omitElement bool
}

// walkOutcome carries a matched mutation back up through recursive walk
// calls. omitElement signals that the node just visited (possibly several
// segments below an array) should cause the enclosing wildcard loop to
// drop its current array element rather than keep a mutated copy of it.
type walkOutcome struct {
	blocked     bool
	omitElement bool
}

// visitAndMutate walks doc per segments, invoking visit on each matched
// scalar with enough context (parent container, array+index if inside
// one) to apply the requested mutation in place. Array-element omission
// rebuilds the array without the omitted elements.
func visitAndMutate(doc *any, segments []pathSegment, visit func(parent map[string]any, arr []any, idx int, key string, scalar any) mutation) walkOutcome {
	return walk(doc, nil, segments, visit)
}

// walk descends through *node following segments. parent, when non-nil,
// is the map directly containing *node's current value at the last
// traversed key — passed through for redaction in place.
func walk(node *any, _ any, segments []pathSegment, visit func(map[string]any, []any, int, string, any) mutation) walkOutcome {
	if len(segments) == 0 {
		switch (*node).(type) {
		case map[string]any, []any:
			return walkOutcome{}
		default:
			m := visit(nil, nil, -1, "", *node)
			if m.block {
				return walkOutcome{blocked: true}
			}
			if m.omitElement {
				return walkOutcome{omitElement: true}
			}
			if m.replace {
				*node = m.replacement
			}
			return walkOutcome{}
		}
	}

	seg := segments[0]
	obj, ok := (*node).(map[string]any)
	if !ok {
		return walkOutcome{}
	}
	next, present := obj[seg.key]
	if !present {
		return walkOutcome{}
	}

	if !seg.wildcard {
		if len(segments) == 1 {
			switch next.(type) {
			case map[string]any, []any:
				return walkOutcome{}
			default:
				m := visit(obj, nil, -1, seg.key, next)
				if m.block {
					return walkOutcome{blocked: true}
				}
				if m.omitElement {
					return walkOutcome{omitElement: true}
				}
				if m.replace {
					obj[seg.key] = m.replacement
				}
				return walkOutcome{}
			}
		}
		return walk(&next, obj, segments[1:], visit)
	}

	arr, ok := next.([]any)
	if !ok {
		return walkOutcome{}
	}
	var kept []any
	blocked := false
	for i, elem := range arr {
		if len(segments) == 1 {
			m := visit(obj, arr, i, "", elem)
			if m.block {
				blocked = true
				break
			}
			if m.omitElement {
				continue // drop this element
			}
			if m.replace {
				elem = m.replacement
			}
			kept = append(kept, elem)
			continue
		}
		e := elem
		outcome := walk(&e, obj, segments[1:], visit)
		if outcome.blocked {
			blocked = true
			break
		}
		if outcome.omitElement {
			continue // drop this element: a deeper segment matched under this one
		}
		kept = append(kept, e)
	}
	if blocked {
		return walkOutcome{blocked: true}
	}
	obj[seg.key] = kept
	return walkOutcome{}
}

func scalarToString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	case float64:
		return fmt.Sprintf("%v", t), true
	default:
		return "", false
	}
}

func globMatch(pattern, s string, caseInsensitive bool) bool {
	if caseInsensitive {
		pattern = strings.ToLower(pattern)
		s = strings.ToLower(s)
	}
	return policy.MatchGlob(pattern, s)
}

// truncateUTF8Safe truncates body to at most maxBytes, backing off to the
// nearest preceding rune boundary so a multi-byte UTF-8 code point is
// never split.
func truncateUTF8Safe(body []byte, maxBytes int) []byte {
	if maxBytes >= len(body) {
		return body
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return body[:cut]
}
