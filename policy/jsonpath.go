// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import "strings"

// pathSegment is one component of a dot-notation field path: a key, plus
// whether it is followed by "[*]" wildcard array iteration.
type pathSegment struct {
	key      string
	wildcard bool
}

// parsePath splits "messages[*].to" into [{messages,true},{to,false}].
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

// walkScalars visits every scalar value addressed by path within v,
// calling visit with the value and whether it sits inside an array
// (reached via a "[*]" segment at or before the scalar's own leaf). It
// does not mutate v. Used by the param filter for read-only matching;
// package filter has its own path walking, which also does replacement
// and omission in place on a decoded JSON value.
func walkScalars(v any, segments []pathSegment, insideArray bool, visit func(scalar any, insideArray bool)) {
	if len(segments) == 0 {
		switch v.(type) {
		case map[string]any, []any:
			// Path ended on a container; spec defines ContentDeny/
			// param-filter matching over scalars only.
			return
		default:
			visit(v, insideArray)
		}
		return
	}

	seg := segments[0]
	obj, ok := v.(map[string]any)
	if !ok {
		return
	}
	next, present := obj[seg.key]
	if !present {
		// Absent field: per this repository's resolution of the
		// corresponding ambiguity, absent is treated as not-matched
		// (allow) by callers — walkScalars simply visits nothing.
		return
	}

	if !seg.wildcard {
		walkScalars(next, segments[1:], insideArray, visit)
		return
	}

	arr, ok := next.([]any)
	if !ok {
		return
	}
	for _, elem := range arr {
		walkScalars(elem, segments[1:], true, visit)
	}
}
