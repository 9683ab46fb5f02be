// Skimmer - Scheduled API Log Collection and Shipping
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/skimmer

// Package pathutil resolves dotted paths against decoded JSON values and
// renders templates carrying {res.path} placeholders.
//
// Path grammar:
//   - dot-separated segments: "result_info.page"
//   - "[N]" indexes a sequence, negative N counts from the end: "value.[0]", "items.[-1]"
//   - a literal dot in a key is escaped: "@odata\.nextLink"
//   - the final segment may carry trailing arithmetic: "page+1", "offset-10"
package pathutil

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/tomtom215/skimmer/internal/logging"
)

// escapedDotPlaceholder stands in for "\." while splitting on dots.
const escapedDotPlaceholder = "\x00"

var (
	indexSegmentRe = regexp.MustCompile(`^\[(-?\d+)\]$`)
	deltaSuffixRe  = regexp.MustCompile(`^(.*?)([+-]\d+)$`)
)

// segment is one step of a compiled path: either a map key or a sequence index.
type segment struct {
	key     string
	index   int
	isIndex bool
}

// Path is a compiled path expression. Compile once, resolve per response.
type Path struct {
	raw      string
	segments []segment
	delta    int
	hasDelta bool
}

// Compile parses a raw path expression. It never fails: a malformed segment is
// treated as a literal key, and resolution reports a miss instead.
func Compile(raw string) *Path {
	p := &Path{raw: raw}
	if raw == "" {
		return p
	}

	escaped := strings.ReplaceAll(raw, `\.`, escapedDotPlaceholder)
	parts := strings.Split(escaped, ".")
	for i, part := range parts {
		part = strings.ReplaceAll(part, escapedDotPlaceholder, ".")

		if m := indexSegmentRe.FindStringSubmatch(part); m != nil {
			idx, _ := strconv.Atoi(m[1])
			p.segments = append(p.segments, segment{index: idx, isIndex: true})
			continue
		}

		// Trailing +N/-N arithmetic is only legal on the final segment, and
		// only when digits follow the sign ("has-more" stays a plain key).
		if i == len(parts)-1 {
			if m := deltaSuffixRe.FindStringSubmatch(part); m != nil && m[1] != "" {
				delta, _ := strconv.Atoi(m[2])
				p.segments = append(p.segments, segment{key: m[1]})
				p.delta = delta
				p.hasDelta = true
				continue
			}
		}

		p.segments = append(p.segments, segment{key: part})
	}
	return p
}

// String returns the original path expression.
func (p *Path) String() string { return p.raw }

// Resolve descends into v and returns the value at the path. The second
// return is false on a miss: missing key, out-of-range index, or indexing a
// non-sequence. A present-but-null value resolves to (nil, true).
func (p *Path) Resolve(v any) (any, bool) {
	current := v
	for _, seg := range p.segments {
		var ok bool
		if seg.isIndex {
			current, ok = descendIndex(current, seg.index)
		} else {
			current, ok = descendKey(current, seg.key)
		}
		if !ok {
			return nil, false
		}
	}

	if p.hasDelta {
		current = applyDelta(current, p.delta)
	}
	return current, true
}

// descendKey fetches a map key. A string value is transparently parsed as
// JSON once so paths can reach into stringified payloads.
func descendKey(v any, key string) (any, bool) {
	switch typed := v.(type) {
	case map[string]any:
		value, exists := typed[key]
		if !exists {
			logging.Debug().Str("key", key).Msg("path key not found in response")
			return nil, false
		}
		return value, true
	case string:
		var parsed any
		if err := json.Unmarshal([]byte(typed), &parsed); err != nil {
			logging.Debug().Str("key", key).Msg("path segment reached a non-JSON string")
			return nil, false
		}
		if _, nested := parsed.(string); nested {
			// Refuse to descend through doubly-encoded strings.
			return nil, false
		}
		return descendKey(parsed, key)
	default:
		logging.Debug().Str("key", key).Msg("path segment reached a non-object value")
		return nil, false
	}
}

// descendIndex fetches a sequence element, counting from the end for
// negative indexes.
func descendIndex(v any, index int) (any, bool) {
	seq, ok := v.([]any)
	if !ok {
		logging.Warn().Int("index", index).Msg("path index applied to a non-sequence value")
		return nil, false
	}
	if index < 0 {
		index += len(seq)
	}
	if index < 0 || index >= len(seq) {
		logging.Warn().Int("index", index).Int("len", len(seq)).Msg("path index out of range")
		return nil, false
	}
	return seq[index], true
}

// applyDelta adds the arithmetic suffix when the value is numeric, otherwise
// returns the value unchanged.
func applyDelta(v any, delta int) any {
	switch n := v.(type) {
	case float64:
		return n + float64(delta)
	case int:
		return n + delta
	case int64:
		return n + int64(delta)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i + int64(delta)
		}
		if f, err := n.Float64(); err == nil {
			return f + float64(delta)
		}
		return v
	default:
		return v
	}
}

// FormatValue renders a resolved value for placement into a URL, header or
// body template. Numbers print without a float suffix, structured values as
// compact JSON.
func FormatValue(v any) string {
	switch typed := v.(type) {
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	case bool:
		return strconv.FormatBool(typed)
	case json.Number:
		return typed.String()
	case nil:
		return ""
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}

// IsEmpty reports whether a resolved value counts as empty for stop
// predicates: nil, an empty string, or an empty sequence/object.
func IsEmpty(v any) bool {
	switch typed := v.(type) {
	case nil:
		return true
	case string:
		return typed == ""
	case []any:
		return len(typed) == 0
	case map[string]any:
		return len(typed) == 0
	default:
		return false
	}
}
