// Package codec converts a nested state tree between its in-memory form,
// where temporal leaves are time.Time values, and its stored form, where the
// backing store only holds strings. Detection on the way back is heuristic:
// any string that lexically looks like an ISO combined date-time is decoded
// as a time.Time, so a genuine user string matching the pattern would be
// reinterpreted on read. Existing stored data depends on this behavior.
package codec

import (
	"regexp"
	"strings"
	"time"
)

// isoDatePattern matches the canonical timestamp leaf format: 4-digit year,
// month, day, 'T', hh:mm:ss, optional fractional seconds, optional Z or
// numeric offset.
var isoDatePattern = regexp.MustCompile(`(?i)^\d{4}-\d\d-\d\dT\d\d:\d\d:\d\d(\.\d+)?(([+-]\d\d:\d\d)|Z)?$`)

// isoWire is the encoding layout, millisecond precision with a Z for UTC.
const isoWire = "2006-01-02T15:04:05.000Z07:00"

var decodeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// Encode returns a copy of v with every time.Time leaf rewritten to its
// canonical string form. Map key order is irrelevant, slice order is
// preserved, v itself is never mutated.
func Encode(v any) any {
	return deepMap(v, func(leaf any) any {
		if t, ok := leaf.(time.Time); ok {
			return t.UTC().Format(isoWire)
		}
		return leaf
	})
}

// Decode returns a copy of v with every string leaf matching the timestamp
// pattern rewritten to a time.Time. Strings that match the pattern but fail
// to parse are left untouched.
func Decode(v any) any {
	return deepMap(v, func(leaf any) any {
		s, ok := leaf.(string)
		if !ok || !isoDatePattern.MatchString(s) {
			return leaf
		}
		if t, err := ParseTime(s); err == nil {
			return t
		}
		return leaf
	})
}

// FormatTime renders t in the canonical wire layout used for timestamp
// leaves.
func FormatTime(t time.Time) string {
	return t.UTC().Format(isoWire)
}

// ParseTime parses a string in any layout Decode accepts. The pattern match
// is case insensitive, so the date-time markers are uppercased first to keep
// the parser in agreement with it.
func ParseTime(s string) (time.Time, error) {
	s = strings.ToUpper(s)
	var lastErr error
	for _, layout := range decodeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// deepMap walks the tree and applies fn to every non-container leaf,
// rebuilding maps and slices so the input is shared read-only.
func deepMap(v any, fn func(any) any) any {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			out[k] = deepMap(child, fn)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, child := range node {
			out[i] = deepMap(child, fn)
		}
		return out
	default:
		return fn(v)
	}
}
