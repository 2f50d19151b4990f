package agent

import (
	"strconv"
	"strings"
)

// NumericValue converts a decoded JSON value into an integer, tolerating the
// encodings providers actually emit: integers, floats, and numeric strings.
func NumericValue(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return int64(f), true
	default:
		return 0, false
	}
}

// snakeToCamel converts "input_tokens" to "inputTokens".
func snakeToCamel(s string) string {
	parts := strings.Split(s, "_")
	if len(parts) == 1 {
		return s
	}
	var b strings.Builder
	b.WriteString(parts[0])
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

// LookupNumeric reads a numeric field by its snake_case name, also accepting
// the camelCase spelling and any tolerated encoding.
func LookupNumeric(m map[string]any, snakeKey string) (int64, bool) {
	if v, ok := m[snakeKey]; ok {
		if n, ok := NumericValue(v); ok {
			return n, true
		}
	}
	if v, ok := m[snakeToCamel(snakeKey)]; ok {
		if n, ok := NumericValue(v); ok {
			return n, true
		}
	}
	return 0, false
}

// Usage holds one turn's token counts.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// ExtractUsage pulls token counts out of a decoded usage object, walking one
// level into a nested "usage" member when the counts are not at the top.
// Missing fields are zero, never an error.
func ExtractUsage(m map[string]any) Usage {
	if m == nil {
		return Usage{}
	}
	if nested, ok := m["usage"].(map[string]any); ok {
		if u := ExtractUsage(nested); u != (Usage{}) {
			return u
		}
	}
	var u Usage
	if n, ok := LookupNumeric(m, "input_tokens"); ok {
		u.InputTokens = n
	}
	if n, ok := LookupNumeric(m, "output_tokens"); ok {
		u.OutputTokens = n
	}
	return u
}
