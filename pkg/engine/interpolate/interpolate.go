// Package interpolate substitutes ${name} placeholders in node call templates.
//
// Missing variables resolve to the empty string; interpolation never fails.
package interpolate

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var placeholder = regexp.MustCompile(`\$\{([^}]*)\}`)

// String replaces every ${name} in template with the value of name in data.
func String(template string, data map[string]any) string {
	if !strings.Contains(template, "${") {
		return template
	}
	return placeholder.ReplaceAllStringFunc(template, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-1])
		value, ok := Lookup(data, name)
		if !ok {
			return ""
		}
		return Stringify(value)
	})
}

// Value interpolates a structured template. String leaves are substituted,
// maps and slices are walked into new values, anything else passes through.
func Value(template any, data map[string]any) any {
	switch v := template.(type) {
	case string:
		return String(v, data)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Value(item, data)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Value(item, data)
		}
		return out
	case map[string]string:
		return Headers(v, data)
	default:
		return template
	}
}

// Headers interpolates every header value.
func Headers(headers map[string]string, data map[string]any) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = String(v, data)
	}
	return out
}

// Lookup resolves name against data. A flat key wins; otherwise a dotted
// name walks nested maps and numeric slice indexes.
func Lookup(data map[string]any, name string) (any, bool) {
	if name == "" || data == nil {
		return nil, false
	}
	if v, ok := data[name]; ok {
		return v, true
	}
	if !strings.Contains(name, ".") {
		return nil, false
	}

	var current any = data
	for _, segment := range strings.Split(name, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Stringify renders a context value the way it appears in a URL, header or
// payload string.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return formatFloat(v)
	case float32:
		return formatFloat(float64(v))
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case fmt.Stringer:
		return v.String()
	case map[string]any, []any, map[string]string, []string:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(raw)
	default:
		return fmt.Sprint(v)
	}
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
