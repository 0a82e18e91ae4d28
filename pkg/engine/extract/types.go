package extract

import (
	"strings"
	"time"
)

// Type tags accepted by typed passthrough descriptors.
const (
	TypeObject = "object"
	TypeArray  = "array"
	TypeString = "string"
	TypeNumber = "number"
	TypeDate   = "date"
	TypeAny    = "any"
)

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.DateOnly,
	time.RFC1123,
	time.RFC1123Z,
}

// IsTypeTag reports whether source names a passthrough type rather than a query.
func IsTypeTag(source string) bool {
	switch strings.ToLower(strings.TrimSpace(source)) {
	case TypeObject, TypeArray, TypeString, TypeNumber, TypeDate, TypeAny:
		return true
	}
	return false
}

// MatchesType checks a decoded JSON value against a type tag.
func MatchesType(tag string, value any) bool {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case TypeAny:
		return true
	case TypeObject:
		_, ok := value.(map[string]any)
		return ok
	case TypeArray:
		_, ok := value.([]any)
		return ok
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeNumber:
		switch value.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case TypeDate:
		s, ok := value.(string)
		if !ok {
			return false
		}
		for _, layout := range dateLayouts {
			if _, err := time.Parse(layout, s); err == nil {
				return true
			}
		}
		return false
	}
	return false
}
