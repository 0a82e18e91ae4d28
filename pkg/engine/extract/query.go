package extract

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/tidwall/gjson"
)

// WholeValue is the source that copies the entire input.
const WholeValue = "-"

// QueryError reports a malformed or unevaluable path query.
type QueryError struct {
	Query   string
	Message string
	Cause   error
}

func (e *QueryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("query %q: %s: %v", e.Query, e.Message, e.Cause)
	}
	return fmt.Sprintf("query %q: %s", e.Query, e.Message)
}

// Unwrap exposes both the cause and the extraction error kind.
func (e *QueryError) Unwrap() []error {
	if e.Cause != nil {
		return []error{domain.ErrExtraction, e.Cause}
	}
	return []error{domain.ErrExtraction}
}

// Path is a compiled query. The zero value is invalid; use Compile.
type Path struct {
	source string
	gjson  string
	whole  bool
}

// String returns the query as written.
func (p Path) String() string { return p.source }

// Compile validates source and translates it to gjson syntax. JSONPath
// expressions ($, $.a.b, $.a[0], $.a[*].b, $['a']) are translated; anything
// else is taken as gjson syntax. A wildcard segment iterates the values of
// an object as well as the elements of an array.
func Compile(source string) (Path, error) {
	src := strings.TrimSpace(source)
	switch {
	case src == "":
		return Path{}, &QueryError{Query: source, Message: "empty query"}
	case src == WholeValue, src == "$", src == "@this":
		return Path{source: source, whole: true}, nil
	case strings.Contains(src, ".."):
		return Path{}, &QueryError{Query: source, Message: "recursive descent is not supported"}
	}

	if strings.HasPrefix(src, "$") || strings.Contains(src, "[") {
		translated, whole, err := translateJSONPath(src)
		if err != nil {
			return Path{}, &QueryError{Query: source, Message: err.Error()}
		}
		return Path{source: source, gjson: translated, whole: whole}, nil
	}

	if err := validateGJSON(src); err != nil {
		return Path{}, &QueryError{Query: source, Message: err.Error()}
	}
	return Path{source: source, gjson: expandWildcards(src)}, nil
}

// Eval runs the query against a JSON document. Missing values yield nil.
func (p Path) Eval(doc []byte) any {
	if p.whole {
		var v any
		if err := json.Unmarshal(doc, &v); err != nil {
			return nil
		}
		return v
	}
	res := gjson.GetBytes(doc, p.gjson)
	if !res.Exists() {
		return nil
	}
	return res.Value()
}

// Query evaluates path against an already decoded value.
func Query(value any, path string) (any, error) {
	p, err := Compile(path)
	if err != nil {
		return nil, err
	}
	if p.whole {
		return value, nil
	}
	doc, err := encode(value)
	if err != nil {
		return nil, &QueryError{Query: path, Message: "value is not JSON encodable", Cause: err}
	}
	return p.Eval(doc), nil
}

func encode(value any) ([]byte, error) {
	switch v := value.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		if json.Valid(v) {
			return v, nil
		}
	}
	return json.Marshal(value)
}

// translateJSONPath rewrites the supported JSONPath subset into gjson
// segments.
func translateJSONPath(src string) (string, bool, error) {
	rest := strings.TrimPrefix(src, "$")
	if rest == src && !strings.HasPrefix(rest, "[") {
		rest = "." + rest
	}

	var segments []string
	for i := 0; i < len(rest); {
		switch rest[i] {
		case '.':
			j := i + 1
			for j < len(rest) && rest[j] != '.' && rest[j] != '[' && rest[j] != ']' {
				j++
			}
			name := rest[i+1 : j]
			if name == "" {
				return "", false, fmt.Errorf("empty segment at offset %d", i)
			}
			if name == "*" {
				segments = append(segments, wildcard)
			} else {
				segments = append(segments, escapeKey(name))
			}
			i = j
		case '[':
			end := strings.IndexByte(rest[i:], ']')
			if end < 0 {
				return "", false, fmt.Errorf("unbalanced bracket at offset %d", i)
			}
			inner := strings.TrimSpace(rest[i+1 : i+end])
			seg, err := bracketSegment(inner)
			if err != nil {
				return "", false, err
			}
			segments = append(segments, seg)
			i += end + 1
		case ']':
			return "", false, fmt.Errorf("unbalanced bracket at offset %d", i)
		default:
			return "", false, fmt.Errorf("unexpected %q at offset %d", rest[i], i)
		}
	}

	if len(segments) == 0 {
		return "", true, nil
	}
	return joinSegments(segments), false, nil
}

// wildcard marks a [*] or .* segment until joinSegments rewrites it.
const wildcard = "*"

// membersModifier lists the values of an object, or the elements of an
// array. Anything else, including a missing value, yields no result.
const membersModifier = "@members"

func init() {
	gjson.AddModifier(membersModifier[1:], func(raw, _ string) string {
		v := gjson.Parse(raw)
		switch {
		case v.IsArray():
			return raw
		case !v.IsObject():
			return ""
		}
		var b strings.Builder
		b.WriteByte('[')
		v.ForEach(func(_, member gjson.Result) bool {
			if b.Len() > 1 {
				b.WriteByte(',')
			}
			b.WriteString(member.Raw)
			return true
		})
		b.WriteByte(']')
		return b.String()
	})
}

// joinSegments renders translated segments as a gjson path. A wildcard
// followed by more segments maps them over every member with #; a trailing
// wildcard yields the member list itself.
func joinSegments(segments []string) string {
	for len(segments) > 1 && segments[len(segments)-1] == wildcard && segments[len(segments)-2] == wildcard {
		segments = segments[:len(segments)-1]
	}
	out := make([]string, 0, len(segments)+1)
	for i, seg := range segments {
		if seg != wildcard {
			out = append(out, seg)
			continue
		}
		out = append(out, membersModifier)
		if i < len(segments)-1 {
			out = append(out, "#")
		}
	}
	return strings.Join(out, ".")
}

// expandWildcards rewrites bare * segments of a gjson path. gjson treats * as
// a key glob that stops at the first match; a segment made only of * is
// taken to mean every member instead. Globs such as a* and anything inside
// a #(...) query are left alone.
func expandWildcards(src string) string {
	var (
		segments []string
		seps     []byte
		start    int
		depth    int
		escaped  bool
	)
	for i := 0; i < len(src); i++ {
		if escaped {
			escaped = false
			continue
		}
		switch src[i] {
		case '\\':
			escaped = true
		case '(':
			depth++
		case ')':
			depth--
		case '.', '|':
			if depth == 0 {
				segments = append(segments, src[start:i])
				seps = append(seps, src[i])
				start = i + 1
			}
		}
	}
	segments = append(segments, src[start:])

	found := false
	for _, seg := range segments {
		if seg == wildcard {
			found = true
			break
		}
	}
	if !found {
		return src
	}

	var b strings.Builder
	for i, seg := range segments {
		if i > 0 {
			b.WriteByte(seps[i-1])
		}
		if seg != wildcard {
			b.WriteString(seg)
			continue
		}
		b.WriteString(membersModifier)
		if i < len(segments)-1 {
			b.WriteString(".#")
		}
	}
	return b.String()
}

func bracketSegment(inner string) (string, error) {
	switch {
	case inner == "":
		return "", fmt.Errorf("empty brackets")
	case inner == "*":
		return wildcard, nil
	case len(inner) >= 2 && (inner[0] == '\'' || inner[0] == '"'):
		if inner[len(inner)-1] != inner[0] {
			return "", fmt.Errorf("unterminated quoted key %s", inner)
		}
		key := inner[1 : len(inner)-1]
		if key == "" {
			return "", fmt.Errorf("empty quoted key")
		}
		return escapeKey(key), nil
	}
	idx, err := strconv.Atoi(inner)
	if err != nil || idx < 0 {
		return "", fmt.Errorf("invalid index %q", inner)
	}
	return strconv.Itoa(idx), nil
}

func escapeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '#', '|', '@', '\\', '(', ')', '=', '!', '<', '>', '%', ',', '[', ']', '{', '}':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func validateGJSON(src string) error {
	depth := 0
	escaped := false
	segmentLen := 0
	for i, r := range src {
		if escaped {
			escaped = false
			segmentLen++
			continue
		}
		switch r {
		case '\\':
			escaped = true
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return fmt.Errorf("unbalanced parenthesis at offset %d", i)
			}
		case '.', '|':
			if depth == 0 {
				if segmentLen == 0 {
					return fmt.Errorf("empty segment at offset %d", i)
				}
				segmentLen = 0
				continue
			}
		}
		segmentLen++
	}
	if escaped {
		return fmt.Errorf("dangling escape")
	}
	if depth != 0 {
		return fmt.Errorf("unbalanced parenthesis")
	}
	if segmentLen == 0 {
		return fmt.Errorf("empty trailing segment")
	}
	return nil
}
