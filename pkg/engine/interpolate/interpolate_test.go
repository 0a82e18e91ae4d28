package interpolate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestStringSubstitutesValues(t *testing.T) {
	data := map[string]any{
		"host":  "api.local",
		"id":    float64(42),
		"ratio": 12.5,
		"ok":    true,
		"user":  map[string]any{"id": "u-1", "tags": []any{"a", "b"}},
	}

	assert.Equal(t, "http://api.local/items/42", String("http://${host}/items/${id}", data))
	assert.Equal(t, "12.5 true", String("${ratio} ${ok}", data))
	assert.Equal(t, "u-1", String("${user.id}", data))
	assert.Equal(t, "b", String("${user.tags.1}", data))
	assert.Equal(t, `{"id":"u-1","tags":["a","b"]}`, String("${user}", data))
	assert.Equal(t, "x", String("x", nil))
}

func TestStringMissingVariablesBecomeEmpty(t *testing.T) {
	assert.Equal(t, "/items/", String("/items/${missing}", map[string]any{}))
	assert.Equal(t, "", String("${}", map[string]any{"": "never"}))
	assert.Equal(t, "a", String("a${user.missing}", map[string]any{"user": map[string]any{}}))
	assert.Equal(t, "", String("${nil}", map[string]any{"nil": nil}))
}

func TestFlatKeyWinsOverNestedLookup(t *testing.T) {
	data := map[string]any{
		"user.id": "flat",
		"user":    map[string]any{"id": "nested"},
	}
	assert.Equal(t, "flat", String("${user.id}", data))
}

func TestValueWalksStructuredPayload(t *testing.T) {
	payload := map[string]any{
		"numbers": "${numbers}",
		"meta":    map[string]any{"by": "${who}", "count": 3},
		"list":    []any{"${who}", false},
	}
	out := Value(payload, map[string]any{"numbers": []any{5, 10}, "who": "ci"})

	assert.Equal(t, map[string]any{
		"numbers": "[5,10]",
		"meta":    map[string]any{"by": "ci", "count": 3},
		"list":    []any{"ci", false},
	}, out)
	assert.Equal(t, "${who}", payload["list"].([]any)[0], "template must not be mutated")
}

func TestHeaders(t *testing.T) {
	out := Headers(map[string]string{"Authorization": "Bearer ${token}"}, map[string]any{"token": "abc"})
	assert.Equal(t, map[string]string{"Authorization": "Bearer abc"}, out)
	assert.Nil(t, Headers(nil, nil))
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "50", Stringify(float64(50)))
	assert.Equal(t, "-3", Stringify(float64(-3)))
	assert.Equal(t, "0.25", Stringify(0.25))
	assert.Equal(t, "7", Stringify(7))
}

// Absent variables are replaced with "" and a second pass is a no-op.
func TestMissingVariableIdempotence(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		literal := rapid.StringMatching(`[a-zA-Z0-9 /:._-]{0,12}`)
		names := rapid.StringMatching(`[a-z]{1,6}`)

		var b strings.Builder
		n := rapid.IntRange(1, 5).Draw(rt, "placeholders")
		for i := 0; i < n; i++ {
			b.WriteString(literal.Draw(rt, "literal"))
			b.WriteString("${" + names.Draw(rt, "name") + "}")
		}
		b.WriteString(literal.Draw(rt, "tail"))
		template := b.String()

		first := String(template, map[string]any{})
		if strings.Contains(first, "${") {
			rt.Fatalf("placeholder survived interpolation: %q -> %q", template, first)
		}
		if second := String(first, map[string]any{}); second != first {
			rt.Fatalf("interpolation not idempotent: %q -> %q", first, second)
		}
	})
}
