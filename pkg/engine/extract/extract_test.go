package extract

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func TestExtractPaths(t *testing.T) {
	input := decode(t, `{
		"sum": 50,
		"stats": {"avg": 12.5},
		"items": [{"id": 1, "tags": ["a"]}, {"id": 2, "tags": ["b", "c"]}],
		"odd.key": true
	}`)

	out, err := Extract("application/json; charset=utf-8", input, []domain.ExtractDescriptor{
		{Source: "sum", Destination: "sum"},
		{Source: "stats.avg", Destination: "avg"},
		{Source: "items.#.id", Destination: "ids"},
		{Source: "items.1.id", Destination: "second"},
		{Source: "$.items[0].tags[0]", Destination: "firstTag"},
		{Source: "$.items[*].id", Destination: "jsonPathIDs"},
		{Source: "$['odd.key']", Destination: "odd"},
		{Source: "missing.path", Destination: "missing"},
		{Source: "", Destination: "skipped"},
		{Source: "sum", Destination: ""},
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"sum":         float64(50),
		"avg":         12.5,
		"ids":         []any{float64(1), float64(2)},
		"second":      float64(2),
		"firstTag":    "a",
		"jsonPathIDs": []any{float64(1), float64(2)},
		"odd":         true,
		"missing":     nil,
	}, out)
}

func TestExtractEmptyDescriptorsReturnsInput(t *testing.T) {
	input := map[string]any{"a": 1}
	out, err := Extract(domain.ContentTypeJSON, input, nil)
	require.NoError(t, err)
	assert.Equal(t, input, out)
}

func TestExtractRejectsNonJSON(t *testing.T) {
	_, err := Extract("text/xml", map[string]any{}, []domain.ExtractDescriptor{{Source: "a", Destination: "a"}})
	assert.ErrorIs(t, err, domain.ErrExtraction)
}

func TestExtractMalformedQueryAbortsWholeExtraction(t *testing.T) {
	malformed := []string{
		"$.items[0",
		"$.items[]",
		"$.items[x]",
		"$..id",
		"a..b",
		".a",
		"a.",
		"items.#(id==1",
		"$.items]",
	}
	for _, q := range malformed {
		t.Run(q, func(t *testing.T) {
			out, err := Extract(domain.ContentTypeJSON, map[string]any{"a": 1}, []domain.ExtractDescriptor{
				{Source: "a", Destination: "ok"},
				{Source: q, Destination: "bad"},
			})
			require.Error(t, err)
			assert.Nil(t, out)
			assert.True(t, errors.Is(err, domain.ErrExtraction))

			var qerr *QueryError
			assert.True(t, errors.As(err, &qerr))
		})
	}
}

func TestQuery(t *testing.T) {
	v, err := Query(map[string]any{"user": map[string]any{"id": "u1"}}, "user.id")
	require.NoError(t, err)
	assert.Equal(t, "u1", v)

	whole := []any{"x"}
	v, err = Query(whole, "$")
	require.NoError(t, err)
	assert.Equal(t, whole, v)

	_, err = Query(whole, "$[")
	assert.ErrorIs(t, err, domain.ErrExtraction)
}

func TestQueryWildcardOverObjectMembers(t *testing.T) {
	input := decode(t, `{
		"obj": {"x": {"v": 1}, "y": {"v": 2}},
		"arr": [{"v": 3}, {"v": 4}],
		"nested": {"a": {"items": [{"id": "p"}]}, "b": {"items": [{"id": "q"}]}}
	}`)
	members := []any{map[string]any{"v": float64(1)}, map[string]any{"v": float64(2)}}

	tests := []struct {
		path string
		want any
	}{
		{"$.obj.*.v", []any{float64(1), float64(2)}},
		{"$.obj[*].v", []any{float64(1), float64(2)}},
		{"$['obj'][*]['v']", []any{float64(1), float64(2)}},
		{"$.obj[*]", members},
		{"$.obj.*", members},
		{"obj.*.v", []any{float64(1), float64(2)}},
		{"obj.*", members},
		{"$.arr[*].v", []any{float64(3), float64(4)}},
		{"$.arr.*.v", []any{float64(3), float64(4)}},
		{"$.arr[*]", []any{map[string]any{"v": float64(3)}, map[string]any{"v": float64(4)}}},
		{"arr.#.v", []any{float64(3), float64(4)}},
		{"$.nested.*.items[0].id", []any{"p", "q"}},
		{"$.missing.*.v", nil},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			got, err := Query(input, tc.path)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestQueryKeyGlobStillMatchesFirstKey(t *testing.T) {
	v, err := Query(map[string]any{"movie1": "a", "book": "b"}, "mov*")
	require.NoError(t, err)
	assert.Equal(t, "a", v)

	v, err = Query(map[string]any{"*": "star", "x": "y"}, `$['*']`)
	require.NoError(t, err)
	assert.Equal(t, "star", v)
}

func TestMatchesType(t *testing.T) {
	assert.True(t, MatchesType("object", map[string]any{}))
	assert.True(t, MatchesType("Array", []any{}))
	assert.True(t, MatchesType("number", float64(1)))
	assert.True(t, MatchesType("date", "2024-05-01T10:00:00Z"))
	assert.True(t, MatchesType("date", "2024-05-01"))
	assert.True(t, MatchesType("any", nil))
	assert.False(t, MatchesType("date", "yesterday"))
	assert.False(t, MatchesType("string", float64(2)))
	assert.True(t, IsTypeTag(" Object "))
	assert.False(t, IsTypeTag("sum"))
}

func jsonValue() *rapid.Generator[any] {
	scalar := rapid.OneOf(
		rapid.Just[any](nil),
		rapid.Map(rapid.Bool(), func(b bool) any { return b }),
		rapid.Map(rapid.Float64Range(-1e6, 1e6), func(f float64) any { return f }),
		rapid.Map(rapid.String(), func(s string) any { return s }),
	)
	return rapid.OneOf(
		scalar,
		rapid.Map(rapid.SliceOfN(scalar, 0, 4), func(v []any) any { return v }),
		rapid.Map(rapid.MapOfN(rapid.StringMatching(`[a-z]{1,5}`), scalar, 0, 4), func(m map[string]any) any { return m }),
	)
}

// A "-" descriptor stores the entire input under its destination.
func TestWholeValueDescriptorCopiesInput(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		input := jsonValue().Draw(rt, "input")
		dest := rapid.StringMatching(`[a-z]{1,8}`).Draw(rt, "dest")

		out, err := Extract(domain.ContentTypeJSON, input, []domain.ExtractDescriptor{{Source: WholeValue, Destination: dest}})
		if err != nil {
			rt.Fatalf("extract: %v", err)
		}
		got := out.(map[string]any)[dest]
		if !assert.ObjectsAreEqual(input, got) {
			rt.Fatalf("expected %#v, got %#v", input, got)
		}
	})
}
