package reference

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	value "github.com/hanpama/batchgate/internal/value"
)

func envelopes() []value.Value {
	results := make([]any, 10)
	for i := range results {
		results[i] = map[string]any{"id": i + 1, "name": "test_" + string(rune('0'+i))}
	}
	results[9] = map[string]any{"id": 10, "name": "5"}
	return []value.Value{
		value.MustFromAny(map[string]any{
			"method": "POST", "path": "/api/v1/user/", "status": 201,
			"data": map[string]any{"id": 2, "username": "u1"},
		}),
		value.MustFromAny(map[string]any{
			"method": "GET", "path": "/api/v1/subhosts/", "status": 200,
			"data": map[string]any{"count": 10, "results": results},
		}),
	}
}

func TestTokens(t *testing.T) {
	got := Tokens("a <<0[data][id]>> b <<12>> c <<x[1]>>")
	want := []Token{
		{Raw: "<<0[data][id]>>", Index: 0, Keys: []string{"data", "id"}},
		{Raw: "<<12>>", Index: 12},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestParseTokenWholeString(t *testing.T) {
	_, ok := ParseToken("<<0[data]>>")
	require.True(t, ok)
	_, ok = ParseToken(" <<0[data]>>")
	require.False(t, ok)
	_, ok = ParseToken("<<0[data]>><<1>>")
	require.False(t, ok)
}

func TestResolveWholeValuePreservesType(t *testing.T) {
	r := Resolver{Results: envelopes(), Current: 2}

	cases := []struct {
		name string
		in   string
		want value.Kind
	}{
		{"list", "<<1[data][results]>>", value.KindSequence},
		{"mapping", "<<0[data]>>", value.KindMapping},
		{"number", "<<0[data][id]>>", value.KindNumber},
		{"string", "<<1[data][results][9][name]>>", value.KindString},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.Resolve("data", value.Str(tc.in))
			require.NoError(t, err)
			require.Equal(t, tc.want, got.Kind())
		})
	}

	got, err := r.Resolve("data", value.Str("<<1[data][results]>>"))
	require.NoError(t, err)
	require.Equal(t, 10, got.Len())
}

func TestResolveEmbeddedTokens(t *testing.T) {
	r := Resolver{Results: envelopes(), Current: 2}

	got, err := r.Resolve("query", value.Str("limit=<<1[data][results][9][name]>>"))
	require.NoError(t, err)
	require.Equal(t, value.Str("limit=5"), got)

	got, err = r.Resolve("path", value.Str("/subhosts/<<1[data][results][9][id]>>/x/<<0[data][id]>>/"))
	require.NoError(t, err)
	require.Equal(t, value.Str("/subhosts/10/x/2/"), got)

	got, err = r.Resolve("query", value.Str("ids=<<1[data][results][0]>>"))
	require.NoError(t, err)
	require.Equal(t, value.Str(`ids={"id":1,"name":"test_0"}`), got)
}

func TestResolveNested(t *testing.T) {
	r := Resolver{Results: envelopes(), Current: 2}
	in := value.MustFromAny(map[string]any{
		"name":  "<<1[data][results][9][name]>>",
		"owner": []any{"<<0[data][id]>>", 3, nil, true},
		"plain": "no refs",
	})
	got, err := r.Resolve("data", in)
	require.NoError(t, err)

	want := value.MustFromAny(map[string]any{
		"name":  "5",
		"owner": []any{2, 3, nil, true},
		"plain": "no refs",
	})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("resolved mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveScalarsPassThrough(t *testing.T) {
	r := Resolver{}
	for _, v := range []value.Value{value.Null(), value.Bool(false), value.Int(3), value.Str("<< not a token >>")} {
		got, err := r.Resolve("data", v)
		require.NoError(t, err)
		require.True(t, v.Equal(got))
	}
}

func TestResolveErrors(t *testing.T) {
	cases := []struct {
		name    string
		current int
		field   string
		in      value.Value
		reason  Reason
		field2  string
		key     string
	}{
		{"self reference", 1, "data", value.Str("<<1[data]>>"), ReasonForward, "data", ""},
		{"forward reference", 1, "path", value.Str("x/<<5[data][id]>>"), ReasonForward, "path", ""},
		{"huge index", 2, "data", value.Str("<<99999999999999999999999>>"), ReasonForward, "data", ""},
		{"missing key", 2, "data", value.MustFromAny(map[string]any{"a": []any{"<<0[data][nope]>>"}}), ReasonMissing, "data.a[0]", "nope"},
		{"index out of range", 2, "headers", value.MustFromAny(map[string]any{"X": "<<1[data][results][10]>>"}), ReasonMissing, "headers.X", "10"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := Resolver{Results: envelopes(), Current: tc.current}
			_, err := r.Resolve(tc.field, tc.in)
			var rerr *Error
			require.True(t, errors.As(err, &rerr), "expected *Error, got %v", err)
			require.Equal(t, tc.reason, rerr.Reason)
			require.Equal(t, tc.field2, rerr.Field)
			require.Equal(t, tc.key, rerr.Key)
			require.NotEmpty(t, rerr.Token)
		})
	}
}
