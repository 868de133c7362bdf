// Package reference substitutes back-references of the form <<N[k1][k2]...>>
// with values taken from the results of earlier operations in a batch.
//
// A string that consists of exactly one token is replaced by the referenced
// value itself, keeping its type. Tokens embedded in longer strings are
// replaced by the Text form of their value. Mappings and sequences are walked
// element by element; other scalars are returned unchanged.
package reference

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	value "github.com/hanpama/batchgate/internal/value"
)

var (
	tokenPattern = regexp.MustCompile(`<<(\d+)((?:\[[^\]]*\])*)>>`)
	keyPattern   = regexp.MustCompile(`\[([^\]]*)\]`)
)

// Token is one parsed reference.
type Token struct {
	Raw   string
	Index int // -1 when the index does not fit in an int
	Keys  []string
}

func newToken(raw, index, keys string) Token {
	i, err := strconv.Atoi(index)
	if err != nil {
		i = -1
	}
	t := Token{Raw: raw, Index: i}
	for _, m := range keyPattern.FindAllStringSubmatch(keys, -1) {
		t.Keys = append(t.Keys, m[1])
	}
	return t
}

// Tokens returns every token found in s, in order of appearance.
func Tokens(s string) []Token {
	matches := tokenPattern.FindAllStringSubmatch(s, -1)
	out := make([]Token, 0, len(matches))
	for _, m := range matches {
		out = append(out, newToken(m[0], m[1], m[2]))
	}
	return out
}

// ParseToken parses s when it is exactly one token.
func ParseToken(s string) (Token, bool) {
	loc := tokenPattern.FindStringSubmatchIndex(s)
	if loc == nil || loc[0] != 0 || loc[1] != len(s) {
		return Token{}, false
	}
	return newToken(s, s[loc[2]:loc[3]], s[loc[4]:loc[5]]), true
}

// Reason classifies a resolution failure.
type Reason string

const (
	// ReasonForward: the token names the current operation or a later one.
	ReasonForward Reason = "forward"
	// ReasonMissing: a key or index along the traversal chain does not exist.
	ReasonMissing Reason = "missing"
)

// Error describes a token that could not be resolved.
type Error struct {
	Token  string
	Field  string
	Index  int
	Key    string
	Reason Reason
}

func (e *Error) Error() string {
	switch e.Reason {
	case ReasonForward:
		return fmt.Sprintf("%s: %s refers to an operation that has not completed", e.Field, e.Token)
	default:
		return fmt.Sprintf("%s: %s has no key %q", e.Field, e.Token, e.Key)
	}
}

// Resolver substitutes references for the operation at Current. Results
// holds the completed result envelopes of operations 0..Current-1.
type Resolver struct {
	Results []value.Value
	Current int
}

// Resolve returns v with every reference replaced. field names the location
// of v in the operation and is used in error reports.
func (r Resolver) Resolve(field string, v value.Value) (value.Value, error) {
	switch v.Kind() {
	case value.KindString:
		s, _ := v.AsString()
		return r.resolveString(field, s)
	case value.KindSequence:
		items := v.Items()
		out := make([]value.Value, len(items))
		for i, item := range items {
			rv, err := r.Resolve(fmt.Sprintf("%s[%d]", field, i), item)
			if err != nil {
				return value.Value{}, err
			}
			out[i] = rv
		}
		return value.Seq(out...), nil
	case value.KindMapping:
		fields, _ := v.Fields()
		out := make(map[string]value.Value, len(fields))
		for k, item := range fields {
			rv, err := r.Resolve(joinField(field, k), item)
			if err != nil {
				return value.Value{}, err
			}
			out[k] = rv
		}
		return value.Map(out), nil
	}
	return v, nil
}

func (r Resolver) resolveString(field, s string) (value.Value, error) {
	if !strings.Contains(s, "<<") {
		return value.Str(s), nil
	}
	if tok, ok := ParseToken(s); ok {
		return r.Lookup(field, tok)
	}
	locs := tokenPattern.FindAllStringSubmatchIndex(s, -1)
	if len(locs) == 0 {
		return value.Str(s), nil
	}
	var b strings.Builder
	last := 0
	for _, loc := range locs {
		tok := newToken(s[loc[0]:loc[1]], s[loc[2]:loc[3]], s[loc[4]:loc[5]])
		rv, err := r.Lookup(field, tok)
		if err != nil {
			return value.Value{}, err
		}
		b.WriteString(s[last:loc[0]])
		b.WriteString(rv.Text())
		last = loc[1]
	}
	b.WriteString(s[last:])
	return value.Str(b.String()), nil
}

// Lookup evaluates a single token.
func (r Resolver) Lookup(field string, tok Token) (value.Value, error) {
	if tok.Index < 0 || tok.Index >= r.Current || tok.Index >= len(r.Results) {
		return value.Value{}, &Error{Token: tok.Raw, Field: field, Index: tok.Index, Reason: ReasonForward}
	}
	cur := r.Results[tok.Index]
	for _, k := range tok.Keys {
		next, ok := cur.Step(k)
		if !ok {
			return value.Value{}, &Error{Token: tok.Raw, Field: field, Index: tok.Index, Key: k, Reason: ReasonMissing}
		}
		cur = next
	}
	return cur, nil
}

func joinField(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}
