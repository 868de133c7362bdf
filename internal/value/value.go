// Package value implements the JSON-shaped value model shared by the batch
// engine: a small immutable tagged union over Null, Bool, Number, String,
// Sequence and Mapping.
//
// Numbers keep their literal JSON text so that an integer read from a request
// body is written back as an integer and a float stays a float. Values are
// never mutated after construction; Items and Fields return the underlying
// storage and callers must treat it as read-only.
package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindSequence
	KindMapping
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindSequence:
		return "list"
	case KindMapping:
		return "dict"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a JSON-compatible value. The zero Value is Null.
type Value struct {
	kind Kind
	b    bool
	s    string // string payload, or the literal text of a number
	seq  []Value
	m    map[string]Value
}

func Null() Value { return Value{} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func Int(i int64) Value { return Value{kind: KindNumber, s: strconv.FormatInt(i, 10)} }

// Float returns a Number holding f. Non-finite floats have no JSON form and
// produce Null.
func Float(f float64) Value {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return Null()
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return Value{kind: KindNumber, s: s}
}

// Num returns a Number with the given literal. The literal is not validated
// until the value is marshalled.
func Num(n json.Number) Value { return Value{kind: KindNumber, s: string(n)} }

func Str(s string) Value { return Value{kind: KindString, s: s} }

func Seq(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindSequence, seq: cp}
}

func Map(fields map[string]Value) Value {
	cp := make(map[string]Value, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return Value{kind: KindMapping, m: cp}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

func (v Value) AsNumber() (json.Number, bool) {
	if v.kind != KindNumber {
		return "", false
	}
	return json.Number(v.s), true
}

// Int64 reports the value as an integer. Strings holding a decimal integer
// are accepted too, since identifiers often travel as path text.
func (v Value) Int64() (int64, bool) {
	switch v.kind {
	case KindNumber, KindString:
		i, err := strconv.ParseInt(strings.TrimSpace(v.s), 10, 64)
		return i, err == nil
	}
	return 0, false
}

// Items returns the elements of a Sequence, or nil for any other kind.
func (v Value) Items() []Value {
	if v.kind != KindSequence {
		return nil
	}
	return v.seq
}

// Fields returns the entries of a Mapping and whether v is a Mapping.
func (v Value) Fields() (map[string]Value, bool) {
	if v.kind != KindMapping {
		return nil, false
	}
	return v.m, true
}

// Len is the number of elements of a Sequence or entries of a Mapping.
func (v Value) Len() int {
	switch v.kind {
	case KindSequence:
		return len(v.seq)
	case KindMapping:
		return len(v.m)
	}
	return 0
}

// Get looks up a Mapping key.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMapping {
		return Value{}, false
	}
	f, ok := v.m[key]
	return f, ok
}

// At returns the i-th element of a Sequence.
func (v Value) At(i int) (Value, bool) {
	if v.kind != KindSequence || i < 0 || i >= len(v.seq) {
		return Value{}, false
	}
	return v.seq[i], true
}

// Step applies one traversal key: a Sequence is indexed by a key that parses
// as a non-negative integer, a Mapping is looked up by the key verbatim, and
// every other kind has no children.
func (v Value) Step(key string) (Value, bool) {
	switch v.kind {
	case KindSequence:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 {
			return Value{}, false
		}
		return v.At(i)
	case KindMapping:
		return v.Get(key)
	}
	return Value{}, false
}

// With returns a copy of a Mapping with key set to f. Non-mappings are
// treated as an empty Mapping.
func (v Value) With(key string, f Value) Value {
	out := make(map[string]Value, len(v.m)+1)
	if v.kind == KindMapping {
		for k, e := range v.m {
			out[k] = e
		}
	}
	out[key] = f
	return Value{kind: KindMapping, m: out}
}

// Text is the form used when a value is spliced into a larger string.
// Strings are verbatim, numbers use their literal, and containers are
// rendered as compact JSON.
func (v Value) Text() string {
	switch v.kind {
	case KindString, KindNumber:
		return v.s
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNull:
		return "null"
	}
	b, err := v.MarshalJSON()
	if err != nil {
		return ""
	}
	return string(b)
}

// String renders v as compact JSON for diagnostics.
func (v Value) String() string {
	b, err := v.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<invalid %s: %v>", v.kind, err)
	}
	return string(b)
}

// Any converts v into plain Go values: nil, bool, json.Number, string,
// []any and map[string]any.
func (v Value) Any() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return json.Number(v.s)
	case KindString:
		return v.s
	case KindSequence:
		out := make([]any, len(v.seq))
		for i, e := range v.seq {
			out[i] = e.Any()
		}
		return out
	case KindMapping:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.Any()
		}
		return out
	}
	return nil
}

// Equal reports deep equality. Numbers compare by literal first and by
// numeric value second, so 1.0 equals 1.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindString:
		return v.s == o.s
	case KindNumber:
		if v.s == o.s {
			return true
		}
		a, errA := strconv.ParseFloat(v.s, 64)
		b, errB := strconv.ParseFloat(o.s, 64)
		return errA == nil && errB == nil && a == b
	case KindSequence:
		if len(v.seq) != len(o.seq) {
			return false
		}
		for i := range v.seq {
			if !v.seq[i].Equal(o.seq[i]) {
				return false
			}
		}
		return true
	case KindMapping:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, e := range v.m {
			f, ok := o.m[k]
			if !ok || !e.Equal(f) {
				return false
			}
		}
		return true
	}
	return false
}

// Keys returns the keys of a Mapping in sorted order.
func (v Value) Keys() []string {
	if v.kind != KindMapping {
		return nil
	}
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FromAny converts plain Go data into a Value. Types it does not know are
// round-tripped through encoding/json.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return Str(t), nil
	case json.Number:
		return Num(t), nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return Num(json.Number(strconv.FormatUint(uint64(t), 10))), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		return Num(json.Number(strconv.FormatUint(t, 10))), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case []Value:
		return Seq(t...), nil
	case map[string]Value:
		return Map(t), nil
	case []string:
		out := make([]Value, len(t))
		for i, s := range t {
			out[i] = Str(s)
		}
		return Value{kind: KindSequence, seq: out}, nil
	case []any:
		out := make([]Value, len(t))
		for i, e := range t {
			ev, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			out[i] = ev
		}
		return Value{kind: KindSequence, seq: out}, nil
	case map[string]any:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			ev, err := FromAny(e)
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = ev
		}
		return Value{kind: KindMapping, m: out}, nil
	case map[string]string:
		out := make(map[string]Value, len(t))
		for k, s := range t {
			out[k] = Str(s)
		}
		return Value{kind: KindMapping, m: out}, nil
	}
	b, err := json.Marshal(x)
	if err != nil {
		return Value{}, fmt.Errorf("value: convert %T: %w", x, err)
	}
	return Parse(b)
}

// MustFromAny is FromAny for literals in tests and fixed tables.
func MustFromAny(x any) Value {
	v, err := FromAny(x)
	if err != nil {
		panic(err)
	}
	return v
}

// Parse decodes a single JSON document.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var x any
	if err := dec.Decode(&x); err != nil {
		return Value{}, err
	}
	if dec.More() {
		return Value{}, fmt.Errorf("value: unexpected data after JSON document")
	}
	return FromAny(x)
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
