// Package operation validates raw batch entries and turns them into
// canonical Operations.
//
// Two descriptor formats are understood. The current one names the request
// directly:
//
//	{"method": "get", "path": ["subhosts", 3], "query": "limit=5", "headers": {...}, "data": {...}, "version": "v2"}
//	{"method": "post", "data_type": ["hosts", 5, "subgroups"], "data": {...}}
//
// The legacy one, recognised by its "type" key, names an action on an item:
//
//	{"type": "get", "item": "user", "pk": 3, "filters": "id=1,2"}
//	{"type": "mod", "item": "hosts", "pk": 5, "data_type": "subgroups", "method": "post", "data": {...}}
//
// Normalization happens in two steps. Normalize checks the shape of an entry
// before any reference is resolved; Canonical turns the resolved address into
// the single path form handed to the dispatcher.
package operation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"

	value "github.com/hanpama/batchgate/internal/value"
)

// Methods lists the accepted operation methods in canonical form.
var Methods = []string{"GET", "POST", "PUT", "PATCH", "DELETE"}

// Form is the addressing form an operation was written in.
type Form uint8

const (
	FormPath Form = iota + 1
	FormHierarchy
)

// Field returns the descriptor key the form is read from.
func (f Form) Field() string {
	if f == FormHierarchy {
		return "data_type"
	}
	return "path"
}

// Operation is one batch entry after shape validation. Address, Query,
// Headers and Body may still contain reference tokens.
type Operation struct {
	Index   int
	Method  string
	Form    Form
	Address value.Value // String or Sequence
	Version string
	Query   value.Value // String or Null
	Headers value.Value // Mapping or Null
	Body    value.Value
}

// Normalizer validates descriptors for one batch endpoint.
type Normalizer struct {
	// Root is the API prefix every canonical path starts with, e.g. "/api/".
	Root string
	// DefaultVersion is used when an entry names no version.
	DefaultVersion string
	// Versions restricts the accepted versions. Empty accepts any.
	Versions []string
}

const (
	msgRequired    = "This field is required."
	msgNotString   = "Not a valid string."
	msgNotAddress  = "Expected a string or a list of strings."
	msgNotMapping  = "Expected a dictionary of items but got type %q."
	msgEmptyPath   = "This path resolves to nothing."
	msgBothAddress = "Only one of path and data_type may be given."
)

// Normalize validates raw, the entry at position index of a batch.
// Shape violations are reported as *StructuralError.
func (n *Normalizer) Normalize(index int, raw value.Value) (*Operation, error) {
	fields, ok := raw.Fields()
	if !ok {
		errs := fieldErrors{}
		errs.add("non_field_errors", fmt.Sprintf("Invalid data. Expected a dictionary, but got %s.", raw.Kind()))
		return nil, errs.structural(index)
	}
	if _, legacy := fields["type"]; legacy {
		translated, errs := translateLegacy(fields)
		if len(errs) > 0 {
			return nil, errs.structural(index)
		}
		fields = translated
	}

	errs := fieldErrors{}
	op := &Operation{Index: index, Query: value.Null(), Headers: value.Null(), Body: value.Null()}

	if method, ok := decodeString(fields, "method", errs); ok {
		op.Method = strings.ToUpper(strings.TrimSpace(method))
		switch {
		case op.Method == "":
			errs.add("method", msgRequired)
		case !validMethod(op.Method):
			errs.add("method", fmt.Sprintf("%q is not a valid choice.", method))
		}
	} else if _, given := present(fields, "method"); !given {
		errs.add("method", msgRequired)
	}

	path, hasPath := present(fields, "path")
	dataType, hasDataType := present(fields, "data_type")
	switch {
	case hasPath && hasDataType:
		errs.add("path", msgBothAddress)
	case hasPath:
		op.Form, op.Address = FormPath, path
	case hasDataType:
		op.Form, op.Address = FormHierarchy, dataType
	default:
		errs.add("path", msgRequired)
	}
	if op.Form != 0 && !validAddress(op.Address) {
		errs.add(op.Form.Field(), msgNotAddress)
	}

	op.Version = n.DefaultVersion
	if version, ok := decodeString(fields, "version", errs); ok && version != "" {
		op.Version = version
	}
	if !n.versionAllowed(op.Version) {
		errs.add("version", fmt.Sprintf("%q is not a supported version.", op.Version))
	}

	queryKey := "query"
	if _, ok := present(fields, queryKey); !ok {
		queryKey = "filters"
	}
	if q, ok := decodeString(fields, queryKey, errs); ok {
		op.Query = value.Str(q)
	}

	if headers, ok := present(fields, "headers"); ok {
		if headers.Kind() != value.KindMapping {
			errs.add("headers", fmt.Sprintf(msgNotMapping, headers.Kind()))
		} else {
			op.Headers = headers
		}
	}

	if body, ok := fields["data"]; ok {
		op.Body = body
	} else if body, ok := fields["body"]; ok {
		op.Body = body
	}

	if len(errs) > 0 {
		return nil, errs.structural(index)
	}
	return op, nil
}

// Canonical joins a resolved address into the canonical path
// Root + version + "/" + segments + "/".
func (n *Normalizer) Canonical(op *Operation, address value.Value) (string, error) {
	var raw []string
	switch address.Kind() {
	case value.KindString, value.KindNumber:
		raw = append(raw, address.Text())
	case value.KindSequence:
		for _, seg := range address.Items() {
			switch seg.Kind() {
			case value.KindString, value.KindNumber:
				raw = append(raw, seg.Text())
			default:
				errs := fieldErrors{}
				errs.add(op.Form.Field(), msgNotAddress)
				return "", errs.structural(op.Index)
			}
		}
	default:
		errs := fieldErrors{}
		errs.add(op.Form.Field(), msgNotAddress)
		return "", errs.structural(op.Index)
	}

	var segs []string
	for _, part := range strings.Split(strings.Join(raw, "/"), "/") {
		if part = strings.TrimSpace(part); part != "" {
			segs = append(segs, part)
		}
	}
	if len(segs) == 0 {
		errs := fieldErrors{}
		errs.add(op.Form.Field(), msgEmptyPath)
		return "", errs.structural(op.Index)
	}
	return n.root() + op.Version + "/" + strings.Join(segs, "/") + "/", nil
}

func (n *Normalizer) root() string {
	r := strings.Trim(n.Root, "/")
	if r == "" {
		return "/"
	}
	return "/" + r + "/"
}

func (n *Normalizer) versionAllowed(v string) bool {
	if v == "" {
		return false
	}
	if len(n.Versions) == 0 {
		return true
	}
	for _, allowed := range n.Versions {
		if v == allowed {
			return true
		}
	}
	return false
}

func validMethod(m string) bool {
	for _, allowed := range Methods {
		if m == allowed {
			return true
		}
	}
	return false
}

func validAddress(v value.Value) bool {
	switch v.Kind() {
	case value.KindString, value.KindNumber:
		return true
	case value.KindSequence:
		if v.Len() == 0 {
			return false
		}
		for _, seg := range v.Items() {
			if k := seg.Kind(); k != value.KindString && k != value.KindNumber {
				return false
			}
		}
		return true
	}
	return false
}

func present(fields map[string]value.Value, key string) (value.Value, bool) {
	v, ok := fields[key]
	if !ok || v.IsNull() {
		return value.Null(), false
	}
	return v, true
}

// decodeString reads a scalar descriptor field with weak typing, so a
// numeric version or pk is accepted as its text.
func decodeString(fields map[string]value.Value, key string, errs fieldErrors) (string, bool) {
	v, ok := present(fields, key)
	if !ok {
		return "", false
	}
	if k := v.Kind(); k == value.KindSequence || k == value.KindMapping {
		errs.add(key, msgNotString)
		return "", false
	}
	var out string
	if err := mapstructure.WeakDecode(v.Any(), &out); err != nil {
		errs.add(key, msgNotString)
		return "", false
	}
	return out, true
}

// StructuralError reports an entry whose shape is invalid. Fields maps each
// offending descriptor key to its messages.
type StructuralError struct {
	Index  int
	Fields map[string][]string
}

func (e *StructuralError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+strings.Join(e.Fields[k], " "))
	}
	return fmt.Sprintf("operation %d: %s", e.Index, strings.Join(parts, "; "))
}

// Value renders the field errors as {"field": ["message", ...]}.
func (e *StructuralError) Value() value.Value {
	out := make(map[string]value.Value, len(e.Fields))
	for k, msgs := range e.Fields {
		items := make([]value.Value, len(msgs))
		for i, m := range msgs {
			items[i] = value.Str(m)
		}
		out[k] = value.Seq(items...)
	}
	return value.Map(out)
}

type fieldErrors map[string][]string

func (f fieldErrors) add(field, msg string) { f[field] = append(f[field], msg) }

func (f fieldErrors) structural(index int) *StructuralError {
	return &StructuralError{Index: index, Fields: f}
}
