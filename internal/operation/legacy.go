package operation

import (
	"fmt"
	"strings"

	value "github.com/hanpama/batchgate/internal/value"
)

// LegacyTypes maps the action names of the item/type descriptor format to
// methods. "mod" takes its method from the entry and defaults to POST.
var LegacyTypes = map[string]string{
	"get": "GET",
	"add": "POST",
	"set": "PATCH",
	"del": "DELETE",
	"mod": "POST",
}

// translateLegacy rewrites an item/type descriptor into the data_type form.
func translateLegacy(fields map[string]value.Value) (map[string]value.Value, fieldErrors) {
	errs := fieldErrors{}

	kind, ok := decodeString(fields, "type", errs)
	if !ok {
		if _, given := present(fields, "type"); !given {
			errs.add("type", msgRequired)
		}
	}
	kind = strings.ToLower(strings.TrimSpace(kind))
	method, known := LegacyTypes[kind]
	if ok && !known {
		errs.add("type", fmt.Sprintf("%q is not a valid choice.", kind))
	}
	if kind == "mod" {
		if m, ok := decodeString(fields, "method", errs); ok && m != "" {
			method = m
		}
	}

	item, ok := present(fields, "item")
	switch {
	case !ok:
		errs.add("item", msgRequired)
	case item.Kind() != value.KindString:
		errs.add("item", msgNotString)
	}

	segments := []value.Value{item}
	if pk, ok := present(fields, "pk"); ok {
		switch pk.Kind() {
		case value.KindString, value.KindNumber:
			segments = append(segments, pk)
		default:
			errs.add("pk", msgNotString)
		}
	}
	if sub, ok := present(fields, "data_type"); ok {
		switch sub.Kind() {
		case value.KindString, value.KindNumber:
			segments = append(segments, sub)
		case value.KindSequence:
			segments = append(segments, sub.Items()...)
		default:
			errs.add("data_type", msgNotAddress)
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}

	out := make(map[string]value.Value, len(fields))
	for k, v := range fields {
		switch k {
		case "type", "item", "pk", "data_type", "path":
			continue
		}
		out[k] = v
	}
	out["method"] = value.Str(method)
	out["data_type"] = value.Seq(segments...)
	return out, nil
}
