package resource

import (
	"net/http"
	"strconv"
	"strings"

	store "github.com/hanpama/batchgate/internal/store"
	value "github.com/hanpama/batchgate/internal/value"
)

func records(rows []store.Row) []value.Value {
	out := make([]value.Value, len(rows))
	for i, row := range rows {
		out[i] = row.Data
	}
	return out
}

// paginate filters and pages items by the query of r and renders them as
// {"count": n, "results": [...]}. count is the number of matches before
// paging. "id" accepts a comma separated list; each key of fields matches
// the text of that field exactly.
func paginate(r *http.Request, items []value.Value, fields ...string) value.Value {
	q := r.URL.Query()
	var filters []func(value.Value) bool
	if ids := q.Get("id"); ids != "" {
		want := map[string]bool{}
		for _, id := range strings.Split(ids, ",") {
			want[strings.TrimSpace(id)] = true
		}
		filters = append(filters, func(v value.Value) bool {
			id, _ := v.Get("id")
			return want[id.Text()]
		})
	}
	for _, f := range fields {
		if !q.Has(f) {
			continue
		}
		f, want := f, q.Get(f)
		filters = append(filters, func(v value.Value) bool {
			got, _ := v.Get(f)
			return got.Text() == want
		})
	}

	matched := make([]value.Value, 0, len(items))
next:
	for _, item := range items {
		for _, keep := range filters {
			if !keep(item) {
				continue next
			}
		}
		matched = append(matched, item)
	}

	page := matched
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil && offset > 0 {
		if offset >= len(page) {
			page = nil
		} else {
			page = page[offset:]
		}
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit >= 0 && limit < len(page) {
		page = page[:limit]
	}
	return value.Map(map[string]value.Value{
		"count":   value.Int(int64(len(matched))),
		"results": value.Seq(page...),
	})
}
