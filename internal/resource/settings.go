package resource

import (
	"fmt"
	"net/http"
	"runtime"
	"sort"

	"github.com/gorilla/mux"

	dispatch "github.com/hanpama/batchgate/internal/dispatch"
	value "github.com/hanpama/batchgate/internal/value"
)

func (a *API) settingsSections() map[string]value.Value {
	versions := make([]value.Value, len(a.opt.Versions))
	for i, v := range a.opt.Versions {
		versions[i] = value.Str(v)
	}
	return map[string]value.Value{
		"system": value.Map(map[string]value.Value{
			"GO":       value.Str(runtime.Version()),
			"OS":       value.Str(runtime.GOOS),
			"ARCH":     value.Str(runtime.GOARCH),
			"VERSIONS": value.Seq(versions...),
		}),
	}
}

// rejectWrites refuses every method but GET and HEAD. Settings are not
// backed by a collection, so a write never reaches resource logic.
func rejectWrites(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return false
	}
	reject(w, r, &dispatch.ProtocolError{
		Status: http.StatusUnsupportedMediaType,
		Kind:   "UnsupportedMediaType",
		Detail: fmt.Sprintf("Unsupported media type %q in request.", r.Header.Get("Content-Type")),
	})
	return true
}

func (a *API) settings(w http.ResponseWriter, r *http.Request) {
	if rejectWrites(w, r) {
		return
	}
	sections := a.settingsSections()
	names := make([]string, 0, len(sections))
	for name := range sections {
		names = append(names, name)
	}
	sort.Strings(names)
	items := make([]value.Value, len(names))
	for i, name := range names {
		items[i] = value.Map(map[string]value.Value{"name": value.Str(name)})
	}
	writeJSON(w, http.StatusOK, paginate(r, items, "name"))
}

func (a *API) settingsSection(w http.ResponseWriter, r *http.Request) {
	if rejectWrites(w, r) {
		return
	}
	section, ok := a.settingsSections()[mux.Vars(r)["section"]]
	if !ok {
		notFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, section)
}

// requestInfo echoes the request it received.
func (a *API) requestInfo(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	headers := make(map[string]value.Value, len(r.Header))
	for k, vs := range r.Header {
		if len(vs) == 1 {
			headers[k] = value.Str(vs[0])
			continue
		}
		items := make([]value.Value, len(vs))
		for i, v := range vs {
			items[i] = value.Str(v)
		}
		headers[k] = value.Seq(items...)
	}
	writeJSON(w, http.StatusOK, value.Map(map[string]value.Value{
		"method":  value.Str(r.Method),
		"path":    value.Str(r.URL.Path),
		"version": value.Str(mux.Vars(r)["version"]),
		"query":   value.Str(r.URL.RawQuery),
		"headers": value.Map(headers),
		"data":    body,
	}))
}
