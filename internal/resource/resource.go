// Package resource is the in-process REST API the batch engine dispatches
// into. It serves users, host groups, hosts and read-only settings from a
// store.Store, and implements dispatch.Adapter so that a batch can run its
// operations inside one store transaction.
//
// The same router answers ordinary HTTP requests through ServeHTTP.
package resource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/mitchellh/mapstructure"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"

	dispatch "github.com/hanpama/batchgate/internal/dispatch"
	store "github.com/hanpama/batchgate/internal/store"
	value "github.com/hanpama/batchgate/internal/value"
)

type Options struct {
	// Root is the URL prefix of the API, e.g. "/api/".
	Root string
	// Versions lists the mounted API versions. The first one is the default.
	Versions []string
	// ServiceName names the router in traces.
	ServiceName string
}

type Option func(*Options)

func WithRoot(root string) Option            { return func(o *Options) { o.Root = root } }
func WithVersions(versions ...string) Option { return func(o *Options) { o.Versions = versions } }
func WithServiceName(name string) Option     { return func(o *Options) { o.ServiceName = name } }

// API is the resource API. It is safe for concurrent use.
type API struct {
	store  *store.Store
	opt    Options
	router *mux.Router
}

func New(st *store.Store, opts ...Option) *API {
	o := Options{Root: "/api/", Versions: []string{"v1", "v2"}, ServiceName: "batchgate-resource"}
	for _, f := range opts {
		f(&o)
	}
	a := &API{store: st, opt: o}
	a.router = a.routes()
	return a
}

func (a *API) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(otelmux.Middleware(a.opt.ServiceName))
	r.NotFoundHandler = http.HandlerFunc(notFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)

	prefix := "/" + strings.Trim(a.opt.Root, "/")
	if prefix == "/" {
		prefix = ""
	}
	v := r.PathPrefix(prefix + "/{version:" + versionPattern(a.opt.Versions) + "}").Subrouter()
	v.NotFoundHandler = r.NotFoundHandler
	v.MethodNotAllowedHandler = r.MethodNotAllowedHandler

	v.HandleFunc("/user/", a.listUsers).Methods(http.MethodGet)
	v.HandleFunc("/user/", a.createUser).Methods(http.MethodPost)
	v.HandleFunc("/user/{id:[0-9]+}/", a.getUser).Methods(http.MethodGet)
	v.HandleFunc("/user/{id:[0-9]+}/", a.updateUser).Methods(http.MethodPut, http.MethodPatch)
	v.HandleFunc("/user/{id:[0-9]+}/", a.deleteUser).Methods(http.MethodDelete)

	v.HandleFunc("/hosts/", a.listGroups).Methods(http.MethodGet)
	v.HandleFunc("/hosts/", a.createGroup).Methods(http.MethodPost)
	v.HandleFunc("/hosts/{id:[0-9]+}/", a.getGroup).Methods(http.MethodGet)
	v.HandleFunc("/hosts/{id:[0-9]+}/", a.updateGroup).Methods(http.MethodPut, http.MethodPatch)
	v.HandleFunc("/hosts/{id:[0-9]+}/", a.deleteGroup).Methods(http.MethodDelete)

	v.HandleFunc("/hosts/{id:[0-9]+}/subgroups/", a.listSubgroups).Methods(http.MethodGet)
	v.HandleFunc("/hosts/{id:[0-9]+}/subgroups/", a.createSubgroup).Methods(http.MethodPost)
	v.HandleFunc("/hosts/{id:[0-9]+}/subgroups/{sid:[0-9]+}/", a.getSubgroup).Methods(http.MethodGet)
	v.HandleFunc("/hosts/{id:[0-9]+}/subgroups/{sid:[0-9]+}/", a.updateSubgroup).Methods(http.MethodPut, http.MethodPatch)
	v.HandleFunc("/hosts/{id:[0-9]+}/subgroups/{sid:[0-9]+}/", a.detachSubgroup).Methods(http.MethodDelete)

	v.HandleFunc("/hosts/{id:[0-9]+}/hosts/", a.listGroupHosts).Methods(http.MethodGet)
	v.HandleFunc("/hosts/{id:[0-9]+}/hosts/", a.addGroupHosts).Methods(http.MethodPost)
	v.HandleFunc("/hosts/{id:[0-9]+}/hosts/{hid:[0-9]+}/", a.getGroupHost).Methods(http.MethodGet)
	v.HandleFunc("/hosts/{id:[0-9]+}/hosts/{hid:[0-9]+}/", a.updateGroupHost).Methods(http.MethodPut, http.MethodPatch)
	v.HandleFunc("/hosts/{id:[0-9]+}/hosts/{hid:[0-9]+}/", a.detachGroupHost).Methods(http.MethodDelete)

	v.HandleFunc("/subhosts/", a.listHosts).Methods(http.MethodGet)
	v.HandleFunc("/subhosts/", a.createHost).Methods(http.MethodPost)
	v.HandleFunc("/subhosts/{id:[0-9]+}/", a.getHost).Methods(http.MethodGet)
	v.HandleFunc("/subhosts/{id:[0-9]+}/", a.updateHost).Methods(http.MethodPut, http.MethodPatch)
	v.HandleFunc("/subhosts/{id:[0-9]+}/", a.deleteHost).Methods(http.MethodDelete)

	v.HandleFunc("/settings/", a.settings)
	v.HandleFunc("/settings/{section}/", a.settingsSection)
	v.HandleFunc("/request_info/", a.requestInfo)
	return r
}

func versionPattern(versions []string) string {
	if len(versions) == 0 {
		return "[^/]+"
	}
	quoted := make([]string, len(versions))
	for i, v := range versions {
		quoted[i] = regexp.QuoteMeta(v)
	}
	return strings.Join(quoted, "|")
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) { a.router.ServeHTTP(w, r) }

// Dispatch runs req against the router with its own auto-committed writes.
func (a *API) Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Response, error) {
	return a.serve(ctx, nil, req)
}

// Begin opens a store transaction shared by every request of the scope.
func (a *API) Begin(ctx context.Context) (dispatch.Scope, error) {
	tx, err := a.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &scope{api: a, tx: tx}, nil
}

type scope struct {
	api *API
	tx  *store.Tx
}

func (s *scope) Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Response, error) {
	return s.api.serve(ctx, s.tx, req)
}

func (s *scope) Commit(ctx context.Context) error   { return s.tx.Commit() }
func (s *scope) Rollback(ctx context.Context) error { return s.tx.Rollback() }

func (a *API) serve(ctx context.Context, tx *store.Tx, req dispatch.Request) (dispatch.Response, error) {
	body := io.Reader(http.NoBody)
	if !req.Body.IsNull() {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return dispatch.Response{}, fmt.Errorf("resource: encode body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	rej := &rejection{}
	ctx = context.WithValue(ctx, rejectionKey{}, rej)
	if tx != nil {
		ctx = context.WithValue(ctx, txKey{}, tx)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, "/", body)
	if err != nil {
		return dispatch.Response{}, fmt.Errorf("resource: build request: %w", err)
	}
	hr.URL = &url.URL{Path: req.Path, RawQuery: req.Query}
	hr.RequestURI = hr.URL.RequestURI()
	for k, vs := range req.Headers {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	hr.Header.Set("Content-Type", "application/json")

	rec := &recorder{header: http.Header{}}
	a.router.ServeHTTP(rec, hr)
	if rej.err != nil {
		return dispatch.Response{}, rej.err
	}

	resp := dispatch.Response{Status: rec.statusCode(), Headers: rec.header, Data: value.Null()}
	if rec.body.Len() > 0 {
		data, err := value.Parse(rec.body.Bytes())
		if err != nil {
			data = value.Str(rec.body.String())
		}
		resp.Data = data
	}
	return resp, nil
}

// recorder captures a response written by the router.
type recorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
}

func (r *recorder) Write(b []byte) (int, error) {
	r.WriteHeader(http.StatusOK)
	return r.body.Write(b)
}

func (r *recorder) statusCode() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

type txKey struct{}

type rejectionKey struct{}

type rejection struct{ err *dispatch.ProtocolError }

// reject answers r with a protocol-level rejection. When r was dispatched by
// the batch engine the rejection is also reported to it as an error.
func reject(w http.ResponseWriter, r *http.Request, perr *dispatch.ProtocolError) {
	if rej, ok := r.Context().Value(rejectionKey{}).(*rejection); ok {
		rej.err = perr
	}
	writeJSON(w, perr.Status, dispatch.ErrorData(perr.Kind, perr.Detail))
}

func (a *API) read(r *http.Request, fn func(store.Reader) error) error {
	if tx, ok := r.Context().Value(txKey{}).(*store.Tx); ok {
		return fn(tx)
	}
	return a.store.View(fn)
}

func (a *API) write(r *http.Request, fn func(*store.Tx) error) error {
	if tx, ok := r.Context().Value(txKey{}).(*store.Tx); ok {
		return fn(tx)
	}
	return a.store.Update(r.Context(), fn)
}

// ---- request and response helpers ----

func writeJSON(w http.ResponseWriter, status int, v any) {
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func detail(msg string) value.Value {
	return value.Map(map[string]value.Value{"detail": value.Str(msg)})
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, detail("Not found."))
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, detail(fmt.Sprintf("Method %q not allowed.", r.Method)))
}

// fail maps err to a response.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr fieldErrors
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, verr.value())
	case errors.Is(err, store.ErrNotFound):
		notFound(w, r)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeJSON(w, http.StatusServiceUnavailable, detail("Request was interrupted."))
	default:
		writeJSON(w, http.StatusInternalServerError, detail(err.Error()))
	}
}

func pathID(r *http.Request, key string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[key], 10, 64)
	return id, err == nil
}

func readBody(r *http.Request) (value.Value, error) {
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return value.Value{}, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return value.Null(), nil
	}
	v, err := value.Parse(b)
	if err != nil {
		errs := fieldErrors{}
		errs.add("non_field_errors", "JSON parse error - "+err.Error())
		return value.Value{}, errs
	}
	return v, nil
}

// decodePayload decodes a mapping body into out, a struct with
// mapstructure tags. Numbers are accepted for string fields.
func decodePayload(body value.Value, out any) error {
	if body.IsNull() {
		body = value.Map(nil)
	}
	if body.Kind() != value.KindMapping {
		errs := fieldErrors{}
		errs.add("non_field_errors", fmt.Sprintf("Invalid data. Expected a dictionary, but got %s.", body.Kind()))
		return errs
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{WeaklyTypedInput: true, Result: out})
	if err != nil {
		return err
	}
	if err := dec.Decode(body.Any()); err != nil {
		errs := fieldErrors{}
		var merr *mapstructure.Error
		if errors.As(err, &merr) {
			for _, m := range merr.Errors {
				errs.add("non_field_errors", m)
			}
		} else {
			errs.add("non_field_errors", err.Error())
		}
		return errs
	}
	return nil
}

// decodeRecord loads a stored record into out.
func decodeRecord(rec value.Value, out any) error {
	return mapstructure.Decode(rec.Any(), out)
}

type fieldErrors map[string][]string

func (f fieldErrors) add(field, msg string) { f[field] = append(f[field], msg) }

func (f fieldErrors) Error() string {
	return "resource: invalid data: " + f.value().String()
}

func (f fieldErrors) value() value.Value {
	out := make(map[string]value.Value, len(f))
	for k, msgs := range f {
		items := make([]value.Value, len(msgs))
		for i, m := range msgs {
			items[i] = value.Str(m)
		}
		out[k] = value.Seq(items...)
	}
	return value.Map(out)
}

const (
	msgRequired = "This field is required."
	msgBlank    = "This field may not be blank."
	msgTooLong  = "Ensure this field has no more than %d characters."
)

// checkString validates a string field. required applies when the field is
// absent, nonBlank when it is present.
func checkString(errs fieldErrors, field string, v *string, required, nonBlank bool, max int) {
	if v == nil {
		if required {
			errs.add(field, msgRequired)
		}
		return
	}
	if nonBlank && strings.TrimSpace(*v) == "" {
		errs.add(field, msgBlank)
		return
	}
	if len([]rune(*v)) > max {
		errs.add(field, fmt.Sprintf(msgTooLong, max))
	}
}
