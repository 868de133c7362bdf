package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	dispatch "github.com/hanpama/batchgate/internal/dispatch"
	eventbus "github.com/hanpama/batchgate/internal/eventbus"
	events "github.com/hanpama/batchgate/internal/events"
	executor "github.com/hanpama/batchgate/internal/executor"
	operation "github.com/hanpama/batchgate/internal/operation"
	ratelimit "github.com/hanpama/batchgate/internal/ratelimit"
	reqid "github.com/hanpama/batchgate/internal/reqid"
	value "github.com/hanpama/batchgate/internal/value"
)

// Handler is an http.Handler that serves the batch endpoints.
// It parses requests, runs the executor, and writes the envelope list.
type Handler struct {
	adapter    dispatch.Adapter
	normalizer operation.Normalizer
	exec       *executor.Executor
	router     *mux.Router
	opt        Options
}

type Options struct {
	// Timeout sets a default timeout if the incoming request context has none.
	// 0 means no default timeout.
	Timeout time.Duration

	// Pretty enables indented JSON responses (useful for dev).
	Pretty bool

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions

	// MaxOperations limits the number of entries in one batch. 0 means unlimited.
	MaxOperations int

	// FailedStatus is the outer status of rolled back atomic batches.
	FailedStatus int

	// LegacyFailedStatus is FailedStatus for the _bulk endpoint.
	LegacyFailedStatus int

	// Limiter throttles requests per client. nil disables throttling.
	Limiter *ratelimit.Limiter
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}
func WithMaxOperations(n int) Option           { return func(o *Options) { o.MaxOperations = n } }
func WithFailedStatus(status int) Option       { return func(o *Options) { o.FailedStatus = status } }
func WithLegacyFailedStatus(status int) Option { return func(o *Options) { o.LegacyFailedStatus = status } }
func WithRateLimit(l *ratelimit.Limiter) Option {
	return func(o *Options) { o.Limiter = l }
}

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

// New creates the batch HTTP handler. Operations are dispatched to adapter;
// normalizer fixes the API root and the versions the batch may address.
func New(adapter dispatch.Adapter, normalizer operation.Normalizer, opts ...Option) *Handler {
	op := Options{
		Timeout:            10 * time.Second,
		FailedStatus:       executor.DefaultFailedStatus,
		LegacyFailedStatus: http.StatusBadRequest,
	}
	for _, f := range opts {
		f(&op)
	}
	if normalizer.Root == "" {
		normalizer.Root = "/api/"
	}
	h := &Handler{
		adapter:    adapter,
		normalizer: normalizer,
		opt:        op,
	}
	h.exec = executor.New(adapter, &h.normalizer, executor.WithFailedStatus(op.FailedStatus))
	h.router = h.routes()
	return h
}

func (h *Handler) routes() *mux.Router {
	rt := mux.NewRouter()
	rt.NotFoundHandler = http.HandlerFunc(h.notFound)
	rt.MethodNotAllowedHandler = http.HandlerFunc(h.methodNotAllowed)

	root := h.normalizer.Root
	rt.HandleFunc(root+"endpoint/", h.describe).Methods(http.MethodGet, http.MethodHead)
	rt.HandleFunc(root+"endpoint/", h.endpoint).Methods(http.MethodPost, http.MethodPut)
	rt.HandleFunc(root+"{version}/_bulk/", h.describeLegacy).Methods(http.MethodGet, http.MethodHead)
	rt.HandleFunc(root+"{version}/_bulk/", h.bulk).Methods(http.MethodPost, http.MethodPut)
	return rt
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}

	ctx, rid := reqid.FromRequest(ctx, r)
	w.Header().Set(reqid.Header, strconv.FormatInt(rid, 10))
	sw := &statusWriter{ResponseWriter: w}
	start := time.Now()
	eventbus.Publish(ctx, events.HTTPStart{Request: r})
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{Request: r, Status: sw.code(), Duration: time.Since(start)})
	}()

	if len(h.opt.CORS.AllowedOrigins) > 0 {
		setCORSHeaders(sw, r, h.opt.CORS)
	}
	if r.Method == http.MethodOptions {
		sw.WriteHeader(http.StatusNoContent)
		return
	}
	if !h.opt.Limiter.Allow(ratelimit.ClientKey(r), time.Now()) {
		h.writeDetail(sw, http.StatusTooManyRequests, "Request was throttled.")
		return
	}

	h.router.ServeHTTP(sw, r.WithContext(ctx))
}

// endpoint runs a batch of current descriptors. POST is atomic and PUT is
// best effort.
func (h *Handler) endpoint(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, h.exec)
}

// bulk runs a batch at the legacy per-version URL. Entries without a
// version use the one in the URL.
func (h *Handler) bulk(w http.ResponseWriter, r *http.Request) {
	version := mux.Vars(r)["version"]
	if !h.versionAllowed(version) {
		h.notFound(w, r)
		return
	}
	n := h.normalizer
	n.DefaultVersion = version
	exec := executor.New(h.adapter, &n, executor.WithFailedStatus(h.opt.LegacyFailedStatus))
	h.run(w, r, exec)
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request, exec *executor.Executor) {
	ops, berr := h.parseBatch(r)
	if berr != nil {
		h.writeDetail(w, berr.status, berr.detail)
		return
	}
	res := exec.Execute(r.Context(), executor.Batch{Mode: modeOf(r.Method), Operations: ops})
	h.writeJSON(w, res.Status, res.Envelopes)
}

func modeOf(method string) executor.Mode {
	if method == http.MethodPost {
		return executor.Atomic
	}
	return executor.BestEffort
}

func (h *Handler) describe(w http.ResponseWriter, r *http.Request) {
	versions := h.normalizer.Versions
	if versions == nil {
		versions = []string{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"operations_types": operation.Methods,
		"modes": map[string]string{
			http.MethodPost: executor.Atomic.String(),
			http.MethodPut:  executor.BestEffort.String(),
		},
		"default_version": h.normalizer.DefaultVersion,
		"versions":        versions,
	})
}

func (h *Handler) describeLegacy(w http.ResponseWriter, r *http.Request) {
	if !h.versionAllowed(mux.Vars(r)["version"]) {
		h.notFound(w, r)
		return
	}
	types := make([]string, 0, len(operation.LegacyTypes))
	for t := range operation.LegacyTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	h.writeJSON(w, http.StatusOK, map[string]any{"operations_types": types})
}

func (h *Handler) versionAllowed(v string) bool {
	if len(h.normalizer.Versions) == 0 {
		return v != ""
	}
	return contains(h.normalizer.Versions, v)
}

// ------------------ Request parsing ------------------

type batchError struct {
	status int
	detail string
}

const errBodyTooLargeMessage = "Request body is too large."

// parseBatch reads the list of operation descriptors. An empty body is an
// empty batch.
func (h *Handler) parseBatch(r *http.Request) ([]value.Value, *batchError) {
	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" && !startsWith(ct, "application/json;") {
		return nil, &batchError{http.StatusUnsupportedMediaType, fmt.Sprintf("Unsupported media type %q in request.", ct)}
	}

	reader := io.Reader(r.Body)
	if h.opt.MaxBodyBytes > 0 {
		reader = io.LimitReader(r.Body, h.opt.MaxBodyBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, &batchError{http.StatusBadRequest, "Failed to read request body."}
	}
	defer r.Body.Close()
	if h.opt.MaxBodyBytes > 0 && int64(len(body)) > h.opt.MaxBodyBytes {
		return nil, &batchError{http.StatusRequestEntityTooLarge, errBodyTooLargeMessage}
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return []value.Value{}, nil
	}

	v, err := value.Parse(body)
	if err != nil {
		return nil, &batchError{http.StatusBadRequest, "JSON parse error - " + err.Error()}
	}
	if v.Kind() != value.KindSequence {
		return nil, &batchError{http.StatusBadRequest, fmt.Sprintf("Expected a list of operations but got type %q.", v.Kind())}
	}
	ops := v.Items()
	for i, op := range ops {
		if op.Kind() != value.KindMapping {
			return nil, &batchError{http.StatusBadRequest, fmt.Sprintf("Operation %d: expected a dictionary of items but got type %q.", i, op.Kind())}
		}
	}
	if h.opt.MaxOperations > 0 && len(ops) > h.opt.MaxOperations {
		return nil, &batchError{http.StatusRequestEntityTooLarge, fmt.Sprintf("Too many operations: %d, the limit is %d.", len(ops), h.opt.MaxOperations)}
	}
	return ops, nil
}

// ------------------ Response formatting ------------------

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	writeJSON(w, status, v, h.opt.Pretty)
}

func (h *Handler) writeDetail(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"detail": msg})
}

func (h *Handler) notFound(w http.ResponseWriter, r *http.Request) {
	h.writeDetail(w, http.StatusNotFound, "Not found.")
}

func (h *Handler) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.writeDetail(w, http.StatusMethodNotAllowed, fmt.Sprintf("Method %q not allowed.", r.Method))
}

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

func startsWith(s, prefix string) bool { return len(s) >= len(prefix) && s[:len(prefix)] == prefix }

// statusWriter remembers the status written through it for HTTPFinish.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := false
	for _, o := range opts.AllowedOrigins {
		if o == "*" || o == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}
	if contains(opts.AllowedOrigins, "*") {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	w.Header().Set("Access-Control-Expose-Headers", reqid.Header)
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
