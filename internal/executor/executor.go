package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	dispatch "github.com/hanpama/batchgate/internal/dispatch"
	eventbus "github.com/hanpama/batchgate/internal/eventbus"
	events "github.com/hanpama/batchgate/internal/events"
	operation "github.com/hanpama/batchgate/internal/operation"
	reference "github.com/hanpama/batchgate/internal/reference"
	value "github.com/hanpama/batchgate/internal/value"
)

// Mode selects how failures of single operations affect the batch.
type Mode uint8

const (
	BestEffort Mode = iota
	Atomic
)

func (m Mode) String() string {
	if m == Atomic {
		return "atomic"
	}
	return "best_effort"
}

// Batch is one client request: raw operation descriptors and a mode.
type Batch struct {
	Mode       Mode
	Operations []value.Value
}

// StructurePath is the path reported by envelopes that describe a failure of
// the batch itself rather than of a dispatched request.
const StructurePath = "bulk"

// DefaultFailedStatus is the outer status of a rolled back atomic batch.
const DefaultFailedStatus = http.StatusBadGateway

type Executor struct {
	adapter      dispatch.Adapter
	normalizer   *operation.Normalizer
	failedStatus int
}

type Option func(*Executor)

// WithFailedStatus sets the outer status of rolled back atomic batches.
func WithFailedStatus(status int) Option {
	return func(e *Executor) {
		if status > 0 {
			e.failedStatus = status
		}
	}
}

func New(adapter dispatch.Adapter, normalizer *operation.Normalizer, opts ...Option) *Executor {
	e := &Executor{adapter: adapter, normalizer: normalizer, failedStatus: DefaultFailedStatus}
	for _, o := range opts {
		o(e)
	}
	return e
}

// executionState holds the state of one batch.
type executionState struct {
	dispatcher dispatch.Dispatcher
	normalizer *operation.Normalizer
	envelopes  []Envelope
	results    []value.Value
	failed     bool
	// fatal is the outer status forced by a fatal outcome, 0 if none.
	fatal    int
	fatalErr error
}

func (st *executionState) record(env Envelope) {
	st.envelopes = append(st.envelopes, env)
	st.results = append(st.results, env.Value())
	if env.Failed() {
		st.failed = true
	}
}

func (st *executionState) abort(status int, err error) {
	st.fatal = status
	st.fatalErr = err
}

// Execute runs b and returns its aggregated result. It never returns nil.
func (e *Executor) Execute(ctx context.Context, b Batch) *Result {
	start := time.Now()
	eventbus.Publish(ctx, events.BatchStart{Mode: b.Mode.String(), Size: len(b.Operations)})

	res := e.execute(ctx, b)

	eventbus.Publish(ctx, events.BatchFinish{
		Mode:      b.Mode.String(),
		Size:      len(b.Operations),
		Executed:  len(res.Envelopes),
		Status:    res.Status,
		Committed: res.Committed,
		Aborted:   res.Aborted,
		Err:       res.Err,
		Duration:  time.Since(start),
	})
	return res
}

func (e *Executor) execute(ctx context.Context, b Batch) *Result {
	st := &executionState{
		dispatcher: e.adapter,
		normalizer: e.normalizer,
		envelopes:  make([]Envelope, 0, len(b.Operations)),
		results:    make([]value.Value, 0, len(b.Operations)),
	}
	if len(b.Operations) == 0 {
		return &Result{Envelopes: st.envelopes, Status: http.StatusOK}
	}

	var scope dispatch.Scope
	if b.Mode == Atomic {
		s, err := e.adapter.Begin(ctx)
		if err != nil {
			status := http.StatusInternalServerError
			kind := dispatch.Kind(err)
			if errors.Is(err, dispatch.ErrNoTransactions) {
				status = http.StatusNotImplemented
				kind = dispatch.KindProtocol
			}
			st.record(Envelope{Path: StructurePath, Status: status, Data: dispatch.ErrorData(kind, err.Error())})
			return &Result{Envelopes: st.envelopes, Status: status, Aborted: true, Err: fmt.Errorf("executor: begin scope: %w", err)}
		}
		scope = s
		st.dispatcher = s
	}

	for i, raw := range b.Operations {
		if err := ctx.Err(); err != nil {
			status := cancelStatus(err)
			st.record(Envelope{Path: StructurePath, Status: status, Data: dispatch.ErrorData(dispatch.Kind(err), err.Error())})
			st.abort(status, err)
			break
		}
		st.runOperation(ctx, i, raw)
		if st.fatal != 0 {
			break
		}
	}

	res := &Result{Envelopes: st.envelopes, Status: http.StatusOK, Aborted: st.fatal != 0, Err: st.fatalErr}
	if st.fatal != 0 {
		res.Status = st.fatal
	}
	if scope == nil {
		return res
	}

	if st.fatal != 0 || st.failed {
		res.Err = errors.Join(res.Err, rollback(ctx, scope))
		if st.fatal == 0 {
			res.Status = e.failedStatus
		}
		return res
	}
	if err := ctx.Err(); err != nil {
		res.Status = cancelStatus(err)
		res.Aborted = true
		res.Err = errors.Join(err, rollback(ctx, scope))
		return res
	}
	if err := scope.Commit(ctx); err != nil {
		res.Status = http.StatusInternalServerError
		res.Err = errors.Join(fmt.Errorf("executor: commit scope: %w", err), rollback(ctx, scope))
		return res
	}
	res.Committed = true
	return res
}

func (st *executionState) runOperation(ctx context.Context, index int, raw value.Value) {
	start := time.Now()
	eventbus.Publish(ctx, events.OperationStart{Index: index})

	env, kind, err := st.evaluate(ctx, index, raw)
	st.record(env)

	eventbus.Publish(ctx, events.OperationFinish{
		Index:     index,
		Method:    env.Method,
		Path:      env.Path,
		Status:    env.Status,
		ErrorType: kind,
		Err:       err,
		Duration:  time.Since(start),
	})
}

// evaluate produces the envelope of one operation. kind and err are set for
// outcomes that did not come from the resource API.
func (st *executionState) evaluate(ctx context.Context, index int, raw value.Value) (Envelope, string, error) {
	op, err := st.normalizer.Normalize(index, raw)
	if err != nil {
		return st.structural(rawMethod(raw), err), dispatch.KindStructure, err
	}

	r := reference.Resolver{Results: st.results, Current: index}
	env := Envelope{Method: op.Method, Version: op.Version}

	address, rerr := r.Resolve(op.Form.Field(), op.Address)
	if rerr != nil {
		env.Path = st.unresolvedPath(op)
		return referenceFailure(env, rerr), dispatch.KindReference, rerr
	}
	path, err := st.normalizer.Canonical(op, address)
	if err != nil {
		// The address resolved to something that is not a path.
		env.Path = st.unresolvedPath(op)
		return addressFailure(env, err), dispatch.KindStructure, err
	}
	env.Path = path

	req := dispatch.Request{Method: op.Method, Path: path, Version: op.Version}
	query, rerr := r.Resolve("query", op.Query)
	if rerr != nil {
		env.Path = withQuery(path, op.Query)
		return referenceFailure(env, rerr), dispatch.KindReference, rerr
	}
	if !query.IsNull() {
		req.Query = query.Text()
	}
	env.Path = withQuery(path, query)
	headers, rerr := r.Resolve("headers", op.Headers)
	if rerr != nil {
		return referenceFailure(env, rerr), dispatch.KindReference, rerr
	}
	req.Headers = toHeader(headers)
	if req.Body, rerr = r.Resolve("data", op.Body); rerr != nil {
		return referenceFailure(env, rerr), dispatch.KindReference, rerr
	}

	resp, err := dispatchSafely(ctx, st.dispatcher, req)
	if err != nil {
		kind := dispatch.Kind(err)
		var perr *dispatch.ProtocolError
		switch {
		case errors.As(err, &perr):
			env.Status = perr.Status
			env.Data = dispatch.ErrorData(kind, perr.Detail)
			st.abort(perr.Status, err)
		case ctx.Err() != nil:
			// The request was interrupted by the caller, not refused by the API.
			env.Status = cancelStatus(ctx.Err())
			env.Data = dispatch.ErrorData(dispatch.Kind(ctx.Err()), err.Error())
			st.abort(env.Status, ctx.Err())
		default:
			env.Status = http.StatusInternalServerError
			env.Data = dispatch.ErrorData(kind, err.Error())
		}
		return env, kind, err
	}
	if resp.Status == 0 {
		err := errors.New("executor: adapter returned no status")
		env.Status = http.StatusInternalServerError
		env.Data = dispatch.ErrorData(dispatch.KindInternal, err.Error())
		return env, dispatch.KindInternal, err
	}
	env.Status = resp.Status
	env.Data = resp.Data
	return env, "", nil
}

func (st *executionState) structural(method string, err error) Envelope {
	env := Envelope{Method: method, Path: StructurePath, Status: http.StatusInternalServerError}
	var serr *operation.StructuralError
	if errors.As(err, &serr) {
		env.Data = serr.Value()
	} else {
		env.Data = dispatch.ErrorData(dispatch.KindStructure, err.Error())
	}
	st.abort(env.Status, err)
	return env
}

// unresolvedPath renders the address as written, tokens included, for
// envelopes of operations whose address could not be resolved.
func (st *executionState) unresolvedPath(op *operation.Operation) string {
	if p, err := st.normalizer.Canonical(op, op.Address); err == nil {
		return withQuery(p, op.Query)
	}
	return withQuery(op.Address.Text(), op.Query)
}

// withQuery appends the query string to path the way the operation was
// requested: /api/v1/user/?limit=5.
func withQuery(path string, query value.Value) string {
	if query.IsNull() {
		return path
	}
	q := query.Text()
	if q == "" {
		return path
	}
	return path + "?" + q
}

func addressFailure(env Envelope, err error) Envelope {
	env.Status = http.StatusBadRequest
	var serr *operation.StructuralError
	if errors.As(err, &serr) {
		env.Data = serr.Value().With("error_type", value.Str(dispatch.KindStructure))
	} else {
		env.Data = dispatch.ErrorData(dispatch.KindStructure, err.Error())
	}
	return env
}

func referenceFailure(env Envelope, err error) Envelope {
	env.Status = http.StatusBadRequest
	data := dispatch.ErrorData(dispatch.KindReference, err.Error())
	var rerr *reference.Error
	if errors.As(err, &rerr) {
		data = data.With("token", value.Str(rerr.Token)).With("field", value.Str(rerr.Field))
	}
	env.Data = data
	return env
}

// panicError wraps a value recovered from a panicking dispatcher.
type panicError struct{ v any }

func (p *panicError) Error() string { return fmt.Sprintf("dispatch panicked: %v", p.v) }

func dispatchSafely(ctx context.Context, d dispatch.Dispatcher, req dispatch.Request) (resp dispatch.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = dispatch.Response{}, &panicError{v: r}
		}
	}()
	return d.Dispatch(ctx, req)
}

// rollback discards scope and returns a wrapped error if that fails.
func rollback(ctx context.Context, scope dispatch.Scope) error {
	// Rollback must complete even when ctx is the reason for it.
	if err := scope.Rollback(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("executor: rollback scope: %w", err)
	}
	return nil
}

func cancelStatus(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusServiceUnavailable
}

func toHeader(v value.Value) http.Header {
	fields, ok := v.Fields()
	if !ok || len(fields) == 0 {
		return nil
	}
	h := http.Header{}
	for k, item := range fields {
		switch item.Kind() {
		case value.KindNull:
		case value.KindSequence:
			for _, x := range item.Items() {
				h.Add(k, x.Text())
			}
		default:
			h.Add(k, item.Text())
		}
	}
	return h
}

func rawMethod(raw value.Value) string {
	m, ok := raw.Get("method")
	if !ok {
		return ""
	}
	s, ok := m.AsString()
	if !ok {
		return ""
	}
	return strings.ToUpper(s)
}
