package dispatch

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	value "github.com/hanpama/batchgate/internal/value"
)

// MockHandler answers a single request; MockAdapter routes requests to it in tests.
type MockHandler func(ctx context.Context, req Request) (Response, error)

// NewMockResponse returns a MockHandler that always answers with status and data.
func NewMockResponse(status int, data value.Value) MockHandler {
	return func(ctx context.Context, req Request) (Response, error) {
		return Response{Status: status, Data: data}, nil
	}
}

// NewMockError returns a MockHandler that always fails with err.
func NewMockError(err error) MockHandler {
	return func(ctx context.Context, req Request) (Response, error) {
		return Response{}, err
	}
}

// Call records one dispatched request. ScopeID is 0 for requests dispatched
// on the adapter itself and the scope's id otherwise.
type Call struct {
	Method  string
	Path    string
	Version string
	Query   string
	Headers http.Header
	Body    value.Value
	ScopeID int
}

// ScopeRecord is the final state of a scope opened on a MockAdapter.
type ScopeRecord struct {
	ID         int
	Committed  bool
	RolledBack bool
}

// MockAdapter implements Adapter with a handler registry keyed by
// "METHOD path", a call log and a scope log.
type MockAdapter struct {
	mu        sync.Mutex
	handlers  map[string]MockHandler
	fallback  MockHandler
	calls     []Call
	scopes    []*mockScope
	beginErr    error
	commitErr   error
	rollbackErr error
}

// NewMockAdapter creates a MockAdapter. Keys of handlers have the form
// "GET /api/v1/user/". Unmatched requests get a 404.
func NewMockAdapter(handlers map[string]MockHandler) *MockAdapter {
	m := &MockAdapter{handlers: map[string]MockHandler{}}
	for k, h := range handlers {
		m.handlers[k] = h
	}
	return m
}

func (m *MockAdapter) SetHandler(method, path string, h MockHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[strings.ToUpper(method)+" "+path] = h
}

// SetFallback sets the handler used for unmatched requests.
func (m *MockAdapter) SetFallback(h MockHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = h
}

// SetBeginError makes Begin fail with err.
func (m *MockAdapter) SetBeginError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beginErr = err
}

// SetCommitError makes Commit of every scope fail with err.
func (m *MockAdapter) SetCommitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitErr = err
}

// SetRollbackError makes Rollback of every scope fail with err.
func (m *MockAdapter) SetRollbackError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbackErr = err
}

func (m *MockAdapter) Dispatch(ctx context.Context, req Request) (Response, error) {
	return m.dispatch(ctx, req, 0)
}

func (m *MockAdapter) dispatch(ctx context.Context, req Request, scopeID int) (Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{
		Method:  req.Method,
		Path:    req.Path,
		Version: req.Version,
		Query:   req.Query,
		Headers: req.Headers,
		Body:    req.Body,
		ScopeID: scopeID,
	})
	h, ok := m.handlers[req.Method+" "+req.Path]
	if !ok {
		h = m.fallback
	}
	m.mu.Unlock()

	if h == nil {
		return Response{Status: http.StatusNotFound, Data: value.Map(map[string]value.Value{"detail": value.Str("Not found.")})}, nil
	}
	return h(ctx, req)
}

func (m *MockAdapter) Begin(ctx context.Context) (Scope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.beginErr != nil {
		return nil, m.beginErr
	}
	s := &mockScope{m: m, id: len(m.scopes) + 1}
	m.scopes = append(m.scopes, s)
	return s, nil
}

// Calls returns a copy of the call log.
func (m *MockAdapter) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Scopes returns the state of every scope opened so far.
func (m *MockAdapter) Scopes() []ScopeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ScopeRecord, len(m.scopes))
	for i, s := range m.scopes {
		out[i] = ScopeRecord{ID: s.id, Committed: s.committed, RolledBack: s.rolledBack}
	}
	return out
}

var errScopeDone = errors.New("dispatch: scope already finished")

type mockScope struct {
	m          *MockAdapter
	id         int
	committed  bool
	rolledBack bool
}

func (s *mockScope) Dispatch(ctx context.Context, req Request) (Response, error) {
	return s.m.dispatch(ctx, req, s.id)
}

func (s *mockScope) Commit(ctx context.Context) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.committed || s.rolledBack {
		return errScopeDone
	}
	if s.m.commitErr != nil {
		return s.m.commitErr
	}
	s.committed = true
	return nil
}

func (s *mockScope) Rollback(ctx context.Context) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.committed || s.rolledBack {
		return errScopeDone
	}
	if s.m.rollbackErr != nil {
		return s.m.rollbackErr
	}
	s.rolledBack = true
	return nil
}
