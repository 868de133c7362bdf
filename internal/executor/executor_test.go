package executor

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	dispatch "github.com/hanpama/batchgate/internal/dispatch"
	eventbus "github.com/hanpama/batchgate/internal/eventbus"
	events "github.com/hanpama/batchgate/internal/events"
	operation "github.com/hanpama/batchgate/internal/operation"
	value "github.com/hanpama/batchgate/internal/value"
)

func newNormalizer() *operation.Normalizer {
	return &operation.Normalizer{Root: "/api/", DefaultVersion: "v1", Versions: []string{"v1", "v2"}}
}

func batch(t *testing.T, mode Mode, src string) Batch {
	t.Helper()
	v, err := value.Parse([]byte(src))
	require.NoError(t, err)
	require.Equal(t, value.KindSequence, v.Kind())
	return Batch{Mode: mode, Operations: v.Items()}
}

func statuses(res *Result) []int {
	out := make([]int, len(res.Envelopes))
	for i, e := range res.Envelopes {
		out[i] = e.Status
	}
	return out
}

func paths(calls []dispatch.Call) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Method + " " + c.Path
	}
	return out
}

func echo(status int) dispatch.MockHandler {
	return func(_ context.Context, req dispatch.Request) (dispatch.Response, error) {
		return dispatch.Response{Status: status, Data: req.Body}, nil
	}
}

func TestReferenceChainBestEffort(t *testing.T) {
	m := dispatch.NewMockAdapter(map[string]dispatch.MockHandler{
		"POST /api/v1/user/": dispatch.NewMockResponse(http.StatusCreated, value.MustFromAny(map[string]any{"id": 7, "username": "u1"})),
		"GET /api/v1/user/7/": dispatch.NewMockResponse(http.StatusOK, value.MustFromAny(map[string]any{"id": 7, "username": "u1"})),
	})
	ex := New(m, newNormalizer())

	res := ex.Execute(context.Background(), batch(t, BestEffort, `[
		{"method": "post", "data_type": ["user"], "data": {"username": "u1", "password": "x", "password2": "x"}},
		{"method": "get", "data_type": ["user", "<<0[data][id]>>"]}
	]`))

	require.Equal(t, http.StatusOK, res.Status)
	require.False(t, res.Aborted)
	require.Equal(t, []int{201, 200}, statuses(res))
	require.Equal(t, []string{"POST /api/v1/user/", "GET /api/v1/user/7/"}, paths(m.Calls()))
	name, ok := res.Envelopes[1].Data.Get("username")
	require.True(t, ok)
	require.Equal(t, "u1", name.Text())
	require.Empty(t, m.Scopes())
}

func TestStructuralFailureIsFatal(t *testing.T) {
	m := dispatch.NewMockAdapter(nil)
	ex := New(m, newNormalizer())

	res := ex.Execute(context.Background(), batch(t, BestEffort, `[{}]`))

	require.Equal(t, http.StatusInternalServerError, res.Status)
	require.True(t, res.Aborted)
	require.Len(t, res.Envelopes, 1)
	env := res.Envelopes[0]
	require.Equal(t, StructurePath, env.Path)
	require.Equal(t, http.StatusInternalServerError, env.Status)
	want := value.MustFromAny(map[string]any{
		"method": []any{"This field is required."},
		"path":   []any{"This field is required."},
	})
	if diff := cmp.Diff(want, env.Data); diff != "" {
		t.Fatalf("field errors mismatch (-want +got):\n%s", diff)
	}
	var serr *operation.StructuralError
	require.ErrorAs(t, res.Err, &serr)
	require.Empty(t, m.Calls())
}

func TestStructuralFailureStopsRemainingOperations(t *testing.T) {
	m := dispatch.NewMockAdapter(nil)
	m.SetFallback(echo(http.StatusOK))
	ex := New(m, newNormalizer())

	res := ex.Execute(context.Background(), batch(t, Atomic, `[
		{"method": "get", "path": "user"},
		{"method": "fetch", "path": "user"},
		{"method": "get", "path": "user"}
	]`))

	require.Equal(t, http.StatusInternalServerError, res.Status)
	require.Equal(t, []int{200, 500}, statuses(res))
	require.Len(t, m.Calls(), 1)
	require.Equal(t, []dispatch.ScopeRecord{{ID: 1, RolledBack: true}}, m.Scopes())
}

func TestReferenceErrorsArePerOperation(t *testing.T) {
	m := dispatch.NewMockAdapter(nil)
	m.SetFallback(echo(http.StatusOK))
	ex := New(m, newNormalizer())

	res := ex.Execute(context.Background(), batch(t, BestEffort, `[
		{"method": "get", "path": ["user", "<<1[data][id]>>"]},
		{"method": "post", "path": "user", "data": {"id": 3}},
		{"method": "get", "path": "user", "data": {"x": "<<1[data][nope]>>"}},
		{"method": "get", "path": ["user", "<<1[data][id]>>"]}
	]`))

	require.Equal(t, http.StatusOK, res.Status)
	require.Equal(t, []int{400, 200, 400, 200}, statuses(res))
	require.Equal(t, []string{"POST /api/v1/user/", "GET /api/v1/user/3/"}, paths(m.Calls()))

	first := res.Envelopes[0]
	require.Equal(t, "/api/v1/user/<<1[data][id]>>/", first.Path)
	for key, want := range map[string]string{
		"error_type": dispatch.KindReference,
		"token":      "<<1[data][id]>>",
		"field":      "path[1]",
	} {
		got, ok := first.Data.Get(key)
		require.True(t, ok, key)
		require.Equal(t, want, got.Text(), key)
	}
	field, _ := res.Envelopes[2].Data.Get("field")
	require.Equal(t, "data.x", field.Text())
}

func TestResolvedFieldsReachDispatcher(t *testing.T) {
	m := dispatch.NewMockAdapter(map[string]dispatch.MockHandler{
		"GET /api/v1/user/": dispatch.NewMockResponse(http.StatusOK, value.MustFromAny(map[string]any{
			"count":   2,
			"results": []any{map[string]any{"name": "5"}, map[string]any{"name": "token-1"}},
		})),
	})
	m.SetFallback(echo(http.StatusOK))
	ex := New(m, newNormalizer())

	res := ex.Execute(context.Background(), batch(t, BestEffort, `[
		{"method": "get", "path": "user"},
		{"method": "put", "path": "request_info", "version": "v2",
		 "query": "limit=<<0[data][results][0][name]>>",
		 "headers": {"X-Token": "<<0[data][results][1][name]>>", "X-Count": "<<0[data][count]>>"},
		 "data": {"all": "<<0[data][results]>>", "count": "<<0[data][count]>>"}}
	]`))
	require.Equal(t, []int{200, 200}, statuses(res))

	call := m.Calls()[1]
	require.Equal(t, "PUT", call.Method)
	require.Equal(t, "/api/v2/request_info/", call.Path)
	require.Equal(t, "v2", call.Version)
	require.Equal(t, "limit=5", call.Query)
	require.Equal(t, "token-1", call.Headers.Get("X-Token"))
	require.Equal(t, "2", call.Headers.Get("X-Count"))

	all, _ := call.Body.Get("all")
	require.Equal(t, value.KindSequence, all.Kind())
	require.Equal(t, 2, all.Len())
	count, _ := call.Body.Get("count")
	require.Equal(t, value.KindNumber, count.Kind())
	require.Equal(t, "v2", res.Envelopes[1].Version)
}

func TestAtomicRollbackOnErrorStatus(t *testing.T) {
	m := dispatch.NewMockAdapter(map[string]dispatch.MockHandler{
		"POST /api/v1/user/": dispatch.NewMockResponse(http.StatusCreated, value.MustFromAny(map[string]any{"id": 1})),
	})
	ex := New(m, newNormalizer())

	res := ex.Execute(context.Background(), batch(t, Atomic, `[
		{"method": "post", "path": "/user/", "data": {"username": "u1"}},
		{"method": "get", "path": "/user/not_found_404"},
		{"method": "get", "path": "/user/not_found_404"}
	]`))

	require.Equal(t, http.StatusBadGateway, res.Status)
	require.False(t, res.Committed)
	require.False(t, res.Aborted)
	require.Equal(t, []int{201, 404, 404}, statuses(res))
	require.Equal(t, []dispatch.ScopeRecord{{ID: 1, RolledBack: true}}, m.Scopes())
	for _, c := range m.Calls() {
		require.Equal(t, 1, c.ScopeID)
	}
}

func TestAddressResolvingToNonPath(t *testing.T) {
	for _, mode := range []Mode{BestEffort, Atomic} {
		t.Run(mode.String(), func(t *testing.T) {
			m := dispatch.NewMockAdapter(map[string]dispatch.MockHandler{
				"GET /api/v1/user/": dispatch.NewMockResponse(http.StatusOK, value.MustFromAny(map[string]any{"count": 0, "blank": " / "})),
			})
			ex := New(m, newNormalizer())

			res := ex.Execute(context.Background(), batch(t, mode, `[
				{"method": "get", "path": "/user/"},
				{"method": "get", "path": "<<0[data]>>"},
				{"method": "get", "path": "<<0[data][blank]>>", "query": "a=1"},
				{"method": "get", "path": "/user/"}
			]`))

			require.False(t, res.Aborted)
			require.Equal(t, []int{200, 400, 400, 200}, statuses(res))
			require.Equal(t, []string{"GET /api/v1/user/", "GET /api/v1/user/"}, paths(m.Calls()))
			require.Equal(t, "/api/v1/<<0[data]>>/", res.Envelopes[1].Path)
			require.Equal(t, "/api/v1/<<0[data][blank]>>/?a=1", res.Envelopes[2].Path)
			for _, env := range res.Envelopes[1:3] {
				kind, ok := env.Data.Get("error_type")
				require.True(t, ok)
				require.Equal(t, dispatch.KindStructure, kind.Text())
			}
			if mode == Atomic {
				require.Equal(t, http.StatusBadGateway, res.Status)
				require.True(t, m.Scopes()[0].RolledBack)
			} else {
				require.Equal(t, http.StatusOK, res.Status)
			}
		})
	}
}

func TestEnvelopePathCarriesQuery(t *testing.T) {
	m := dispatch.NewMockAdapter(map[string]dispatch.MockHandler{
		"GET /api/v1/user/": dispatch.NewMockResponse(http.StatusOK, value.MustFromAny(map[string]any{"count": 5})),
	})
	ex := New(m, newNormalizer())

	res := ex.Execute(context.Background(), batch(t, BestEffort, `[
		{"method": "get", "path": "/user/", "query": "limit=5"},
		{"method": "get", "path": "/user/", "query": "limit=<<0[data][count]>>"},
		{"method": "get", "path": "/user/", "query": "limit=<<0[data][nope]>>"}
	]`))
	require.Equal(t, []int{200, 200, 400}, statuses(res))
	want := []string{"/api/v1/user/?limit=5", "/api/v1/user/?limit=5", "/api/v1/user/?limit=<<0[data][nope]>>"}
	got := []string{res.Envelopes[0].Path, res.Envelopes[1].Path, res.Envelopes[2].Path}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("paths mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, "/api/v1/user/", m.Calls()[1].Path)
	require.Equal(t, "limit=5", m.Calls()[1].Query)
}

func TestRollbackFailureIsReported(t *testing.T) {
	m := dispatch.NewMockAdapter(nil)
	m.SetRollbackError(errors.New("connection lost"))
	ex := New(m, newNormalizer())

	res := ex.Execute(context.Background(), batch(t, Atomic, `[{"method": "get", "path": "missing"}]`))
	require.Equal(t, http.StatusBadGateway, res.Status)
	require.ErrorContains(t, res.Err, "rollback scope: connection lost")

	m.SetRollbackError(nil)
	res = ex.Execute(context.Background(), batch(t, Atomic, `[{"method": "get", "path": "missing"}]`))
	require.NoError(t, res.Err)
}

func TestAtomicCommit(t *testing.T) {
	m := dispatch.NewMockAdapter(map[string]dispatch.MockHandler{
		"POST /api/v1/user/": dispatch.NewMockResponse(http.StatusCreated, value.Null()),
	})
	ex := New(m, newNormalizer())

	res := ex.Execute(context.Background(), batch(t, Atomic, `[{"method": "post", "path": "/user/", "data": {}}]`))

	require.Equal(t, http.StatusOK, res.Status)
	require.True(t, res.Committed)
	require.Equal(t, []dispatch.ScopeRecord{{ID: 1, Committed: true}}, m.Scopes())
}

func TestWithFailedStatus(t *testing.T) {
	m := dispatch.NewMockAdapter(nil)
	ex := New(m, newNormalizer(), WithFailedStatus(http.StatusBadRequest))

	res := ex.Execute(context.Background(), batch(t, Atomic, `[{"method": "get", "path": "missing"}]`))
	require.Equal(t, http.StatusBadRequest, res.Status)
}

// The escalation matrix: how each dispatcher outcome shapes the envelope and
// the outer status in both modes.
func TestEscalationMatrix(t *testing.T) {
	protocol := &dispatch.ProtocolError{Status: http.StatusUnsupportedMediaType, Kind: "UnsupportedMediaType", Detail: "Unsupported media type"}
	cases := []struct {
		name         string
		handler      dispatch.MockHandler
		mode         Mode
		wantStatuses []int
		wantOuter    int
		wantCalls    int
		wantKind     string
	}{
		{"resource error best effort", dispatch.NewMockResponse(http.StatusNotFound, value.Null()), BestEffort, []int{404, 200}, 200, 2, ""},
		{"resource error atomic", dispatch.NewMockResponse(http.StatusNotFound, value.Null()), Atomic, []int{404, 200}, 502, 2, ""},
		{"protocol rejection best effort", dispatch.NewMockError(protocol), BestEffort, []int{415}, 415, 1, "UnsupportedMediaType"},
		{"protocol rejection atomic", dispatch.NewMockError(protocol), Atomic, []int{415}, 415, 1, "UnsupportedMediaType"},
		{"unexpected error best effort", dispatch.NewMockError(errors.New("boom")), BestEffort, []int{500, 200}, 200, 2, dispatch.KindInternal},
		{"unexpected error atomic", dispatch.NewMockError(errors.New("boom")), Atomic, []int{500, 200}, 502, 2, dispatch.KindInternal},
		{"panic best effort", func(context.Context, dispatch.Request) (dispatch.Response, error) { panic("kaboom") }, BestEffort, []int{500, 200}, 200, 2, dispatch.KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := dispatch.NewMockAdapter(map[string]dispatch.MockHandler{
				"POST /api/v1/settings/": tc.handler,
				"GET /api/v1/user/":      dispatch.NewMockResponse(http.StatusOK, value.Null()),
			})
			ex := New(m, newNormalizer())
			res := ex.Execute(context.Background(), batch(t, tc.mode, `[
				{"method": "post", "path": "settings", "data": {}},
				{"method": "get", "path": "user"}
			]`))

			require.Equal(t, tc.wantStatuses, statuses(res))
			require.Equal(t, tc.wantOuter, res.Status)
			require.Len(t, m.Calls(), tc.wantCalls)
			if tc.wantKind != "" {
				kind, ok := res.Envelopes[0].Data.Get("error_type")
				require.True(t, ok)
				require.Equal(t, tc.wantKind, kind.Text())
			}
			if tc.mode == Atomic {
				require.Len(t, m.Scopes(), 1)
				require.True(t, m.Scopes()[0].RolledBack)
			}
		})
	}
}

func TestCancellationRollsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := dispatch.NewMockAdapter(nil)
	m.SetFallback(func(context.Context, dispatch.Request) (dispatch.Response, error) {
		cancel()
		return dispatch.Response{Status: http.StatusCreated}, nil
	})
	ex := New(m, newNormalizer())

	res := ex.Execute(ctx, batch(t, Atomic, `[
		{"method": "post", "path": "user"},
		{"method": "post", "path": "user"}
	]`))

	require.Equal(t, http.StatusServiceUnavailable, res.Status)
	require.True(t, res.Aborted)
	require.ErrorIs(t, res.Err, context.Canceled)
	require.Equal(t, []int{201, 503}, statuses(res))
	require.Equal(t, StructurePath, res.Envelopes[1].Path)
	require.Len(t, m.Calls(), 1)
	require.True(t, m.Scopes()[0].RolledBack)
}

func TestDeadlineBeforeStart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-ctx.Done()
	m := dispatch.NewMockAdapter(nil)
	ex := New(m, newNormalizer())

	res := ex.Execute(ctx, batch(t, BestEffort, `[{"method": "get", "path": "user"}]`))
	require.Equal(t, http.StatusGatewayTimeout, res.Status)
	require.Equal(t, []int{504}, statuses(res))
	require.Empty(t, m.Calls())
}

func TestBeginFailures(t *testing.T) {
	m := dispatch.NewMockAdapter(nil)
	m.SetBeginError(dispatch.ErrNoTransactions)
	ex := New(m, newNormalizer())
	res := ex.Execute(context.Background(), batch(t, Atomic, `[{"method": "get", "path": "user"}]`))
	require.Equal(t, http.StatusNotImplemented, res.Status)
	require.ErrorIs(t, res.Err, dispatch.ErrNoTransactions)
	require.Empty(t, m.Calls())

	m.SetBeginError(errors.New("pool exhausted"))
	res = ex.Execute(context.Background(), batch(t, Atomic, `[{"method": "get", "path": "user"}]`))
	require.Equal(t, http.StatusInternalServerError, res.Status)
}

func TestCommitFailure(t *testing.T) {
	m := dispatch.NewMockAdapter(nil)
	m.SetFallback(echo(http.StatusOK))
	m.SetCommitError(errors.New("disk full"))
	ex := New(m, newNormalizer())

	res := ex.Execute(context.Background(), batch(t, Atomic, `[{"method": "get", "path": "user"}]`))
	require.Equal(t, http.StatusInternalServerError, res.Status)
	require.False(t, res.Committed)
	require.Equal(t, []int{200}, statuses(res))
	require.True(t, m.Scopes()[0].RolledBack)
}

func TestEmptyBatch(t *testing.T) {
	m := dispatch.NewMockAdapter(nil)
	res := New(m, newNormalizer()).Execute(context.Background(), Batch{Mode: Atomic})
	require.Equal(t, http.StatusOK, res.Status)
	require.Empty(t, res.Envelopes)
	require.Empty(t, m.Scopes())
}

func TestEventsPublished(t *testing.T) {
	bus := eventbus.New()
	eventbus.Use(bus)
	defer eventbus.Use(nil)

	var log []string
	eventbus.On(bus, func(_ context.Context, e events.BatchStart) { log = append(log, "batch start "+e.Mode) })
	eventbus.On(bus, func(_ context.Context, e events.OperationStart) { log = append(log, "op start") })
	eventbus.On(bus, func(_ context.Context, e events.OperationFinish) { log = append(log, "op finish "+e.Path) })
	eventbus.On(bus, func(_ context.Context, e events.BatchFinish) { log = append(log, "batch finish "+e.Mode) })

	m := dispatch.NewMockAdapter(nil)
	New(m, newNormalizer()).Execute(context.Background(), batch(t, Atomic, `[{"method": "get", "path": "user"}]`))

	want := []string{"batch start atomic", "op start", "op finish /api/v1/user/", "batch finish atomic"}
	require.Equal(t, want, log)
}
