package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	eventbus "github.com/hanpama/batchgate/internal/eventbus"
	events "github.com/hanpama/batchgate/internal/events"
)

func TestOutcome(t *testing.T) {
	cases := []struct {
		e    events.BatchFinish
		want string
	}{
		{events.BatchFinish{Mode: "best_effort"}, OutcomeCompleted},
		{events.BatchFinish{Mode: "atomic", Committed: true}, OutcomeCommitted},
		{events.BatchFinish{Mode: "atomic"}, OutcomeRolledBack},
		{events.BatchFinish{Mode: "atomic", Aborted: true}, OutcomeAborted},
		{events.BatchFinish{Mode: "best_effort", Aborted: true}, OutcomeAborted},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Outcome(tc.e))
	}
	require.Equal(t, "4xx", StatusClass(404))
	require.Equal(t, "other", StatusClass(0))
}

func TestAttachCountsEvents(t *testing.T) {
	eventbus.Use(eventbus.New())
	defer eventbus.Use(nil)

	m := New()
	detach := m.Attach()
	ctx := context.Background()
	eventbus.Publish(ctx, events.OperationFinish{Method: "GET", Status: 200, Duration: time.Millisecond})
	eventbus.Publish(ctx, events.OperationFinish{Method: "GET", Status: 404})
	eventbus.Publish(ctx, events.BatchFinish{Mode: "atomic", Status: 502})
	detach()
	eventbus.Publish(ctx, events.BatchFinish{Mode: "atomic", Status: 502})

	require.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("GET", "2xx")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("GET", "4xx")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.batches.WithLabelValues("atomic", OutcomeRolledBack)))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	require.True(t, strings.Contains(string(body), "batchgate_batches_total"))
}
