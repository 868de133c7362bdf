package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	eventbus "github.com/hanpama/batchgate/internal/eventbus"
	events "github.com/hanpama/batchgate/internal/events"
	reqid "github.com/hanpama/batchgate/internal/reqid"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestRedact(t *testing.T) {
	var buf bytes.Buffer
	l := New("info", "json", &buf)
	l.With("api_token", "abc").Info("login",
		"password2", "x",
		"Authorization", "Bearer y",
		slog.Group("req", "cookie", "z", "path", "/api/"),
		"user", "u1",
	)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	got := lines[0]
	require.Equal(t, redacted, got["api_token"])
	require.Equal(t, redacted, got["password2"])
	require.Equal(t, redacted, got["Authorization"])
	require.Equal(t, "u1", got["user"])
	req := got["req"].(map[string]any)
	require.Equal(t, redacted, req["cookie"])
	require.Equal(t, "/api/", req["path"])
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestSubscribe(t *testing.T) {
	eventbus.Use(eventbus.New())
	defer eventbus.Use(nil)

	var buf bytes.Buffer
	detach := Subscribe(New("info", "json", &buf))
	ctx := reqid.WithID(context.Background(), 42)

	eventbus.Publish(ctx, events.OperationFinish{Index: 0, Method: "GET", Path: "/api/v1/user/", Status: 200})
	eventbus.Publish(ctx, events.OperationFinish{Index: 1, Method: "POST", Path: "/api/v1/user/", Status: 500, ErrorType: "InternalError", Err: errors.New("boom")})
	eventbus.Publish(ctx, events.BatchFinish{Mode: "atomic", Size: 2, Executed: 2, Status: 502})
	detach()
	eventbus.Publish(ctx, events.BatchFinish{Mode: "atomic"})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	require.Equal(t, "operation failed", lines[0]["msg"])
	require.Equal(t, "InternalError", lines[0]["error_type"])
	require.Equal(t, float64(42), lines[0]["request_id"])
	require.Equal(t, "batch finished", lines[1]["msg"])
	require.Equal(t, float64(502), lines[1]["status"])
}
