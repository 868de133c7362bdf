// Package logging configures log/slog for the service and logs batch
// lifecycle events.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"

	eventbus "github.com/hanpama/batchgate/internal/eventbus"
	events "github.com/hanpama/batchgate/internal/events"
	reqid "github.com/hanpama/batchgate/internal/reqid"
)

const redacted = "[REDACTED]"

var sensitiveKeyParts = []string{"password", "token", "secret", "authorization", "cookie"}

// New builds a logger writing to w. Unknown levels fall back to info and
// unknown formats to text.
func New(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(Redact(h))
}

// Setup installs a logger built by New as the slog default.
func Setup(level, format string, w io.Writer) *slog.Logger {
	l := New(level, format, w)
	slog.SetDefault(l)
	return l
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

type redactHandler struct {
	next slog.Handler
}

// Redact wraps next so that attributes whose key looks like a credential are
// replaced before they reach it.
func Redact(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &redactHandler{next: next}
}

func (h *redactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *redactHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(RedactAttr(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &redactHandler{next: h.next.WithAttrs(redactAttrs(attrs))}
}

func (h *redactHandler) WithGroup(name string) slog.Handler {
	return &redactHandler{next: h.next.WithGroup(name)}
}

// RedactAttr masks a, or the members of a group, when the key is sensitive.
func RedactAttr(a slog.Attr) slog.Attr {
	if sensitive(a.Key) {
		return slog.String(a.Key, redacted)
	}
	if a.Value.Kind() == slog.KindGroup {
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(redactAttrs(a.Value.Group())...)}
	}
	return a
}

func redactAttrs(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, RedactAttr(a))
	}
	return out
}

func sensitive(key string) bool {
	key = strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

// Subscribe logs batch completions at info level and failed operations at
// warn level through l. The returned function detaches the subscribers.
func Subscribe(l *slog.Logger) (detach func()) {
	unBatch := eventbus.Subscribe(func(ctx context.Context, e events.BatchFinish) {
		attrs := []any{
			"request_id", requestID(ctx),
			"mode", e.Mode,
			"size", e.Size,
			"executed", e.Executed,
			"status", e.Status,
			"committed", e.Committed,
			"duration", e.Duration,
		}
		if e.Err != nil {
			attrs = append(attrs, "error", e.Err.Error())
		}
		l.InfoContext(ctx, "batch finished", attrs...)
	})
	unOp := eventbus.Subscribe(func(ctx context.Context, e events.OperationFinish) {
		if e.Status < 400 && e.Err == nil {
			l.DebugContext(ctx, "operation finished",
				"request_id", requestID(ctx), "index", e.Index, "method", e.Method,
				"path", e.Path, "status", e.Status)
			return
		}
		attrs := []any{
			"request_id", requestID(ctx),
			"index", e.Index,
			"method", e.Method,
			"path", e.Path,
			"status", e.Status,
		}
		if e.ErrorType != "" {
			attrs = append(attrs, "error_type", e.ErrorType)
		}
		if e.Err != nil {
			attrs = append(attrs, "error", e.Err.Error())
		}
		l.WarnContext(ctx, "operation failed", attrs...)
	})
	unUp := eventbus.Subscribe(func(ctx context.Context, e events.UpstreamFinish) {
		if e.Err != nil {
			l.WarnContext(ctx, "upstream request failed",
				"request_id", requestID(ctx), "method", e.Method, "url", e.URL, "error", e.Err.Error())
		}
	})
	return func() {
		unBatch()
		unOp()
		unUp()
	}
}

func requestID(ctx context.Context) int64 {
	id, _ := reqid.FromContext(ctx)
	return id
}
