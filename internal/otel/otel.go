package otel

import (
	"context"
	"sync"

	eventbus "github.com/hanpama/batchgate/internal/eventbus"
	events "github.com/hanpama/batchgate/internal/events"
	reqid "github.com/hanpama/batchgate/internal/reqid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Setup configures OpenTelemetry and attaches eventbus subscribers.
// If endpoint is empty, no telemetry is configured.
func Setup(endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	detach := Attach(otel.Tracer("batchgate"))
	return func(ctx context.Context) error {
		detach()
		return tp.Shutdown(ctx)
	}, nil
}

// Attach subscribes span bookkeeping for tracer to the global bus. Spans are
// keyed by request id; operations of one batch run one at a time, so a
// single operation span per request is open at any moment.
func Attach(tracer trace.Tracer) (detach func()) {
	s := &subscriber{tracer: tracer}
	return s.register()
}

type subscriber struct {
	tracer        trace.Tracer
	httpSpans     sync.Map // rid -> trace.Span
	batchSpans    sync.Map // rid -> trace.Span
	opSpans       sync.Map // rid -> trace.Span
	upstreamSpans sync.Map // rid -> trace.Span
}

// parent returns ctx carrying the innermost open span of rid among maps.
func parent(ctx context.Context, rid int64, maps ...*sync.Map) context.Context {
	for _, m := range maps {
		if v, ok := m.Load(rid); ok {
			return trace.ContextWithSpan(ctx, v.(trace.Span))
		}
	}
	return ctx
}

func finish(m *sync.Map, rid int64, fn func(trace.Span)) {
	v, ok := m.LoadAndDelete(rid)
	if !ok {
		return
	}
	span := v.(trace.Span)
	fn(span)
	span.End()
}

func (s *subscriber) register() func() {
	var unsubs []func()
	add := func(u func()) { unsubs = append(unsubs, u) }

	add(eventbus.Subscribe(func(ctx context.Context, e events.HTTPStart) {
		rid, _ := reqid.FromContext(ctx)
		_, span := s.tracer.Start(ctx, "http.request")
		span.SetAttributes(
			semconv.HTTPMethodKey.String(e.Request.Method),
			attribute.String("http.target", e.Request.URL.Path),
		)
		s.httpSpans.Store(rid, span)
	}))

	add(eventbus.Subscribe(func(ctx context.Context, e events.HTTPFinish) {
		rid, _ := reqid.FromContext(ctx)
		finish(&s.httpSpans, rid, func(span trace.Span) {
			span.SetAttributes(semconv.HTTPStatusCodeKey.Int(e.Status))
		})
	}))

	add(eventbus.Subscribe(func(ctx context.Context, e events.BatchStart) {
		rid, _ := reqid.FromContext(ctx)
		_, span := s.tracer.Start(parent(ctx, rid, &s.httpSpans), "bulk.batch")
		span.SetAttributes(
			attribute.String("bulk.mode", e.Mode),
			attribute.Int("bulk.size", e.Size),
		)
		s.batchSpans.Store(rid, span)
	}))

	add(eventbus.Subscribe(func(ctx context.Context, e events.BatchFinish) {
		rid, _ := reqid.FromContext(ctx)
		finish(&s.batchSpans, rid, func(span trace.Span) {
			span.SetAttributes(
				attribute.Int("bulk.executed", e.Executed),
				attribute.Int("bulk.status", e.Status),
				attribute.Bool("bulk.committed", e.Committed),
				attribute.Bool("bulk.aborted", e.Aborted),
			)
			if e.Err != nil {
				span.RecordError(e.Err)
				span.SetStatus(codes.Error, e.Err.Error())
			}
		})
	}))

	add(eventbus.Subscribe(func(ctx context.Context, e events.OperationStart) {
		rid, _ := reqid.FromContext(ctx)
		_, span := s.tracer.Start(parent(ctx, rid, &s.batchSpans, &s.httpSpans), "bulk.operation")
		span.SetAttributes(attribute.Int("bulk.index", e.Index))
		s.opSpans.Store(rid, span)
	}))

	add(eventbus.Subscribe(func(ctx context.Context, e events.OperationFinish) {
		rid, _ := reqid.FromContext(ctx)
		finish(&s.opSpans, rid, func(span trace.Span) {
			span.SetAttributes(
				semconv.HTTPMethodKey.String(e.Method),
				attribute.String("bulk.path", e.Path),
				semconv.HTTPStatusCodeKey.Int(e.Status),
			)
			if e.ErrorType != "" {
				span.SetAttributes(attribute.String("bulk.error_type", e.ErrorType))
			}
			if e.Err != nil {
				span.RecordError(e.Err)
			}
		})
	}))

	add(eventbus.Subscribe(func(ctx context.Context, e events.UpstreamStart) {
		rid, _ := reqid.FromContext(ctx)
		_, span := s.tracer.Start(parent(ctx, rid, &s.opSpans, &s.batchSpans, &s.httpSpans), "upstream.request")
		span.SetAttributes(
			semconv.HTTPMethodKey.String(e.Method),
			semconv.HTTPURLKey.String(e.URL),
		)
		s.upstreamSpans.Store(rid, span)
	}))

	add(eventbus.Subscribe(func(ctx context.Context, e events.UpstreamFinish) {
		rid, _ := reqid.FromContext(ctx)
		finish(&s.upstreamSpans, rid, func(span trace.Span) {
			span.SetAttributes(semconv.HTTPStatusCodeKey.Int(e.Status))
			if e.Err != nil {
				span.RecordError(e.Err)
				span.SetStatus(codes.Error, e.Err.Error())
			}
		})
	}))

	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
