// Package metrics exports batch and operation counters to Prometheus. The
// counters are fed from the event bus.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	eventbus "github.com/hanpama/batchgate/internal/eventbus"
	events "github.com/hanpama/batchgate/internal/events"
)

// Batch outcomes used as the "outcome" label.
const (
	OutcomeCompleted  = "completed"
	OutcomeCommitted  = "committed"
	OutcomeRolledBack = "rolled_back"
	OutcomeAborted    = "aborted"
)

type Metrics struct {
	registry      *prometheus.Registry
	batches       *prometheus.CounterVec
	operations    *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	opDuration    *prometheus.HistogramVec
}

// New creates the collectors on a private registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batchgate_batches_total",
			Help: "Batches processed, by mode and outcome.",
		}, []string{"mode", "outcome"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batchgate_operations_total",
			Help: "Operations processed, by method and status class.",
		}, []string{"method", "status_class"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "batchgate_batch_duration_seconds",
			Help:    "Time spent executing a batch.",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "batchgate_operation_duration_seconds",
			Help:    "Time spent executing one operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
	m.registry.MustRegister(
		m.batches, m.operations, m.batchDuration, m.opDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Attach subscribes m to the global bus.
func (m *Metrics) Attach() (detach func()) {
	unBatch := eventbus.Subscribe(func(_ context.Context, e events.BatchFinish) { m.ObserveBatch(e) })
	unOp := eventbus.Subscribe(func(_ context.Context, e events.OperationFinish) { m.ObserveOperation(e) })
	return func() {
		unBatch()
		unOp()
	}
}

func (m *Metrics) ObserveBatch(e events.BatchFinish) {
	m.batches.WithLabelValues(e.Mode, Outcome(e)).Inc()
	m.batchDuration.WithLabelValues(e.Mode).Observe(e.Duration.Seconds())
}

func (m *Metrics) ObserveOperation(e events.OperationFinish) {
	method := e.Method
	if method == "" {
		method = "unknown"
	}
	m.operations.WithLabelValues(method, StatusClass(e.Status)).Inc()
	m.opDuration.WithLabelValues(method).Observe(e.Duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Outcome names how a batch ended.
func Outcome(e events.BatchFinish) string {
	switch {
	case e.Aborted:
		return OutcomeAborted
	case e.Committed:
		return OutcomeCommitted
	case e.Mode == "atomic":
		return OutcomeRolledBack
	}
	return OutcomeCompleted
}

// StatusClass maps 404 to "4xx".
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}
