// Package metrics exposes settlement engine events as Prometheus metrics.
//
// Metrics implements settlement.Observer, so the generator and workflow feed
// it directly. Collectors live on their own registry; Handler serves it.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/settlement-engine/settlement"
)

type Metrics struct {
	registry    *prometheus.Registry
	drivers     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	batch       *prometheus.HistogramVec
}

var _ settlement.Observer = (*Metrics)(nil)

// New registers the engine collectors plus Go/process collectors on a
// fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		drivers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_generation_drivers_total",
			Help: "Drivers processed by settlement generation, by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_workflow_transitions_total",
			Help: "Workflow transitions attempted, by operation and result.",
		}, []string{"op", "result"}),
		batch: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settlement_generation_batch_seconds",
			Help:    "Wall time of one company generation batch.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"mode"}),
	}
	m.registry.MustRegister(
		m.drivers, m.transitions, m.batch,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) DriverProcessed(outcome settlement.Outcome) {
	m.drivers.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) BatchCompleted(mode settlement.DispatchMode, elapsed time.Duration) {
	m.batch.WithLabelValues(string(mode)).Observe(elapsed.Seconds())
}

func (m *Metrics) TransitionAttempted(op string, err error) {
	m.transitions.WithLabelValues(op, result(err)).Inc()
}

// result buckets an error into a small, fixed label set.
func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, settlement.ErrInvariantViolation):
		return "rejected"
	case settlement.IsClientError(err):
		return "invalid"
	case settlement.IsNotFound(err):
		return "not_found"
	case settlement.IsRetryable(err):
		return "conflict"
	default:
		return "error"
	}
}
