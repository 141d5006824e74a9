// Package metrics exposes the engine's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements app.Metrics on prometheus.
type Collector struct {
	transitions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	relocations *prometheus.CounterVec
	pending     prometheus.Gauge
	cleanups    prometheus.Gauge
}

// New registers the collectors on reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uci",
			Subsystem: "submission",
			Name:      "transitions_total",
			Help:      "Committed submission status transitions.",
		}, []string{"from", "to"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uci",
			Subsystem: "submission",
			Name:      "operation_failures_total",
			Help:      "Lifecycle operations that rolled back, by operation and error kind.",
		}, []string{"operation", "kind"}),
		relocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uci",
			Subsystem: "storage",
			Name:      "relocations_total",
			Help:      "Object relocations by outcome.",
		}, []string{"outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "uci",
			Subsystem: "submission",
			Name:      "pending_responses",
			Help:      "Submissions found awaiting a response at the last scan.",
		}),
		cleanups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "uci",
			Subsystem: "storage",
			Name:      "open_cleanups",
			Help:      "Relocation sources still waiting for deletion at the last retry pass.",
		}),
	}
	reg.MustRegister(c.transitions, c.failures, c.relocations, c.pending, c.cleanups)
	return c
}

func (c *Collector) StatusTransition(from, to string) {
	c.transitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) OperationFailed(operation, kind string) {
	c.failures.WithLabelValues(operation, kind).Inc()
}

func (c *Collector) Relocation(outcome string) {
	c.relocations.WithLabelValues(outcome).Inc()
}

func (c *Collector) PendingResponses(n int) {
	c.pending.Set(float64(n))
}

func (c *Collector) OpenCleanups(n int) {
	c.cleanups.Set(float64(n))
}

// Handler serves the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}
