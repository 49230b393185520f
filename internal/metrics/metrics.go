// Package metrics exposes the orchestrator's Prometheus counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds gantry's instrumentation on a dedicated registry, so the
// /metrics endpoint serves only our own series plus the standard process
// and Go runtime collectors.
type Metrics struct {
	registry *prometheus.Registry

	// Claims counts /claim outcomes: granted or empty.
	Claims *prometheus.CounterVec
	// ClaimConflicts counts compare-and-swap losses inside the claim
	// loop. A high rate means too many workers are chasing too few
	// ready tickets.
	ClaimConflicts prometheus.Counter
	// Completions counts finished executions by the state the ticket
	// landed in: in_review, ready, or needs_review.
	Completions *prometheus.CounterVec
	// Reclaims counts claims returned to the queue by the sweep.
	Reclaims prometheus.Counter
	// Quarantines counts tickets pulled from the queue with a spent
	// attempt budget.
	Quarantines prometheus.Counter
	// Events counts appended activity events by category.
	Events *prometheus.CounterVec
	// StreamClients tracks connected activity stream subscribers.
	StreamClients prometheus.Gauge
}

// New creates a Metrics with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		Claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gantry_claims_total",
			Help: "Claim requests by outcome (granted, empty).",
		}, []string{"outcome"}),
		ClaimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gantry_claim_conflicts_total",
			Help: "Tickets lost to a concurrent claim before one was granted.",
		}),
		Completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gantry_completions_total",
			Help: "Finished executions by resulting ticket state.",
		}, []string{"state"}),
		Reclaims: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gantry_reclaims_total",
			Help: "Expired claims returned to the queue.",
		}),
		Quarantines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gantry_quarantines_total",
			Help: "Tickets quarantined with a spent attempt budget.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gantry_events_total",
			Help: "Activity events appended, by category.",
		}, []string{"category"}),
		StreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gantry_stream_clients",
			Help: "Connected activity stream subscribers.",
		}),
	}
	registry.MustRegister(
		m.Claims,
		m.ClaimConflicts,
		m.Completions,
		m.Reclaims,
		m.Quarantines,
		m.Events,
		m.StreamClients,
	)
	return m
}

// Handler returns the HTTP handler serving the registry in the
// Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
