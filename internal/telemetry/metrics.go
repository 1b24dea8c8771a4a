// Package telemetry holds the fabric's Prometheus instrumentation. Each
// service builds one Metrics value on its own registry so tests get
// isolated instances.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every counter the fabric emits.
type Metrics struct {
	registry *prometheus.Registry

	// Bus health
	BusReconnects      prometheus.Counter
	EnvelopesPublished *prometheus.CounterVec
	EnvelopesDropped   *prometheus.CounterVec

	// Alert gate
	AlertsSent       *prometheus.CounterVec
	AlertsSuppressed *prometheus.CounterVec

	// Decision pipeline
	Decisions *prometheus.CounterVec

	// Experiment lifecycle
	ExperimentRuns *prometheus.CounterVec
}

// NewMetrics creates a Metrics value backed by a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		BusReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_bus_reconnects_total",
			Help: "Number of times the bus connection was re-established",
		}),

		EnvelopesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_envelopes_published_total",
			Help: "Envelopes published per channel",
		}, []string{"channel"}),

		EnvelopesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_envelopes_dropped_total",
			Help: "Envelopes dropped by reason (decode, missing_field, unknown_type)",
		}, []string{"reason"}),

		AlertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_alerts_sent_total",
			Help: "Alerts published to the orchestrator per alert type",
		}, []string{"alert_type"}),

		AlertsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_alerts_suppressed_total",
			Help: "Alerts suppressed by the cooldown window per alert type",
		}, []string{"alert_type"}),

		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_decisions_total",
			Help: "Orchestrator decisions executed per action",
		}, []string{"action"}),

		ExperimentRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_experiment_runs_total",
			Help: "Experiment runs per terminal status",
		}, []string{"status"}),
	}

	m.registry.MustRegister(
		m.BusReconnects,
		m.EnvelopesPublished,
		m.EnvelopesDropped,
		m.AlertsSent,
		m.AlertsSuppressed,
		m.Decisions,
		m.ExperimentRuns,
	)
	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
