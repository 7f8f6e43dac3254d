// Package metrics exposes the controller's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry holds all Prometheus metrics for the controller.
type Registry struct {
	// Discovery metrics
	DiscoverScans           prometheus.Counter
	DiscoverDevicesFound    prometheus.Counter
	DiscoverDevicesApproved prometheus.Counter
	DiscoverDuration        prometheus.Histogram

	// Action ledger metrics
	Actions *prometheus.CounterVec

	// Telemetry pipeline metrics
	TelemetryIngest       prometheus.Counter
	TelemetryDropped      prometheus.Counter
	EngineDecisionLatency prometheus.Histogram

	// Bus metrics
	BusPublishErrors *prometheus.CounterVec

	reg *prometheus.Registry
}

// NewRegistry creates a metrics registry with all controller metrics registered.
func NewRegistry() *Registry {
	m := &Registry{
		DiscoverScans: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "discover_scans_total",
				Help: "Total number of discovery scans started",
			},
		),

		DiscoverDevicesFound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "discover_devices_found_total",
				Help: "Total number of devices reported by discovery scans",
			},
		),

		DiscoverDevicesApproved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "discover_devices_approved_total",
				Help: "Total number of discovered devices approved into the registry",
			},
		),

		DiscoverDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "discover_duration_seconds",
				Help:    "Duration of discovery scans from start to terminal state",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
		),

		Actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "actions_total",
				Help: "Total number of action status transitions by resulting status",
			},
			[]string{"status"},
		),

		TelemetryIngest: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "telemetry_ingest_total",
				Help: "Total number of telemetry messages accepted off the bus",
			},
		),

		TelemetryDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "telemetry_dropped_total",
				Help: "Total number of telemetry messages dropped before persistence",
			},
		),

		EngineDecisionLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "engine_decision_latency_seconds",
				Help:    "Latency of one full telemetry-to-decision pass",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
		),

		BusPublishErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_publish_errors_total",
				Help: "Total number of failed bus publishes by topic class",
			},
			[]string{"topic"},
		),

		reg: prometheus.NewRegistry(),
	}

	m.reg.MustRegister(
		m.DiscoverScans,
		m.DiscoverDevicesFound,
		m.DiscoverDevicesApproved,
		m.DiscoverDuration,
		m.Actions,
		m.TelemetryIngest,
		m.TelemetryDropped,
		m.EngineDecisionLatency,
		m.BusPublishErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// DecisionTimer tracks one telemetry-to-decision pass.
type DecisionTimer struct {
	metrics *Registry
	start   time.Time
}

// StartDecisionTimer begins timing a decision pass.
func (m *Registry) StartDecisionTimer() *DecisionTimer {
	return &DecisionTimer{metrics: m, start: time.Now()}
}

// Stop completes the timing and records the observation.
func (dt *DecisionTimer) Stop() {
	duration := time.Since(dt.start)
	dt.metrics.EngineDecisionLatency.Observe(duration.Seconds())

	log.Debug().
		Dur("duration", duration).
		Msg("Decision pass completed")
}

// RecordAction records an action reaching the given status.
func (m *Registry) RecordAction(status string) {
	m.Actions.WithLabelValues(status).Inc()
}

// RecordPublishError records a failed bus publish for a topic class.
func (m *Registry) RecordPublishError(topic string) {
	m.BusPublishErrors.WithLabelValues(topic).Inc()
}

// Handler returns the HTTP handler serving this registry.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
