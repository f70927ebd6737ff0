// Package metrics provides Prometheus metrics for the sync daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	FramesTotal        *prometheus.CounterVec
	ReconnectsTotal    *prometheus.CounterVec
	RefetchesTotal     prometheus.Counter
	ChunkPublishes     prometheus.Counter
	DriftIssues        prometheus.Gauge
	ConnectionMode     prometheus.Gauge
	ProbeFailuresTotal prometheus.Counter

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		FramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_frames_total",
				Help: "Inbound frames by channel and frame type.",
			},
			[]string{"channel", "type"},
		),
		ReconnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_reconnects_total",
				Help: "Reconnect attempts by channel.",
			},
			[]string{"channel"},
		),
		RefetchesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sync_refetches_total",
				Help: "Full collection refetches triggered by change events.",
			},
		),
		ChunkPublishes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sync_chunk_publishes_total",
				Help: "Throttled publishes of the streaming buffer.",
			},
		),
		DriftIssues: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sync_drift_issues",
				Help: "Drift issues found by the last health check.",
			},
		),
		ConnectionMode: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sync_connection_mode",
				Help: "Connection mode: 0 unreachable, 1 degraded, 2 connected.",
			},
		),
		ProbeFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sync_probe_failures_total",
				Help: "Status probe calls that failed outright.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.FramesTotal)
	reg.MustRegister(m.ReconnectsTotal)
	reg.MustRegister(m.RefetchesTotal)
	reg.MustRegister(m.ChunkPublishes)
	reg.MustRegister(m.DriftIssues)
	reg.MustRegister(m.ConnectionMode)
	reg.MustRegister(m.ProbeFailuresTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordFrame increments the inbound frame counter.
func (m *Metrics) RecordFrame(channel, frameType string) {
	m.FramesTotal.WithLabelValues(channel, frameType).Inc()
}

// RecordReconnect increments the reconnect counter.
func (m *Metrics) RecordReconnect(channel string) {
	m.ReconnectsTotal.WithLabelValues(channel).Inc()
}
