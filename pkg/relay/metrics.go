package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors on a private registry so
// multiple servers in one process (tests included) never collide.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions    prometheus.Gauge
	FramesForwarded   *prometheus.CounterVec
	BytesForwarded    *prometheus.CounterVec
	HandshakeFailures *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Number of relay sessions currently open.",
		}),
		FramesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_frames_forwarded_total",
			Help: "WebSocket frames forwarded, by direction.",
		}, []string{"direction"}),
		BytesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_bytes_forwarded_total",
			Help: "WebSocket payload bytes forwarded, by direction.",
		}, []string{"direction"}),
		HandshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_handshake_failures_total",
			Help: "Sessions rejected before upstream dial, by reason.",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ActiveSessions,
		m.FramesForwarded,
		m.BytesForwarded,
		m.HandshakeFailures,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
