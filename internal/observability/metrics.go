package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "call_relay"

// Metrics holds the relay's Prometheus collectors. Each instance owns its own
// registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions      prometheus.Gauge
	SessionsTotal       *prometheus.CounterVec
	Interruptions       prometheus.Counter
	Reconnects          *prometheus.CounterVec
	HealthCheckFailures prometheus.Counter
	FramesSent          prometheus.Counter
	UnmatchedMarks      prometheus.Counter
	EventErrors         *prometheus.CounterVec
	ArchiveResults      *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_sessions",
			Help:      "Number of call sessions currently connected",
		}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_total",
			Help:      "Finished call sessions by final status",
		}, []string{"final_status"}),
		Interruptions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "interruptions_total",
			Help:      "Barge-in interruptions handled",
		}),
		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transcription_reconnects_total",
			Help:      "Transcription reconnect attempts by result",
		}, []string{"result"}),
		HealthCheckFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "health_check_failures_total",
			Help:      "Unhealthy transport checks",
		}),
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_sent_total",
			Help:      "Outbound media frames written to the telephony transport",
		}),
		UnmatchedMarks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "unmatched_marks_total",
			Help:      "Mark acknowledgments that matched no in-flight chunk",
		}),
		EventErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "event_errors_total",
			Help:      "Inbound transport events that failed processing",
		}, []string{"event"}),
		ArchiveResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "archive_results_total",
			Help:      "Call record archive jobs by processor and result",
		}, []string{"processor", "result"}),
	}
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
