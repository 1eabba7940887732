// Package metrics holds the Prometheus collectors of the server. Every method
// is safe on a nil *Metrics, which records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "create_mcp"

// Metrics holds all Prometheus metrics of the server.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveSessions    prometheus.Gauge
	SessionsTotal     *prometheus.CounterVec
	EventsAppended    prometheus.Counter
	StreamsSuperseded prometheus.Counter
	ToolCallsTotal    *prometheus.CounterVec
}

// New creates and registers all metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP calls on the MCP endpoint by method and status code",
			},
			[]string{"method", "code"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of MCP endpoint calls; GET covers the whole stream",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of registered sessions",
			},
		),
		SessionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Session lifecycle transitions",
			},
			[]string{"event"}, // established, rejected, terminated
		),
		EventsAppended: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_appended_total",
				Help:      "Server-initiated messages written to session event logs",
			},
		),
		StreamsSuperseded: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "streams_superseded_total",
				Help:      "Live streams closed because a newer GET took over the session",
			},
		),
		ToolCallsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "tools/call invocations by tool and result",
			},
			[]string{"tool", "result"},
		),
	}
}

func (m *Metrics) ObserveRequest(method string, code int, dur time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, statusLabel(code)).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(dur.Seconds())
}

func (m *Metrics) SessionEstablished() {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues("established").Inc()
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionRejected() {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues("rejected").Inc()
}

func (m *Metrics) SessionTerminated() {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues("terminated").Inc()
	m.ActiveSessions.Dec()
}

func (m *Metrics) EventAppended() {
	if m == nil {
		return
	}
	m.EventsAppended.Inc()
}

func (m *Metrics) StreamSuperseded() {
	if m == nil {
		return
	}
	m.StreamsSuperseded.Inc()
}

func (m *Metrics) ToolCalled(tool, result string) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, result).Inc()
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
