// Package metrics exposes Prometheus collectors for the bridge.
//
// All methods are safe on a nil *Metrics so components can run without
// instrumentation (tests, embedded use).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "qqbot"

// Call and dispatch outcomes.
const (
	OutcomeOK           = "ok"
	OutcomeRejected     = "rejected"
	OutcomeTimeout      = "timeout"
	OutcomeNotConnected = "not_connected"
	OutcomeError        = "error"
	OutcomeThrottled    = "throttled"
	OutcomeUnknown      = "unknown"
	OutcomeMalformed    = "malformed"
)

// Metrics holds the bridge collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	connectionState   *prometheus.GaugeVec
	reconnectAttempts *prometheus.CounterVec
	callsTotal        *prometheus.CounterVec
	callDuration      *prometheus.HistogramVec
	inboundTotal      *prometheus.CounterVec
	lateReplies       prometheus.Counter
}

// New registers the bridge collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		connectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state per channel (0=disconnected, 1=connecting, 2=connected, 3=closing)",
		}, []string{"role"}),

		reconnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Total number of reconnect attempts per channel",
		}, []string{"role"}),

		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_events_total",
			Help:      "Total number of outbound events by type and outcome",
		}, []string{"type", "outcome"}),

		callDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Time from sending a correlated request to its resolution",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"type"}),

		inboundTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Total number of inbound messages by type and outcome",
		}, []string{"type", "outcome"}),

		lateReplies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "late_replies_total",
			Help:      "Replies discarded because their request had already resolved",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetConnectionState(role string, state int) {
	if m == nil {
		return
	}
	m.connectionState.WithLabelValues(role).Set(float64(state))
}

func (m *Metrics) ReconnectAttempt(role string) {
	if m == nil {
		return
	}
	m.reconnectAttempts.WithLabelValues(role).Inc()
}

func (m *Metrics) ObserveEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) ObserveCallDuration(eventType string, d time.Duration) {
	if m == nil {
		return
	}
	m.callDuration.WithLabelValues(eventType).Observe(d.Seconds())
}

func (m *Metrics) ObserveInbound(eventType, outcome string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) LateReply() {
	if m == nil {
		return
	}
	m.lateReplies.Inc()
}
