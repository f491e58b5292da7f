package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the call service
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Call Metrics
	callsStartedTotal  *prometheus.CounterVec
	callsActive        prometheus.Gauge
	callDurationSecs   *prometheus.HistogramVec
	callSetupFailTotal *prometheus.CounterVec
	callRejectedTotal  *prometheus.CounterVec

	// Signaling Metrics
	signalsTotal       *prometheus.CounterVec
	staleEventsTotal   prometheus.Counter
	cleanupRunsTotal   prometheus.Counter
	negotiationErrors  *prometheus.CounterVec

	// WebSocket Metrics
	websocketConnections prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics on a private registry
func NewMetrics(serviceName string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		registry: registry,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		callsStartedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_started_total",
				Help:        "Total number of call sessions entered, by role and kind",
				ConstLabels: labels,
			},
			[]string{"role", "kind"},
		),
		callsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of currently active call sessions",
				ConstLabels: labels,
			},
		),
		callDurationSecs: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "call_duration_seconds",
				Help:        "Observed call durations in seconds",
				ConstLabels: labels,
				Buckets:     []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"kind"},
		),
		callSetupFailTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_setup_failures_total",
				Help:        "Total number of failed call setups, by error code",
				ConstLabels: labels,
			},
			[]string{"code"},
		),
		callRejectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_rejected_total",
				Help:        "Total number of rejected incoming calls, by reason",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),

		signalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_messages_total",
				Help:        "Total number of signaling messages exchanged via the mailbox",
				ConstLabels: labels,
			},
			[]string{"type", "direction"},
		),
		staleEventsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "stale_session_events_total",
				Help:        "Total number of mailbox events ignored for torn-down sessions",
				ConstLabels: labels,
			},
		),
		cleanupRunsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "session_cleanups_total",
				Help:        "Total number of session cleanup invocations",
				ConstLabels: labels,
			},
		),
		negotiationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "negotiation_errors_total",
				Help:        "Total number of discarded negotiation events",
				ConstLabels: labels,
			},
			[]string{"stage"},
		),

		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of active event gateway connections",
				ConstLabels: labels,
			},
		),
	}
}

// GetRegistry exposes the private registry for the /metrics endpoint
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records one completed HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the in-flight gauge
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the in-flight gauge
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// RecordCallStarted records one session entering the connecting state
func (m *Metrics) RecordCallStarted(role, kind string) {
	m.callsStartedTotal.WithLabelValues(role, kind).Inc()
	m.callsActive.Inc()
}

// RecordCallEnded records one session leaving the active set
func (m *Metrics) RecordCallEnded(kind string, duration time.Duration) {
	m.callsActive.Dec()
	if duration > 0 {
		m.callDurationSecs.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

// RecordCallSetupFailure records one failed start/accept attempt
func (m *Metrics) RecordCallSetupFailure(code string) {
	m.callSetupFailTotal.WithLabelValues(code).Inc()
}

// RecordCallRejected records one rejected incoming call
func (m *Metrics) RecordCallRejected(reason string) {
	m.callRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordSignal records one signaling message
func (m *Metrics) RecordSignal(signalType, direction string) {
	m.signalsTotal.WithLabelValues(signalType, direction).Inc()
}

// RecordStaleEvent records one event ignored for a torn-down session
func (m *Metrics) RecordStaleEvent() {
	m.staleEventsTotal.Inc()
}

// RecordCleanup records one cleanup invocation
func (m *Metrics) RecordCleanup() {
	m.cleanupRunsTotal.Inc()
}

// RecordNegotiationError records one discarded negotiation event
func (m *Metrics) RecordNegotiationError(stage string) {
	m.negotiationErrors.WithLabelValues(stage).Inc()
}

// IncrementWebsocketConnections increments the gateway connection gauge
func (m *Metrics) IncrementWebsocketConnections() {
	m.websocketConnections.Inc()
}

// DecrementWebsocketConnections decrements the gateway connection gauge
func (m *Metrics) DecrementWebsocketConnections() {
	m.websocketConnections.Dec()
}
