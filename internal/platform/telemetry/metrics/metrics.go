package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "switchboard"

// Transport labels.
const (
	TransportHub      = "hub"
	TransportFallback = "fallback"
)

// Outcome labels.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics groups the collectors recorded by the messaging core.
type Metrics struct {
	registry          *prometheus.Registry
	sends             *prometheus.CounterVec
	dispatched        *prometheus.CounterVec
	reconnectAttempts prometheus.Counter
	hubState          prometheus.Gauge
	hubConnections    prometheus.Gauge
	hubFrames         *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Outbound message sends by transport and outcome.",
		}, []string{"transport", "outcome"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatched_events_total",
			Help:      "Inbound events fanned out to channel listeners, by kind.",
		}, []string{"kind"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_reconnect_attempts_total",
			Help:      "Hub re-dial attempts after an unexpected disconnect.",
		}),
		hubState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hub_state",
			Help:      "Current hub link state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting).",
		}),
		hubConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devhub_connections",
			Help:      "Websocket connections open on the development hub.",
		}),
		hubFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "devhub_frames_total",
			Help:      "Frames handled by the development hub, by type.",
		}, []string{"type"}),
	}
	registry.MustRegister(
		m.sends,
		m.dispatched,
		m.reconnectAttempts,
		m.hubState,
		m.hubConnections,
		m.hubFrames,
	)
	return m
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer returns the underlying registry for tests and exporters.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// ObserveSend records one outbound send.
func (m *Metrics) ObserveSend(transport string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	m.sends.WithLabelValues(transport, outcome).Inc()
}

// ObserveDispatch records one inbound event fan-out.
func (m *Metrics) ObserveDispatch(kind string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(kind).Inc()
}

// ObserveReconnectAttempt records one re-dial attempt.
func (m *Metrics) ObserveReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

// SetHubState records the hub link state ordinal.
func (m *Metrics) SetHubState(state int) {
	if m == nil {
		return
	}
	m.hubState.Set(float64(state))
}

// AddHubConnections adjusts the development hub connection gauge.
func (m *Metrics) AddHubConnections(delta int) {
	if m == nil {
		return
	}
	m.hubConnections.Add(float64(delta))
}

// ObserveHubFrame records one frame handled by the development hub.
func (m *Metrics) ObserveHubFrame(frameType string) {
	if m == nil {
		return
	}
	m.hubFrames.WithLabelValues(frameType).Inc()
}
