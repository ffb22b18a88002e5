package fleet

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "fleetcore"

// Command result outcomes.
const (
	outcomeSuccess   = "success"
	outcomeFailed    = "failed"
	outcomeTimeout   = "timeout"
	outcomeUnmatched = "unmatched"
)

// Metrics holds the Prometheus collectors for the session core.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	devicesOnline     prometheus.Gauge
	sessions          prometheus.Gauge
	observers         prometheus.Gauge
	pendingCommands   prometheus.Gauge
	registrations     *prometheus.CounterVec
	commandsSent      *prometheus.CounterVec
	commandsRejected  *prometheus.CounterVec
	commandResults    *prometheus.CounterVec
	eventsPublished   *prometheus.CounterVec
	broadcastsDropped prometheus.Counter
	sinkFailures      *prometheus.CounterVec
	sinkDrops         *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		devicesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "devices_online",
			Help:      "number of devices present in the connection registry",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "device_sessions",
			Help:      "number of open device transports, registered or not",
		}),
		observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "observers",
			Help:      "number of connected observer channels",
		}),
		pendingCommands: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_commands",
			Help:      "commands dispatched and awaiting a response",
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "registrations_total",
			Help:      "device registration attempts by result",
		}, []string{"result"}),
		commandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_sent_total",
			Help:      "commands handed to a device transport, by action",
		}, []string{"action"}),
		commandsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_rejected_total",
			Help:      "commands not sent, by reason",
		}, []string{"reason"}),
		commandResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "command_results_total",
			Help:      "command outcomes: success, failed, timeout or unmatched",
		}, []string{"outcome"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_published_total",
			Help:      "events published on the broadcast bus, by kind",
		}, []string{"kind"}),
		broadcastsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "broadcasts_dropped_total",
			Help:      "observer deliveries dropped because the observer buffer was full or closed",
		}),
		sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sink_failures_total",
			Help:      "asynchronous event side effects that failed, by sink",
		}, []string{"sink"}),
		sinkDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sink_events_dropped_total",
			Help:      "events not handed to a sink because its queue was full, by sink",
		}, []string{"sink"}),
	}

	reg.MustRegister(
		m.devicesOnline, m.sessions, m.observers, m.pendingCommands,
		m.registrations, m.commandsSent, m.commandsRejected, m.commandResults,
		m.eventsPublished, m.broadcastsDropped, m.sinkFailures, m.sinkDrops,
	)
	return m
}

func (m *Metrics) setOnline(n int) {
	if m != nil {
		m.devicesOnline.Set(float64(n))
	}
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Metrics) setObservers(n int) {
	if m != nil {
		m.observers.Set(float64(n))
	}
}

func (m *Metrics) setPending(n int) {
	if m != nil {
		m.pendingCommands.Set(float64(n))
	}
}

func (m *Metrics) registration(result string) {
	if m != nil {
		m.registrations.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) commandSent(action string) {
	if m != nil {
		m.commandsSent.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) commandRejected(reason string) {
	if m != nil {
		m.commandsRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) commandResult(outcome string) {
	if m != nil {
		m.commandResults.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) eventPublished(kind EventKind) {
	if m != nil {
		m.eventsPublished.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) broadcastDropped() {
	if m != nil {
		m.broadcastsDropped.Inc()
	}
}

func (m *Metrics) sinkFailed(sink string) {
	if m != nil {
		m.sinkFailures.WithLabelValues(sink).Inc()
	}
}

func (m *Metrics) sinkDropped(sink string) {
	if m != nil {
		m.sinkDrops.WithLabelValues(sink).Inc()
	}
}
