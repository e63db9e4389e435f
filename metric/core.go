package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "aprsgate"

// Provider call results
const (
	ResultOK          = "ok"
	ResultUnavailable = "unavailable"
)

// Metrics contains the gateway metrics. All Record methods are safe on a nil
// receiver so components can run without a registry.
type Metrics struct {
	SnapshotsTotal     prometheus.Counter
	ProviderCalls      *prometheus.CounterVec
	PollersActive      prometheus.Gauge
	Subscriptions      prometheus.Counter
	Unsubscriptions    *prometheus.CounterVec
	ProtocolViolations *prometheus.CounterVec
	LogEntriesPushed   prometheus.Counter
	PushErrors         prometheus.Counter
	PollFailures       prometheus.Counter
	ClientsConnected   *prometheus.GaugeVec
	NATSConnected      prometheus.Gauge
}

// NewMetrics creates the unregistered gateway metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		SnapshotsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "builds_total",
			Help:      "Total number of snapshots built",
		}),
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "State provider calls by fact and result",
		}, []string{"fact", "result"}),
		PollersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "pollers_active",
			Help:      "Number of running log pollers",
		}),
		Subscriptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "subscriptions_total",
			Help:      "Total number of log stream subscriptions",
		}),
		Unsubscriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "unsubscriptions_total",
			Help:      "Total number of log stream unsubscriptions by result",
		}, []string{"result"}),
		ProtocolViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "protocol_violations_total",
			Help:      "Subscribe/unsubscribe protocol violations by kind",
		}, []string{"kind"}),
		LogEntriesPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "log_entries_pushed_total",
			Help:      "Total number of log entries pushed to clients",
		}),
		PushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "push_errors_total",
			Help:      "Total number of failed pushes to clients",
		}),
		PollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "poll_failures_total",
			Help:      "Total number of poll ticks whose fetch failed",
		}),
		ClientsConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "clients_connected",
			Help:      "Connected streaming clients by transport",
		}, []string{"transport"}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.SnapshotsTotal,
		m.ProviderCalls,
		m.PollersActive,
		m.Subscriptions,
		m.Unsubscriptions,
		m.ProtocolViolations,
		m.LogEntriesPushed,
		m.PushErrors,
		m.PollFailures,
		m.ClientsConnected,
		m.NATSConnected,
	}
}

// RecordSnapshot counts one snapshot build
func (m *Metrics) RecordSnapshot() {
	if m == nil {
		return
	}
	m.SnapshotsTotal.Inc()
}

// RecordProviderCall counts one provider call for fact with its result
func (m *Metrics) RecordProviderCall(fact string, ok bool) {
	if m == nil {
		return
	}
	result := ResultOK
	if !ok {
		result = ResultUnavailable
	}
	m.ProviderCalls.WithLabelValues(fact, result).Inc()
}

// RecordPollerStarted increments the active poller gauge
func (m *Metrics) RecordPollerStarted() {
	if m == nil {
		return
	}
	m.PollersActive.Inc()
}

// RecordPollerStopped decrements the active poller gauge
func (m *Metrics) RecordPollerStopped() {
	if m == nil {
		return
	}
	m.PollersActive.Dec()
}

// RecordSubscribe counts one subscribe event
func (m *Metrics) RecordSubscribe() {
	if m == nil {
		return
	}
	m.Subscriptions.Inc()
}

// RecordUnsubscribe counts one unsubscribe event; found reports whether a
// poller was registered for the connection.
func (m *Metrics) RecordUnsubscribe(found bool) {
	if m == nil {
		return
	}
	result := "stopped"
	if !found {
		result = "noop"
	}
	m.Unsubscriptions.WithLabelValues(result).Inc()
}

// RecordProtocolViolation counts one protocol violation of the given kind
func (m *Metrics) RecordProtocolViolation(kind string) {
	if m == nil {
		return
	}
	m.ProtocolViolations.WithLabelValues(kind).Inc()
}

// RecordPush counts one push attempt
func (m *Metrics) RecordPush(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.PushErrors.Inc()
		return
	}
	m.LogEntriesPushed.Inc()
}

// RecordPollFailure counts one failed poll tick
func (m *Metrics) RecordPollFailure() {
	if m == nil {
		return
	}
	m.PollFailures.Inc()
}

// RecordClientConnected adjusts the connected client gauge for transport
func (m *Metrics) RecordClientConnected(transport string, delta float64) {
	if m == nil {
		return
	}
	m.ClientsConnected.WithLabelValues(transport).Add(delta)
}

// RecordNATSStatus updates NATS connection status
func (m *Metrics) RecordNATSStatus(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.NATSConnected.Set(1)
		return
	}
	m.NATSConnected.Set(0)
}
