// Package metrics exposes Prometheus collectors for connections and
// listeners. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Lifecycle event labels.
const (
	EventAccepted    = "accepted"
	EventRejected    = "rejected"
	EventActive      = "active"
	EventInterrupted = "interrupted"
	EventInvalidated = "invalidated"
	EventTerminated  = "terminated"
)

// Metrics holds the connection collectors.
type Metrics struct {
	ConnectionsOpen  prometheus.Gauge
	ConnectionEvents *prometheus.CounterVec
	MessagesReceived prometheus.Counter
	MessagesSent     prometheus.Counter
	SendErrors       prometheus.Counter
	Backpressure     prometheus.Counter
	DegradedNodes    prometheus.Counter
}

// New creates the collectors and registers them with reg when reg is not
// nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "xconn",
			Subsystem: "connections",
			Name:      "open",
			Help:      "Connections not yet terminated or invalidated",
		}),
		ConnectionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xconn",
			Subsystem: "connections",
			Name:      "events_total",
			Help:      "Connection lifecycle events by kind",
		}, []string{"event"}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xconn",
			Subsystem: "messages",
			Name:      "received_total",
			Help:      "Messages decoded and queued for delivery",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xconn",
			Subsystem: "messages",
			Name:      "sent_total",
			Help:      "Messages written to the transport",
		}),
		SendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xconn",
			Subsystem: "messages",
			Name:      "send_errors_total",
			Help:      "Frames that failed to be written",
		}),
		Backpressure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xconn",
			Subsystem: "queue",
			Name:      "backpressure_total",
			Help:      "Times the reader paused because the delivery queue was full",
		}),
		DegradedNodes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xconn",
			Subsystem: "codec",
			Name:      "degraded_nodes_total",
			Help:      "Inbound wire nodes decoded as null because their type is unsupported",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ConnectionsOpen,
			m.ConnectionEvents,
			m.MessagesReceived,
			m.MessagesSent,
			m.SendErrors,
			m.Backpressure,
			m.DegradedNodes,
		)
	}
	return m
}

// Event counts a lifecycle event.
func (m *Metrics) Event(event string) {
	if m == nil {
		return
	}
	m.ConnectionEvents.WithLabelValues(event).Inc()
}

// Opened tracks a new connection in the open gauge.
func (m *Metrics) Opened() {
	if m == nil {
		return
	}
	m.ConnectionsOpen.Inc()
}

// Closed removes a connection from the open gauge. Callers invoke it once
// per connection.
func (m *Metrics) Closed() {
	if m == nil {
		return
	}
	m.ConnectionsOpen.Dec()
}

// Received counts delivered messages and degraded nodes.
func (m *Metrics) Received(degraded int) {
	if m == nil {
		return
	}
	m.MessagesReceived.Inc()
	if degraded > 0 {
		m.DegradedNodes.Add(float64(degraded))
	}
}

// Sent counts a frame write outcome.
func (m *Metrics) Sent(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.SendErrors.Inc()
		return
	}
	m.MessagesSent.Inc()
}

// QueueFull counts a backpressure pause.
func (m *Metrics) QueueFull() {
	if m == nil {
		return
	}
	m.Backpressure.Inc()
}
