// Package metrics exposes session counters to Prometheus.
//
// Every method is safe on a nil *Metrics, so components take an optional
// *Metrics and call it unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "duplex"

// Send outcomes.
const (
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
	OutcomeDropped = "dropped"
)

// Metrics holds the session collectors.
type Metrics struct {
	sends      *prometheus.CounterVec
	received   prometheus.Counter
	handshakes prometheus.Counter
	errors     *prometheus.CounterVec
	drained    prometheus.Counter
	status     *prometheus.GaugeVec
}

// New registers the collectors on reg. A nil reg uses a fresh private
// registry, which keeps tests independent of the global one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		sends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Send requests by outcome (sent, failed, dropped).",
		}, []string{"outcome"}),
		received: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Payloads decoded from the overlay.",
		}),
		handshakes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Handshake sentinels that connected a peer.",
		}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Session errors by kind.",
		}, []string{"kind"}),
		drained: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_closures_drained_total",
			Help:      "Closures run on the tick goroutine.",
		}),
		status: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_status",
			Help:      "1 for the current session status, 0 for the others.",
		}, []string{"status"}),
	}
}

// SendOutcome counts one send request.
func (m *Metrics) SendOutcome(outcome string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(outcome).Inc()
}

// Received counts one decoded inbound payload.
func (m *Metrics) Received() {
	if m == nil {
		return
	}
	m.received.Inc()
}

// Handshake counts one handshake that connected a peer.
func (m *Metrics) Handshake() {
	if m == nil {
		return
	}
	m.handshakes.Inc()
}

// Error counts one session error of the given kind.
func (m *Metrics) Error(kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(kind).Inc()
}

// Drained adds n closures to the drained counter. Suitable as a
// tick.WithDrainHook callback.
func (m *Metrics) Drained(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.drained.Add(float64(n))
}

// Status sets current to 1 and every other name in all to 0.
func (m *Metrics) Status(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.status.WithLabelValues(s).Set(v)
	}
}
