// Package metrics exposes Prometheus instrumentation for sessions and
// transports. Labels are bounded: no session ids.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sockjs"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing,
// so packages can be used without instrumentation.
type Metrics struct {
	SessionsActive   prometheus.Gauge
	SessionsOpened   prometheus.Counter
	SessionsClosed   *prometheus.CounterVec
	FramesSent       *prometheus.CounterVec
	MessagesReceived prometheus.Counter
	AttachRejected   *prometheus.CounterVec
	FlushFailures    *prometheus.CounterVec

	reg prometheus.Registerer
}

// New creates the collectors and registers them with reg.
//
// Parameters:
//   - reg: The registerer to use; prometheus.DefaultRegisterer in production,
//     a fresh prometheus.NewRegistry() in tests
//
// Returns:
//   - The registered Metrics
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently held in the registry.",
		}),
		SessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Sessions that reached the open state.",
		}),
		SessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Finalized sessions, by close code.",
		}, []string{"code"}),
		FramesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames flushed to clients, by transport and frame kind.",
		}, []string{"transport", "kind"}),
		MessagesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Client messages delivered to the application.",
		}),
		AttachRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attach_rejected_total",
			Help:      "Attach attempts refused, by transport and reason.",
		}, []string{"transport", "reason"}),
		FlushFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_failures_total",
			Help:      "Flushes that failed and left frames buffered, by transport.",
		}, []string{"transport"}),
	}
}

// ObserveTombstones registers the sockjs_tombstones gauge, which calls count
// on every scrape. It is a no-op on a nil Metrics or one built without a
// registerer.
//
// Parameters:
//   - count: Returns the number of closed session ids currently remembered
//
// Returns:
//   - An error if a tombstone gauge is already registered
func (m *Metrics) ObserveTombstones(count func() float64) error {
	if m == nil || m.reg == nil {
		return nil
	}

	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tombstones",
		Help:      "Closed session ids remembered by the tombstone store.",
	}, count)

	if err := m.reg.Register(g); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return errors.New("tombstone gauge already registered")
		}

		return err
	}

	return nil
}

// SessionCreated counts a session entering the registry.
func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// SessionOpened counts a session reaching the open state.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsOpened.Inc()
}

// SessionFinalized counts a finalized session under its close code and
// drops it from the active gauge.
func (m *Metrics) SessionFinalized(code string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsClosed.WithLabelValues(code).Inc()
}

// FrameSent counts one frame flushed through transport.
func (m *Metrics) FrameSent(transport, kind string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(transport, kind).Inc()
}

// MessageReceived counts one client message handed to the application.
func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	m.MessagesReceived.Inc()
}

// AttachRefused counts a refused attach, with reason "closed" or
// "already_attached".
func (m *Metrics) AttachRefused(transport, reason string) {
	if m == nil {
		return
	}
	m.AttachRejected.WithLabelValues(transport, reason).Inc()
}

// FlushFailed counts a flush whose frames went back to the buffer.
func (m *Metrics) FlushFailed(transport string) {
	if m == nil {
		return
	}
	m.FlushFailures.WithLabelValues(transport).Inc()
}
