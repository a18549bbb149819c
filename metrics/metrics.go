// Package metrics exposes Prometheus collectors for connections, calls,
// streams and the server pipeline.
//
// Every method is safe on a nil *Metrics, so components record unconditionally
// and callers that do not want metrics simply pass nil.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wsrpc"

// Metrics holds the collectors. One instance is shared by every component of
// a process.
type Metrics struct {
	calls         *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	pending       prometheus.Gauge
	streams       prometheus.Gauge
	streamItems   prometheus.Counter
	droppedFrames *prometheus.CounterVec
	reconnects    *prometheus.CounterVec
	connections   *prometheus.GaugeVec
	requests      *prometheus.CounterVec
}

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGauge(subsystem, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

// New creates the collectors and registers them with reg, or with the default
// registerer when reg is nil. Collectors already registered by an earlier New
// on the same registerer are reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		calls: newCounterVec("client", "calls_total", "Unary calls by outcome (ok, error, timeout, cancelled).", "outcome"),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "call_duration_seconds",
			Help:      "Time from send to reply for unary calls.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"outcome"}),
		pending:       newGauge("client", "pending_calls", "Unary calls awaiting a reply."),
		streams:       newGauge("client", "active_streams", "Streams opened and not yet terminated."),
		streamItems:   prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "client", Name: "stream_items_total", Help: "Stream items delivered to subscribers."}),
		droppedFrames: newCounterVec("", "dropped_frames_total", "Inbound frames dropped without a recipient, by reason.", "reason"),
		reconnects:    newCounterVec("", "reconnect_attempts_total", "Reconnect attempts by result (success, failure, exhausted).", "result"),
		connections:   prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "connections", Help: "Connections by state."}, []string{"state"}),
		requests:      newCounterVec("server", "requests_total", "Requests and stream starts handled, by service, method and result code.", "service", "method", "code"),
	}

	var err error
	m.calls = register(reg, m.calls, &err)
	m.callDuration = register(reg, m.callDuration, &err)
	m.pending = register(reg, m.pending, &err)
	m.streams = register(reg, m.streams, &err)
	m.streamItems = register(reg, m.streamItems, &err)
	m.droppedFrames = register(reg, m.droppedFrames, &err)
	m.reconnects = register(reg, m.reconnects, &err)
	m.connections = register(reg, m.connections, &err)
	m.requests = register(reg, m.requests, &err)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, returning the collector already registered under
// the same descriptor if there is one. The first failure sticks in *err.
func register[T prometheus.Collector](reg prometheus.Registerer, c T, err *error) T {
	if *err != nil {
		return c
	}
	if e := reg.Register(c); e != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(e, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		*err = e
	}
	return c
}

// CallFinished records the outcome and latency of a unary call.
func (m *Metrics) CallFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(outcome).Inc()
	m.callDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// AddPending moves the pending-calls gauge by delta.
func (m *Metrics) AddPending(delta int) {
	if m == nil {
		return
	}
	m.pending.Add(float64(delta))
}

// AddStreams moves the active-streams gauge by delta.
func (m *Metrics) AddStreams(delta int) {
	if m == nil {
		return
	}
	m.streams.Add(float64(delta))
}

func (m *Metrics) StreamItem() {
	if m == nil {
		return
	}
	m.streamItems.Inc()
}

// FrameDropped counts an inbound frame that reached no recipient.
func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.droppedFrames.WithLabelValues(reason).Inc()
}

func (m *Metrics) ReconnectAttempt(result string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(result).Inc()
}

// StateChanged moves one connection from one state gauge to another. An empty
// from or to means the connection is entering or leaving tracking.
func (m *Metrics) StateChanged(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.connections.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.connections.WithLabelValues(to).Inc()
	}
}

// Request counts one request handled by a server.
func (m *Metrics) Request(service, method, code string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(service, method, code).Inc()
}
