package sockio

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "sockio"

// Metrics holds the prometheus collectors of the package.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	bytesSent      *prometheus.CounterVec
	bytesReceived  *prometheus.CounterVec
	jobs           *prometheus.CounterVec
	protocolErrors *prometheus.CounterVec
	ticks          prometheus.Counter
	activeSockets  prometheus.Gauge
	reassembled    prometheus.Counter
	retransmits    prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg, or with
// the default registerer when reg is nil. Collectors that are already
// registered are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		bytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bytes_sent_total",
			Help:      "Wire bytes sent, by socket type.",
		}, []string{"type"}),
		bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bytes_received_total",
			Help:      "Wire bytes received, by socket type.",
		}, []string{"type"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_completed_total",
			Help:      "Asynchronous jobs finished, by direction and outcome.",
		}, []string{"direction", "result"}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "protocol_errors_total",
			Help:      "Framing violations, by kind.",
		}, []string{"kind"}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reactor_ticks_total",
			Help:      "Poller passes over the reactor registry.",
		}),
		activeSockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "async_sockets",
			Help:      "Asynchronous sockets currently registered.",
		}),
		reassembled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_reassembled_total",
			Help:      "Reliable messages rebuilt from fragments.",
		}),
		retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retransmits_total",
			Help:      "Reliable fragments sent again for lack of an acknowledgement.",
		}),
	}

	r := &registrar{reg: reg}
	m.bytesSent = register(r, m.bytesSent)
	m.bytesReceived = register(r, m.bytesReceived)
	m.jobs = register(r, m.jobs)
	m.protocolErrors = register(r, m.protocolErrors)
	m.ticks = register(r, m.ticks)
	m.activeSockets = register(r, m.activeSockets)
	m.reassembled = register(r, m.reassembled)
	m.retransmits = register(r, m.retransmits)
	if r.err != nil {
		return nil, r.err
	}
	return m, nil
}

// registrar keeps the first registration error.
type registrar struct {
	reg prometheus.Registerer
	err error
}

func register[C prometheus.Collector](r *registrar, c C) C {
	err := r.reg.Register(c)
	if err == nil {
		return c
	}

	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	if r.err == nil {
		r.err = fmt.Errorf("register metrics failed: %w", err)
	}
	return c
}

func (m *Metrics) sent(t Type, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesSent.WithLabelValues(t.String()).Add(float64(n))
}

func (m *Metrics) received(t Type, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesReceived.WithLabelValues(t.String()).Add(float64(n))
}

func (m *Metrics) job(direction string, err error) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(direction, resultLabel(err)).Inc()
}

func (m *Metrics) protocolError(kind string) {
	if m == nil {
		return
	}
	m.protocolErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) tick() {
	if m == nil {
		return
	}
	m.ticks.Inc()
}

func (m *Metrics) socketRegistered(delta int) {
	if m == nil {
		return
	}
	m.activeSockets.Add(float64(delta))
}

func (m *Metrics) messageReassembled() {
	if m == nil {
		return
	}
	m.reassembled.Inc()
}

func (m *Metrics) retransmit() {
	if m == nil {
		return
	}
	m.retransmits.Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrPeerClosed):
		return "peer_closed"
	case errors.Is(err, ErrOversizedMessage), errors.Is(err, ErrProtocol):
		return "protocol"
	default:
		return "error"
	}
}
