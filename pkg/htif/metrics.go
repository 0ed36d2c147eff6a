package htif

import (
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts protocol traffic. A Session feeds the client counters and a
// Server the request counters; a nil *Metrics records nothing.
type Metrics struct {
	exchanges      *prometheus.CounterVec
	exchangeErrors *prometheus.CounterVec
	payloadBytes   *prometheus.CounterVec
	serverRequests *prometheus.CounterVec
}

// NewClientMetrics registers the exchange counters fed by a Session.
func NewClientMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "htif",
			Name:      "exchanges_total",
			Help:      "Completed request/response exchanges by request command.",
		}, []string{"command"}),
		exchangeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "htif",
			Name:      "exchange_errors_total",
			Help:      "Failed exchanges by error kind.",
		}, []string{"kind"}),
		payloadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "htif",
			Name:      "payload_bytes_total",
			Help:      "Payload bytes moved by read and write exchanges.",
		}, []string{"direction"}),
	}
	if err := register(reg, m.exchanges, m.exchangeErrors, m.payloadBytes); err != nil {
		return nil, err
	}
	return m, nil
}

// NewServerMetrics registers the request counter fed by a Server.
func NewServerMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		serverRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "htif",
			Name:      "server_requests_total",
			Help:      "Requests answered by the target server.",
		}, []string{"command", "result"}),
	}
	if err := register(reg, m.serverRequests); err != nil {
		return nil, err
	}
	return m, nil
}

func register(reg prometheus.Registerer, collectors ...prometheus.Collector) error {
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return errors.Wrap(err, "failed to register htif metrics")
		}
	}
	return nil
}

func (m *Metrics) exchangeDone(cmd Command, payload int) {
	if m == nil || m.exchanges == nil {
		return
	}
	m.exchanges.WithLabelValues(cmd.String()).Inc()
	switch cmd {
	case CommandReadMem, CommandReadControlReg:
		m.payloadBytes.WithLabelValues("read").Add(float64(payload))
	case CommandWriteMem, CommandWriteControlReg:
		m.payloadBytes.WithLabelValues("write").Add(float64(payload))
	}
}

func (m *Metrics) exchangeFailed(err error) {
	if m == nil || m.exchangeErrors == nil {
		return
	}
	m.exchangeErrors.WithLabelValues(errorKind(err)).Inc()
}

func (m *Metrics) requestServed(cmd Command, result Command) {
	if m == nil || m.serverRequests == nil {
		return
	}
	m.serverRequests.WithLabelValues(cmd.String(), result.String()).Inc()
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrIO):
		return "io"
	case errors.Is(err, ErrBadSeqno):
		return "seqno"
	case errors.Is(err, ErrPacket):
		return "packet"
	}
	return "other"
}
