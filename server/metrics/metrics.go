// prometheus collectors for admission and the connection layer
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/s00inx/embedhttpd/server/conn"
	"github.com/s00inx/embedhttpd/server/engine"
	"github.com/s00inx/embedhttpd/server/protocol"
)

const namespace = "embedhttpd"

var (
	_ engine.AdmissionObserver = (*Metrics)(nil)
	_ conn.Observer            = (*Metrics)(nil)
)

// Metrics is safe to use as a nil pointer, every method is then a no-op
type Metrics struct {
	active   prometheus.Gauge
	blocked  prometheus.Gauge
	accepted prometheus.Counter

	requests  *prometheus.CounterVec
	responses *prometheus.CounterVec
	errors    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Connections currently admitted",
		}),
		blocked: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listeners_blocked",
			Help:      "Listeners paused by the connection ceiling",
		}),
		accepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total number of accepted connections",
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of requests with complete headers",
		}, []string{"method"}),
		responses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Total number of responses started",
		}, []string{"code"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Total number of requests rejected by the parser or a failing handler",
		}, []string{"status"}),
	}
}

func (m *Metrics) Accepted() {
	if m == nil {
		return
	}
	m.accepted.Inc()
	m.active.Inc()
}

func (m *Metrics) Released() {
	if m == nil {
		return
	}
	m.active.Dec()
}

func (m *Metrics) Blocked(n int) {
	if m == nil {
		return
	}
	m.blocked.Set(float64(n))
}

func (m *Metrics) Request(method protocol.Method) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method.String()).Inc()
}

func (m *Metrics) Response(code int) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Metrics) ProtocolError(code int) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(strconv.Itoa(code)).Inc()
}
