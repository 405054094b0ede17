// Package metrics exposes Prometheus instrumentation for the robot link.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "robotctl"

// Retry reasons reported on the attempts counter.
const (
	ReasonTimeout  = "timeout"
	ReasonDecode   = "decode"
	ReasonSeq      = "seq_mismatch"
	ReasonUnknown  = "unexpected_cmd"
	ReasonBadCS    = "nack_bad_cs"
	OutcomeACK     = "ack"
	OutcomeNACK    = "nack"
	OutcomeTimeout = "exhausted"
	OutcomeIOError = "io_error"
)

// NewRegistry creates a private registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns the HTTP handler serving reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// LinkMetrics are the counters the protocol engine and link supervisor
// update. All methods are safe on a nil receiver so instrumentation is
// optional.
type LinkMetrics struct {
	Requests        *prometheus.CounterVec   // labels: cmd, outcome
	Attempts        *prometheus.CounterVec   // labels: cmd, reason
	RequestDuration *prometheus.HistogramVec // labels: cmd
	Reconnects      *prometheus.CounterVec   // labels: result
	LinkAlive       prometheus.Gauge
	FramesSent      prometheus.Counter
	FramesReceived  prometheus.Counter
}

// NewLinkMetrics registers and returns the link metrics.
func NewLinkMetrics(reg prometheus.Registerer) *LinkMetrics {
	m := &LinkMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Completed requests by command and outcome.",
		}, []string{"cmd", "outcome"}),
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Request attempts that did not complete, by reason.",
		}, []string{"cmd", "reason"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Wall time from first send to final outcome.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.6, 1.2, 2.4, 5},
		}, []string{"cmd"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnect calls by result.",
		}, []string{"result"}),
		LinkAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "link_alive",
			Help:      "1 if the last liveness probe passed.",
		}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to the serial port.",
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames decoded from the serial port.",
		}),
	}
	reg.MustRegister(m.Requests, m.Attempts, m.RequestDuration, m.Reconnects, m.LinkAlive, m.FramesSent, m.FramesReceived)
	return m
}

func (m *LinkMetrics) ObserveRequest(cmd, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(cmd, outcome).Inc()
	m.RequestDuration.WithLabelValues(cmd).Observe(d.Seconds())
}

func (m *LinkMetrics) Retry(cmd, reason string) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(cmd, reason).Inc()
}

func (m *LinkMetrics) FrameSent() {
	if m == nil {
		return
	}
	m.FramesSent.Inc()
}

func (m *LinkMetrics) FrameReceived() {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
}

func (m *LinkMetrics) ObserveReconnect(ok bool) {
	if m == nil {
		return
	}
	result := "failed"
	if ok {
		result = "ok"
	}
	m.Reconnects.WithLabelValues(result).Inc()
}

func (m *LinkMetrics) SetLinkAlive(alive bool) {
	if m == nil {
		return
	}
	if alive {
		m.LinkAlive.Set(1)
	} else {
		m.LinkAlive.Set(0)
	}
}
