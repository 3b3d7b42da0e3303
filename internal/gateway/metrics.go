package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts agent exchanges. A nil *Metrics is a no-op.
type Metrics struct {
	sessions  *prometheus.CounterVec
	requests  *prometheus.CounterVec
	responses *prometheus.CounterVec
	duration  prometheus.Histogram
}

// NewMetrics registers the gateway collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payrollsync_gateway_sessions_total",
			Help: "Agent authentication attempts by result.",
		}, []string{"result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payrollsync_gateway_requests_total",
			Help: "Request documents handed to the agent, by item type.",
		}, []string{"type"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payrollsync_gateway_responses_total",
			Help: "Item outcomes recorded from agent responses.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "payrollsync_gateway_session_duration_seconds",
			Help:    "Wall time of closed agent sessions.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.sessions, m.requests, m.responses, m.duration)
	}
	return m
}

func (m *Metrics) session(result string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(result).Inc()
}

func (m *Metrics) request(itemType string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(itemType).Inc()
}

func (m *Metrics) response(outcome string) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(outcome).Inc()
}

func (m *Metrics) closed(d time.Duration) {
	if m == nil {
		return
	}
	m.duration.Observe(d.Seconds())
}
