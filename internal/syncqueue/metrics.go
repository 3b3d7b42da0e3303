package syncqueue

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks queue throughput. A nil *Metrics is a no-op.
type Metrics struct {
	enqueued    *prometheus.CounterVec
	claimed     *prometheus.CounterVec
	resolutions *prometheus.CounterVec
	expired     prometheus.Counter
}

// NewMetrics registers the queue collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payrollsync_queue_enqueued_total",
			Help: "Queue items created or refreshed, by type and action.",
		}, []string{"type", "action"}),
		claimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payrollsync_queue_claimed_total",
			Help: "Queue items handed to a polling session, by type.",
		}, []string{"type"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payrollsync_queue_resolutions_total",
			Help: "Attempt resolutions by type and resulting status.",
		}, []string{"type", "status"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payrollsync_queue_expired_total",
			Help: "Processing items failed after timing out with no attempts left.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.enqueued, m.claimed, m.resolutions, m.expired)
	}
	return m
}

func (m *Metrics) observeEnqueue(item Item) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(string(item.Type), string(item.Action)).Inc()
}

func (m *Metrics) observeClaim(items []Item) {
	if m == nil {
		return
	}
	for _, item := range items {
		m.claimed.WithLabelValues(string(item.Type)).Inc()
	}
}

func (m *Metrics) observeResolution(item Item) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(string(item.Type), string(item.Status)).Inc()
}

func (m *Metrics) observeExpired(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.expired.Add(float64(n))
}
