package auth

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts flow outcomes. A nil *Metrics records nothing.
type Metrics struct {
	attempts      *prometheus.CounterVec
	compensations *prometheus.CounterVec
	unreconciled  prometheus.Counter
}

// NewMetrics builds the collectors and registers them on reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tour",
			Subsystem: "auth",
			Name:      "flow_attempts_total",
			Help:      "Authentication flow attempts by method and outcome.",
		}, []string{"method", "outcome"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tour",
			Subsystem: "auth",
			Name:      "compensations_total",
			Help:      "Compensating store writes after a failed cookie write.",
		}, []string{"method", "outcome"}),
		unreconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tour",
			Subsystem: "auth",
			Name:      "unreconciled_sessions_total",
			Help:      "Sessions left in the store after compensation gave up.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.attempts, m.compensations, m.unreconciled)
	}
	return m
}

func (m *Metrics) observe(method string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = KindOf(err).String()
	}
	m.attempts.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) compensation(method string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.compensations.WithLabelValues(method, "failed").Inc()
		m.unreconciled.Inc()
		return
	}
	m.compensations.WithLabelValues(method, "reconciled").Inc()
}
