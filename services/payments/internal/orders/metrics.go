package orders

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Transitions *prometheus.CounterVec
	Transfers   *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "order_transitions_total",
				Help: "Order status transitions by target status and result.",
			},
			[]string{"to", "result"},
		),
		Transfers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_transfers_total",
				Help: "Incoming ledger transfers by match outcome.",
			},
			[]string{"outcome"},
		),
	}
	registry.MustRegister(m.Transitions, m.Transfers)
	return m
}

func (m *Metrics) transition(to, result string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(to, result).Inc()
}

func (m *Metrics) transfer(outcome string) {
	if m == nil {
		return
	}
	m.Transfers.WithLabelValues(outcome).Inc()
}
