package fulfillment

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Fulfillments *prometheus.CounterVec
	Duration     prometheus.Histogram
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Fulfillments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fulfillments_total",
				Help: "Fulfillment attempts by outcome.",
			},
			[]string{"outcome"},
		),
		Duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fulfillment_duration_seconds",
				Help:    "Time from paid order to recorded outcome.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
		),
	}
	registry.MustRegister(m.Fulfillments, m.Duration)
	return m
}

func (m *Metrics) observe(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Fulfillments.WithLabelValues(outcome).Inc()
	m.Duration.Observe(elapsed.Seconds())
}
