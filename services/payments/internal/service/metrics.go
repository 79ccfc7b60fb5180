package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	OrderCreations     *prometheus.CounterVec
	OrderCreateLatency *prometheus.HistogramVec
	AllocationAttempts prometheus.Histogram
	AdminActions       *prometheus.CounterVec
	TierCacheRefresh   prometheus.Histogram
	TierCacheSize      prometheus.Gauge
	TierCacheErrors    prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		OrderCreations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "order_creations_total",
				Help: "Order creation attempts by result.",
			},
			[]string{"status"},
		),
		OrderCreateLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "order_create_latency_seconds",
				Help:    "Order creation latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		AllocationAttempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "amount_allocation_attempts",
				Help:    "Candidate amounts tried before a free one was found.",
				Buckets: []float64{1, 2, 5, 10, 50, 100, 500, 1000},
			},
		),
		AdminActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admin_actions_total",
				Help: "Administrative order actions.",
			},
			[]string{"action"},
		),
		TierCacheRefresh: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tier_cache_refresh_seconds",
				Help:    "Price tier cache refresh latency.",
				Buckets: prometheus.DefBuckets,
			},
		),
		TierCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tier_cache_size",
			Help: "Active price tiers held in memory.",
		}),
		TierCacheErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tier_cache_refresh_errors_total",
			Help: "Failed price tier cache refreshes.",
		}),
	}

	registry.MustRegister(
		m.OrderCreations,
		m.OrderCreateLatency,
		m.AllocationAttempts,
		m.AdminActions,
		m.TierCacheRefresh,
		m.TierCacheSize,
		m.TierCacheErrors,
	)
	return m
}

func (m *Metrics) observeCreate(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.OrderCreations.WithLabelValues(status).Inc()
	m.OrderCreateLatency.WithLabelValues(status).Observe(elapsed.Seconds())
}

func (m *Metrics) observeAttempts(n int) {
	if m == nil || n == 0 {
		return
	}
	m.AllocationAttempts.Observe(float64(n))
}

func (m *Metrics) admin(action string) {
	if m == nil {
		return
	}
	m.AdminActions.WithLabelValues(action).Inc()
}

// ObserveRefresh, SetCacheSize and IncRefreshError let the tier cache
// report through the service registry.
func (m *Metrics) ObserveRefresh(d time.Duration) {
	if m == nil {
		return
	}
	m.TierCacheRefresh.Observe(d.Seconds())
}

func (m *Metrics) SetCacheSize(size int) {
	if m == nil {
		return
	}
	m.TierCacheSize.Set(float64(size))
}

func (m *Metrics) IncRefreshError() {
	if m == nil {
		return
	}
	m.TierCacheErrors.Inc()
}
