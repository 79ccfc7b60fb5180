package monitor

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Ticks   *prometheus.CounterVec
	Blocks  prometheus.Counter
	Cursor  prometheus.Gauge
	Head    prometheus.Gauge
	HeadLag prometheus.Gauge
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_monitor_ticks_total",
				Help: "Ledger monitor ticks by outcome.",
			},
			[]string{"outcome"},
		),
		Blocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_monitor_blocks_total",
			Help: "Confirmed blocks scanned.",
		}),
		Cursor: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_monitor_cursor",
			Help: "Last fully processed block height.",
		}),
		Head: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_chain_head",
			Help: "Latest block height reported by the ledger.",
		}),
		HeadLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_monitor_head_lag_blocks",
			Help: "Blocks between the chain head and the cursor.",
		}),
	}
	registry.MustRegister(m.Ticks, m.Blocks, m.Cursor, m.Head, m.HeadLag)
	return m
}

func (m *Metrics) tick(outcome string) {
	if m == nil {
		return
	}
	m.Ticks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) head(latest int64) {
	if m == nil {
		return
	}
	m.Head.Set(float64(latest))
}

func (m *Metrics) cursor(cursor, latest int64) {
	if m == nil {
		return
	}
	m.Cursor.Set(float64(cursor))
	m.HeadLag.Set(float64(latest - cursor))
}

func (m *Metrics) block(cursor, latest int64) {
	if m == nil {
		return
	}
	m.Blocks.Inc()
	m.cursor(cursor, latest)
}
