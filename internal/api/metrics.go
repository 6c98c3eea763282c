package api

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsRegistry holds the four named metrics exposed on /metrics,
// grounded on the original's observability/prometheus.py registry
// (order counter, order latency histogram, scheduler evaluation
// counter, drawdown gauge) and ported onto prometheus/client_golang.
type metricsRegistry struct {
	registry *prometheus.Registry

	okxOrdersTotal       *prometheus.CounterVec
	okxOrderLatencySecs  prometheus.Histogram
	schedulerEvaluations *prometheus.CounterVec
	portfolioDrawdownPct prometheus.Gauge

	mu           sync.Mutex
	latencyCount uint64
	latencySum   float64
	latencyLast  float64
}

func newMetricsRegistry() *metricsRegistry {
	registry := prometheus.NewRegistry()

	m := &metricsRegistry{
		registry: registry,
		okxOrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "okx_orders_total",
			Help: "Count of OKX broker orders by status",
		}, []string{"status"}),
		okxOrderLatencySecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "okx_order_latency_seconds",
			Help:    "Latency of OKX order submissions",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}),
		schedulerEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_evaluations_total",
			Help: "Decision scheduler evaluations grouped by outcome",
		}, []string{"result"}),
		portfolioDrawdownPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portfolio_drawdown_pct",
			Help: "Latest recorded drawdown percentage for the active portfolio",
		}),
	}

	registry.MustRegister(m.okxOrdersTotal, m.okxOrderLatencySecs, m.schedulerEvaluations, m.portfolioDrawdownPct)
	return m
}

// RecordOrder records an OKX order outcome and, when latencySeconds is
// non-negative, its submission latency.
func (m *metricsRegistry) RecordOrder(status string, latencySeconds float64) {
	m.okxOrdersTotal.WithLabelValues(status).Inc()
	if latencySeconds < 0 {
		return
	}
	m.okxOrderLatencySecs.Observe(latencySeconds)

	m.mu.Lock()
	m.latencyCount++
	m.latencySum += latencySeconds
	m.latencyLast = latencySeconds
	m.mu.Unlock()
}

// RecordSchedulerEvaluation records one decision-scheduler tick outcome.
func (m *metricsRegistry) RecordSchedulerEvaluation(result string) {
	m.schedulerEvaluations.WithLabelValues(result).Inc()
}

// SetDrawdown updates the latest portfolio drawdown gauge.
func (m *metricsRegistry) SetDrawdown(pct float64) {
	m.portfolioDrawdownPct.Set(pct)
}

type orderLatencyStats struct {
	Count uint64  `json:"count"`
	Mean  float64 `json:"meanSeconds"`
	Last  float64 `json:"lastSeconds"`
}

func (m *metricsRegistry) orderLatencyStats() (orderLatencyStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latencyCount == 0 {
		return orderLatencyStats{}, false
	}
	return orderLatencyStats{
		Count: m.latencyCount,
		Mean:  m.latencySum / float64(m.latencyCount),
		Last:  m.latencyLast,
	}, true
}
