package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/quantforge/quantforge/internal/models"
)

// Registry holds every QuantForge prometheus metric. One instance per
// process, registered against its own prometheus registry so tests can
// run several side by side.
type Registry struct {
	reg *prometheus.Registry

	QueueDepth      *prometheus.GaugeVec
	PoolUtilization prometheus.Gauge

	BacktestDuration prometheus.Histogram
	BacktestOutcomes *prometheus.CounterVec

	PoolAdmissions prometheus.Counter
	PoolEvictions  prometheus.Counter
	Retirements    *prometheus.CounterVec

	StaleClaimsReaped prometheus.Counter
	OrdersPlaced      *prometheus.CounterVec
	TrailingUpdates   prometheus.Counter
}

// NewRegistry creates and registers all metrics.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quantforge_queue_depth",
				Help: "Strategy count per lifecycle status",
			},
			[]string{"status"},
		),
		PoolUtilization: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "quantforge_pool_utilization",
				Help: "ACTIVE pool fill ratio (0.0 to 1.0)",
			},
		),
		BacktestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "quantforge_backtest_duration_seconds",
				Help:    "Wall time of one strategy evaluation",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
		BacktestOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantforge_backtest_outcomes_total",
				Help: "Evaluation outcomes by result",
			},
			[]string{"outcome"},
		),
		PoolAdmissions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quantforge_pool_admissions_total",
				Help: "Strategies admitted to the ACTIVE pool",
			},
		),
		PoolEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quantforge_pool_evictions_total",
				Help: "Strategies evicted from the ACTIVE pool",
			},
		),
		Retirements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantforge_retirements_total",
				Help: "Strategies retired by reason class",
			},
			[]string{"reason"},
		),
		StaleClaimsReaped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quantforge_stale_claims_reaped_total",
				Help: "Leases reset by the scheduler",
			},
		),
		OrdersPlaced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantforge_orders_placed_total",
				Help: "Venue orders by type and mode",
			},
			[]string{"type", "mode"},
		),
		TrailingUpdates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quantforge_trailing_sl_updates_total",
				Help: "Atomic stop-loss replacements performed",
			},
		),
	}

	r.reg.MustRegister(
		r.QueueDepth, r.PoolUtilization, r.BacktestDuration,
		r.BacktestOutcomes, r.PoolAdmissions, r.PoolEvictions,
		r.Retirements, r.StaleClaimsReaped, r.OrdersPlaced,
		r.TrailingUpdates,
	)
	return r
}

// Prometheus exposes the underlying registry for the HTTP handler.
func (r *Registry) Prometheus() *prometheus.Registry { return r.reg }

// SetQueueDepths updates the per-status gauges in one sweep.
func (r *Registry) SetQueueDepths(counts map[models.Status]int) {
	for _, status := range []models.Status{
		models.StatusGenerated, models.StatusValidated,
		models.StatusActive, models.StatusLive,
		models.StatusRetired, models.StatusFailed,
	} {
		r.QueueDepth.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
