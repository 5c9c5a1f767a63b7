package valuation

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes engine counters for operator visibility. Data-quality
// conditions (clamped sizes, degraded POS fetches, per-size failures)
// surface here as numbers rather than as errors.
type Metrics struct {
	ValuationRuns     prometheus.Counter
	ValuationDuration prometheus.Histogram
	InconsistentSizes prometheus.Counter
	SizeFailures      prometheus.Counter
	PosDegradations   prometheus.Counter
	ComparisonRuns    prometheus.Counter
}

// NewMetrics creates the engine metrics and registers them with the
// given registerer. Pass prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ValuationRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "valuation_runs_total",
			Help: "Number of valuation runs executed.",
		}),
		ValuationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "valuation_run_duration_seconds",
			Help:    "Wall time of valuation runs.",
			Buckets: prometheus.DefBuckets,
		}),
		InconsistentSizes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "valuation_inconsistent_sizes_total",
			Help: "Sizes where observed stock exceeded total delivered quantity.",
		}),
		SizeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "valuation_size_failures_total",
			Help: "Per-size computation failures captured during valuation runs.",
		}),
		PosDegradations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "valuation_pos_degradations_total",
			Help: "Valuation runs that completed without point-of-sale balances.",
		}),
		ComparisonRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconciliation_runs_total",
			Help: "Number of reconciliation comparison runs executed.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ValuationRuns,
			m.ValuationDuration,
			m.InconsistentSizes,
			m.SizeFailures,
			m.PosDegradations,
			m.ComparisonRuns,
		)
	}

	return m
}
