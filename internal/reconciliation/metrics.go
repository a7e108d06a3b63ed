package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileStaleJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement",
		Subsystem: "reconciliation",
		Name:      "stale_processing_jobs",
		Help:      "PROCESSING jobs not updated within the stale window in the last run.",
	})

	reconcileLedgerRepairs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement",
		Subsystem: "reconciliation",
		Name:      "ledger_repairs",
		Help:      "Ledger entries appended for lagging orders in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "settlement",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileStaleJobs,
		reconcileLedgerRepairs,
		reconcileDuration,
		reconcileErrors,
	)
}
