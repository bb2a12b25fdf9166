package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskup",
		Subsystem: "reconciliation",
		Name:      "wallet_mismatches",
		Help:      "Wallets whose transaction log did not replay to their balances in the last run.",
	})

	reconcileStuckPayments = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskup",
		Subsystem: "reconciliation",
		Name:      "stuck_payments",
		Help:      "Terminal payments still holding escrow in the last run.",
	})

	reconcileEscrowDrift = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskup",
		Subsystem: "reconciliation",
		Name:      "escrow_drift_minor_units",
		Help:      "Wallet escrow total minus the outstanding amount of all payments.",
	})

	reconcileBooked = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskup",
		Subsystem: "reconciliation",
		Name:      "booked_total",
		Help:      "Processor-confirmed settlements whose ledger legs were booked by reconciliation.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taskup",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskup",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileMismatches,
		reconcileStuckPayments,
		reconcileEscrowDrift,
		reconcileBooked,
		reconcileDuration,
		reconcileErrors,
	)
}
