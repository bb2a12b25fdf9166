package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// OpsTotal counts ledger operations by type.
	OpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskup",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// OpDuration observes operation latency by type.
	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taskup",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// AvailableTotal is the sum of all wallets' available balances, in minor units.
	AvailableTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "taskup",
			Name:      "ledger_available_minor_units",
			Help:      "Sum of all wallet available balances in minor units.",
		},
	)

	// EscrowTotal is the sum of all wallets' escrow balances, in minor units.
	EscrowTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "taskup",
			Name:      "ledger_escrow_minor_units",
			Help:      "Sum of all wallet escrow balances in minor units.",
		},
	)
)

func init() {
	prometheus.MustRegister(OpsTotal, OpDuration, AvailableTotal, EscrowTotal)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	OpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		OpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
