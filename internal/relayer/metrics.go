package relayer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_relayer_submissions_total",
			Help: "Ledger submissions by operation and outcome kind",
		},
		[]string{"op", "kind"},
	)

	confirmDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keeper_relayer_confirm_seconds",
			Help:    "Time from send to confirmation",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		},
		[]string{"op"},
	)

	feeAccountCreates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_relayer_fee_account_creates_total",
			Help: "Times the fee-collection token account creation was attached",
		},
	)
)
