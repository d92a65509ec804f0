package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	exchangeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenex_exchanges_total",
		Help: "Exchange attempts, labeled by plan type and outcome",
	}, []string{"type", "outcome"})

	exchangeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tokenex_exchange_duration_seconds",
		Help:    "Latency distribution of exchange executions including retries",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	exchangeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokenex_exchange_retries_total",
		Help: "Exchange units of work retried after a transient store conflict",
	})

	reconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenex_payment_reconciliations_total",
		Help: "Payment reconciliation attempts, labeled by source and outcome",
	}, []string{"source", "outcome"})

	creditsGranted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokenex_credits_granted_total",
		Help: "Credits granted from completed payments",
	})

	paymentsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokenex_payments_expired_total",
		Help: "Pending payment requests moved to expired",
	})

	withdrawalTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenex_withdrawals_total",
		Help: "Withdrawal actions, labeled by action",
	}, []string{"action"})
)
