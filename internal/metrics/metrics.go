package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AllocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payflow_allocations_total",
		Help: "Ledger allocation attempts, labeled by outcome",
	}, []string{"outcome"})

	MatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payflow_match_attempts_total",
		Help: "Matching results by phase (exact, flexible, none)",
	}, []string{"phase"})

	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payflow_match_duration_seconds",
		Help:    "Latency of payout selection",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	})

	BatchTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payflow_batch_transitions_total",
		Help: "Batch state transitions applied",
	}, []string{"to"})

	PayoutsSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payflow_payouts_settled_total",
		Help: "Payout requests transitioned to approved",
	})

	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payflow_claims_total",
		Help: "Claim attempts by outcome (created, replayed, in_flight, failed)",
	}, []string{"outcome"})

	SweepItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payflow_sweep_items_total",
		Help: "Rows processed by the timeout sweep",
	}, []string{"sweep", "result"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payflow_sweep_duration_seconds",
		Help:    "Duration of a full sweep run",
		Buckets: prometheus.DefBuckets,
	})

	LedgerHealthScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "payflow_ledger_health_score",
		Help: "Last consistency audit score (0-100)",
	})

	CallbackDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payflow_callback_deliveries_total",
		Help: "Outbound settlement callback results",
	}, []string{"result"})
)
