// Package metrics defines the Prometheus instruments for the settlement
// pipeline. Instruments are registered once on the default registry; callers
// grab the package vars directly.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsProcessed counts finished verification jobs by terminal outcome:
	// approved, rejected, retried, manual_review.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_jobs_processed_total",
		Help: "Verification jobs processed by outcome",
	}, []string{"outcome"})

	JobsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_jobs_enqueued_total",
		Help: "Verification jobs pushed onto the settlement queue",
	})

	ModerationActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_moderation_actions_total",
		Help: "Moderation decisions by action",
	}, []string{"action"})

	ModerationShortCircuits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_moderation_short_circuits_total",
		Help: "Moderation results decided without an AI call",
	}, []string{"source"}) // allowlist | blocklist | cache

	AICalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_ai_calls_total",
		Help: "Calls to the AI provider by purpose",
	}, []string{"purpose"}) // moderation | verify_text | verify_image

	AICacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_ai_cache_hits_total",
		Help: "Decision results served from the content-hash cache",
	}, []string{"engine"})

	SettlementAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_escrow_attempts_total",
		Help: "Escrow release attempts",
	})

	SettlementFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_escrow_failures_total",
		Help: "Escrow release failures by class",
	}, []string{"class"}) // transient | permanent | exhausted

	PaymentsReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_payments_released_total",
		Help: "Payments released on-chain",
	})

	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_notifications_dropped_total",
		Help: "Notifications dropped after exhausting delivery attempts",
	})

	ReconcileMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_reconcile_mismatches_total",
		Help: "Off-chain/on-chain task state mismatches found by the sweep",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_stage_duration_seconds",
		Help:    "Duration of pipeline stages",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"stage"}) // moderation | verification | settlement | job

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_queue_depth",
		Help: "Pending jobs observed in the settlement queue",
	})
)

// Handler exposes the default registry in Prometheus text format.
func Handler() http.Handler { return promhttp.Handler() }
