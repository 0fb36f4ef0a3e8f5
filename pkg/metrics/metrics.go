// Package metrics exposes prometheus collectors for the invoice pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the pipeline's prometheus instruments behind a private
// registry so tests can construct independent instances.
type Collector struct {
	registry *prometheus.Registry

	extractionsTotal   *prometheus.CounterVec
	extractionDuration prometheus.Histogram
	budgetStatusTotal  *prometheus.CounterVec
	policyDecisions    *prometheus.CounterVec
	policiesTriggered  prometheus.Counter
	approvalActions    *prometheus.CounterVec
}

// NewCollector registers all pipeline instruments on a fresh registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	return &Collector{
		registry: registry,
		extractionsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_extractions_total",
			Help: "Extraction attempts by outcome (completed, failed)",
		}, []string{"outcome"}),
		extractionDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "invoice_extraction_duration_seconds",
			Help:    "End-to-end duration of one extraction attempt",
			Buckets: prometheus.DefBuckets,
		}),
		budgetStatusTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_budget_status_total",
			Help: "Budget reconciliation outcomes (within_budget, over_budget, afe_not_found, no_afe)",
		}, []string{"status"}),
		policyDecisions: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "policy_decisions_total",
			Help: "Final routing decisions (auto_approve, require_approval, flag_for_review, block)",
		}, []string{"decision"}),
		policiesTriggered: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "policies_triggered_total",
			Help: "Individual policy triggers across all evaluations",
		}),
		approvalActions: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "approval_actions_total",
			Help: "Human approval decisions (approved, rejected)",
		}, []string{"decision"}),
	}
}

// RecordExtraction records one extraction attempt.
func (c *Collector) RecordExtraction(outcome, budgetStatus string, duration time.Duration) {
	c.extractionsTotal.WithLabelValues(outcome).Inc()
	c.extractionDuration.Observe(duration.Seconds())
	if budgetStatus != "" {
		c.budgetStatusTotal.WithLabelValues(budgetStatus).Inc()
	}
}

// RecordDecision records one policy-engine routing decision.
func (c *Collector) RecordDecision(decision string, triggered int) {
	c.policyDecisions.WithLabelValues(decision).Inc()
	c.policiesTriggered.Add(float64(triggered))
}

// RecordApprovalAction records one human approval decision.
func (c *Collector) RecordApprovalAction(decision string) {
	c.approvalActions.WithLabelValues(decision).Inc()
}

// Handler returns the /metrics HTTP handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
