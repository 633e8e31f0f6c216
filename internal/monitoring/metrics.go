// Package monitoring exposes the gateway's Prometheus metrics.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway
type Metrics struct {
	// Decision metrics
	Decisions        *prometheus.CounterVec
	EvaluateDuration *prometheus.HistogramVec

	// Connector metrics
	ConnectorInvocations *prometheus.CounterVec
	ConnectorDuration    *prometheus.HistogramVec
	ConnectorErrors      *prometheus.CounterVec

	// Budget metrics
	BudgetReservations *prometheus.CounterVec

	// Approval metrics
	ApprovalsCreated  *prometheus.CounterVec
	OverridesRedeemed *prometheus.CounterVec

	// Audit metrics
	AuditWriteFailures prometheus.Counter
	AuditChainRetries  prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		Decisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uapk_gateway_decisions_total",
				Help: "Policy decisions by tenant, operation, and outcome",
			},
			[]string{"tenant", "operation", "decision"}, // operation: evaluate, execute
		),

		EvaluateDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "uapk_gateway_evaluate_duration_seconds",
				Help:    "Policy evaluation latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tenant"},
		),

		ConnectorInvocations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uapk_gateway_connector_invocations_total",
				Help: "Connector invocations by type and outcome",
			},
			[]string{"connector_type", "outcome"}, // outcome: success, failure
		),

		ConnectorDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "uapk_gateway_connector_duration_seconds",
				Help:    "Connector invocation latency",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"connector_type"},
		),

		ConnectorErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uapk_gateway_connector_errors_total",
				Help: "Connector failures by stable error code",
			},
			[]string{"code"},
		),

		BudgetReservations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uapk_gateway_budget_reservations_total",
				Help: "Daily budget reservation attempts",
			},
			[]string{"tenant", "result"}, // result: granted, denied
		),

		ApprovalsCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uapk_gateway_approvals_created_total",
				Help: "Approvals created by escalated evaluations",
			},
			[]string{"tenant"},
		),

		OverridesRedeemed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uapk_gateway_overrides_redeemed_total",
				Help: "Override token redemptions",
			},
			[]string{"tenant", "result"}, // result: consumed, replayed
		),

		AuditWriteFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "uapk_gateway_audit_write_failures_total",
				Help: "Audit records that could not be persisted after retries",
			},
		),

		AuditChainRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "uapk_gateway_audit_chain_retries_total",
				Help: "Audit inserts retried after losing a chain-tail race",
			},
		),
	}
}
