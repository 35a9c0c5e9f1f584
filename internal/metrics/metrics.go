// Package metrics provides Prometheus instrumentation for the sentinel.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RunsTotal counts agent runs by terminal status.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "runs_total",
			Help:      "Total agent runs by terminal status.",
		},
		[]string{"status"},
	)

	// RunDuration observes wall time per completed run.
	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sentinel",
			Name:      "run_duration_seconds",
			Help:      "Agent run duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// TransitionsTotal counts escalation transition attempts by trigger and outcome.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "transitions_total",
			Help:      "Escalation transition attempts by trigger and outcome.",
		},
		[]string{"trigger", "outcome"},
	)

	// PaymentsTotal counts 402 payments by final status.
	PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "payments_total",
			Help:      "Total 402 payments by final status.",
		},
		[]string{"status"},
	)

	// BudgetSpent tracks committed spend in micro-USDC.
	BudgetSpent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sentinel",
			Name:      "budget_spent_micro_usdc",
			Help:      "Committed budget spend in micro-USDC.",
		},
	)

	// BudgetRemaining tracks remaining budget in micro-USDC.
	BudgetRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sentinel",
			Name:      "budget_remaining_micro_usdc",
			Help:      "Remaining budget in micro-USDC (limit - spent - reserved).",
		},
	)

	// EscalationLevel tracks the current ladder level (0-5; -1 when budget-blocked).
	EscalationLevel = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sentinel",
			Name:      "escalation_level",
			Help:      "Current escalation level (0-5, -1 = BUDGET_BLOCKED).",
		},
	)

	// RPCErrorsTotal counts chain RPC failures after retry exhaustion.
	RPCErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "rpc_errors_total",
			Help:      "Chain RPC failures after retry exhaustion, by chain id.",
		},
		[]string{"chain_id"},
	)

	// WebSocketClients tracks connected realtime stream clients.
	WebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sentinel",
			Name:      "websocket_clients",
			Help:      "Connected realtime stream clients.",
		},
	)

	// MarketDataCache counts gateway cache lookups by result.
	MarketDataCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "market_data_cache_total",
			Help:      "Market data cache lookups by endpoint and result.",
		},
		[]string{"endpoint", "result"},
	)

	// WebhookEmitTotal counts webhook emit attempts by event type.
	WebhookEmitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "webhook_emit_total",
			Help:      "Webhook emit attempts by event type.",
		},
		[]string{"event_type"},
	)

	// WebhookEmitErrors counts webhook emit failures by event type.
	WebhookEmitErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "webhook_emit_errors_total",
			Help:      "Webhook emit failures by event type.",
		},
		[]string{"event_type"},
	)
)

// Register registers all sentinel collectors with the default registry.
// Call once from the composition root.
func Register() {
	prometheus.MustRegister(
		RunsTotal,
		RunDuration,
		TransitionsTotal,
		PaymentsTotal,
		BudgetSpent,
		BudgetRemaining,
		EscalationLevel,
		RPCErrorsTotal,
		WebSocketClients,
		MarketDataCache,
		WebhookEmitTotal,
		WebhookEmitErrors,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
