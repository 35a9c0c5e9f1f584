package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/mishablank/treasury-sentinel/internal/escalation"
	"github.com/mishablank/treasury-sentinel/internal/idgen"
	"github.com/mishablank/treasury-sentinel/internal/metrics"
	"github.com/mishablank/treasury-sentinel/internal/payment"
	"github.com/mishablank/treasury-sentinel/internal/store"
)

// Notifier turns sentinel activity into webhook events. All methods are
// fire-and-forget: errors are logged but never returned. It satisfies
// the escalation machine's observer interface.
type Notifier struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewNotifier creates a notifier over a dispatcher.
func NewNotifier(d *Dispatcher, logger *slog.Logger) *Notifier {
	return &Notifier{d: d, logger: logger}
}

func (n *Notifier) emit(eventType EventType, level *escalation.Level, data map[string]any) {
	if n == nil || n.d == nil {
		return
	}
	metrics.WebhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
		Level:     level,
	}
	if err := n.d.Dispatch(context.Background(), event); err != nil {
		metrics.WebhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		n.logger.Warn("webhook emit failed", "event", eventType, "error", err)
	}
}

// OnTransition emits an alert for every successful level change. A
// redirect into BUDGET_BLOCKED raises a separate, dedicated event.
func (n *Notifier) OnTransition(t *escalation.Transition) {
	if !t.Successful {
		return
	}

	to := t.To
	data := map[string]any{
		"transition_id":   t.ID,
		"run_id":          t.RunID,
		"from":            t.From.String(),
		"to":              t.To.String(),
		"trigger":         string(t.Trigger),
		"cost_micro_usdc": int64(t.Cost),
	}

	if t.To == escalation.LevelBudgetBlocked {
		n.emit(EventBudgetBlocked, &to, data)
		return
	}
	n.emit(EventTransition, &to, data)
}

// NotifyPayment emits an alert when a payment reaches a terminal state.
func (n *Notifier) NotifyPayment(rec *payment.Record) {
	n.emit(EventPaymentSent, nil, map[string]any{
		"payment_id":        rec.ID,
		"run_id":            rec.RunID,
		"invoice_id":        rec.InvoiceID,
		"endpoint":          rec.Endpoint,
		"amount_micro_usdc": int64(rec.Amount),
		"tx_hash":           rec.TxHash,
		"status":            rec.Status,
	})
}

// NotifyRunFailed emits an alert when a run ends FAILED.
func (n *Notifier) NotifyRunFailed(run *store.Run) {
	if run.Status != store.RunFailed {
		return
	}
	n.emit(EventRunFailed, nil, map[string]any{
		"run_id":     run.ID,
		"run_number": run.RunNumber,
		"error":      run.Error,
	})
}
