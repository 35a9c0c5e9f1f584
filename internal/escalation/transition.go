package escalation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mishablank/treasury-sentinel/internal/usdc"
)

// Transition is the immutable record of one attempt, successful or not.
type Transition struct {
	ID           string     `json:"id"`
	Seq          int64      `json:"seq"` // monotonic append order
	RunID        string     `json:"run_id"`
	From         Level      `json:"from"`
	To           Level      `json:"to"`
	Trigger      Trigger    `json:"trigger"`
	Timestamp    time.Time  `json:"timestamp"`
	Cost         usdc.Micro `json:"cost_micro_usdc"`
	GuardsPassed []string   `json:"guards_passed"`
	GuardsFailed []string   `json:"guards_failed"`
	PaymentID    string     `json:"payment_id,omitempty"`
	SnapshotID   string     `json:"snapshot_id,omitempty"`
	Successful   bool       `json:"successful"`
}

// Sink receives transitions evicted from the in-memory ledger.
type Sink interface {
	FlushTransitions(ctx context.Context, transitions []*Transition) error
}

// DefaultLedgerCap bounds the in-memory transition history.
const DefaultLedgerCap = 1000

// TransitionLedger is the append-only transition history. It keeps the
// most recent cap entries in memory; older entries are handed to the
// sink when the cap is exceeded.
type TransitionLedger struct {
	mu      sync.Mutex
	entries []*Transition
	cap     int
	seq     int64
	sink    Sink
	logger  *slog.Logger
}

// NewTransitionLedger creates a ledger. A nil sink drops evicted
// entries after logging them.
func NewTransitionLedger(cap int, sink Sink, logger *slog.Logger) *TransitionLedger {
	if cap <= 0 {
		cap = DefaultLedgerCap
	}
	return &TransitionLedger{cap: cap, sink: sink, logger: logger}
}

// Append stamps the transition with the next sequence number and
// records it. Eviction of old entries happens inline.
func (tl *TransitionLedger) Append(ctx context.Context, t *Transition) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	tl.seq++
	t.Seq = tl.seq
	tl.entries = append(tl.entries, t)

	if len(tl.entries) <= tl.cap {
		return
	}

	evicted := make([]*Transition, len(tl.entries)-tl.cap)
	copy(evicted, tl.entries[:len(evicted)])
	tl.entries = tl.entries[len(evicted):]

	if tl.sink == nil {
		tl.logger.Warn("transition ledger overflow, dropping entries", "count", len(evicted))
		return
	}
	if err := tl.sink.FlushTransitions(ctx, evicted); err != nil {
		tl.logger.Error("failed to flush evicted transitions", "count", len(evicted), "error", err)
	}
}

// Recent returns up to n transitions, newest last.
func (tl *TransitionLedger) Recent(n int) []*Transition {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if n <= 0 || n > len(tl.entries) {
		n = len(tl.entries)
	}
	out := make([]*Transition, n)
	copy(out, tl.entries[len(tl.entries)-n:])
	return out
}

// Len reports the in-memory entry count.
func (tl *TransitionLedger) Len() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return len(tl.entries)
}
