// Package store persists runs, payments, transitions, snapshots, and
// the consumed-tx set. Two implementations share one interface: an
// in-memory store for demo/development mode and a PostgreSQL store for
// anything that must survive a restart.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mishablank/treasury-sentinel/internal/chain"
	"github.com/mishablank/treasury-sentinel/internal/escalation"
	"github.com/mishablank/treasury-sentinel/internal/payment"
	"github.com/mishablank/treasury-sentinel/internal/usdc"
)

// Run lifecycle statuses.
const (
	RunPending   = "PENDING"
	RunRunning   = "RUNNING"
	RunCompleted = "COMPLETED"
	RunFailed    = "FAILED"
	RunSkipped   = "SKIPPED"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrTxConsumed is returned when a tx hash was already consumed by
	// an earlier invoice.
	ErrTxConsumed = errors.New("store: tx already consumed")

	// ErrFatal wraps a write that failed twice. Callers halt scheduling
	// rather than keep running with a store that drops rows.
	ErrFatal = errors.New("store: persistent write failure")
)

// Run is one scheduled execution of the agent loop.
type Run struct {
	ID          string          `json:"id"`
	RunNumber   int64           `json:"run_number"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Status      string          `json:"status"`
	LevelBefore string          `json:"level_before,omitempty"`
	LevelAfter  string          `json:"level_after,omitempty"`
	SpendDelta  usdc.Micro      `json:"spend_delta_micro_usdc"`
	SnapshotID  string          `json:"snapshot_id,omitempty"`
	Error       string          `json:"error,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Store is the durable persistence layer.
type Store interface {
	CreateRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	LatestRun(ctx context.Context) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
	NextRunNumber(ctx context.Context) (int64, error)

	SavePayment(ctx context.Context, rec *payment.Record) error
	ListPayments(ctx context.Context, runID string) ([]*payment.Record, error)

	SaveTransitions(ctx context.Context, transitions []*escalation.Transition) error
	ListTransitions(ctx context.Context, runID string) ([]*escalation.Transition, error)

	SaveSnapshot(ctx context.Context, runID string, snap *chain.Snapshot) error
	GetSnapshot(ctx context.Context, id string) (*chain.Snapshot, error)
	ListSnapshots(ctx context.Context, runID string) ([]*chain.Snapshot, error)

	ConsumeTx(ctx context.Context, txHash, invoiceID string) error
	ListConsumedTx(ctx context.Context) ([]string, error)

	Close() error
}

// Sink adapts a Store to the transition ledger's overflow sink.
type Sink struct {
	Store Store
}

func (s Sink) FlushTransitions(ctx context.Context, transitions []*escalation.Transition) error {
	return s.Store.SaveTransitions(ctx, transitions)
}

// Persist runs a store write with a single retry. A second failure is
// wrapped in ErrFatal: the run fails and the scheduler halts, because
// a store that silently loses rows breaks replay and the spend audit.
func Persist(ctx context.Context, logger *slog.Logger, op string, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}
	logger.Warn("store write failed, retrying once", "op", op, "error", err)

	if err = fn(ctx); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrFatal, op, err)
	}
	return nil
}
