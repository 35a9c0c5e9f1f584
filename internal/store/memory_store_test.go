package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mishablank/treasury-sentinel/internal/chain"
	"github.com/mishablank/treasury-sentinel/internal/escalation"
	"github.com/mishablank/treasury-sentinel/internal/payment"
)

func testRun(id string, number int64) *Run {
	return &Run{
		ID:          id,
		RunNumber:   number,
		ScheduledAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Status:      RunPending,
		LevelBefore: "L0_IDLE",
	}
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	run := testRun("run_1", 1)
	require.NoError(t, s.CreateRun(ctx, run))

	started := time.Date(2025, 6, 1, 12, 0, 1, 0, time.UTC)
	run.StartedAt = &started
	run.Status = RunRunning
	require.NoError(t, s.UpdateRun(ctx, run))

	got, err := s.GetRun(ctx, "run_1")
	require.NoError(t, err)
	require.Equal(t, RunRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	require.Equal(t, started, *got.StartedAt)
}

func TestGetRunNotFound(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.GetRun(context.Background(), "run_missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, s.UpdateRun(context.Background(), testRun("run_missing", 9)), ErrNotFound)
}

func TestLatestRun(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.LatestRun(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.CreateRun(ctx, testRun("run_1", 1)))
	require.NoError(t, s.CreateRun(ctx, testRun("run_2", 2)))

	latest, err := s.LatestRun(ctx)
	require.NoError(t, err)
	require.Equal(t, "run_2", latest.ID)
}

func TestListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for i := int64(1); i <= 4; i++ {
		require.NoError(t, s.CreateRun(ctx, testRun(fmt.Sprintf("run_%d", i), i)))
	}

	runs, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "run_4", runs[0].ID)
	require.Equal(t, "run_3", runs[1].ID)

	// Zero limit means everything.
	runs, err = s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 4)
}

func TestNextRunNumberMonotonic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for want := int64(1); want <= 5; want++ {
		n, err := s.NextRunNumber(ctx)
		require.NoError(t, err)
		require.Equal(t, want, n)
	}
}

func TestSavePaymentReplacesOnSameID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec := &payment.Record{
		ID:        "pay_1",
		RunID:     "run_1",
		InvoiceID: "inv_1",
		Endpoint:  "order_book",
		Amount:    250_000,
		Status:    payment.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SavePayment(ctx, rec))

	rec.Status = payment.StatusConfirmed
	rec.TxHash = "0xabc"
	require.NoError(t, s.SavePayment(ctx, rec))

	rows, err := s.ListPayments(ctx, "run_1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, payment.StatusConfirmed, rows[0].Status)
	require.Equal(t, "0xabc", rows[0].TxHash)
}

func TestTransitionsOrderedBySeq(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.SaveTransitions(ctx, []*escalation.Transition{
		{ID: "tr_2", Seq: 2, RunID: "run_1", From: escalation.L1Monitor, To: escalation.L2Alert},
		{ID: "tr_1", Seq: 1, RunID: "run_1", From: escalation.L0Idle, To: escalation.L1Monitor},
		{ID: "tr_3", Seq: 3, RunID: "run_other", From: escalation.L0Idle, To: escalation.L1Monitor},
	}))

	rows, err := s.ListTransitions(ctx, "run_1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "tr_1", rows[0].ID)
	require.Equal(t, "tr_2", rows[1].ID)
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	snap := &chain.Snapshot{
		ID:          "snap_1",
		ChainID:     8453,
		Wallet:      "0x1111111111111111111111111111111111111111",
		BlockNumber: 420,
		Timestamp:   time.Now().UTC(),
		Balances: []chain.TokenBalance{
			{Token: "0x2222222222222222222222222222222222222222", Symbol: "USDC", Decimals: 6, Raw: big.NewInt(5_000_000)},
		},
	}
	require.NoError(t, s.SaveSnapshot(ctx, "run_1", snap))

	got, err := s.GetSnapshot(ctx, "snap_1")
	require.NoError(t, err)
	require.Equal(t, int64(8453), got.ChainID)
	require.Len(t, got.Balances, 1)
	require.Equal(t, "USDC", got.Balances[0].Symbol)

	list, err := s.ListSnapshots(ctx, "run_1")
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = s.GetSnapshot(ctx, "snap_missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConsumeTxRejectsSecondUse(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.ConsumeTx(ctx, "0xAAAA", "inv_1"))
	require.ErrorIs(t, s.ConsumeTx(ctx, "0xaaaa", "inv_2"), ErrTxConsumed)

	hashes, err := s.ListConsumedTx(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"0xaaaa"}, hashes)
}

func TestSinkFlushesToStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sink := Sink{Store: s}

	require.NoError(t, sink.FlushTransitions(ctx, []*escalation.Transition{
		{ID: "tr_1", Seq: 1, RunID: "run_1", From: escalation.L0Idle, To: escalation.L1Monitor},
	}))

	rows, err := s.ListTransitions(ctx, "run_1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestPersistRetriesOnce(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	calls := 0
	err := Persist(context.Background(), logger, "save run", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestPersistFatalAfterSecondFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	err := Persist(context.Background(), logger, "save run", func(ctx context.Context) error {
		return errors.New("disk full")
	})
	require.ErrorIs(t, err, ErrFatal)
}
