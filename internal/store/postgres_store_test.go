package store

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mishablank/treasury-sentinel/internal/chain"
	"github.com/mishablank/treasury-sentinel/internal/escalation"
	"github.com/mishablank/treasury-sentinel/internal/payment"
	"github.com/mishablank/treasury-sentinel/internal/testutil"
)

func newPGStore(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	db, cleanup := testutil.PGTest(t)
	s := NewPostgresStore(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s, cleanup
}

func TestPostgresRunRoundTrip(t *testing.T) {
	s, cleanup := newPGStore(t)
	defer cleanup()
	ctx := context.Background()

	n, err := s.NextRunNumber(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	run := &Run{
		ID:          "run_pg_1",
		RunNumber:   n,
		ScheduledAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Status:      RunPending,
		LevelBefore: "L0_IDLE",
		Metadata:    []byte(`{"lcr":1.5}`),
	}
	require.NoError(t, s.CreateRun(ctx, run))

	completed := run.ScheduledAt.Add(time.Minute)
	run.Status = RunCompleted
	run.LevelAfter = "L1_MONITOR"
	run.SpendDelta = 250_000
	run.CompletedAt = &completed
	require.NoError(t, s.UpdateRun(ctx, run))

	got, err := s.GetRun(ctx, "run_pg_1")
	require.NoError(t, err)
	require.Equal(t, RunCompleted, got.Status)
	require.Equal(t, "L1_MONITOR", got.LevelAfter)
	require.EqualValues(t, 250_000, got.SpendDelta)
	require.JSONEq(t, `{"lcr":1.5}`, string(got.Metadata))

	latest, err := s.LatestRun(ctx)
	require.NoError(t, err)
	require.Equal(t, "run_pg_1", latest.ID)

	n2, err := s.NextRunNumber(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), n2)
}

func TestPostgresPaymentUpsert(t *testing.T) {
	s, cleanup := newPGStore(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	rec := &payment.Record{
		ID:        "pay_pg_1",
		RunID:     "run_pg_1",
		InvoiceID: "inv_pg_1",
		Endpoint:  "order_book",
		Amount:    250_000,
		Status:    payment.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.SavePayment(ctx, rec))

	settled := now.Add(30 * time.Second)
	rec.Status = payment.StatusConfirmed
	rec.TxHash = "0xdeadbeef"
	rec.BlockNumber = 1042
	rec.Confirmations = 3
	rec.SettledAt = &settled
	rec.UpdatedAt = settled
	require.NoError(t, s.SavePayment(ctx, rec))

	rows, err := s.ListPayments(ctx, "run_pg_1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, payment.StatusConfirmed, rows[0].Status)
	require.EqualValues(t, 1042, rows[0].BlockNumber)
	require.EqualValues(t, 3, rows[0].Confirmations)
	require.NotNil(t, rows[0].SettledAt)
}

func TestPostgresTransitionsRoundTrip(t *testing.T) {
	s, cleanup := newPGStore(t)
	defer cleanup()
	ctx := context.Background()

	ts := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, s.SaveTransitions(ctx, []*escalation.Transition{
		{
			ID: "tr_pg_2", Seq: 2, RunID: "run_pg_1",
			From: escalation.L1Monitor, To: escalation.L2Alert,
			Trigger: escalation.TriggerRiskThreshold, Timestamp: ts,
			Cost:         0,
			GuardsPassed: []string{"system_not_paused", "risk_threshold"},
			GuardsFailed: []string{},
			Successful:   true,
		},
		{
			ID: "tr_pg_1", Seq: 1, RunID: "run_pg_1",
			From: escalation.L0Idle, To: escalation.L1Monitor,
			Trigger: escalation.TriggerMetricTick, Timestamp: ts,
			GuardsPassed: []string{"system_not_paused"},
			GuardsFailed: []string{},
			Successful:   true,
		},
	}))

	rows, err := s.ListTransitions(ctx, "run_pg_1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "tr_pg_1", rows[0].ID)
	require.Equal(t, escalation.L0Idle, rows[0].From)
	require.Equal(t, []string{"system_not_paused", "risk_threshold"}, rows[1].GuardsPassed)
}

func TestPostgresSnapshotRoundTrip(t *testing.T) {
	s, cleanup := newPGStore(t)
	defer cleanup()
	ctx := context.Background()

	snap := &chain.Snapshot{
		ID:          "snap_pg_1",
		ChainID:     8453,
		Wallet:      "0x1111111111111111111111111111111111111111",
		BlockNumber: 420,
		Timestamp:   time.Now().UTC().Truncate(time.Microsecond),
		Balances: []chain.TokenBalance{
			{Token: "0x2222222222222222222222222222222222222222", Symbol: "USDC", Decimals: 6, Raw: big.NewInt(5_000_000)},
		},
	}
	require.NoError(t, s.SaveSnapshot(ctx, "run_pg_1", snap))

	got, err := s.GetSnapshot(ctx, "snap_pg_1")
	require.NoError(t, err)
	require.Equal(t, int64(8453), got.ChainID)
	require.Len(t, got.Balances, 1)
	require.Equal(t, uint8(6), got.Balances[0].Decimals)
	require.Equal(t, big.NewInt(5_000_000), got.Balances[0].Raw)
}

func TestPostgresConsumeTx(t *testing.T) {
	s, cleanup := newPGStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, s.ConsumeTx(ctx, "0xAAAA", "inv_1"))
	require.ErrorIs(t, s.ConsumeTx(ctx, "0xaaaa", "inv_2"), ErrTxConsumed)

	hashes, err := s.ListConsumedTx(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"0xaaaa"}, hashes)
}
