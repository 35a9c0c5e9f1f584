package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mishablank/treasury-sentinel/internal/chain"
	"github.com/mishablank/treasury-sentinel/internal/escalation"
	"github.com/mishablank/treasury-sentinel/internal/payment"
	"github.com/mishablank/treasury-sentinel/internal/usdc"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the sentinel tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id                      VARCHAR(64) PRIMARY KEY,
			run_number              BIGINT NOT NULL,
			scheduled_at            TIMESTAMPTZ NOT NULL,
			started_at              TIMESTAMPTZ,
			completed_at            TIMESTAMPTZ,
			status                  VARCHAR(20) NOT NULL,
			level_before            VARCHAR(20),
			level_after             VARCHAR(20),
			spend_delta_micro_usdc  BIGINT NOT NULL DEFAULT 0,
			snapshot_id             VARCHAR(64),
			error                   TEXT,
			metadata                JSONB,
			CONSTRAINT chk_spend_delta_nonneg CHECK (spend_delta_micro_usdc >= 0)
		);

		CREATE TABLE IF NOT EXISTS payments (
			id                 VARCHAR(64) PRIMARY KEY,
			run_id             VARCHAR(64) NOT NULL,
			invoice_id         VARCHAR(128) NOT NULL,
			endpoint           VARCHAR(64),
			amount_micro_usdc  BIGINT NOT NULL DEFAULT 0,
			tx_hash            VARCHAR(66),
			status             VARCHAR(20) NOT NULL,
			reason             VARCHAR(64),
			block_number       BIGINT NOT NULL DEFAULT 0,
			confirmations      BIGINT NOT NULL DEFAULT 0,
			settled_at         TIMESTAMPTZ,
			created_at         TIMESTAMPTZ NOT NULL,
			updated_at         TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS transitions (
			id               VARCHAR(64) PRIMARY KEY,
			seq              BIGINT NOT NULL,
			run_id           VARCHAR(64) NOT NULL,
			from_level       VARCHAR(20) NOT NULL,
			to_level         VARCHAR(20) NOT NULL,
			trigger          VARCHAR(32) NOT NULL,
			guards_passed    JSONB,
			guards_failed    JSONB,
			cost_micro_usdc  BIGINT NOT NULL DEFAULT 0,
			payment_id       VARCHAR(64),
			snapshot_id      VARCHAR(64),
			successful       BOOLEAN NOT NULL,
			timestamp        TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS snapshots (
			id            VARCHAR(64) PRIMARY KEY,
			run_id        VARCHAR(64) NOT NULL,
			chain_id      BIGINT NOT NULL,
			wallet        VARCHAR(42) NOT NULL,
			block_number  BIGINT NOT NULL,
			timestamp     TIMESTAMPTZ NOT NULL,
			balances      JSONB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS consumed_tx (
			tx_hash      VARCHAR(66) PRIMARY KEY,
			invoice_id   VARCHAR(128) NOT NULL,
			consumed_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_runs_scheduled ON runs(scheduled_at DESC);
		CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
		CREATE INDEX IF NOT EXISTS idx_payments_run ON payments(run_id);
		CREATE INDEX IF NOT EXISTS idx_transitions_run ON transitions(run_id);
		CREATE INDEX IF NOT EXISTS idx_transitions_seq ON transitions(seq);
		CREATE INDEX IF NOT EXISTS idx_snapshots_run ON snapshots(run_id);
	`)
	return err
}

func (p *PostgresStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO runs (id, run_number, scheduled_at, started_at, completed_at, status,
			level_before, level_after, spend_delta_micro_usdc, snapshot_id, error, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, run.ID, run.RunNumber, run.ScheduledAt, nullTime(run.StartedAt), nullTime(run.CompletedAt),
		run.Status, nullStr(run.LevelBefore), nullStr(run.LevelAfter), int64(run.SpendDelta),
		nullStr(run.SnapshotID), nullStr(run.Error), nullJSON(run.Metadata))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (p *PostgresStore) UpdateRun(ctx context.Context, run *Run) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE runs SET
			started_at = $2, completed_at = $3, status = $4, level_before = $5,
			level_after = $6, spend_delta_micro_usdc = $7, snapshot_id = $8,
			error = $9, metadata = $10
		WHERE id = $1
	`, run.ID, nullTime(run.StartedAt), nullTime(run.CompletedAt), run.Status,
		nullStr(run.LevelBefore), nullStr(run.LevelAfter), int64(run.SpendDelta),
		nullStr(run.SnapshotID), nullStr(run.Error), nullJSON(run.Metadata))
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

const runColumns = `id, run_number, scheduled_at, started_at, completed_at, status,
	level_before, level_after, spend_delta_micro_usdc, snapshot_id, error, metadata`

func (p *PostgresStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	return scanRun(row)
}

func (p *PostgresStore) LatestRun(ctx context.Context) (*Run, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs ORDER BY run_number DESC LIMIT 1`)
	return scanRun(row)
}

func (p *PostgresStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs ORDER BY run_number DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (p *PostgresStore) NextRunNumber(ctx context.Context) (int64, error) {
	var next int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(run_number), 0) + 1 FROM runs`).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate run number: %w", err)
	}
	return next, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var started, completed sql.NullTime
	var before, after, snapID, errMsg sql.NullString
	var spend int64
	var metadata []byte

	err := row.Scan(&run.ID, &run.RunNumber, &run.ScheduledAt, &started, &completed,
		&run.Status, &before, &after, &spend, &snapID, &errMsg, &metadata)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if started.Valid {
		t := started.Time
		run.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		run.CompletedAt = &t
	}
	run.LevelBefore = before.String
	run.LevelAfter = after.String
	run.SpendDelta = usdc.Micro(spend)
	run.SnapshotID = snapID.String
	run.Error = errMsg.String
	run.Metadata = metadata
	return run, nil
}

func (p *PostgresStore) SavePayment(ctx context.Context, rec *payment.Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (id, run_id, invoice_id, endpoint, amount_micro_usdc, tx_hash,
			status, reason, block_number, confirmations, settled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			tx_hash = EXCLUDED.tx_hash,
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			block_number = EXCLUDED.block_number,
			confirmations = EXCLUDED.confirmations,
			settled_at = EXCLUDED.settled_at,
			updated_at = EXCLUDED.updated_at
	`, rec.ID, rec.RunID, rec.InvoiceID, nullStr(rec.Endpoint), int64(rec.Amount),
		nullStr(rec.TxHash), rec.Status, nullStr(rec.Reason), int64(rec.BlockNumber),
		int64(rec.Confirmations), nullTime(rec.SettledAt), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save payment: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListPayments(ctx context.Context, runID string) ([]*payment.Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, run_id, invoice_id, endpoint, amount_micro_usdc, tx_hash, status,
			reason, block_number, confirmations, settled_at, created_at, updated_at
		FROM payments WHERE run_id = $1 ORDER BY created_at
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*payment.Record
	for rows.Next() {
		rec := &payment.Record{}
		var endpoint, txHash, reason sql.NullString
		var amount, block, confs int64
		var settled sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.InvoiceID, &endpoint, &amount,
			&txHash, &rec.Status, &reason, &block, &confs, &settled,
			&rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Endpoint = endpoint.String
		rec.Amount = usdc.Micro(amount)
		rec.TxHash = txHash.String
		rec.Reason = reason.String
		rec.BlockNumber = uint64(block)
		rec.Confirmations = uint64(confs)
		if settled.Valid {
			t := settled.Time
			rec.SettledAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveTransitions(ctx context.Context, transitions []*escalation.Transition) error {
	if len(transitions) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, t := range transitions {
		passed, err := json.Marshal(t.GuardsPassed)
		if err != nil {
			return fmt.Errorf("failed to marshal guards: %w", err)
		}
		failed, err := json.Marshal(t.GuardsFailed)
		if err != nil {
			return fmt.Errorf("failed to marshal guards: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO transitions (id, seq, run_id, from_level, to_level, trigger,
				guards_passed, guards_failed, cost_micro_usdc, payment_id, snapshot_id,
				successful, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (id) DO NOTHING
		`, t.ID, t.Seq, t.RunID, t.From.String(), t.To.String(), string(t.Trigger),
			passed, failed, int64(t.Cost), nullStr(t.PaymentID), nullStr(t.SnapshotID),
			t.Successful, t.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to insert transition: %w", err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) ListTransitions(ctx context.Context, runID string) ([]*escalation.Transition, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, seq, run_id, from_level, to_level, trigger, guards_passed,
			guards_failed, cost_micro_usdc, payment_id, snapshot_id, successful, timestamp
		FROM transitions WHERE run_id = $1 ORDER BY seq
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*escalation.Transition
	for rows.Next() {
		t := &escalation.Transition{}
		var from, to, trigger string
		var passed, failed []byte
		var cost int64
		var payID, snapID sql.NullString
		if err := rows.Scan(&t.ID, &t.Seq, &t.RunID, &from, &to, &trigger,
			&passed, &failed, &cost, &payID, &snapID, &t.Successful, &t.Timestamp); err != nil {
			return nil, err
		}
		if t.From, err = escalation.ParseLevel(from); err != nil {
			return nil, err
		}
		if t.To, err = escalation.ParseLevel(to); err != nil {
			return nil, err
		}
		t.Trigger = escalation.Trigger(trigger)
		if err := json.Unmarshal(passed, &t.GuardsPassed); err != nil {
			return nil, fmt.Errorf("failed to unmarshal guards: %w", err)
		}
		if err := json.Unmarshal(failed, &t.GuardsFailed); err != nil {
			return nil, fmt.Errorf("failed to unmarshal guards: %w", err)
		}
		t.Cost = usdc.Micro(cost)
		t.PaymentID = payID.String
		t.SnapshotID = snapID.String
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveSnapshot(ctx context.Context, runID string, snap *chain.Snapshot) error {
	balances, err := json.Marshal(snap.Balances)
	if err != nil {
		return fmt.Errorf("failed to marshal balances: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, run_id, chain_id, wallet, block_number, timestamp, balances)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, snap.ID, runID, snap.ChainID, snap.Wallet, int64(snap.BlockNumber), snap.Timestamp, balances)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetSnapshot(ctx context.Context, id string) (*chain.Snapshot, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, chain_id, wallet, block_number, timestamp, balances
		FROM snapshots WHERE id = $1
	`, id)
	return scanSnapshot(row)
}

func (p *PostgresStore) ListSnapshots(ctx context.Context, runID string) ([]*chain.Snapshot, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, chain_id, wallet, block_number, timestamp, balances
		FROM snapshots WHERE run_id = $1 ORDER BY chain_id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*chain.Snapshot
	for rows.Next() {
		snap := &chain.Snapshot{}
		var block int64
		var balances []byte
		if err := rows.Scan(&snap.ID, &snap.ChainID, &snap.Wallet, &block,
			&snap.Timestamp, &balances); err != nil {
			return nil, err
		}
		snap.BlockNumber = uint64(block)
		if err := json.Unmarshal(balances, &snap.Balances); err != nil {
			return nil, fmt.Errorf("failed to unmarshal balances: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func scanSnapshot(row *sql.Row) (*chain.Snapshot, error) {
	snap := &chain.Snapshot{}
	var block int64
	var balances []byte
	err := row.Scan(&snap.ID, &snap.ChainID, &snap.Wallet, &block, &snap.Timestamp, &balances)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	snap.BlockNumber = uint64(block)
	if err := json.Unmarshal(balances, &snap.Balances); err != nil {
		return nil, fmt.Errorf("failed to unmarshal balances: %w", err)
	}
	return snap, nil
}

func (p *PostgresStore) ConsumeTx(ctx context.Context, txHash, invoiceID string) error {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO consumed_tx (tx_hash, invoice_id, consumed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (tx_hash) DO NOTHING
	`, strings.ToLower(txHash), invoiceID)
	if err != nil {
		return fmt.Errorf("failed to consume tx: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrTxConsumed
	}
	return nil
}

func (p *PostgresStore) ListConsumedTx(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT tx_hash FROM consumed_tx`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, err
		}
		out = append(out, hash)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
