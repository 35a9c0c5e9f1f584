package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/mishablank/treasury-sentinel/internal/chain"
	"github.com/mishablank/treasury-sentinel/internal/escalation"
	"github.com/mishablank/treasury-sentinel/internal/payment"
)

// MemoryStore is an in-memory store for demo/development mode.
type MemoryStore struct {
	mu          sync.RWMutex
	runs        map[string]*Run
	runOrder    []string
	payments    map[string][]*payment.Record
	transitions []*escalation.Transition
	snapshots   map[string]*chain.Snapshot
	snapRuns    map[string][]string // run id -> snapshot ids
	consumed    map[string]string   // tx hash -> invoice id
	nextRun     int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*Run),
		payments:  make(map[string][]*payment.Record),
		snapshots: make(map[string]*chain.Snapshot),
		snapRuns:  make(map[string][]string),
		consumed:  make(map[string]string),
	}
}

func (m *MemoryStore) CreateRun(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *run
	m.runs[run.ID] = &cp
	m.runOrder = append(m.runOrder, run.ID)
	return nil
}

func (m *MemoryStore) UpdateRun(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; !ok {
		return ErrNotFound
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryStore) LatestRun(ctx context.Context) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.runOrder) == 0 {
		return nil, ErrNotFound
	}
	cp := *m.runs[m.runOrder[len(m.runOrder)-1]]
	return &cp, nil
}

// ListRuns returns up to limit runs, newest first.
func (m *MemoryStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.runOrder) {
		limit = len(m.runOrder)
	}
	out := make([]*Run, 0, limit)
	for i := len(m.runOrder) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *m.runs[m.runOrder[i]]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) NextRunNumber(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextRun++
	return m.nextRun, nil
}

func (m *MemoryStore) SavePayment(ctx context.Context, rec *payment.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	// Replace on matching id so status updates don't duplicate rows.
	rows := m.payments[rec.RunID]
	for i, existing := range rows {
		if existing.ID == rec.ID {
			rows[i] = &cp
			return nil
		}
	}
	m.payments[rec.RunID] = append(rows, &cp)
	return nil
}

func (m *MemoryStore) ListPayments(ctx context.Context, runID string) ([]*payment.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.payments[runID]
	out := make([]*payment.Record, len(rows))
	for i, rec := range rows {
		cp := *rec
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) SaveTransitions(ctx context.Context, transitions []*escalation.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range transitions {
		cp := *t
		m.transitions = append(m.transitions, &cp)
	}
	return nil
}

func (m *MemoryStore) ListTransitions(ctx context.Context, runID string) ([]*escalation.Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*escalation.Transition
	for _, t := range m.transitions {
		if t.RunID == runID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *MemoryStore) SaveSnapshot(ctx context.Context, runID string, snap *chain.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *snap
	cp.Balances = append([]chain.TokenBalance(nil), snap.Balances...)
	m.snapshots[snap.ID] = &cp
	m.snapRuns[runID] = append(m.snapRuns[runID], snap.ID)
	return nil
}

func (m *MemoryStore) GetSnapshot(ctx context.Context, id string) (*chain.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.snapshots[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *snap
	cp.Balances = append([]chain.TokenBalance(nil), snap.Balances...)
	return &cp, nil
}

func (m *MemoryStore) ListSnapshots(ctx context.Context, runID string) ([]*chain.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*chain.Snapshot
	for _, id := range m.snapRuns[runID] {
		snap := m.snapshots[id]
		cp := *snap
		cp.Balances = append([]chain.TokenBalance(nil), snap.Balances...)
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) ConsumeTx(ctx context.Context, txHash, invoiceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(txHash)
	if _, ok := m.consumed[key]; ok {
		return ErrTxConsumed
	}
	m.consumed[key] = invoiceID
	return nil
}

func (m *MemoryStore) ListConsumedTx(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.consumed))
	for hash := range m.consumed {
		out = append(out, hash)
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
