// Package budget tracks market-data spend against a hard cap.
//
// Flow:
//  1. A component reserves an amount before committing to spend it
//  2. On settlement the reservation is committed into spend
//  3. On failure or expiry the reservation is released
//
// The ledger is the single source of truth for spend. All amounts are
// integer micro-USDC; all mutations happen behind one mutex.
package budget

import (
	"errors"
	"sync"

	"github.com/mishablank/treasury-sentinel/internal/idgen"
	"github.com/mishablank/treasury-sentinel/internal/usdc"
)

var (
	ErrInsufficientFunds   = errors.New("budget: insufficient funds")
	ErrInvalidAmount       = errors.New("budget: invalid amount")
	ErrUnknownReservation  = errors.New("budget: unknown reservation")
	ErrReservationReleased = errors.New("budget: reservation already released")
)

// DefaultMinimumOperational is the remaining balance below which the
// ledger reports itself blocked (0.05 USDC).
const DefaultMinimumOperational = usdc.Micro(50_000)

// Status is a point-in-time view of the ledger.
type Status struct {
	Limit     usdc.Micro `json:"limitMicroUsdc"`
	Spent     usdc.Micro `json:"spentMicroUsdc"`
	Reserved  usdc.Micro `json:"reservedMicroUsdc"`
	Remaining usdc.Micro `json:"remainingMicroUsdc"`
	Blocked   bool       `json:"blocked"`
}

type reservationState int

const (
	stateHeld reservationState = iota
	stateCommitted
	stateReleased
)

// Reservation is a handle to funds held against the budget. Commit and
// Release are idempotent on the handle.
type Reservation struct {
	id     string
	amount usdc.Micro
}

// Amount returns the currently held amount.
func (r *Reservation) Amount() usdc.Micro {
	return r.amount
}

// ID returns the reservation identifier.
func (r *Reservation) ID() string {
	return r.id
}

type entry struct {
	amount usdc.Micro
	state  reservationState
}

// Ledger enforces the budget cap. spent + reserved never exceeds limit,
// spent is monotonically non-decreasing between resets, and no value
// ever goes negative.
type Ledger struct {
	mu             sync.Mutex
	limit          usdc.Micro
	spent          usdc.Micro
	minOperational usdc.Micro
	reservations   map[string]*entry
}

// New creates a ledger with the given limit and minimum-operational
// threshold. A non-positive threshold falls back to the default.
func New(limit usdc.Micro, minOperational usdc.Micro) *Ledger {
	if minOperational <= 0 {
		minOperational = DefaultMinimumOperational
	}
	return &Ledger{
		limit:          limit,
		minOperational: minOperational,
		reservations:   make(map[string]*entry),
	}
}

// Reserve atomically holds amount against the remaining budget.
// A rejected reserve does not modify state.
func (l *Ledger) Reserve(amount usdc.Micro) (*Reservation, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.spent+l.outstandingLocked()+amount > l.limit {
		return nil, ErrInsufficientFunds
	}

	id := idgen.WithPrefix("rsv_")
	l.reservations[id] = &entry{amount: amount, state: stateHeld}
	return &Reservation{id: id, amount: amount}, nil
}

// Adjust resizes a held reservation, re-checking the cap when growing.
// Used when a 402 invoice amount differs from the estimated cost.
func (l *Ledger) Adjust(r *Reservation, amount usdc.Micro) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.reservations[r.id]
	if !ok {
		return ErrUnknownReservation
	}
	if e.state != stateHeld {
		return ErrReservationReleased
	}

	if amount > e.amount {
		grow := amount - e.amount
		if l.spent+l.outstandingLocked()+grow > l.limit {
			return ErrInsufficientFunds
		}
	}
	e.amount = amount
	r.amount = amount
	return nil
}

// Commit turns a held reservation into spend. Idempotent on the handle;
// committing a released reservation is an error.
func (l *Ledger) Commit(r *Reservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.reservations[r.id]
	if !ok {
		return ErrUnknownReservation
	}
	switch e.state {
	case stateCommitted:
		return nil
	case stateReleased:
		return ErrReservationReleased
	}

	e.state = stateCommitted
	l.spent += e.amount
	return nil
}

// Release cancels a held reservation. Idempotent; releasing a committed
// reservation is a no-op (the spend stands).
func (l *Ledger) Release(r *Reservation) {
	if r == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.reservations[r.id]
	if !ok || e.state != stateHeld {
		return
	}
	e.state = stateReleased
}

// Status returns the current limit, spend, outstanding reservations and
// whether the ledger is blocked (remaining below minimum operational).
func (l *Ledger) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	reserved := l.outstandingLocked()
	remaining := l.limit - l.spent - reserved
	return Status{
		Limit:     l.limit,
		Spent:     l.spent,
		Reserved:  reserved,
		Remaining: remaining,
		Blocked:   remaining < l.minOperational,
	}
}

// Restore sets spend from persisted state at startup or replay. Spend
// is clamped to [0, limit]; any outstanding reservations are dropped.
func (l *Ledger) Restore(spent usdc.Micro) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if spent < 0 {
		spent = 0
	}
	if spent > l.limit {
		spent = l.limit
	}
	l.spent = spent
	l.reservations = make(map[string]*entry)
}

// Reset zeroes spend and drops all reservations. Administrative.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.spent = 0
	l.reservations = make(map[string]*entry)
}

// outstandingLocked sums held reservations. Caller holds l.mu.
func (l *Ledger) outstandingLocked() usdc.Micro {
	var total usdc.Micro
	for _, e := range l.reservations {
		if e.state == stateHeld {
			total += e.amount
		}
	}
	return total
}
