package budget

import (
	"errors"
	"sync"
	"testing"

	"github.com/mishablank/treasury-sentinel/internal/usdc"
)

const tenUSDC = usdc.Micro(10_000_000)

func TestReserveCommit(t *testing.T) {
	l := New(tenUSDC, 0)

	r, err := l.Reserve(250_000)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	st := l.Status()
	if st.Reserved != 250_000 || st.Spent != 0 {
		t.Fatalf("after reserve: reserved=%d spent=%d", st.Reserved, st.Spent)
	}

	if err := l.Commit(r); err != nil {
		t.Fatalf("commit: %v", err)
	}

	st = l.Status()
	if st.Spent != 250_000 || st.Reserved != 0 {
		t.Fatalf("after commit: spent=%d reserved=%d", st.Spent, st.Reserved)
	}
	if st.Remaining != 9_750_000 {
		t.Fatalf("remaining = %d, want 9750000", st.Remaining)
	}
}

func TestCommitIdempotent(t *testing.T) {
	l := New(tenUSDC, 0)

	r, _ := l.Reserve(500_000)
	if err := l.Commit(r); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := l.Commit(r); err != nil {
		t.Fatalf("second commit should be a no-op: %v", err)
	}

	if st := l.Status(); st.Spent != 500_000 {
		t.Fatalf("spent = %d after double commit, want 500000", st.Spent)
	}
}

func TestReleaseRestoresBudget(t *testing.T) {
	l := New(tenUSDC, 0)

	r, _ := l.Reserve(1_000_000)
	l.Release(r)

	st := l.Status()
	if st.Reserved != 0 || st.Spent != 0 || st.Remaining != tenUSDC {
		t.Fatalf("after release: %+v", st)
	}

	// Released handles cannot be committed.
	if err := l.Commit(r); !errors.Is(err, ErrReservationReleased) {
		t.Fatalf("commit after release = %v, want ErrReservationReleased", err)
	}

	// Release is idempotent.
	l.Release(r)
}

func TestReserveRejectedOverLimit(t *testing.T) {
	l := New(tenUSDC, 0)

	// Drive spend to 9.9 USDC.
	r, _ := l.Reserve(9_900_000)
	if err := l.Commit(r); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// S2: a 1 USDC reserve must fail without modifying state.
	if _, err := l.Reserve(1_000_000); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("reserve = %v, want ErrInsufficientFunds", err)
	}

	st := l.Status()
	if st.Spent != 9_900_000 || st.Reserved != 0 {
		t.Fatalf("rejected reserve modified state: %+v", st)
	}
	if st.Blocked {
		t.Fatal("remaining 0.1 USDC is above the default minimum operational")
	}
}

func TestBlockedThreshold(t *testing.T) {
	l := New(tenUSDC, 50_000)

	if l.Status().Blocked {
		t.Fatal("fresh ledger should not be blocked")
	}

	r, _ := l.Reserve(9_960_000)
	_ = l.Commit(r)

	st := l.Status()
	if st.Remaining != 40_000 {
		t.Fatalf("remaining = %d", st.Remaining)
	}
	if !st.Blocked {
		t.Fatal("remaining below minimum operational should report blocked")
	}
}

func TestReservedCountsAgainstLimit(t *testing.T) {
	l := New(tenUSDC, 0)

	r1, err := l.Reserve(6_000_000)
	if err != nil {
		t.Fatalf("reserve 6: %v", err)
	}
	if _, err := l.Reserve(5_000_000); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("overlapping reserve = %v, want ErrInsufficientFunds", err)
	}
	l.Release(r1)
	if _, err := l.Reserve(5_000_000); err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
}

func TestAdjust(t *testing.T) {
	l := New(tenUSDC, 0)

	r, _ := l.Reserve(500_000)
	if err := l.Adjust(r, 250_000); err != nil {
		t.Fatalf("shrink: %v", err)
	}
	if r.Amount() != 250_000 {
		t.Fatalf("amount = %d after shrink", r.Amount())
	}

	if err := l.Adjust(r, 9_000_000); err != nil {
		t.Fatalf("grow within limit: %v", err)
	}
	if err := l.Adjust(r, 11_000_000); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("grow past limit = %v", err)
	}

	_ = l.Commit(r)
	if st := l.Status(); st.Spent != 9_000_000 {
		t.Fatalf("spent = %d, want adjusted amount", st.Spent)
	}
}

func TestReset(t *testing.T) {
	l := New(tenUSDC, 0)

	r, _ := l.Reserve(9_999_000)
	_ = l.Commit(r)

	l.Reset()

	st := l.Status()
	if st.Spent != 0 || st.Reserved != 0 || st.Remaining != tenUSDC {
		t.Fatalf("after reset: %+v", st)
	}
}

// spent + reserved <= limit must hold under concurrent reserve/commit/release.
func TestConcurrentInvariant(t *testing.T) {
	l := New(tenUSDC, 0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r, err := l.Reserve(300_000)
			if err != nil {
				return
			}
			if n%2 == 0 {
				_ = l.Commit(r)
			} else {
				l.Release(r)
			}
		}(i)
	}
	wg.Wait()

	st := l.Status()
	if st.Spent+st.Reserved > st.Limit {
		t.Fatalf("invariant violated: spent=%d reserved=%d limit=%d", st.Spent, st.Reserved, st.Limit)
	}
	if st.Spent < 0 || st.Reserved < 0 || st.Remaining < 0 {
		t.Fatalf("negative values: %+v", st)
	}
}
