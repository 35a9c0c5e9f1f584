package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mishablank/treasury-sentinel/internal/budget"
	"github.com/mishablank/treasury-sentinel/internal/escalation"
	"github.com/mishablank/treasury-sentinel/internal/store"
)

// restoreScanDepth bounds how far back RestoreState looks for a run
// that recorded ladder and budget state.
const restoreScanDepth = 20

// RestoreState rehydrates the ladder level and committed spend from the
// most recent run that recorded them. Level and spend are durable: a
// restart never resets either. A fresh store leaves the defaults
// (L0, zero spend) in place.
func RestoreState(ctx context.Context, st store.Store, machine *escalation.Machine, ledger *budget.Ledger, logger *slog.Logger) error {
	runs, err := st.ListRuns(ctx, restoreScanDepth)
	if err != nil {
		return fmt.Errorf("agent: list runs for restore: %w", err)
	}

	for _, run := range runs {
		if run.LevelAfter == "" || len(run.Metadata) == 0 {
			continue // skipped or still-running rows carry no state
		}
		level, err := escalation.ParseLevel(run.LevelAfter)
		if err != nil {
			return fmt.Errorf("agent: restore run %s: %w", run.ID, err)
		}
		var meta runMetadata
		if err := json.Unmarshal(run.Metadata, &meta); err != nil {
			return fmt.Errorf("agent: restore run %s: unmarshal metadata: %w", run.ID, err)
		}

		spent := meta.SpentBefore + run.SpendDelta
		ledger.Restore(spent)

		// A run that moved the ladder entered the new level during the
		// run; otherwise the pre-run entry time still stands.
		enteredAt := meta.EnteredAt
		if run.LevelBefore != run.LevelAfter && run.CompletedAt != nil {
			enteredAt = *run.CompletedAt
		}
		machine.Restore(level, enteredAt)

		logger.Info("state restored from last run",
			"run_id", run.ID, "level", level.String(), "spent", spent.String())
		return nil
	}

	logger.Info("no prior state to restore, starting at L0")
	return nil
}
