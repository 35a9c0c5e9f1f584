// Package escalation owns the sentinel's escalation ladder.
//
// Levels L0..L5 form a total order; BUDGET_BLOCKED sits off the ladder
// as a sink reachable from any paid level once the budget cannot cover
// the minimum operational floor. All level changes flow through the
// Machine, which serializes reads and writes behind one mutex.
package escalation

import (
	"fmt"
)

// Level is a rung on the escalation ladder.
type Level int

const (
	// LevelBudgetBlocked is off-ladder: the sentinel can observe but
	// cannot buy data until the budget is restored.
	LevelBudgetBlocked Level = -1

	L0Idle       Level = 0
	L1Monitor    Level = 1
	L2Alert      Level = 2
	L3MarketData Level = 3
	L4Critical   Level = 4
	L5Emergency  Level = 5
)

var levelNames = map[Level]string{
	LevelBudgetBlocked: "BUDGET_BLOCKED",
	L0Idle:             "L0_IDLE",
	L1Monitor:          "L1_MONITOR",
	L2Alert:            "L2_ALERT",
	L3MarketData:       "L3_MARKET_DATA",
	L4Critical:         "L4_CRITICAL",
	L5Emergency:        "L5_EMERGENCY",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("L?(%d)", int(l))
}

// OnLadder reports whether the level is one of L0..L5.
func (l Level) OnLadder() bool {
	return l >= L0Idle && l <= L5Emergency
}

// ParseLevel restores a Level from its persisted name.
func ParseLevel(s string) (Level, error) {
	for l, name := range levelNames {
		if name == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("escalation: unknown level %q", s)
}

// Trigger identifies why a transition was attempted.
type Trigger string

const (
	TriggerMetricTick      Trigger = "metric-tick"
	TriggerRiskThreshold   Trigger = "risk-threshold"
	TriggerNeedMarketData  Trigger = "need-market-data"
	TriggerCriticalMetric  Trigger = "critical-metric"
	TriggerEmergency       Trigger = "emergency"
	TriggerCooldownOK      Trigger = "cooldown-ok"
	TriggerBudgetExhausted Trigger = "budget-exhausted"
	TriggerBudgetRestored  Trigger = "budget-restored"
	TriggerManualOverride  Trigger = "MANUAL_OVERRIDE"
)

// Guard names recorded on transitions.
const (
	GuardSystemNotPaused = "system_not_paused"
	GuardRiskThreshold   = "risk_threshold"
	GuardCooldownOK      = "cooldown_ok"
	GuardCooldownElapsed = "cooldown_elapsed"
	GuardBudget          = "budget"
	GuardLCRCritical     = "lcr_critical"
	GuardDepthCrisis     = "depth_crisis"
	GuardBudgetExhausted = "budget_exhausted"
	GuardBudgetRestored  = "budget_restored"
)
