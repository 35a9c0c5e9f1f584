package escalation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mishablank/treasury-sentinel/internal/budget"
	"github.com/mishablank/treasury-sentinel/internal/idgen"
	"github.com/mishablank/treasury-sentinel/internal/marketdata"
	"github.com/mishablank/treasury-sentinel/internal/metrics"
	"github.com/mishablank/treasury-sentinel/internal/payment"
	"github.com/mishablank/treasury-sentinel/internal/risk"
	"github.com/mishablank/treasury-sentinel/internal/usdc"
)

// transitionCosts is the estimated price of escalating INTO a level.
// The actual committed spend is whatever the 402 invoice charges.
var transitionCosts = map[Level]usdc.Micro{
	L3MarketData: 500_000,
	L4Critical:   1_000_000,
	L5Emergency:  2_000_000,
}

// Default guard thresholds.
const (
	DefaultCooldown            = 5 * time.Minute
	DefaultLCRWarning          = 1.0
	DefaultLCRCritical         = 0.8
	DefaultDepthCrisisFloorUSD = 100_000
	DefaultBudgetWarning       = usdc.Micro(500_000)
)

// Config tunes the guard thresholds.
type Config struct {
	Cooldown            time.Duration
	LCRWarning          float64
	LCRCritical         float64
	DepthCrisisFloorUSD float64
	// BudgetWarning is the remaining budget needed to leave
	// BUDGET_BLOCKED: enough to afford the cheapest paid escalation.
	BudgetWarning usdc.Micro
}

func (c *Config) fillDefaults() {
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.LCRWarning == 0 {
		c.LCRWarning = DefaultLCRWarning
	}
	if c.LCRCritical == 0 {
		c.LCRCritical = DefaultLCRCritical
	}
	if c.DepthCrisisFloorUSD == 0 {
		c.DepthCrisisFloorUSD = DefaultDepthCrisisFloorUSD
	}
	if c.BudgetWarning == 0 {
		c.BudgetWarning = DefaultBudgetWarning
	}
}

// DataFetcher is the paid market-data side the machine escalates into.
type DataFetcher interface {
	Fetch(ctx context.Context, runID string, endpoint marketdata.Endpoint, params marketdata.Params, res *budget.Reservation) (*marketdata.Result, error)
}

// Observer is notified after every appended transition.
type Observer interface {
	OnTransition(t *Transition)
}

// Event is one trigger presented to the machine.
type Event struct {
	Trigger    Trigger
	RunID      string
	SnapshotID string
	Metrics    *risk.Metrics

	// Endpoint and Params describe the data purchase attached to a
	// paid transition.
	Endpoint marketdata.Endpoint
	Params   marketdata.Params

	// Target applies to MANUAL_OVERRIDE only.
	Target Level
}

// Machine owns the current level. One mutex serializes everything, so
// guards always see a consistent context.
type Machine struct {
	mu             sync.Mutex
	level          Level
	enteredAt      time.Time
	lastEscalation time.Time
	paused         bool

	ledger    *budget.Ledger
	gateway   DataFetcher // nil bypasses payments (dry runs)
	ledgerLog *TransitionLedger
	observers []Observer
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures the machine.
type Option func(*Machine)

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithGateway attaches the paid data gateway. Without one, paid
// transitions commit their reserved estimate and fetch nothing.
func WithGateway(g DataFetcher) Option {
	return func(m *Machine) { m.gateway = g }
}

// WithObserver registers a transition observer.
func WithObserver(o Observer) Option {
	return func(m *Machine) { m.observers = append(m.observers, o) }
}

// New creates a machine at L0.
func New(ledger *budget.Ledger, transitions *TransitionLedger, cfg Config, logger *slog.Logger, opts ...Option) *Machine {
	cfg.fillDefaults()
	m := &Machine{
		level:     L0Idle,
		ledger:    ledger,
		ledgerLog: transitions,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.enteredAt = m.now()
	metrics.EscalationLevel.Set(float64(m.level))
	return m
}

// Level returns the current level.
func (m *Machine) Level() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// EnteredAt returns when the current level was entered.
func (m *Machine) EnteredAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enteredAt
}

// Pause freezes the ladder; only de-escalations and budget exits
// remain possible.
func (m *Machine) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
}

// Resume lifts a pause.
func (m *Machine) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
}

// Restore sets the level from persisted state at startup. Level is
// durable: a crashed or failed run never rolls it back.
func (m *Machine) Restore(level Level, enteredAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.level = level
	m.enteredAt = enteredAt
	metrics.EscalationLevel.Set(float64(level))
}

// ResetBudget is the administrative exit from BUDGET_BLOCKED: clears
// spend and, if blocked, steps back to L1.
func (m *Machine) ResetBudget(ctx context.Context, runID string) *Transition {
	m.ledger.Reset()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.level != LevelBudgetBlocked {
		return nil
	}
	t, _ := m.applyLocked(ctx, Event{Trigger: TriggerBudgetRestored, RunID: runID})
	return t
}

// Apply attempts one transition. Every attempt is recorded on the
// transition ledger; failed guards never change the level.
func (m *Machine) Apply(ctx context.Context, ev Event) (*Transition, *marketdata.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(ctx, ev)
}

func (m *Machine) applyLocked(ctx context.Context, ev Event) (*Transition, *marketdata.Result) {
	now := m.now()
	t := &Transition{
		ID:         idgen.WithPrefix("tr_"),
		RunID:      ev.RunID,
		From:       m.level,
		Trigger:    ev.Trigger,
		Timestamp:  now.UTC(),
		SnapshotID: ev.SnapshotID,
	}

	target, ok := m.targetFor(ev)
	t.To = target
	if !ok {
		t.GuardsFailed = append(t.GuardsFailed, "invalid_transition")
		return m.finish(ctx, t), nil
	}

	t.GuardsPassed, t.GuardsFailed = m.evalGuards(ev, now)

	// Budget guard: paid targets reserve the estimate up front.
	var res *budget.Reservation
	cost := transitionCosts[target]
	if ev.Trigger == TriggerManualOverride {
		cost = 0 // operator overrides skip the purchase
	}
	if cost > 0 && len(t.GuardsFailed) == 0 {
		held, err := m.ledger.Reserve(cost)
		if err != nil {
			if errors.Is(err, budget.ErrInsufficientFunds) {
				return m.redirectBlocked(ctx, t), nil
			}
			t.GuardsFailed = append(t.GuardsFailed, GuardBudget)
		} else {
			res = held
			t.GuardsPassed = append(t.GuardsPassed, GuardBudget)
		}
	}

	if len(t.GuardsFailed) > 0 {
		if res != nil {
			m.ledger.Release(res)
		}
		return m.finish(ctx, t), nil
	}

	// Paid transitions buy their data before the level changes.
	var data *marketdata.Result
	if res != nil && m.gateway != nil && ev.Endpoint != "" {
		result, err := m.gateway.Fetch(ctx, ev.RunID, ev.Endpoint, ev.Params, res)
		if err != nil {
			var perr *payment.Error
			if errors.As(err, &perr) && perr.Kind == payment.KindBudgetBlocked {
				return m.redirectBlocked(ctx, t), nil
			}
			m.ledger.Release(res)
			t.GuardsFailed = append(t.GuardsFailed, "payment_failed")
			m.logger.Warn("paid transition failed",
				"from", t.From.String(), "to", t.To.String(), "error", err)
			return m.finish(ctx, t), nil
		}
		data = result
		switch {
		case result.Cached:
			// Nothing was paid; the estimate goes back.
			m.ledger.Release(res)
		case result.Payment != nil:
			t.PaymentID = result.Payment.ID
			t.Cost = result.Payment.Amount
		default:
			// Upstream served without demanding payment; the estimate
			// goes back too.
			m.ledger.Release(res)
		}
	} else if res != nil {
		// No gateway attached: commit the reserved estimate.
		if err := m.ledger.Commit(res); err != nil {
			t.GuardsFailed = append(t.GuardsFailed, GuardBudget)
			return m.finish(ctx, t), nil
		}
		t.Cost = cost
	}

	m.commitLevel(target, now)
	t.Successful = true
	return m.finish(ctx, t), data
}

// redirectBlocked turns a budget refusal into a transition to
// BUDGET_BLOCKED. The redirect itself costs nothing.
func (m *Machine) redirectBlocked(ctx context.Context, t *Transition) *Transition {
	t.To = LevelBudgetBlocked
	t.Cost = 0
	t.GuardsFailed = append(t.GuardsFailed, GuardBudget)
	t.Successful = true
	m.commitLevel(LevelBudgetBlocked, m.now())
	return m.finish(ctx, t)
}

func (m *Machine) commitLevel(target Level, now time.Time) {
	upward := target.OnLadder() && m.level.OnLadder() && target > m.level
	m.level = target
	m.enteredAt = now
	if upward {
		m.lastEscalation = now
	}
	metrics.EscalationLevel.Set(float64(target))
}

func (m *Machine) finish(ctx context.Context, t *Transition) *Transition {
	outcome := "failed"
	if t.Successful {
		outcome = "success"
	}
	metrics.TransitionsTotal.WithLabelValues(string(t.Trigger), outcome).Inc()

	m.ledgerLog.Append(ctx, t)
	for _, o := range m.observers {
		o.OnTransition(t)
	}

	m.logger.Info("transition",
		"from", t.From.String(), "to", t.To.String(),
		"trigger", string(t.Trigger), "outcome", outcome,
		"cost", t.Cost.String())
	return t
}

// targetFor resolves the destination level. Upward moves are single
// step; only MANUAL_OVERRIDE may skip rungs.
func (m *Machine) targetFor(ev Event) (Level, bool) {
	switch ev.Trigger {
	case TriggerMetricTick:
		return L1Monitor, m.level == L0Idle
	case TriggerRiskThreshold:
		return L2Alert, m.level == L1Monitor
	case TriggerNeedMarketData:
		return L3MarketData, m.level == L2Alert
	case TriggerCriticalMetric:
		return L4Critical, m.level == L3MarketData
	case TriggerEmergency:
		return L5Emergency, m.level == L4Critical
	case TriggerCooldownOK:
		return m.level - 1, m.level.OnLadder() && m.level >= L1Monitor
	case TriggerBudgetExhausted:
		return LevelBudgetBlocked, m.level.OnLadder() && m.level >= L2Alert
	case TriggerBudgetRestored:
		return L1Monitor, m.level == LevelBudgetBlocked
	case TriggerManualOverride:
		// De-escalation may skip freely; upward skips are the point.
		return ev.Target, ev.Target.OnLadder()
	default:
		return m.level, false
	}
}

// evalGuards runs the non-budget guard set for the trigger.
func (m *Machine) evalGuards(ev Event, now time.Time) (passed, failed []string) {
	record := func(name string, ok bool) {
		if ok {
			passed = append(passed, name)
		} else {
			failed = append(failed, name)
		}
	}

	switch ev.Trigger {
	case TriggerMetricTick, TriggerManualOverride:
		record(GuardSystemNotPaused, !m.paused)

	case TriggerRiskThreshold:
		record(GuardRiskThreshold, m.riskAboveThreshold(ev.Metrics))

	case TriggerNeedMarketData:
		record(GuardCooldownOK, m.cooldownElapsed(now))

	case TriggerCriticalMetric:
		record(GuardLCRCritical, ev.Metrics != nil && ev.Metrics.LCR < m.cfg.LCRCritical)

	case TriggerEmergency:
		record(GuardDepthCrisis, m.depthCrisis(ev.Metrics))

	case TriggerCooldownOK:
		record(GuardCooldownElapsed, m.cooldownElapsed(now))

	case TriggerBudgetExhausted:
		record(GuardBudgetExhausted, m.ledger.Status().Blocked)

	case TriggerBudgetRestored:
		record(GuardBudgetRestored, m.ledger.Status().Remaining >= m.cfg.BudgetWarning)
	}
	return passed, failed
}

func (m *Machine) riskAboveThreshold(met *risk.Metrics) bool {
	if met == nil {
		return false
	}
	elevated := met.Regime == risk.RegimeElevated || met.Regime == risk.RegimeHigh || met.Regime == risk.RegimeExtreme
	return elevated || met.LCR < m.cfg.LCRWarning
}

// depthCrisis: the 1% band cannot absorb the crisis floor, or the
// book could not fill a 100k order at all.
func (m *Machine) depthCrisis(met *risk.Metrics) bool {
	if met == nil {
		return false
	}
	for _, band := range met.DepthBands {
		if band.Percent == 1.0 {
			if band.BidNotional+band.AskNotional < m.cfg.DepthCrisisFloorUSD {
				return true
			}
		}
	}
	if met.Impact != nil {
		for _, p := range met.Impact.Points {
			if p.SizeUSD == 100_000 && !p.Filled {
				return true
			}
		}
	}
	return false
}

func (m *Machine) cooldownElapsed(now time.Time) bool {
	return now.Sub(m.enteredAt) >= m.cfg.Cooldown
}

// calm reports whether metrics justify stepping down.
func (m *Machine) calm(met *risk.Metrics) bool {
	if met == nil {
		return true
	}
	quiet := met.Regime == risk.RegimeLow || met.Regime == risk.RegimeNormal
	return quiet && met.LCR >= m.cfg.LCRWarning
}

// Evaluate derives the candidate triggers from the metrics and runs
// the highest-priority feasible one. Priority: BUDGET_BLOCKED exit and
// entry first, then higher target levels, de-escalation last. At most
// one transition executes per call.
func (m *Machine) Evaluate(ctx context.Context, runID, snapshotID string, met *risk.Metrics, endpoint marketdata.Endpoint, params marketdata.Params) (*Transition, *marketdata.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	status := m.ledger.Status()

	ev := Event{RunID: runID, SnapshotID: snapshotID, Metrics: met, Endpoint: endpoint, Params: params}

	switch {
	case m.level == LevelBudgetBlocked:
		if status.Remaining >= m.cfg.BudgetWarning {
			ev.Trigger = TriggerBudgetRestored
		} else {
			return nil, nil
		}

	case m.level >= L2Alert && status.Blocked:
		ev.Trigger = TriggerBudgetExhausted

	case m.level == L4Critical && m.depthCrisis(met):
		ev.Trigger = TriggerEmergency

	case m.level == L3MarketData && met != nil && met.LCR < m.cfg.LCRCritical:
		ev.Trigger = TriggerCriticalMetric

	case m.level == L2Alert && m.riskAboveThreshold(met) && m.cooldownElapsed(now):
		ev.Trigger = TriggerNeedMarketData

	case m.level == L1Monitor && m.riskAboveThreshold(met):
		ev.Trigger = TriggerRiskThreshold

	case m.level == L0Idle && !m.paused:
		ev.Trigger = TriggerMetricTick

	case m.level >= L1Monitor && m.level.OnLadder() && m.calm(met) && m.cooldownElapsed(now):
		ev.Trigger = TriggerCooldownOK

	default:
		return nil, nil
	}

	return m.applyLocked(ctx, ev)
}
