// Package agent drives one monitoring cycle end to end: snapshot the
// treasuries, compute risk metrics, let the escalation machine act,
// and persist everything a later replay needs.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mishablank/treasury-sentinel/internal/budget"
	"github.com/mishablank/treasury-sentinel/internal/chain"
	"github.com/mishablank/treasury-sentinel/internal/escalation"
	"github.com/mishablank/treasury-sentinel/internal/idgen"
	"github.com/mishablank/treasury-sentinel/internal/marketdata"
	"github.com/mishablank/treasury-sentinel/internal/metrics"
	"github.com/mishablank/treasury-sentinel/internal/payment"
	"github.com/mishablank/treasury-sentinel/internal/risk"
	"github.com/mishablank/treasury-sentinel/internal/store"
	"github.com/mishablank/treasury-sentinel/internal/traces"
	"github.com/mishablank/treasury-sentinel/internal/usdc"
)

// DefaultRunTimeout bounds one run end to end, settlement waits included.
const DefaultRunTimeout = 5 * time.Minute

// ErrLiveReplay is returned when a replay is requested without dry_run.
var ErrLiveReplay = errors.New("agent: only dry-run replay is supported")

// Snapshotter reads all monitored treasuries. *chain.Fleet satisfies it.
type Snapshotter interface {
	SnapshotAll(ctx context.Context) ([]*chain.Snapshot, error)
}

// InputBuilder turns chain snapshots into risk inputs. Swap it out to
// feed richer projections or price history into the metric engine.
type InputBuilder func(snaps []*chain.Snapshot) risk.Inputs

// stableSymbols are treated as high-quality liquid assets.
var stableSymbols = map[string]bool{
	"USDC": true,
	"USDT": true,
	"DAI":  true,
}

// StaticProjections builds inputs from snapshot balances plus fixed
// cash-flow projections: stablecoin value counts as HQLA, everything
// else priced becomes a position.
func StaticProjections(outflowsUSD, inflowsUSD, participationRate float64) InputBuilder {
	return func(snaps []*chain.Snapshot) risk.Inputs {
		in := risk.Inputs{
			ProjectedOutflows: outflowsUSD,
			ProjectedInflows:  inflowsUSD,
			ParticipationRate: participationRate,
		}
		for _, snap := range snaps {
			for _, bal := range snap.Balances {
				if bal.USDValue == nil {
					continue
				}
				if stableSymbols[bal.Symbol] {
					in.HQLA += *bal.USDValue
					continue
				}
				in.Positions = append(in.Positions, risk.Position{
					Symbol:  bal.Symbol,
					SizeUSD: *bal.USDValue,
				})
			}
		}
		return in
	}
}

// runMetadata is stored on the run row. It captures exactly what the
// machine saw, so a replay reproduces the original decision.
type runMetadata struct {
	Metrics     *risk.Metrics `json:"metrics"`
	SpentBefore usdc.Micro    `json:"spent_before_micro_usdc"`
	EnteredAt   time.Time     `json:"level_entered_at"`
}

// Config tunes the runner.
type Config struct {
	RunTimeout time.Duration

	// Endpoint and Params describe the data purchase a paid escalation
	// makes. Defaults to the order book for the configured instrument.
	Endpoint marketdata.Endpoint
	Params   marketdata.Params

	// Escalation mirrors the live machine's guard thresholds so replays
	// evaluate the same guards.
	Escalation escalation.Config

	// MinimumOperational seeds replay ledgers.
	MinimumOperational usdc.Micro
}

func (c *Config) fillDefaults() {
	if c.RunTimeout <= 0 {
		c.RunTimeout = DefaultRunTimeout
	}
	if c.Endpoint == "" {
		c.Endpoint = marketdata.OrderBook
	}
}

// Runner executes scheduled monitoring cycles.
type Runner struct {
	store     store.Store
	fleet     Snapshotter
	machine   *escalation.Machine
	ledger    *budget.Ledger
	build     InputBuilder
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
	onRun     []RunObserver
	onPayment []PaymentObserver
	onBudget  []BudgetObserver
}

// RunObserver is notified after a run row reaches a terminal state.
type RunObserver func(*store.Run)

// PaymentObserver is notified after a payment row is persisted.
type PaymentObserver func(*payment.Record)

// BudgetObserver is notified when a run moved the budget.
type BudgetObserver func(budget.Status)

// Option configures the runner.
type Option func(*Runner)

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithInputBuilder replaces the default snapshot-to-inputs mapping.
func WithInputBuilder(build InputBuilder) Option {
	return func(r *Runner) { r.build = build }
}

// WithRunObserver registers an observer for terminal run rows.
func WithRunObserver(o RunObserver) Option {
	return func(r *Runner) { r.onRun = append(r.onRun, o) }
}

// WithPaymentObserver registers an observer for persisted payments.
func WithPaymentObserver(o PaymentObserver) Option {
	return func(r *Runner) { r.onPayment = append(r.onPayment, o) }
}

// WithBudgetObserver registers an observer for budget movement.
func WithBudgetObserver(o BudgetObserver) Option {
	return func(r *Runner) { r.onBudget = append(r.onBudget, o) }
}

// New creates a runner.
func New(st store.Store, fleet Snapshotter, machine *escalation.Machine, ledger *budget.Ledger, cfg Config, logger *slog.Logger, opts ...Option) *Runner {
	cfg.fillDefaults()
	r := &Runner{
		store:   st,
		fleet:   fleet,
		machine: machine,
		ledger:  ledger,
		build:   StaticProjections(0, 0, risk.DefaultParticipationRate),
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunOnce executes one cycle. The returned error is non-nil only for
// fatal persistence failures; a run that fails for any other reason is
// recorded as FAILED and the next scheduled tick is the retry.
//
// The escalation level is durable: a failed run never rolls it back.
func (r *Runner) RunOnce(ctx context.Context, scheduledAt time.Time) (*store.Run, error) {
	number, err := r.store.NextRunNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("agent: allocate run number: %w", err)
	}

	run := &store.Run{
		ID:          idgen.WithPrefix("run_"),
		RunNumber:   number,
		ScheduledAt: scheduledAt.UTC(),
		Status:      store.RunPending,
		LevelBefore: r.machine.Level().String(),
	}

	ctx, span := traces.StartSpan(ctx, "agent.run",
		traces.RunID(run.ID), traces.RunNumber(number), traces.LevelName(run.LevelBefore))
	defer span.End()

	// The run row lands PENDING before anything it links to, then is
	// promoted once work begins.
	if err := store.Persist(ctx, r.logger, "create run", func(ctx context.Context) error {
		return r.store.CreateRun(ctx, run)
	}); err != nil {
		return nil, err
	}

	started := r.now().UTC()
	run.StartedAt = &started
	run.Status = store.RunRunning
	if err := store.Persist(ctx, r.logger, "start run", func(ctx context.Context) error {
		return r.store.UpdateRun(ctx, run)
	}); err != nil {
		return run, err
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.RunTimeout)
	defer cancel()

	enteredAt := r.machine.EnteredAt()
	spentBefore := r.ledger.Status().Spent

	snaps, err := r.fleet.SnapshotAll(runCtx)
	if err != nil {
		return run, r.finishRun(ctx, run, store.RunFailed, started, fmt.Errorf("snapshot fleet: %w", err))
	}
	for _, snap := range snaps {
		if err := store.Persist(ctx, r.logger, "save snapshot", func(ctx context.Context) error {
			return r.store.SaveSnapshot(ctx, run.ID, snap)
		}); err != nil {
			return run, r.failFatal(ctx, run, started, err)
		}
	}
	if len(snaps) > 0 {
		run.SnapshotID = snaps[0].ID
	}

	met := risk.Compute(r.build(snaps))
	r.logger.Info("metrics computed",
		"run_id", run.ID, "lcr", met.LCR, "regime", string(met.Regime),
		"score", met.Score, "level", string(met.Level))

	t, data := r.machine.Evaluate(runCtx, run.ID, run.SnapshotID, met, r.cfg.Endpoint, r.cfg.Params)

	if data != nil && data.Payment != nil {
		if err := store.Persist(ctx, r.logger, "save payment", func(ctx context.Context) error {
			return r.store.SavePayment(ctx, data.Payment)
		}); err != nil {
			return run, r.failFatal(ctx, run, started, err)
		}
		for _, o := range r.onPayment {
			o(data.Payment)
		}
	}
	if t != nil {
		if err := store.Persist(ctx, r.logger, "save transitions", func(ctx context.Context) error {
			return r.store.SaveTransitions(ctx, []*escalation.Transition{t})
		}); err != nil {
			return run, r.failFatal(ctx, run, started, err)
		}
	}

	meta, err := json.Marshal(runMetadata{Metrics: met, SpentBefore: spentBefore, EnteredAt: enteredAt})
	if err != nil {
		return run, r.finishRun(ctx, run, store.RunFailed, started, fmt.Errorf("marshal metadata: %w", err))
	}
	run.Metadata = meta

	status := r.ledger.Status()
	run.SpendDelta = status.Spent - spentBefore
	metrics.BudgetSpent.Set(float64(status.Spent))
	metrics.BudgetRemaining.Set(float64(status.Remaining))
	if run.SpendDelta != 0 || status.Blocked {
		for _, o := range r.onBudget {
			o(status)
		}
	}

	return run, r.finishRun(ctx, run, store.RunCompleted, started, nil)
}

// finishRun stamps the terminal state and persists the run row.
func (r *Runner) finishRun(ctx context.Context, run *store.Run, status string, started time.Time, runErr error) error {
	completed := r.now().UTC()
	run.Status = status
	run.CompletedAt = &completed
	run.LevelAfter = r.machine.Level().String()
	if runErr != nil {
		run.Error = runErr.Error()
		r.logger.Error("run failed", "run_id", run.ID, "error", runErr)
	}

	err := store.Persist(ctx, r.logger, "update run", func(ctx context.Context) error {
		return r.store.UpdateRun(ctx, run)
	})
	if err != nil {
		return err
	}

	metrics.RunsTotal.WithLabelValues(status).Inc()
	metrics.RunDuration.Observe(completed.Sub(started).Seconds())
	for _, o := range r.onRun {
		o(run)
	}
	r.logger.Info("run finished",
		"run_id", run.ID, "run_number", run.RunNumber, "status", status,
		"level_before", run.LevelBefore, "level_after", run.LevelAfter,
		"spend_delta", run.SpendDelta.String())
	return nil
}

// failFatal records the run as failed on a fatal persistence error and
// propagates the error so the scheduler halts.
func (r *Runner) failFatal(ctx context.Context, run *store.Run, started time.Time, err error) error {
	_ = r.finishRun(ctx, run, store.RunFailed, started, err)
	return err
}

// Replay re-evaluates a recorded run against its stored snapshot and
// metrics. It runs on an isolated ledger and machine: no new payments,
// no mutation of live state. Recorded settlements are replayed so the
// transition costs come out identical.
func (r *Runner) Replay(ctx context.Context, runID string, dryRun bool) ([]*escalation.Transition, error) {
	if !dryRun {
		return nil, ErrLiveReplay
	}

	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("agent: load run: %w", err)
	}
	var meta runMetadata
	if len(run.Metadata) == 0 {
		return nil, fmt.Errorf("agent: run %s has no recorded metrics", runID)
	}
	if err := json.Unmarshal(run.Metadata, &meta); err != nil {
		return nil, fmt.Errorf("agent: decode run metadata: %w", err)
	}
	levelBefore, err := escalation.ParseLevel(run.LevelBefore)
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}

	paid, err := r.store.ListPayments(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("agent: load payments: %w", err)
	}
	fetcher := &replayFetcher{recorded: make(map[marketdata.Endpoint]*payment.Record)}
	for _, rec := range paid {
		if rec.Status == payment.StatusConfirmed {
			fetcher.recorded[marketdata.Endpoint(rec.Endpoint)] = rec
		}
	}

	at := run.ScheduledAt
	if run.StartedAt != nil {
		at = *run.StartedAt
	}
	ledger := budget.New(r.ledger.Status().Limit, r.cfg.MinimumOperational)
	ledger.Restore(meta.SpentBefore)
	fetcher.ledger = ledger

	transitions := escalation.NewTransitionLedger(0, nil, r.logger)
	machine := escalation.New(ledger, transitions, r.cfg.Escalation, r.logger,
		escalation.WithClock(func() time.Time { return at }),
		escalation.WithGateway(fetcher),
	)
	machine.Restore(levelBefore, meta.EnteredAt)

	t, _ := machine.Evaluate(ctx, runID, run.SnapshotID, meta.Metrics, r.cfg.Endpoint, r.cfg.Params)
	if t == nil {
		return nil, nil
	}
	return []*escalation.Transition{t}, nil
}

// replayFetcher serves the recorded settlements of the original run
// instead of buying data again.
type replayFetcher struct {
	ledger   *budget.Ledger
	recorded map[marketdata.Endpoint]*payment.Record
}

func (f *replayFetcher) Fetch(ctx context.Context, runID string, endpoint marketdata.Endpoint, params marketdata.Params, res *budget.Reservation) (*marketdata.Result, error) {
	rec, ok := f.recorded[endpoint]
	if !ok {
		// The original run paid nothing here (cache hit or free tick).
		return &marketdata.Result{Endpoint: endpoint, Cached: true}, nil
	}
	if err := f.ledger.Adjust(res, rec.Amount); err != nil {
		return nil, err
	}
	if err := f.ledger.Commit(res); err != nil {
		return nil, err
	}
	return &marketdata.Result{Endpoint: endpoint, Payment: rec}, nil
}
