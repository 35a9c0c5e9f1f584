// Package scheduler fires agent runs on a cron schedule. Runs are
// single-flight: a tick that arrives while the previous run is still
// in flight records a SKIPPED row instead of overlapping it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mishablank/treasury-sentinel/internal/idgen"
	"github.com/mishablank/treasury-sentinel/internal/metrics"
	"github.com/mishablank/treasury-sentinel/internal/store"
)

// DefaultCronExpression fires every 15 minutes.
const DefaultCronExpression = "*/15 * * * *"

// DefaultShutdownGrace bounds how long Stop waits for an in-flight run.
const DefaultShutdownGrace = 30 * time.Second

// Runner executes one monitoring cycle. *agent.Runner satisfies it.
type Runner interface {
	RunOnce(ctx context.Context, scheduledAt time.Time) (*store.Run, error)
}

// Scheduler drives the runner on a cron cadence.
type Scheduler struct {
	runner   Runner
	store    store.Store
	schedule cron.Schedule
	logger   *slog.Logger

	grace time.Duration
	now   func() time.Time

	inFlight atomic.Bool
	halted   atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithShutdownGrace overrides the stop deadline.
func WithShutdownGrace(d time.Duration) Option {
	return func(s *Scheduler) { s.grace = d }
}

// New parses the cron expression (standard five-field syntax, evaluated
// in UTC) and creates a scheduler.
func New(runner Runner, st store.Store, cronExpr string, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	if cronExpr == "" {
		cronExpr = DefaultCronExpression
	}
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("scheduler: parse cron expression %q: %w", cronExpr, err)
	}

	s := &Scheduler{
		runner:   runner,
		store:    st,
		schedule: schedule,
		logger:   logger,
		grace:    DefaultShutdownGrace,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start blocks, firing runs until the context is cancelled, Stop is
// called, or a fatal persistence error halts the loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("scheduler started", "next", s.schedule.Next(s.now().UTC()).Format(time.RFC3339))

	for {
		if s.halted.Load() {
			return
		}
		next := s.schedule.Next(s.now().UTC())
		timer := time.NewTimer(next.Sub(s.now().UTC()))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
			s.dispatch(ctx, next)
		}
	}
}

// Halted reports whether a fatal persistence error stopped the loop.
func (s *Scheduler) Halted() bool {
	return s.halted.Load()
}

// Running reports whether a run is currently in flight.
func (s *Scheduler) Running() bool {
	return s.inFlight.Load()
}

// dispatch starts one run, or records a skip when the previous run is
// still in flight.
func (s *Scheduler) dispatch(ctx context.Context, scheduledAt time.Time) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.recordSkip(ctx, scheduledAt)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inFlight.Store(false)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic in agent run", "panic", fmt.Sprint(r))
			}
		}()

		if _, err := s.runner.RunOnce(ctx, scheduledAt); err != nil {
			if errors.Is(err, store.ErrFatal) {
				s.logger.Error("halting scheduler: store keeps failing", "error", err)
				s.halted.Store(true)
				s.stopOnce.Do(func() { close(s.stop) })
				return
			}
			s.logger.Error("run failed", "error", err)
		}
	}()
}

// recordSkip writes the SKIPPED run row for an overlapped tick.
func (s *Scheduler) recordSkip(ctx context.Context, scheduledAt time.Time) {
	number, err := s.store.NextRunNumber(ctx)
	if err != nil {
		s.logger.Error("failed to allocate run number for skipped tick", "error", err)
		return
	}
	run := &store.Run{
		ID:          idgen.WithPrefix("run_"),
		RunNumber:   number,
		ScheduledAt: scheduledAt.UTC(),
		Status:      store.RunSkipped,
		Error:       "overlap",
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		s.logger.Error("failed to record skipped run", "error", err)
		return
	}
	metrics.RunsTotal.WithLabelValues(store.RunSkipped).Inc()
	s.logger.Warn("tick skipped: previous run still in flight",
		"run_number", number, "scheduled_at", scheduledAt.Format(time.RFC3339))
}

// Stop ends the loop and waits up to the shutdown grace for an
// in-flight run to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.grace):
		s.logger.Warn("shutdown grace elapsed with a run still in flight")
	}
}
