// Package cron re-enters scheduled goals: a goal with a cron schedule and a
// standing approval cycles back to pending when its next run time passes.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-warden/internal/audit"
	"github.com/basket/go-warden/internal/persistence"
	"github.com/basket/go-warden/internal/workitem"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the goal scheduler.
type Config struct {
	Store    *persistence.Store
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically queries the store for due goals and returns each to
// pending so the coordinator dispatches it again.
type Scheduler struct {
	store    *persistence.Store
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("goal scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("goal scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.store.DueGoals(ctx, now)
	if err != nil {
		s.logger.Error("query due goals failed", "error", err)
		return
	}
	for _, goal := range due {
		s.fire(ctx, goal, now)
	}
}

// fire returns one due goal to pending and records the next run time.
func (s *Scheduler) fire(ctx context.Context, goal persistence.ScheduledGoal, now time.Time) {
	transitioned, err := s.store.TransitionWorkItem(ctx, goal.ID,
		[]workitem.Status{workitem.StatusDone, workitem.StatusHealthy}, workitem.StatusPending)
	if err != nil {
		s.logger.Error("goal re-entry failed", "goal", goal.ID, "error", err)
		return
	}
	if !transitioned {
		return
	}

	nextRun, err := NextRunTime(goal.Schedule, now)
	if err != nil {
		s.logger.Error("compute next run time failed",
			"goal", goal.ID,
			"schedule", goal.Schedule,
			"error", err,
		)
		return
	}
	if err := s.store.UpdateGoalRun(ctx, goal.ID, now, nextRun); err != nil {
		s.logger.Error("update goal run failed", "goal", goal.ID, "error", err)
		return
	}

	audit.Record(ctx, "allow", "scheduler.fire", goal.Schedule, goal.ID)
	s.logger.Info("scheduled goal re-entered pending",
		"goal", goal.ID,
		"scope_id", goal.ScopeID,
		"next_run_at", nextRun,
	)
}

// Arm computes and stores the first next_run_at for a scheduled goal.
func (s *Scheduler) Arm(ctx context.Context, goalID, schedule string, from time.Time) error {
	nextRun, err := NextRunTime(schedule, from)
	if err != nil {
		return err
	}
	return s.store.SetGoalSchedule(ctx, goalID, nextRun)
}

// NextRunTime parses the cron expression and returns the next run time after
// the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
