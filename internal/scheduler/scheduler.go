// Package scheduler fires the batch window and digest runs. A cron entry
// ticks (every minute by default); each tick finds the goals whose batch
// windows or digest send time fell since the previous tick and starts one run
// per crossing.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/dida1024/infoSentry/internal/model"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// maxConcurrentRuns bounds the tick runs in flight for one tick.
const maxConcurrentRuns = 4

// Runner starts tick runs.
type Runner interface {
	RunBatchWindow(ctx context.Context, goalID, windowTime string) (model.Run, error)
	RunDigest(ctx context.Context, goalID string) (model.Run, error)
}

// Store lists goal schedules.
type Store interface {
	ListGoalSchedules(ctx context.Context) ([]model.GoalSchedule, error)
}

// Scheduler drives tick runs from a cron entry.
type Scheduler struct {
	store  Store
	runner Runner
	spec   string
	logger *slog.Logger
	now    func() time.Time

	cron *cronlib.Cron

	mu   sync.Mutex
	last time.Time
}

// New creates a scheduler that ticks on the cron expression spec.
func New(store Store, runner Runner, spec string, logger *slog.Logger) (*Scheduler, error) {
	if _, err := cronParser.Parse(spec); err != nil {
		return nil, fmt.Errorf("scheduler: invalid cron expression %q: %w", spec, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: store, runner: runner, spec: spec, logger: logger, now: time.Now}, nil
}

// Start registers the cron entry and begins ticking. Windows that fall
// before Start are not fired.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.last = s.now().UTC()
	s.mu.Unlock()

	s.cron = cronlib.New(cronlib.WithParser(cronParser), cronlib.WithLocation(time.UTC))
	if _, err := s.cron.AddFunc(s.spec, func() { s.Tick(ctx) }); err != nil {
		return fmt.Errorf("scheduler: register %q: %w", s.spec, err)
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "cron", s.spec)
	return nil
}

// Stop halts the cron and waits for a running tick to complete.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Tick fires every batch window and digest time crossed since the previous
// tick. Ticks are serialized; a failed run is logged and does not stop the
// others.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if s.last.IsZero() {
		s.last = now.Add(-time.Minute)
	}
	prev := s.last

	schedules, err := s.store.ListGoalSchedules(ctx)
	if err != nil {
		s.logger.Error("scheduler: list goal schedules failed", "error", err)
		return
	}
	// Only advance once the schedules were read, so a store outage delays
	// windows instead of skipping them.
	s.last = now

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentRuns)
	for _, sched := range schedules {
		for _, w := range Due(sched.BatchWindows, prev, now) {
			goalID, window := sched.GoalID, w
			g.Go(func() error {
				if _, err := s.runner.RunBatchWindow(gctx, goalID, window); err != nil {
					s.logger.Warn("scheduler: batch window run failed", "goal_id", goalID, "window", window, "error", err)
				}
				return nil
			})
		}
		if sched.DigestSendTime != "" && len(Due([]string{sched.DigestSendTime}, prev, now)) > 0 {
			goalID := sched.GoalID
			g.Go(func() error {
				if _, err := s.runner.RunDigest(gctx, goalID); err != nil {
					s.logger.Warn("scheduler: digest run failed", "goal_id", goalID, "error", err)
				}
				return nil
			})
		}
	}
	_ = g.Wait()
}

// Validate reports the malformed times of day in a goal schedule.
func Validate(sched model.GoalSchedule) error {
	times := slices.Clone(sched.BatchWindows)
	if sched.DigestSendTime != "" {
		times = append(times, sched.DigestSendTime)
	}
	for _, t := range times {
		if _, err := ParseClock(t); err != nil {
			return err
		}
	}
	return nil
}
