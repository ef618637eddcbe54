// Package cron runs the retention sweeper on a cron schedule.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskdag/internal/config"
	"github.com/basket/taskdag/internal/persistence"
)

// Retainer is the slice of the store the sweeper needs.
type Retainer interface {
	RunRetention(ctx context.Context, idleSessionDays, auditLogDays int) (persistence.RetentionResult, error)
}

type Config struct {
	Store     Retainer
	Logger    *slog.Logger
	Retention config.RetentionConfig
	Interval  time.Duration // how often the schedule is checked; defaults to 1 minute
}

// Scheduler checks the retention schedule every interval and runs the
// sweep when it is due.
type Scheduler struct {
	store    Retainer
	logger   *slog.Logger
	interval time.Duration

	mu       sync.Mutex
	policy   config.RetentionConfig
	schedule cronlib.Schedule
	nextRun  time.Time
	runs     int64
	last     persistence.RetentionResult

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:    cfg.Store,
		logger:   logger,
		interval: interval,
	}
	if err := s.SetPolicy(cfg.Retention); err != nil {
		return nil, err
	}
	return s, nil
}

// SetPolicy swaps the retention windows and schedule, e.g. after a config
// reload. The next run is recomputed from now.
func (s *Scheduler) SetPolicy(policy config.RetentionConfig) error {
	expr := policy.Schedule
	if expr == "" {
		expr = config.DefaultRetentionSchedule
	}
	sched, err := cronlib.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("parse retention schedule %q: %w", expr, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = policy
	s.schedule = sched
	s.nextRun = sched.Next(time.Now())
	return nil
}

// NextRun reports when the sweep is next due.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

// Runs returns how many sweeps completed successfully.
func (s *Scheduler) Runs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// LastResult returns the counts of the most recent successful sweep.
func (s *Scheduler) LastResult() persistence.RetentionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Start sweeps once immediately, then on schedule until ctx is done or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention sweeper started", "interval", s.interval, "next_run_at", s.NextRun())
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention sweeper stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if s.due(now) {
				s.RunOnce(ctx)
			}
		}
	}
}

// due reports whether now has reached the next run, advancing it if so.
func (s *Scheduler) due(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Before(s.nextRun) {
		return false
	}
	s.nextRun = s.schedule.Next(now)
	return true
}

// RunOnce performs one sweep with the current policy.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.mu.Lock()
	policy := s.policy
	s.mu.Unlock()

	start := time.Now()
	res, err := s.store.RunRetention(ctx, policy.IdleSessionDays, policy.AuditLogDays)
	if err != nil {
		s.logger.ErrorContext(ctx, "retention: sweep failed", "error", err)
		return
	}

	s.mu.Lock()
	s.runs++
	s.last = res
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "retention: sweep completed",
		"purged_sessions", res.PurgedSessions,
		"purged_audit_logs", res.PurgedAuditLogs,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
