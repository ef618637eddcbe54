package cron_test

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/taskdag/internal/config"
	"github.com/basket/taskdag/internal/cron"
	"github.com/basket/taskdag/internal/persistence"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type fakeRetainer struct {
	mu    sync.Mutex
	calls [][2]int
	err   error
}

func (f *fakeRetainer) RunRetention(_ context.Context, idle, audit int) (persistence.RetentionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, [2]int{idle, audit})
	if f.err != nil {
		return persistence.RetentionResult{}, f.err
	}
	return persistence.RetentionResult{PurgedSessions: 2, PurgedAuditLogs: 5}, nil
}

func (f *fakeRetainer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestScheduler_RunsImmediatelyThenOnSchedule(t *testing.T) {
	fake := &fakeRetainer{}
	sched, err := cron.NewScheduler(cron.Config{
		Store:     fake,
		Logger:    slog.Default(),
		Retention: config.RetentionConfig{Schedule: "@every 100ms", IdleSessionDays: 30, AuditLogDays: 90},
		Interval:  20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, 5*time.Second, func() bool { return fake.callCount() >= 3 })
	fake.mu.Lock()
	first := fake.calls[0]
	fake.mu.Unlock()
	if first != [2]int{30, 90} {
		t.Fatalf("unexpected windows passed to store: %v", first)
	}
	if sched.LastResult().PurgedSessions != 2 || sched.Runs() < 3 {
		t.Fatalf("unexpected bookkeeping: runs=%d last=%+v", sched.Runs(), sched.LastResult())
	}
}

func TestScheduler_NotDueDoesNotRun(t *testing.T) {
	fake := &fakeRetainer{}
	sched, err := cron.NewScheduler(cron.Config{
		Store:     fake,
		Retention: config.RetentionConfig{Schedule: "@yearly"},
		Interval:  10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	sched.Stop()

	if got := fake.callCount(); got != 1 {
		t.Fatalf("expected only the startup sweep, got %d", got)
	}
	if !sched.NextRun().After(time.Now()) {
		t.Fatalf("next run should be in the future, got %v", sched.NextRun())
	}
}

func TestScheduler_FailedSweepIsNotCounted(t *testing.T) {
	fake := &fakeRetainer{err: errors.New("database is closed")}
	sched, err := cron.NewScheduler(cron.Config{Store: fake})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.RunOnce(context.Background())
	if sched.Runs() != 0 || fake.callCount() != 1 {
		t.Fatalf("runs=%d calls=%d", sched.Runs(), fake.callCount())
	}
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	if _, err := cron.NewScheduler(cron.Config{
		Store:     &fakeRetainer{},
		Retention: config.RetentionConfig{Schedule: "every tuesday"},
	}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestScheduler_SetPolicy(t *testing.T) {
	fake := &fakeRetainer{}
	sched, err := cron.NewScheduler(cron.Config{Store: fake})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if err := sched.SetPolicy(config.RetentionConfig{Schedule: "0 3 * * *", IdleSessionDays: 7}); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	if next := sched.NextRun(); next.Minute() != 0 || next.Hour() != 3 {
		t.Fatalf("next run not at 03:00: %v", next)
	}
	sched.RunOnce(context.Background())
	if fake.calls[0] != [2]int{7, 0} {
		t.Fatalf("new windows not applied: %v", fake.calls[0])
	}
	if err := sched.SetPolicy(config.RetentionConfig{Schedule: "61 * * * *"}); err == nil {
		t.Fatal("expected invalid minute to be rejected")
	}
}

func TestScheduler_PurgesIdleSessionsInStore(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "taskdag.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	stale, err := store.Session(ctx, "0f0e0d0c-0b0a-4908-8706-050403020100")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if _, err := stale.CreateTask(ctx, persistence.TaskInput{Name: "old"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	fresh, err := store.Session(ctx, "1f1e1d1c-1b1a-4918-9716-151413121110")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if _, err := fresh.CreateTask(ctx, persistence.TaskInput{Name: "new"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	old := time.Now().UTC().AddDate(0, 0, -60)
	if _, err := store.DB().ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?;`, old, stale.ID()); err != nil {
		t.Fatalf("age session: %v", err)
	}

	sched, err := cron.NewScheduler(cron.Config{
		Store:     store,
		Retention: config.RetentionConfig{IdleSessionDays: 30},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.RunOnce(ctx)

	if got := sched.LastResult().PurgedSessions; got != 1 {
		t.Fatalf("purged sessions = %d, want 1", got)
	}
	counts, err := store.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Sessions != 1 || counts.Tasks != 1 {
		t.Fatalf("unexpected counts after sweep: %+v", counts)
	}
}
