package cron_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/skillforge/internal/cron"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
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

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newScheduler(t *testing.T, clk *clock, jobs ...cron.Job) *cron.Scheduler {
	t.Helper()
	s, err := cron.NewScheduler(cron.Config{
		Jobs:     jobs,
		Logger:   slog.Default(),
		Interval: 10 * time.Millisecond,
		Now:      clk.Now,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s
}

func TestScheduler_RunOnStart(t *testing.T) {
	var fired atomic.Int32
	s := newScheduler(t, newClock(), cron.Job{
		Name:       "sweep",
		Spec:       "@every 1m",
		RunOnStart: true,
		Run:        func(context.Context) error { fired.Add(1); return nil },
	})
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool { return fired.Load() == 1 })
}

func TestScheduler_FiresWhenDue(t *testing.T) {
	clk := newClock()
	var fired atomic.Int32
	s := newScheduler(t, clk, cron.Job{
		Name: "sweep",
		Spec: "@every 1m",
		Run:  func(context.Context) error { fired.Add(1); return nil },
	})
	s.Start(context.Background())
	defer s.Stop()

	// Not due yet: a few ticks pass without firing.
	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("expected no run before the schedule is due, got %d", got)
	}

	clk.Advance(time.Minute)
	waitFor(t, 2*time.Second, func() bool { return fired.Load() == 1 })

	next, ok := s.Next("sweep")
	if !ok {
		t.Fatal("expected sweep job to be known")
	}
	if !next.After(clk.Now()) {
		t.Fatalf("expected next run after now, got %v", next)
	}
}

func TestScheduler_SkipsOverlappingRun(t *testing.T) {
	clk := newClock()
	release := make(chan struct{})
	var fired atomic.Int32
	s := newScheduler(t, clk, cron.Job{
		Name:       "slow",
		Spec:       "@every 1s",
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			fired.Add(1)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	})
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool { return fired.Load() == 1 })
	clk.Advance(5 * time.Second)
	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("expected the running job not to be started again, got %d runs", got)
	}
	close(release)

	waitFor(t, 2*time.Second, func() bool {
		clk.Advance(5 * time.Second)
		return fired.Load() == 2
	})
}

func TestScheduler_FailingJobKeepsSchedule(t *testing.T) {
	clk := newClock()
	var fired atomic.Int32
	s := newScheduler(t, clk, cron.Job{
		Name:       "flaky",
		Spec:       "@every 1m",
		RunOnStart: true,
		Run: func(context.Context) error {
			fired.Add(1)
			return errors.New("boom")
		},
	})
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool { return fired.Load() == 1 })
	clk.Advance(time.Minute)
	waitFor(t, 2*time.Second, func() bool { return fired.Load() == 2 })
}

func TestNewScheduler_RejectsBadJobs(t *testing.T) {
	tests := []struct {
		name string
		job  cron.Job
	}{
		{"bad spec", cron.Job{Name: "x", Spec: "every minute", Run: func(context.Context) error { return nil }}},
		{"seconds field", cron.Job{Name: "x", Spec: "* * * * * *", Run: func(context.Context) error { return nil }}},
		{"no run", cron.Job{Name: "x", Spec: "@hourly"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := cron.NewScheduler(cron.Config{Jobs: []cron.Job{tt.job}}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNextRunTime(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 3, 0, 0, time.UTC)

	next, err := cron.NextRunTime("*/10 * * * *", base)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if next.Minute()%10 != 0 || !next.After(base) {
		t.Fatalf("expected next 10-minute boundary after %v, got %v", base, next)
	}

	next, err = cron.NextRunTime("@every 1m", base)
	if err != nil {
		t.Fatalf("parse descriptor: %v", err)
	}
	if want := base.Add(time.Minute); !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}
