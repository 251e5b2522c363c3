// Package cron runs maintenance jobs, such as the orphaned-session sweep, on
// cron schedules.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions (minute, hour, dom, month,
// dow) and descriptors such as "@every 1m" or "@hourly".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is a named unit of periodic work.
type Job struct {
	Name string
	Spec string
	// RunOnStart fires the job once when the scheduler starts.
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Jobs     []Job
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 second if zero
	Now      func() time.Time
}

type entry struct {
	job      Job
	schedule cronlib.Schedule
	next     time.Time
	running  bool
}

// Scheduler checks its jobs on every tick and fires the due ones. A job that
// is still running when it comes due again is skipped for that slot.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries []*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates every job spec and returns a stopped scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		logger:   logger.With("component", "cron"),
		interval: interval,
		now:      now,
	}
	var errs []error
	for _, job := range cfg.Jobs {
		if job.Run == nil {
			errs = append(errs, fmt.Errorf("job %q: no run function", job.Name))
			continue
		}
		sched, err := cronParser.Parse(job.Spec)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %q: parse %q: %w", job.Name, job.Spec, err))
			continue
		}
		s.entries = append(s.entries, &entry{job: job, schedule: sched})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	now := s.now()
	s.mu.Lock()
	for _, e := range s.entries {
		e.next = e.schedule.Next(now)
		if e.job.RunOnStart {
			e.next = now
		}
	}
	s.mu.Unlock()
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "jobs", len(s.entries), "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it and any running job.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// Next returns the next planned fire time of the named job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.job.Name == name {
			return e.next, true
		}
	}
	return time.Time{}, false
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

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

// tick fires every job whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if now.Before(e.next) {
			continue
		}
		e.next = e.schedule.Next(now)
		if e.running {
			s.logger.Warn("cron: job still running, slot skipped", "job", e.job.Name, "next_run_at", e.next)
			continue
		}
		e.running = true
		s.wg.Add(1)
		go s.fire(ctx, e)
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry) {
	defer s.wg.Done()
	start := s.now()
	err := e.job.Run(ctx)

	s.mu.Lock()
	e.running = false
	next := e.next
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("cron: job failed", "job", e.job.Name, "duration", time.Since(start), "error", err)
		return
	}
	s.logger.Debug("cron: job fired", "job", e.job.Name, "duration", time.Since(start), "next_run_at", next)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
