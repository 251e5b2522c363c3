package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/skillforge/internal/bus"
)

// Saver persists run snapshots. Failures are logged and retried on the next
// tick. History entries below since are already stored and need not be
// written again.
type Saver interface {
	SaveRun(ctx context.Context, r Run, since HistoryMark) error
}

// Observer receives flush and completion notifications, typically for metrics.
type Observer interface {
	Flushed(runID string, events int)
	Finished(r Run)
}

type Config struct {
	Interval time.Duration
	Saver    Saver
	Bus      *bus.Bus
	Observer Observer
	Logger   *slog.Logger
	Now      func() time.Time
}

var (
	ErrRunExists   = errors.New("run already registered")
	ErrRunNotFound = errors.New("run not found")
)

type slot struct {
	batch Batcher[Event]

	// mu serializes folds for this run and guards the fields below.
	mu       sync.Mutex
	current  Run
	saved    HistoryMark
	dirty    bool
	finished bool
}

// Aggregator owns the run arena. It is the only writer of Run records.
type Aggregator struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	arena map[string]*slot

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewAggregator(cfg Config) *Aggregator {
	if cfg.Interval <= 0 {
		cfg.Interval = 200 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Aggregator{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "aggregator"),
		arena:  make(map[string]*slot),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs the flush loop until ctx is cancelled or Stop is called.
func (a *Aggregator) Start(ctx context.Context) {
	go a.loop(ctx)
}

// Stop halts the flush loop after a final flush.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
	})
	<-a.doneCh
}

func (a *Aggregator) loop(ctx context.Context) {
	defer close(a.doneCh)
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.Tick(context.Background())
			return
		case <-a.stopCh:
			a.Tick(context.Background())
			return
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Open registers a freshly spawned run and returns the feed its stream is pushed into.
func (a *Aggregator) Open(ctx context.Context, r Run) (*Feed, error) {
	if r.ID == "" {
		return nil, fmt.Errorf("open run: empty id")
	}
	if r.Status == "" {
		r.Status = StatusRunning
	}
	s := &slot{current: r.Clone()}

	a.mu.Lock()
	if _, ok := a.arena[r.ID]; ok {
		a.mu.Unlock()
		return nil, fmt.Errorf("open run %s: %w", r.ID, ErrRunExists)
	}
	a.arena[r.ID] = s
	a.mu.Unlock()

	s.mu.Lock()
	a.persistLocked(ctx, s)
	s.mu.Unlock()
	a.cfg.Bus.Publish(bus.TopicRunUpdated, r.Clone())

	return &Feed{agg: a, slot: s, runID: r.ID}, nil
}

// Tick flushes every run with pending events, one snapshot per run, and
// evicts runs finished before this tick.
func (a *Aggregator) Tick(ctx context.Context) {
	a.mu.RLock()
	ids := make([]string, 0, len(a.arena))
	slots := make([]*slot, 0, len(a.arena))
	for id, s := range a.arena {
		ids = append(ids, id)
		slots = append(slots, s)
	}
	a.mu.RUnlock()

	var evict []string
	for i, s := range slots {
		s.mu.Lock()
		if s.finished {
			if s.dirty {
				a.persistLocked(ctx, s)
			}
			if !s.dirty {
				evict = append(evict, ids[i])
			}
			s.mu.Unlock()
			continue
		}
		a.flushLocked(ctx, s)
		if s.dirty {
			a.persistLocked(ctx, s)
		}
		s.mu.Unlock()
	}

	if len(evict) > 0 {
		a.mu.Lock()
		for _, id := range evict {
			delete(a.arena, id)
		}
		a.mu.Unlock()
	}
}

// flushLocked folds all pending events into one new snapshot. s.mu must be held.
func (a *Aggregator) flushLocked(ctx context.Context, s *slot) bool {
	evs := s.batch.Drain()
	if len(evs) == 0 {
		return false
	}
	s.current = ApplyBatch(s.current, evs)
	s.current.Version++
	s.dirty = true
	if a.cfg.Observer != nil {
		a.cfg.Observer.Flushed(s.current.ID, len(evs))
	}
	a.cfg.Bus.Publish(bus.TopicRunUpdated, s.current.Clone())
	a.persistLocked(ctx, s)
	return true
}

// persistLocked saves the current snapshot. A failed save leaves the slot
// dirty; in-memory state is never rolled back.
func (a *Aggregator) persistLocked(ctx context.Context, s *slot) {
	if a.cfg.Saver == nil {
		s.dirty = false
		return
	}
	snap := s.current.Clone()
	if err := a.cfg.Saver.SaveRun(ctx, snap, s.saved); err != nil {
		s.dirty = true
		a.logger.Warn("run save failed; will retry", "run_id", s.current.ID, "error", err)
		return
	}
	s.saved = snap.Mark()
	s.dirty = false
}

// flushNow is the terminal-event path: pending events are folded immediately
// so the result record is never held back until the next tick.
func (a *Aggregator) flushNow(s *slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	a.flushLocked(context.Background(), s)
}

// Finish force-flushes buffered events, applies the exit mapping and returns
// the final snapshot. Calling it twice returns the same record.
func (a *Aggregator) Finish(ctx context.Context, runID string, exit Exit) (Run, error) {
	a.mu.RLock()
	s, ok := a.arena[runID]
	a.mu.RUnlock()
	if !ok {
		return Run{}, fmt.Errorf("finish run %s: %w", runID, ErrRunNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return s.current.Clone(), nil
	}
	a.flushLocked(ctx, s)
	s.current = Finalize(s.current, exit, a.cfg.Now())
	s.current.Version++
	s.finished = true
	a.persistLocked(ctx, s)

	final := s.current.Clone()
	if a.cfg.Observer != nil {
		a.cfg.Observer.Finished(final)
	}
	a.cfg.Bus.Publish(bus.TopicRunFinished, final)
	a.logger.Info("run finished",
		"run_id", final.ID,
		"skill", final.SkillName,
		"step", final.StepIndex,
		"status", final.Status,
		"result_subtype", final.ResultSubtype,
		"num_turns", final.NumTurns,
		"total_cost_usd", final.TotalCostUSD,
	)
	return final, nil
}

// Snapshot returns an immutable copy of the run's latest flushed state.
func (a *Aggregator) Snapshot(runID string) (Run, bool) {
	a.mu.RLock()
	s, ok := a.arena[runID]
	a.mu.RUnlock()
	if !ok {
		return Run{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone(), true
}

// Live returns snapshots of every run still in the arena.
func (a *Aggregator) Live() []Run {
	a.mu.RLock()
	slots := make([]*slot, 0, len(a.arena))
	for _, s := range a.arena {
		slots = append(slots, s)
	}
	a.mu.RUnlock()

	out := make([]Run, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		out = append(out, s.current.Clone())
		s.mu.Unlock()
	}
	return out
}

// Feed receives one run's stream. It is safe for use by a single producer goroutine.
type Feed struct {
	agg   *Aggregator
	slot  *slot
	runID string
}

func (f *Feed) RunID() string { return f.runID }

// Push buffers ev for the next tick, or flushes immediately when ev is terminal.
func (f *Feed) Push(ev Event) {
	f.slot.batch.Push(ev)
	if ev.Terminal() {
		f.agg.flushNow(f.slot)
	}
}

// HandleLine decodes one stream line and pushes the resulting event.
// Malformed lines are logged and skipped.
func (f *Feed) HandleLine(line []byte) {
	ev, ok, err := Decode(line)
	if err != nil {
		f.agg.logger.Debug("skipping malformed stream line", "run_id", f.runID, "error", err)
		return
	}
	if !ok || ev.Kind == KindUnknown {
		return
	}
	f.Push(ev)
}

// SetPID records the process id once the process has started.
func (f *Feed) SetPID(pid int) {
	f.slot.mu.Lock()
	f.slot.current.PID = pid
	f.slot.dirty = true
	f.slot.mu.Unlock()
}
