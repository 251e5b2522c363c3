package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/skillforge/internal/liveness"
	"github.com/basket/skillforge/internal/persistence"
)

// reapedRetention keeps recently reaped pids attributed to the pool while the
// workflow records their outcome.
const reapedRetention = time.Minute

// SessionStore is the subset of the store the orphan sweep needs.
type SessionStore interface {
	ListActiveSessions(ctx context.Context) ([]persistence.Session, error)
	EndSession(ctx context.Context, sessionID string, status persistence.SessionStatus) (bool, error)
	InterruptRuns(ctx context.Context, sessionID string) (int64, error)
}

type SweepResult struct {
	// Reclaimed lists sessions whose recorded process was dead.
	Reclaimed []string
	// Foreign lists sessions whose process is alive but not supervised by
	// this pool, typically left by a previous instance.
	Foreign []string
}

// SweepOrphans marks running sessions whose recorded process has died as
// crashed and errors their running runs. Sessions without a pid are between
// steps or waiting for the user and are left alone.
func (p *Pool) SweepOrphans(ctx context.Context, store SessionStore, live liveness.Checker) (SweepResult, error) {
	p.pruneReaped()

	sessions, err := store.ListActiveSessions(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list active sessions: %w", err)
	}
	var res SweepResult
	var errs []error
	for _, sess := range sessions {
		if sess.PID <= 0 || p.Owns(sess.PID) {
			continue
		}
		if live.Alive(sess.PID) {
			res.Foreign = append(res.Foreign, sess.ID)
			p.logger.Warn("session process alive outside the pool", "session_id", sess.ID, "skill", sess.SkillName, "pid", sess.PID)
			continue
		}
		ended, err := store.EndSession(ctx, sess.ID, persistence.SessionCrashed)
		if err != nil {
			errs = append(errs, fmt.Errorf("end session %s: %w", sess.ID, err))
			continue
		}
		if !ended {
			continue
		}
		n, err := store.InterruptRuns(ctx, sess.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("interrupt runs of %s: %w", sess.ID, err))
		}
		res.Reclaimed = append(res.Reclaimed, sess.ID)
		p.logger.Info("orphaned session reclaimed", "session_id", sess.ID, "skill", sess.SkillName, "pid", sess.PID, "runs_interrupted", n)
	}
	return res, errors.Join(errs...)
}

func (p *Pool) pruneReaped() {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := p.now().Add(-reapedRetention)
	for pid, at := range p.reaped {
		if at.Before(cutoff) {
			delete(p.reaped, pid)
		}
	}
}
