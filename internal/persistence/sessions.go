package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/skillforge/internal/bus"
)

type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
	SessionCrashed   SessionStatus = "crashed"
)

type Session struct {
	ID        string        `json:"session_id"`
	SkillName string        `json:"skill_name"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at,omitzero"`
	Status    SessionStatus `json:"status"`
	PID       int           `json:"pid,omitempty"`
}

// CreateSession inserts a running session. It fails with ErrSessionActive,
// leaving the existing session untouched, when the skill already has one.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin session tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var active string
	err = tx.QueryRowContext(ctx, `
		SELECT session_id FROM workflow_sessions WHERE skill_name = ? AND status = ?;
	`, sess.SkillName, SessionRunning).Scan(&active)
	switch {
	case err == nil:
		return fmt.Errorf("skill %q session %s: %w", sess.SkillName, active, ErrSessionActive)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("check active session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_sessions (session_id, skill_name, started_at, status, pid)
		VALUES (?, ?, ?, ?, ?);
	`, sess.ID, sess.SkillName, sess.StartedAt.UTC(), SessionRunning, nullInt(sess.PID)); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("skill %q: %w", sess.SkillName, ErrSessionActive)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session tx: %w", err)
	}
	s.bus.Publish(bus.TopicSessionChanged, bus.SessionChangedEvent{
		Skill: sess.SkillName, SessionID: sess.ID, Status: string(SessionRunning),
	})
	return nil
}

// SetSessionPID records the live process for a running session; 0 clears it.
func (s *Store) SetSessionPID(ctx context.Context, sessionID string, pid int) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE workflow_sessions SET pid = ? WHERE session_id = ? AND status = ?;
		`, nullInt(pid), sessionID, SessionRunning)
		if err != nil {
			return fmt.Errorf("set session pid: %w", err)
		}
		return nil
	})
}

// EndSession moves a running session to a terminal status. Ending a session
// that is not running is a no-op and reports false.
func (s *Store) EndSession(ctx context.Context, sessionID string, status SessionStatus) (bool, error) {
	if status == SessionRunning {
		return false, fmt.Errorf("end session: %q is not a terminal status", status)
	}
	var ended bool
	var skill string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin end-session tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		err = tx.QueryRowContext(ctx, `
			SELECT skill_name FROM workflow_sessions WHERE session_id = ? AND status = ?;
		`, sessionID, SessionRunning).Scan(&skill)
		if errors.Is(err, sql.ErrNoRows) {
			ended = false
			return nil
		}
		if err != nil {
			return fmt.Errorf("read session: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE workflow_sessions SET status = ?, ended_at = ?, pid = NULL WHERE session_id = ?;
		`, status, time.Now().UTC(), sessionID); err != nil {
			return fmt.Errorf("end session: %w", err)
		}
		ended = true
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	if ended {
		s.bus.Publish(bus.TopicSessionChanged, bus.SessionChangedEvent{
			Skill: skill, SessionID: sessionID, Status: string(status),
		})
	}
	return ended, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, skill_name, started_at, ended_at, status, pid
		FROM workflow_sessions WHERE session_id = ?;
	`, sessionID)
	sess, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return sess, err
}

// ActiveSession returns the running session of a skill, or ErrNotFound.
func (s *Store) ActiveSession(ctx context.Context, skill string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, skill_name, started_at, ended_at, status, pid
		FROM workflow_sessions WHERE skill_name = ? AND status = ?;
	`, skill, SessionRunning)
	sess, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("active session for %q: %w", skill, ErrNotFound)
	}
	return sess, err
}

// ListActiveSessions returns every session still marked running.
func (s *Store) ListActiveSessions(ctx context.Context) ([]Session, error) {
	return s.listSessions(ctx, `
		SELECT session_id, skill_name, started_at, ended_at, status, pid
		FROM workflow_sessions WHERE status = ? ORDER BY started_at;
	`, SessionRunning)
}

// ListSessions returns a skill's sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, skill string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.listSessions(ctx, `
		SELECT session_id, skill_name, started_at, ended_at, status, pid
		FROM workflow_sessions WHERE skill_name = ? ORDER BY started_at DESC LIMIT ?;
	`, skill, limit)
}

func (s *Store) listSessions(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func scanSession(scanFn func(dest ...any) error) (Session, error) {
	var sess Session
	var ended sql.NullTime
	var pid sql.NullInt64
	if err := scanFn(&sess.ID, &sess.SkillName, &sess.StartedAt, &ended, &sess.Status, &pid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sess, err
		}
		return sess, fmt.Errorf("scan session: %w", err)
	}
	if ended.Valid {
		sess.EndedAt = ended.Time
	}
	if pid.Valid {
		sess.PID = int(pid.Int64)
	}
	return sess, nil
}
