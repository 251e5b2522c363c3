package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/skillforge/internal/runs"
)

// SaveRun upserts a run snapshot and appends its context and compaction
// entries from since onward; a zero mark writes the whole history. A stored
// terminal status is never replaced by a different one, and older snapshot
// versions never overwrite newer ones.
func (s *Store) SaveRun(ctx context.Context, r runs.Run, since runs.HistoryMark) error {
	errs, err := json.Marshal(r.Errors)
	if err != nil {
		return fmt.Errorf("encode run errors: %w", err)
	}
	if r.Errors == nil {
		errs = []byte("[]")
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin run tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_runs (
				run_id, session_id, skill_name, step_index, step_id, model, status, pid,
				agent_session_id, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
				total_cost, cost_estimated, context_window, num_turns, result_subtype, stop_reason,
				errors, diagnostic, thinking_enabled, display_name, started_at, ended_at, duration_ms, version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id) DO UPDATE SET
				model = excluded.model,
				status = excluded.status,
				pid = excluded.pid,
				agent_session_id = excluded.agent_session_id,
				input_tokens = excluded.input_tokens,
				output_tokens = excluded.output_tokens,
				cache_read_tokens = excluded.cache_read_tokens,
				cache_write_tokens = excluded.cache_write_tokens,
				total_cost = excluded.total_cost,
				cost_estimated = excluded.cost_estimated,
				context_window = excluded.context_window,
				num_turns = excluded.num_turns,
				result_subtype = excluded.result_subtype,
				stop_reason = excluded.stop_reason,
				errors = excluded.errors,
				diagnostic = excluded.diagnostic,
				thinking_enabled = excluded.thinking_enabled,
				display_name = excluded.display_name,
				ended_at = excluded.ended_at,
				duration_ms = excluded.duration_ms,
				version = excluded.version
			WHERE excluded.version >= agent_runs.version
				AND (agent_runs.status = 'running' OR agent_runs.status = excluded.status);
		`,
			r.ID, r.SessionID, r.SkillName, r.StepIndex, r.StepID, r.Model, string(r.Status), nullInt(r.PID),
			r.AgentSessionID, r.Usage.Input, r.Usage.Output, r.Usage.CacheRead, r.Usage.CacheCreation,
			r.TotalCostUSD, boolToInt(r.CostEstimated), r.ContextWindow, r.NumTurns, r.ResultSubtype, r.StopReason,
			string(errs), r.Diagnostic, boolToInt(r.ThinkingEnabled), r.DisplayName, r.StartedAt.UTC(), nullTime(r.EndedAt),
			r.DurationMs, r.Version,
		); err != nil {
			return fmt.Errorf("upsert agent run: %w", err)
		}

		for _, c := range tail(r.Context, since.Context) {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO run_context_snapshots
					(run_id, turn, input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens)
				VALUES (?, ?, ?, ?, ?, ?);
			`, r.ID, c.Turn, c.InputTokens, c.OutputTokens, c.CacheRead, c.CacheCreation); err != nil {
				return fmt.Errorf("insert context snapshot: %w", err)
			}
		}
		for i, c := range tail(r.Compactions, since.Compactions) {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO run_compactions (run_id, seq, turn, pre_tokens) VALUES (?, ?, ?, ?);
			`, r.ID, since.Compactions+i, c.Turn, c.PreTokens); err != nil {
				return fmt.Errorf("insert compaction: %w", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit run tx: %w", err)
		}
		return nil
	})
}

// tail returns the entries of s from n on. An out-of-range mark writes
// everything again; INSERT OR IGNORE keeps that harmless.
func tail[T any](s []T, n int) []T {
	if n < 0 || n > len(s) {
		return s
	}
	return s[n:]
}

const runColumns = `run_id, session_id, skill_name, step_index, step_id, model, status, pid,
	agent_session_id, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
	total_cost, cost_estimated, context_window, num_turns, result_subtype, stop_reason,
	errors, diagnostic, thinking_enabled, display_name, started_at, ended_at, duration_ms, version`

// GetRun loads a run with its context and compaction history.
func (s *Store) GetRun(ctx context.Context, runID string) (runs.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE run_id = ?;`, runID)
	r, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return runs.Run{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return runs.Run{}, err
	}
	if err := s.loadRunHistory(ctx, &r); err != nil {
		return runs.Run{}, err
	}
	return r, nil
}

// ListRuns returns a session's runs in spawn order, without per-turn history.
func (s *Store) ListRuns(ctx context.Context, sessionID string) ([]runs.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM agent_runs WHERE session_id = ? ORDER BY started_at, step_index;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []runs.Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// InterruptRuns marks a dead session's running runs as errored. Telemetry
// already stored is kept.
func (s *Store) InterruptRuns(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agent_runs
			SET status = ?, result_subtype = ?, ended_at = ?, version = version + 1,
				diagnostic = CASE WHEN diagnostic = '' THEN 'agent process no longer alive' ELSE diagnostic END
			WHERE session_id = ? AND status = ?;
		`, runs.StatusError, runs.SubtypeErrorDuringExecution, time.Now().UTC(), sessionID, runs.StatusRunning)
		if err != nil {
			return fmt.Errorf("interrupt runs: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

func (s *Store) loadRunHistory(ctx context.Context, r *runs.Run) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT turn, input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens
		FROM run_context_snapshots WHERE run_id = ? ORDER BY turn;
	`, r.ID)
	if err != nil {
		return fmt.Errorf("query context snapshots: %w", err)
	}
	for rows.Next() {
		var c runs.ContextSnapshot
		if err := rows.Scan(&c.Turn, &c.InputTokens, &c.OutputTokens, &c.CacheRead, &c.CacheCreation); err != nil {
			rows.Close()
			return fmt.Errorf("scan context snapshot: %w", err)
		}
		r.Context = append(r.Context, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate context snapshots: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT turn, pre_tokens FROM run_compactions WHERE run_id = ? ORDER BY seq;
	`, r.ID)
	if err != nil {
		return fmt.Errorf("query compactions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c runs.Compaction
		if err := rows.Scan(&c.Turn, &c.PreTokens); err != nil {
			return fmt.Errorf("scan compaction: %w", err)
		}
		r.Compactions = append(r.Compactions, c)
	}
	return rows.Err()
}

func scanRun(scanFn func(dest ...any) error) (runs.Run, error) {
	var r runs.Run
	var status, errs string
	var pid sql.NullInt64
	var ended sql.NullTime
	var costEstimated, thinking int
	err := scanFn(
		&r.ID, &r.SessionID, &r.SkillName, &r.StepIndex, &r.StepID, &r.Model, &status, &pid,
		&r.AgentSessionID, &r.Usage.Input, &r.Usage.Output, &r.Usage.CacheRead, &r.Usage.CacheCreation,
		&r.TotalCostUSD, &costEstimated, &r.ContextWindow, &r.NumTurns, &r.ResultSubtype, &r.StopReason,
		&errs, &r.Diagnostic, &thinking, &r.DisplayName, &r.StartedAt, &ended, &r.DurationMs, &r.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("scan run: %w", err)
	}
	r.Status = runs.Status(status)
	r.CostEstimated = costEstimated != 0
	r.ThinkingEnabled = thinking != 0
	if pid.Valid {
		r.PID = int(pid.Int64)
	}
	if ended.Valid {
		r.EndedAt = ended.Time
	}
	if err := json.Unmarshal([]byte(errs), &r.Errors); err != nil {
		return r, fmt.Errorf("decode run errors: %w", err)
	}
	if len(r.Errors) == 0 {
		r.Errors = nil
	}
	return r, nil
}
