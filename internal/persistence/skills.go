package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

type StepStatus string

const (
	StepPending        StepStatus = "pending"
	StepInProgress     StepStatus = "in_progress"
	StepWaitingForUser StepStatus = "waiting_for_user"
	StepCompleted      StepStatus = "completed"
	StepError          StepStatus = "error"
)

// in_progress -> pending is the stall/cancel path: the step is left retryable.
var allowedTransitions = map[StepStatus]map[StepStatus]struct{}{
	StepPending: {
		StepInProgress: {},
	},
	StepInProgress: {
		StepWaitingForUser: {},
		StepCompleted:      {},
		StepError:          {},
		StepPending:        {},
	},
	StepWaitingForUser: {
		StepInProgress: {},
	},
	StepError: {
		StepPending: {},
	},
}

// CanTransition reports whether a step may move from one status to another.
func CanTransition(from, to StepStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

type Skill struct {
	Name         string       `json:"name"`
	Type         string       `json:"type"`
	CurrentStep  int          `json:"current_step"`
	StepStatuses []StepStatus `json:"step_statuses"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// NewSkill returns a skill with every step pending.
func NewSkill(name, typ string, steps int) Skill {
	statuses := make([]StepStatus, steps)
	for i := range statuses {
		statuses[i] = StepPending
	}
	return Skill{Name: name, Type: typ, StepStatuses: statuses}
}

// Status returns the status of step i, or pending when i is out of range.
func (s Skill) Status(i int) StepStatus {
	if i < 0 || i >= len(s.StepStatuses) {
		return StepPending
	}
	return s.StepStatuses[i]
}

// Clone deep-copies the status slice.
func (s Skill) Clone() Skill {
	s.StepStatuses = slices.Clone(s.StepStatuses)
	return s
}

// Equal compares the persisted progress fields.
func (s Skill) Equal(o Skill) bool {
	return s.Name == o.Name && s.Type == o.Type && s.CurrentStep == o.CurrentStep &&
		slices.Equal(s.StepStatuses, o.StepStatuses)
}

func (s *Store) CreateSkill(ctx context.Context, sk Skill) error {
	statuses, err := json.Marshal(sk.StepStatuses)
	if err != nil {
		return fmt.Errorf("encode step statuses: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO skills (name, type, current_step, step_statuses)
		VALUES (?, ?, ?, ?);
	`, sk.Name, sk.Type, sk.CurrentStep, string(statuses))
	if err != nil {
		return fmt.Errorf("insert skill: %w", err)
	}
	return nil
}

// SaveSkill writes the progress fields of an existing or new skill.
func (s *Store) SaveSkill(ctx context.Context, sk Skill) error {
	statuses, err := json.Marshal(sk.StepStatuses)
	if err != nil {
		return fmt.Errorf("encode step statuses: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO skills (name, type, current_step, step_statuses)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				type = excluded.type,
				current_step = excluded.current_step,
				step_statuses = excluded.step_statuses,
				updated_at = CURRENT_TIMESTAMP;
		`, sk.Name, sk.Type, sk.CurrentStep, string(statuses))
		if err != nil {
			return fmt.Errorf("save skill: %w", err)
		}
		return nil
	})
}

func (s *Store) GetSkill(ctx context.Context, name string) (Skill, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, type, current_step, step_statuses, created_at, updated_at
		FROM skills WHERE name = ?;
	`, name)
	sk, err := scanSkill(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Skill{}, fmt.Errorf("skill %q: %w", name, ErrNotFound)
	}
	return sk, err
}

func (s *Store) ListSkills(ctx context.Context) ([]Skill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, type, current_step, step_statuses, created_at, updated_at
		FROM skills ORDER BY name;
	`)
	if err != nil {
		return nil, fmt.Errorf("list skills: %w", err)
	}
	defer rows.Close()

	var out []Skill
	for rows.Next() {
		sk, err := scanSkill(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate skills: %w", err)
	}
	return out, nil
}

// DeleteSkill removes the skill along with its sessions and runs.
func (s *Store) DeleteSkill(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM skills WHERE name = ?;`, name)
	if err != nil {
		return fmt.Errorf("delete skill: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("skill %q: %w", name, ErrNotFound)
	}
	return nil
}

func scanSkill(scanFn func(dest ...any) error) (Skill, error) {
	var sk Skill
	var statuses string
	if err := scanFn(&sk.Name, &sk.Type, &sk.CurrentStep, &statuses, &sk.CreatedAt, &sk.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sk, err
		}
		return sk, fmt.Errorf("scan skill: %w", err)
	}
	if err := json.Unmarshal([]byte(statuses), &sk.StepStatuses); err != nil {
		return sk, fmt.Errorf("decode step statuses for %q: %w", sk.Name, err)
	}
	return sk, nil
}
