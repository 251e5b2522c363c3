package persistence

import (
	"context"
	"fmt"
	"time"
)

type ReconciliationEntry struct {
	ID        int64     `json:"id"`
	SkillName string    `json:"skill_name"`
	Scenario  string    `json:"scenario"`
	Mutations int       `json:"mutations"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) RecordReconciliation(ctx context.Context, skill, scenario string, mutations int, detail string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO reconciliation_log (skill_name, scenario, mutations, detail) VALUES (?, ?, ?, ?);
		`, skill, scenario, mutations, detail)
		if err != nil {
			return fmt.Errorf("insert reconciliation log: %w", err)
		}
		return nil
	})
}

// ListReconciliations returns journal entries, newest first.
func (s *Store) ListReconciliations(ctx context.Context, limit int) ([]ReconciliationEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, skill_name, scenario, mutations, detail, created_at
		FROM reconciliation_log ORDER BY id DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list reconciliation log: %w", err)
	}
	defer rows.Close()
	var out []ReconciliationEntry
	for rows.Next() {
		var e ReconciliationEntry
		if err := rows.Scan(&e.ID, &e.SkillName, &e.Scenario, &e.Mutations, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reconciliation log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
