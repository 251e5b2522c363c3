// Package audit keeps the append-only reconciliation journal: one JSON line
// per corrected skill in <home>/logs/reconcile.jsonl, mirrored into the
// store's reconciliation_log table when a recorder is configured.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/skillforge/internal/shared"
)

// Recorder persists journal entries. *persistence.Store satisfies it.
type Recorder interface {
	RecordReconciliation(ctx context.Context, skill, scenario string, mutations int, detail string) error
}

type entry struct {
	Timestamp string `json:"timestamp"`
	Skill     string `json:"skill"`
	Scenario  string `json:"scenario"`
	Mutations int    `json:"mutations"`
	Detail    string `json:"detail,omitempty"`
}

const fileName = "reconcile.jsonl"

var (
	mu       sync.Mutex
	file     *os.File
	recorder Recorder
	count    atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, fileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetRecorder configures the table mirror. Passing nil disables it.
func SetRecorder(r Recorder) {
	mu.Lock()
	defer mu.Unlock()
	recorder = r
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	recorder = nil
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// Count returns the number of entries recorded since startup.
func Count() int64 {
	return count.Load()
}

// Record journals one reconciliation correction. Failures are returned but
// never undo the correction itself.
func Record(ctx context.Context, skill, scenario string, mutations int, detail string) error {
	count.Add(1)
	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()

	var firstErr error
	if file != nil {
		b, err := json.Marshal(entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Skill:     skill,
			Scenario:  scenario,
			Mutations: mutations,
			Detail:    detail,
		})
		if err == nil {
			_, err = file.Write(append(b, '\n'))
		}
		firstErr = err
	}
	if recorder != nil {
		if err := recorder.RecordReconciliation(ctx, skill, scenario, mutations, detail); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
