package persistence_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/skillforge/internal/bus"
	"github.com/basket/skillforge/internal/persistence"
	"github.com/basket/skillforge/internal/runs"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "skillforge.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func mustCreateSkill(t *testing.T, store *persistence.Store, name string) persistence.Skill {
	t.Helper()
	sk := persistence.NewSkill(name, "domain", 6)
	if err := store.CreateSkill(context.Background(), sk); err != nil {
		t.Fatalf("create skill: %v", err)
	}
	return sk
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	for _, table := range []string{"schema_migrations", "skills", "workflow_sessions", "agent_runs", "run_context_snapshots", "run_compactions", "reconciliation_log"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_ReopenIsIdempotentAndRejectsChecksumDrift(t *testing.T) {
	store, dbPath := openTestStore(t)
	version, checksum, err := store.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if version != 2 || checksum == "" {
		t.Fatalf("unexpected ledger: %d %q", version, checksum)
	}
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = 1`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_ = store.Close()

	if _, err := persistence.Open(dbPath, nil); err == nil {
		t.Fatalf("expected checksum mismatch on reopen")
	}
}

func TestStore_SkillRoundTripAndDelete(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	sk := mustCreateSkill(t, store, "alpha")

	sk.CurrentStep = 2
	sk.StepStatuses[0] = persistence.StepCompleted
	sk.StepStatuses[1] = persistence.StepCompleted
	sk.StepStatuses[2] = persistence.StepInProgress
	if err := store.SaveSkill(ctx, sk); err != nil {
		t.Fatalf("save skill: %v", err)
	}
	got, err := store.GetSkill(ctx, "alpha")
	if err != nil {
		t.Fatalf("get skill: %v", err)
	}
	if !got.Equal(sk) {
		t.Fatalf("skill mismatch:\n got %+v\nwant %+v", got, sk)
	}

	if err := store.CreateSkill(ctx, sk); err == nil {
		t.Fatalf("expected duplicate skill insert to fail")
	}
	if err := store.DeleteSkill(ctx, "alpha"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetSkill(ctx, "alpha"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_OneActiveSessionPerSkill(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	mustCreateSkill(t, store, "alpha")

	first := persistence.Session{ID: "sess-1", SkillName: "alpha", PID: 4242}
	if err := store.CreateSession(ctx, first); err != nil {
		t.Fatalf("create session: %v", err)
	}
	err := store.CreateSession(ctx, persistence.Session{ID: "sess-2", SkillName: "alpha"})
	if !errors.Is(err, persistence.ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
	active, err := store.ActiveSession(ctx, "alpha")
	if err != nil {
		t.Fatalf("active session: %v", err)
	}
	if active.ID != "sess-1" || active.PID != 4242 || active.Status != persistence.SessionRunning {
		t.Fatalf("existing session mutated: %+v", active)
	}

	ended, err := store.EndSession(ctx, "sess-1", persistence.SessionCompleted)
	if err != nil || !ended {
		t.Fatalf("end session: ended=%v err=%v", ended, err)
	}
	ended, err = store.EndSession(ctx, "sess-1", persistence.SessionCrashed)
	if err != nil || ended {
		t.Fatalf("ending a finished session must be a no-op: ended=%v err=%v", ended, err)
	}
	got, _ := store.GetSession(ctx, "sess-1")
	if got.Status != persistence.SessionCompleted || got.EndedAt.IsZero() || got.PID != 0 {
		t.Fatalf("unexpected ended session: %+v", got)
	}
	if err := store.CreateSession(ctx, persistence.Session{ID: "sess-2", SkillName: "alpha"}); err != nil {
		t.Fatalf("new session after end: %v", err)
	}
}

func TestStore_SessionEventsPublished(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicSessionChanged)
	defer b.Unsubscribe(sub)
	store, err := persistence.Open(filepath.Join(t.TempDir(), "sf.db"), b)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	mustCreateSkill(t, store, "alpha")
	if err := store.CreateSession(ctx, persistence.Session{ID: "s1", SkillName: "alpha"}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	select {
	case ev := <-sub.Ch():
		payload := ev.Payload.(bus.SessionChangedEvent)
		if payload.SessionID != "s1" || payload.Status != "running" {
			t.Fatalf("unexpected payload %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("no session event")
	}
}

func newRun(id string) runs.Run {
	r := runs.NewRun(id, "sess-1", "alpha", 0, "research", "sonnet", time.Now().Add(-time.Minute))
	r.Usage = runs.Usage{Input: 10, Output: 20, CacheRead: 30, CacheCreation: 40}
	r.Context = []runs.ContextSnapshot{{Turn: 1, InputTokens: 80, OutputTokens: 20}}
	r.Compactions = []runs.Compaction{{Turn: 1, PreTokens: 1000}}
	r.Version = 1
	return r
}

func TestStore_SaveRunRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	mustCreateSkill(t, store, "alpha")
	if err := store.CreateSession(ctx, persistence.Session{ID: "sess-1", SkillName: "alpha"}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	r := newRun("run-1")
	if err := store.SaveRun(ctx, r, runs.HistoryMark{}); err != nil {
		t.Fatalf("save run: %v", err)
	}
	r.Context = append(r.Context, runs.ContextSnapshot{Turn: 2, InputTokens: 120})
	r.Status = runs.StatusCompleted
	r.ResultSubtype = "success"
	r.Errors = []string{"warning"}
	r.EndedAt = time.Now()
	r.Version = 2
	if err := store.SaveRun(ctx, r, runs.HistoryMark{}); err != nil {
		t.Fatalf("save run v2: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != runs.StatusCompleted || got.Usage != r.Usage || len(got.Context) != 2 || len(got.Compactions) != 1 {
		t.Fatalf("unexpected run: %+v", got)
	}
	if len(got.Errors) != 1 || got.EndedAt.IsZero() {
		t.Fatalf("terminal fields lost: %+v", got)
	}

	listed, err := store.ListRuns(ctx, "sess-1")
	if err != nil || len(listed) != 1 {
		t.Fatalf("list runs: %v %d", err, len(listed))
	}
}

func TestStore_SaveRunAppendsOnlyPastMark(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	mustCreateSkill(t, store, "alpha")
	_ = store.CreateSession(ctx, persistence.Session{ID: "sess-1", SkillName: "alpha"})

	r := newRun("run-1")
	if err := store.SaveRun(ctx, r, runs.HistoryMark{}); err != nil {
		t.Fatalf("save: %v", err)
	}
	mark := r.Mark()

	// Stored entries are immutable; the edit below the mark stays in memory.
	r.Context[0].InputTokens = 9999
	r.Context = append(r.Context, runs.ContextSnapshot{Turn: 2, InputTokens: 150}, runs.ContextSnapshot{Turn: 3, InputTokens: 180})
	r.Compactions = append(r.Compactions, runs.Compaction{Turn: 3, PreTokens: 2000})
	r.Version = 2
	if err := store.SaveRun(ctx, r, mark); err != nil {
		t.Fatalf("save past mark: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if len(got.Context) != 3 || len(got.Compactions) != 2 {
		t.Fatalf("history = %d context, %d compactions; want 3 and 2", len(got.Context), len(got.Compactions))
	}
	if got.Context[0].InputTokens != 80 {
		t.Fatalf("entry below the mark was rewritten: %+v", got.Context[0])
	}
	if got.Context[2].Turn != 3 || got.Compactions[1].PreTokens != 2000 {
		t.Fatalf("new entries not stored: %+v %+v", got.Context, got.Compactions)
	}

	// A mark past the end falls back to the full history.
	if err := store.SaveRun(ctx, r, runs.HistoryMark{Context: 10, Compactions: 10}); err != nil {
		t.Fatalf("save with stale mark: %v", err)
	}
	if again, _ := store.GetRun(ctx, "run-1"); len(again.Context) != 3 || len(again.Compactions) != 2 {
		t.Fatalf("stale mark duplicated history: %+v", again)
	}
}

func TestStore_SaveRunNeverLeavesTerminalStatus(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	mustCreateSkill(t, store, "alpha")
	_ = store.CreateSession(ctx, persistence.Session{ID: "sess-1", SkillName: "alpha"})

	r := newRun("run-1")
	r.Status = runs.StatusShutdown
	r.Version = 3
	if err := store.SaveRun(ctx, r, runs.HistoryMark{}); err != nil {
		t.Fatalf("save: %v", err)
	}

	stale := newRun("run-1")
	stale.Status = runs.StatusRunning
	stale.Version = 4
	if err := store.SaveRun(ctx, stale, runs.HistoryMark{}); err != nil {
		t.Fatalf("save stale: %v", err)
	}
	older := newRun("run-1")
	older.Status = runs.StatusShutdown
	older.NumTurns = 99
	older.Version = 1
	if err := store.SaveRun(ctx, older, runs.HistoryMark{}); err != nil {
		t.Fatalf("save older: %v", err)
	}

	got, _ := store.GetRun(ctx, "run-1")
	if got.Status != runs.StatusShutdown || got.NumTurns == 99 {
		t.Fatalf("terminal run overwritten: %+v", got)
	}
}

func TestStore_InterruptRuns(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	mustCreateSkill(t, store, "alpha")
	_ = store.CreateSession(ctx, persistence.Session{ID: "sess-1", SkillName: "alpha"})
	if err := store.SaveRun(ctx, newRun("run-1"), runs.HistoryMark{}); err != nil {
		t.Fatalf("save: %v", err)
	}

	n, err := store.InterruptRuns(ctx, "sess-1")
	if err != nil || n != 1 {
		t.Fatalf("interrupt: n=%d err=%v", n, err)
	}
	got, _ := store.GetRun(ctx, "run-1")
	if got.Status != runs.StatusError || got.ResultSubtype != runs.SubtypeErrorDuringExecution {
		t.Fatalf("unexpected run after interrupt: %+v", got)
	}
	if got.Usage.Output != 20 || len(got.Context) != 1 {
		t.Fatalf("telemetry lost on interrupt: %+v", got)
	}
	if n, _ := store.InterruptRuns(ctx, "sess-1"); n != 0 {
		t.Fatalf("second interrupt should touch nothing, got %d", n)
	}
}

func TestStore_DeleteSkillCascades(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	mustCreateSkill(t, store, "alpha")
	_ = store.CreateSession(ctx, persistence.Session{ID: "sess-1", SkillName: "alpha"})
	_ = store.SaveRun(ctx, newRun("run-1"), runs.HistoryMark{})

	if err := store.DeleteSkill(ctx, "alpha"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetRun(ctx, "run-1"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected run removed, got %v", err)
	}
}

func TestStore_ReconciliationLogAndBackup(t *testing.T) {
	store, dbPath := openTestStore(t)
	ctx := context.Background()
	if err := store.RecordReconciliation(ctx, "alpha", "disk-ahead-of-db", 3, "advanced to step 4"); err != nil {
		t.Fatalf("record: %v", err)
	}
	entries, err := store.ListReconciliations(ctx, 10)
	if err != nil || len(entries) != 1 || entries[0].Mutations != 3 {
		t.Fatalf("list: %v %+v", err, entries)
	}

	dest := filepath.Join(filepath.Dir(dbPath), "backup.db")
	if err := store.Backup(ctx, dest); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if err := store.Backup(ctx, dest); err == nil {
		t.Fatalf("expected backup to refuse existing destination")
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to persistence.StepStatus
		want     bool
	}{
		{persistence.StepPending, persistence.StepInProgress, true},
		{persistence.StepInProgress, persistence.StepWaitingForUser, true},
		{persistence.StepWaitingForUser, persistence.StepInProgress, true},
		{persistence.StepError, persistence.StepPending, true},
		{persistence.StepPending, persistence.StepCompleted, false},
		{persistence.StepCompleted, persistence.StepInProgress, false},
		{persistence.StepWaitingForUser, persistence.StepCompleted, false},
	}
	for _, tc := range cases {
		if got := persistence.CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
