package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/skillforge/internal/persistence"
	"github.com/basket/skillforge/internal/runs"
	"github.com/basket/skillforge/internal/shared"
)

const skillCount = 20

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "skillforge-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "skillforge.db")
	backupPath := filepath.Join(baseDir, "backup.db")
	restorePath := filepath.Join(baseDir, "restore.db")

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	for i := 0; i < skillCount; i++ {
		name := fmt.Sprintf("drill-%02d", i)
		sk := persistence.NewSkill(name, "drill", 3)
		sk.StepStatuses[0] = persistence.StepCompleted
		if err := store.CreateSkill(ctx, sk); err != nil {
			fmt.Printf("create_skill_error=%v\n", err)
			os.Exit(1)
		}
		sess := persistence.Session{ID: shared.NewSessionID(), SkillName: name, StartedAt: time.Now().UTC()}
		if err := store.CreateSession(ctx, sess); err != nil {
			fmt.Printf("create_session_error=%v\n", err)
			os.Exit(1)
		}
		r := runs.NewRun(shared.NewRunID(), sess.ID, name, 0, "research", "sonnet", time.Now().UTC())
		r.Status = runs.StatusCompleted
		r.ResultSubtype = runs.SubtypeSuccess
		r.NumTurns = 3
		r.TotalCostUSD = 0.01
		r.Context = []runs.ContextSnapshot{{Turn: 1, InputTokens: 1200, OutputTokens: 300}}
		r.EndedAt = time.Now().UTC()
		if err := store.SaveRun(ctx, r, runs.HistoryMark{}); err != nil {
			fmt.Printf("save_run_error=%v\n", err)
			os.Exit(1)
		}
		if _, err := store.EndSession(ctx, sess.ID, persistence.SessionCompleted); err != nil {
			fmt.Printf("end_session_error=%v\n", err)
			os.Exit(1)
		}
	}

	backupStart := time.Now().UTC()
	if err := store.Backup(ctx, backupPath); err != nil {
		fmt.Printf("backup_error=%v\n", err)
		os.Exit(1)
	}
	backupEnd := time.Now().UTC()

	backupBytes, err := os.ReadFile(backupPath)
	if err != nil {
		fmt.Printf("read_backup_error=%v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(restorePath, backupBytes, 0o644); err != nil {
		fmt.Printf("write_restore_error=%v\n", err)
		os.Exit(1)
	}
	restoreStart := time.Now().UTC()
	restoreStore, err := persistence.Open(restorePath, nil)
	if err != nil {
		fmt.Printf("open_restore_error=%v\n", err)
		os.Exit(1)
	}
	defer restoreStore.Close()
	restoreEnd := time.Now().UTC()

	var skills, runCount, snapshots int
	for table, dest := range map[string]*int{
		"skills":                &skills,
		"agent_runs":            &runCount,
		"run_context_snapshots": &snapshots,
	} {
		if err := restoreStore.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM `+table).Scan(dest); err != nil {
			fmt.Printf("count_%s_error=%v\n", table, err)
			os.Exit(1)
		}
	}
	version, _, err := restoreStore.SchemaVersion(ctx)
	if err != nil {
		fmt.Printf("schema_version_error=%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", restoreStart.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("schema_version=%d\n", version)
	fmt.Printf("restored_skills=%d\n", skills)
	fmt.Printf("restored_runs=%d\n", runCount)
	fmt.Printf("restored_context_snapshots=%d\n", snapshots)

	if skills != skillCount || runCount != skillCount || snapshots == 0 {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
