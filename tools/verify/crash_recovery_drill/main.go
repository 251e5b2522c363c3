// Command crash_recovery_drill exercises startup reconciliation against a
// process killed mid-step. Drive it from a shell:
//
//	crash_recovery_drill -mode prepare -home $H
//	crash_recovery_drill -mode crash-step -home $H &  sleep 1; kill -9 $!
//	crash_recovery_drill -mode recover -home $H
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/skillforge/internal/audit"
	"github.com/basket/skillforge/internal/persistence"
	"github.com/basket/skillforge/internal/pipeline"
	"github.com/basket/skillforge/internal/reconcile"
	"github.com/basket/skillforge/internal/shared"
)

const skillName = "crash-drill"

// generateStep is the built-in pipeline's preserved output step.
const generateStep = 4

func main() {
	mode := flag.String("mode", "", "prepare|crash-step|recover")
	home := flag.String("home", "", "drill home directory")
	flag.Parse()

	if *mode == "" || *home == "" {
		fmt.Fprintln(os.Stderr, "mode and home are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(filepath.Join(*home, "skillforge.db"), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	p := pipeline.Default()
	ws := pipeline.Workspace{Root: filepath.Join(*home, "workspace")}
	dir := ws.Dir(skillName)

	switch *mode {
	case "prepare":
		if err := ws.WriteMarker(pipeline.SkillMarker{Name: skillName, Type: "drill", CreatedAt: time.Now().UTC()}); err != nil {
			fmt.Fprintf(os.Stderr, "write marker: %v\n", err)
			os.Exit(1)
		}
		sk := persistence.NewSkill(skillName, "drill", p.Len())
		for i := 0; i < generateStep; i++ {
			sk.StepStatuses[i] = persistence.StepCompleted
			if err := writeEvidence(dir, p.Steps[i]); err != nil {
				fmt.Fprintf(os.Stderr, "write evidence: %v\n", err)
				os.Exit(1)
			}
		}
		sk.CurrentStep = generateStep - 1
		if err := store.CreateSkill(ctx, sk); err != nil {
			fmt.Fprintf(os.Stderr, "create skill: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_SKILL=%s\n", skillName)
	case "crash-step":
		sess := persistence.Session{ID: shared.NewSessionID(), SkillName: skillName, StartedAt: time.Now().UTC(), PID: os.Getpid()}
		if err := store.CreateSession(ctx, sess); err != nil {
			fmt.Fprintf(os.Stderr, "create session: %v\n", err)
			os.Exit(1)
		}
		sk, err := store.GetSkill(ctx, skillName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "get skill: %v\n", err)
			os.Exit(1)
		}
		sk.StepStatuses[generateStep] = persistence.StepInProgress
		sk.CurrentStep = generateStep
		if err := store.SaveSkill(ctx, sk); err != nil {
			fmt.Fprintf(os.Stderr, "save skill: %v\n", err)
			os.Exit(1)
		}
		// Half of the step's output: SKILL.md without references/.
		if err := os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte("# partial\n"), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "write partial: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("SESSION_ID=%s\n", sess.ID)
		fmt.Printf("PID=%d\n", os.Getpid())
		for {
			time.Sleep(1 * time.Second)
		}
	case "recover":
		if err := audit.Init(*home); err != nil {
			fmt.Fprintf(os.Stderr, "audit init: %v\n", err)
			os.Exit(1)
		}
		defer audit.Close()
		audit.SetRecorder(store)

		engine, err := reconcile.New(reconcile.Config{Store: store, Pipeline: p, Workspace: ws})
		if err != nil {
			fmt.Fprintf(os.Stderr, "reconcile: %v\n", err)
			os.Exit(1)
		}
		first, err := engine.Run(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "first pass: %v\n", err)
			os.Exit(1)
		}
		second, err := engine.Run(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "second pass: %v\n", err)
			os.Exit(1)
		}
		sk, err := store.GetSkill(ctx, skillName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "get skill: %v\n", err)
			os.Exit(1)
		}
		res, _ := first.Scenario(skillName)
		_, statErr := os.Stat(filepath.Join(dir, "SKILL.md"))

		fmt.Printf("RECLAIMED=%d\n", len(first.Reclaimed))
		fmt.Printf("SCENARIO=%s\n", res.Scenario)
		fmt.Printf("DETAIL=%q\n", res.Detail)
		fmt.Printf("CURRENT_STEP=%d\n", sk.CurrentStep)
		fmt.Printf("STEP_STATUS=%s\n", sk.Status(generateStep))
		fmt.Printf("PRESERVED_OUTPUT=%t\n", statErr == nil)
		fmt.Printf("SECOND_PASS_MUTATIONS=%d\n", second.Mutations)

		switch {
		case len(first.Reclaimed) != 1:
			fmt.Println("VERDICT FAIL: crashed session not reclaimed")
		case res.Scenario != reconcile.NameDBAhead:
			fmt.Println("VERDICT FAIL: expected db-ahead-of-disk")
		case sk.CurrentStep != generateStep-1 || sk.Status(generateStep) != persistence.StepPending:
			fmt.Println("VERDICT FAIL: step not rolled back")
		case statErr != nil:
			fmt.Println("VERDICT FAIL: preserved output removed")
		case second.Mutations != 0:
			fmt.Println("VERDICT FAIL: second pass not idempotent")
		default:
			fmt.Println("VERDICT PASS")
			return
		}
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}

// writeEvidence creates every marker of s.
func writeEvidence(dir string, s pipeline.Step) error {
	for _, m := range s.Markers {
		path := filepath.Join(dir, m)
		if m[len(m)-1] == '/' {
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(path, "index.md"), []byte("drill\n"), 0o644); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte("drill\n"), 0o644); err != nil {
			return err
		}
	}
	return nil
}
