package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/skillforge/internal/config"
)

func TestWatcher_DetectsPipelineFileChange(t *testing.T) {
	homeDir := t.TempDir()
	pipelinePath := filepath.Join(homeDir, "pipeline.yaml")
	if err := os.WriteFile(pipelinePath, []byte("steps: []\n"), 0o644); err != nil {
		t.Fatalf("write pipeline: %v", err)
	}

	w := config.NewWatcher(config.Config{HomeDir: homeDir, PipelineFile: pipelinePath}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(pipelinePath, []byte("steps: [x]\n"), 0o644); err != nil {
		t.Fatalf("write pipeline: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "pipeline.yaml" {
				t.Fatalf("expected pipeline.yaml event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(pipelinePath, []byte("steps: [x]\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for pipeline change event")
		}
	}
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	homeDir := t.TempDir()
	w := config.NewWatcher(config.Config{HomeDir: homeDir}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	if err := os.WriteFile(filepath.Join(homeDir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for %s", ev.Path)
	case <-time.After(300 * time.Millisecond):
	}
}
