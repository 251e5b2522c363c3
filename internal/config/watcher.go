package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports edits to config.yaml and, when set, the pipeline file.
type Watcher struct {
	files  []string
	logger *slog.Logger
	events chan ReloadEvent
}

func NewWatcher(cfg Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	files := []string{ConfigPath(cfg.HomeDir)}
	if cfg.PipelineFile != "" {
		files = append(files, cfg.PipelineFile)
	}
	return &Watcher{
		files:  files,
		logger: logger.With("component", "config_watcher"),
		events: make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch parent directories so editors that replace files by rename are seen.
	watched := make(map[string]bool)
	for _, file := range w.files {
		dir := filepath.Dir(file)
		if watched[dir] {
			continue
		}
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn("watch directory failed", "dir", dir, "error", err)
			continue
		}
		watched[dir] = true
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if !w.interesting(ev.Name) {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) interesting(name string) bool {
	clean := filepath.Clean(name)
	for _, f := range w.files {
		if filepath.Clean(f) == clean {
			return true
		}
	}
	return false
}
