package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Time to wait for a burst of write events to settle before reloading
const reloadDelay = 100 * time.Millisecond

// Watcher reloads the config when the config file or the .env file changes
// on disk and hands each valid result to onChange. Invalid edits are logged
// and skipped.
type Watcher struct {
	path     string
	envFile  string
	files    map[string]bool
	onChange func(*Config)
	watcher  *fsnotify.Watcher
}

func NewWatcher(path, envFile string, onChange func(*Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	envName := envFile
	if envName == "" {
		envName = DefaultEnvFile
	}
	envAbs, err := filepath.Abs(envName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve env file path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Editors often replace the file, so watch the directories
	dirs := map[string]bool{filepath.Dir(abs): true, filepath.Dir(envAbs): true}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("failed to watch config directory %s: %w", dir, err)
		}
	}

	return &Watcher{
		path:     abs,
		envFile:  envFile,
		files:    map[string]bool{abs: true, envAbs: true},
		onChange: onChange,
		watcher:  fw,
	}, nil
}

// Run blocks until ctx is cancelled or the watcher fails.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	slog.Info("Watching config file", "path", w.path)

	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			reload = time.After(reloadDelay)

		case <-reload:
			reload = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("File watcher error", "error", err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !w.files[filepath.Clean(event.Name)] {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path, w.envFile)
	if err != nil {
		slog.Error("Failed to reload config", "path", w.path, "error", err)
		return
	}
	slog.Info("Config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
