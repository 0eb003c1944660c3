package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

// Watch reloads the configuration whenever the config file changes on
// disk. Editors often replace files via rename, so the parent directory
// is watched and events are matched by name.
func (m *Manager) Watch(ctx context.Context, log hclog.Logger) error {
	path := m.Path()
	if path == "" {
		return fmt.Errorf("no config path set")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fs watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go func() {
		defer watcher.Close()
		var lastReload time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				// Debounce bursts of write events from editors.
				if time.Since(lastReload) < 500*time.Millisecond {
					continue
				}
				lastReload = time.Now()
				if err := m.Load(path); err != nil {
					log.Error("config reload failed, keeping previous config", "path", path, "error", err)
				} else {
					log.Info("configuration reloaded", "path", path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
