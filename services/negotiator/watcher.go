// Copyright (C) 2025 Problemgate Authors (maintainers@problemgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package negotiator

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the event bursts editors and atomic-rename
// writers produce for a single save.
const reloadDebounce = 250 * time.Millisecond

// ConfigWatcher hot-reloads the rollout policy when the config file
// changes on disk.
//
// Description:
//
//	Watches the file's parent directory (editors often replace the file
//	by rename, which drops a watch on the file itself) and calls
//	Manager.Reload on write/create/rename events for the config path.
//	A failed reload keeps the previous policy active: startup is the
//	only place a bad config is fatal for the process.
//
// Thread Safety: Start should be called once, typically in a goroutine.
type ConfigWatcher struct {
	path    string
	manager *Manager
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// NewConfigWatcher creates a watcher for the config file at path.
func NewConfigWatcher(path string, manager *Manager, logger *slog.Logger) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &ConfigWatcher{
		path:    filepath.Clean(path),
		manager: manager,
		watcher: watcher,
		logger:  logger,
	}, nil
}

// Start begins watching. Blocks until ctx is cancelled or the watcher
// is closed; run it in a goroutine.
func (w *ConfigWatcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	if w.logger != nil {
		w.logger.Info("watching config for changes", "path", w.path)
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			if w.logger != nil {
				w.logger.Warn("config watcher error", "error", err)
			}

		case <-ctx.Done():
			return nil
		}
	}
}

// Stop stops watching and releases resources. Safe to call once Start
// has returned or to unblock it.
func (w *ConfigWatcher) Stop() error {
	return w.watcher.Close()
}

// relevant filters events down to mutations of the watched file.
func (w *ConfigWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

// reload swaps in the new policy, keeping the old one on failure.
func (w *ConfigWatcher) reload() {
	if err := w.manager.Reload(w.path); err != nil {
		if w.logger != nil {
			w.logger.Error("config reload failed, keeping previous policy", "error", err)
		}
		return
	}
	if w.logger != nil {
		w.logger.Info("config reloaded", "path", w.path)
	}
}
