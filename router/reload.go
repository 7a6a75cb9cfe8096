// Copyright 2024 The llmrouter Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package router

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ConfigWatcher re-reads the config file and hot-swaps the fleet. The
// mtime poll on every reload tick is the guarantee; an fsnotify watch
// on the config directory shortens the reaction time when the
// platform delivers events.
type ConfigWatcher struct {
	path   string
	fleet  *Fleet
	logger *zap.Logger

	lastMtime time.Time
}

// NewConfigWatcher watches path for changes to apply to fleet.
func NewConfigWatcher(path string, fleet *Fleet, logger *zap.Logger) *ConfigWatcher {
	w := &ConfigWatcher{path: path, fleet: fleet, logger: logger}
	if fi, err := os.Stat(path); err == nil {
		w.lastMtime = fi.ModTime()
	}
	return w
}

// Run watches until ctx is cancelled. A parse or validation error
// keeps the previous snapshot; the watcher itself never dies.
func (w *ConfigWatcher) Run(ctx context.Context) error {
	var events chan fsnotify.Event
	var watchErrs chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("config file watch unavailable, polling only", zap.Error(err))
	} else {
		defer watcher.Close()
		// watch the directory: editors and config management tools
		// typically replace the file rather than write in place
		if err := watcher.Add(filepath.Dir(w.path)); err != nil {
			w.logger.Warn("config file watch unavailable, polling only", zap.Error(err))
		} else {
			events = watcher.Events
			watchErrs = watcher.Errors
		}
	}

	for {
		interval := w.fleet.Current().Tuning.ConfigReloadInterval
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.maybeReload()
		case err := <-watchErrs:
			w.logger.Warn("config file watch error", zap.Error(err))
		case <-time.After(interval):
			w.maybeReload()
		}
	}
}

// maybeReload applies the config file if its mtime moved since the
// last reload attempt. A file that fails to parse is not retried
// until its mtime moves again.
func (w *ConfigWatcher) maybeReload() {
	fi, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("config file stat failed, keeping current fleet",
			zap.String("path", w.path), zap.Error(err))
		return
	}
	if !fi.ModTime().After(w.lastMtime) {
		return
	}
	w.Reload()
	w.lastMtime = fi.ModTime()
}

// Reload unconditionally parses and applies the config file. On
// error the previous snapshot is retained, no partial apply.
func (w *ConfigWatcher) Reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping current fleet", zap.Error(err))
		return
	}
	w.fleet.Apply(cfg, w.logger)
	w.logger.Info("config reloaded",
		zap.String("path", w.path),
		zap.Int("servers", len(cfg.Servers)))
}
