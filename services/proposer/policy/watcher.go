// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadWatcher hot-reloads a rules file into an Engine when it changes.
//
// # Description
//
// Watches the file's parent directory (editors and config management tools
// replace files by rename, which breaks a direct file watch) and reloads
// after a short debounce. A rewrite that fails to parse or compile keeps
// the previous rule set active and logs the error: a bad edit degrades to
// stale policy, never to no policy.
//
// # Thread Safety
//
// Safe for concurrent use with engine evaluations; reloads go through
// Engine.Replace.
type ReloadWatcher struct {
	path     string
	engine   *Engine
	watcher  *fsnotify.Watcher
	debounce time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

// DefaultReloadDebounce batches the multiple events one file rewrite
// produces into a single reload.
const DefaultReloadDebounce = 250 * time.Millisecond

// NewReloadWatcher creates a watcher for the rules file feeding the engine.
//
// The initial rule set is the caller's responsibility (LoadFile +
// NewEngine); the watcher only handles subsequent changes. Call Start to
// begin watching and Stop to release the inotify handle.
func NewReloadWatcher(path string, engine *Engine) (*ReloadWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &ReloadWatcher{
		path:     path,
		engine:   engine,
		watcher:  watcher,
		debounce: DefaultReloadDebounce,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. The reload loop exits when ctx is canceled or
// Stop is called.
func (w *ReloadWatcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.loop(ctx)
	slog.Info("policy rules file watched for changes", "path", w.path)
	return nil
}

// Stop stops watching and releases the underlying watcher.
func (w *ReloadWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
}

// loop debounces change events and triggers reloads.
func (w *ReloadWatcher) loop(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("policy file watcher error", "error", err)
		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		}
	}
}

// reload loads the rules file and swaps it in, keeping the active set on
// any failure.
func (w *ReloadWatcher) reload() {
	rules, err := LoadFile(w.path)
	if err != nil {
		slog.Error("policy reload failed, keeping active rule set",
			"path", w.path,
			"error", err,
		)
		return
	}
	w.engine.Replace(rules)
	slog.Info("policy rules reloaded", "path", w.path, "rules", len(rules))
}
