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
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce is how long the watcher waits after the last change
// before reloading.
const DefaultReloadDebounce = 500 * time.Millisecond

// Watcher reloads a Store when its policy file is edited externally.
//
// Description:
//
//	The parent directory is watched rather than the file itself because
//	atomic writers (including FileBackend) replace the file by rename,
//	which drops a watch placed on the old inode. Events for other files in
//	the directory are ignored. Bursts of events are coalesced by a debounce
//	timer.
//
// Thread Safety: Run must be called once. OnReload may be called before Run.
type Watcher struct {
	store    *Store
	path     string
	debounce time.Duration
	logger   *slog.Logger
	watcher  *fsnotify.Watcher

	mu       sync.Mutex
	onReload func(error)
}

// NewWatcher creates a watcher for the policy file at path.
//
// Inputs:
//   - store: The store to reload. Must not be nil.
//   - path: The policy file path (usually FileBackend.Path()).
//   - debounce: Quiet period before reloading. Zero uses DefaultReloadDebounce.
//
// Outputs:
//   - *Watcher: The watcher, not yet running.
//   - error: Non-nil if the fsnotify watcher cannot be created.
func NewWatcher(store *Store, path string, debounce time.Duration) (*Watcher, error) {
	if store == nil {
		return nil, fmt.Errorf("policy watcher: store must not be nil")
	}
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("policy watcher: creating file watcher: %w", err)
	}
	path = filepath.Clean(path)
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("policy watcher: watching %q: %w", filepath.Dir(path), err)
	}
	return &Watcher{
		store:    store,
		path:     path,
		debounce: debounce,
		logger:   store.logger.With("subcomponent", "watcher"),
		watcher:  fw,
	}, nil
}

// OnReload registers a callback invoked after every reload attempt with the
// reload error (nil on success).
func (w *Watcher) OnReload(fn func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = fn
}

// Run watches for changes until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() { w.reload(ctx) })

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("policy file watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	err := w.store.Reload(ctx)
	if err != nil {
		w.logger.Error("policy hot-reload failed", slog.String("path", w.path), slog.String("error", err.Error()))
	}
	w.mu.Lock()
	fn := w.onReload
	w.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
