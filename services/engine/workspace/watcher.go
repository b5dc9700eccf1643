// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workspace

import (
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// mutationWatcher flags filesystem events in a mirror workspace so the next
// Apply can fail closed before any hash verification.
//
// # Thread Safety
//
// Dirty and Reset are safe to call from any goroutine; events are consumed
// on a dedicated goroutine.
type mutationWatcher struct {
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	dirty   atomic.Bool
	done    chan struct{}
}

// newMutationWatcher watches every directory under root recursively.
func newMutationWatcher(root string, logger *slog.Logger) (*mutationWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
	if err != nil {
		fsw.Close()
		return nil, err
	}

	w := &mutationWatcher{
		watcher: fsw,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// run consumes watcher events until Close.
func (w *mutationWatcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// Staged apply temp files churn constantly; they never
			// represent an out-of-band edit.
			if strings.HasPrefix(filepath.Base(event.Name), ".autoloop-stage-") {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				// New directories need their own watch to stay recursive.
				w.watcher.Add(event.Name)
			}
			w.dirty.Store(true)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("mutation watcher error", slog.String("error", err.Error()))
		case <-w.done:
			return
		}
	}
}

// Dirty reports whether any event fired since the last Reset.
func (w *mutationWatcher) Dirty() bool {
	return w.dirty.Load()
}

// Reset clears the dirty flag.
func (w *mutationWatcher) Reset() {
	w.dirty.Store(false)
}

// Close stops the watcher.
func (w *mutationWatcher) Close() {
	close(w.done)
	w.watcher.Close()
}

// checkOutOfBandMutation fails closed when the watcher flagged events and
// the tree no longer matches the expected hashes. Events caused by the
// engine's own writes hash clean and just clear the flag.
//
// Callers must hold w.mu.
func (w *Workspace) checkOutOfBandMutation() *ApplyError {
	if w.watcher == nil || !w.watcher.Dirty() {
		return nil
	}

	onDisk, err := hashTree(w.Root)
	if err != nil {
		return &ApplyError{Reason: ApplyIOFailure, Err: err}
	}
	if len(onDisk) != len(w.current) {
		return &ApplyError{Reason: ApplyHashMismatch,
			Detail: "workspace files changed outside the engine"}
	}
	for path, hash := range w.current {
		if onDisk[path] != hash {
			return &ApplyError{Reason: ApplyHashMismatch, Path: path,
				Detail: "workspace file changed outside the engine"}
		}
	}

	w.watcher.Reset()
	return nil
}
