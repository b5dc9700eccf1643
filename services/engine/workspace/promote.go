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
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// Promote copies the workspace's final state back into the project root.
//
// # Description
//
// Only files that actually diverged from the Begin-time manifest are
// written. Before writing anything, every target in the project root is
// verified against the manifest: a file that drifted since Begin fails the
// whole promote with TargetConflict and the project stays untouched.
// Promote succeeds at most once per workspace; the workspace is frozen
// afterwards. Promotes into one project root are serialized across
// workspaces.
//
// # Outputs
//
//   - error: *PromoteError with AlreadyPromoted, TargetConflict, or
//     IOFailure.
func (m *Manager) Promote(ctx context.Context, ws *Workspace) error {
	lock := m.promoteLock(ws.ProjectRoot)
	lock.Lock()
	defer lock.Unlock()

	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.promoted {
		return &PromoteError{Reason: PromoteAlreadyPromoted}
	}
	select {
	case <-ctx.Done():
		return &PromoteError{Reason: PromoteIOFailure, Err: ctx.Err()}
	default:
	}

	changed, deleted := ws.divergence()

	// Verify every target before the first write.
	for _, relPath := range append(append([]string{}, changed...), deleted...) {
		target := filepath.Join(ws.ProjectRoot, filepath.FromSlash(relPath))
		beginHash, existedAtBegin := ws.manifest[relPath]

		data, err := os.ReadFile(target)
		switch {
		case os.IsNotExist(err):
			if existedAtBegin {
				return &PromoteError{Reason: PromoteTargetConflict, Path: relPath}
			}
		case err != nil:
			return &PromoteError{Reason: PromoteIOFailure, Path: relPath, Err: err}
		default:
			if !existedAtBegin || hashBytes(data) != beginHash {
				return &PromoteError{Reason: PromoteTargetConflict, Path: relPath}
			}
		}
	}

	for _, relPath := range changed {
		source := ws.resolve(relPath)
		target := filepath.Join(ws.ProjectRoot, filepath.FromSlash(relPath))

		data, err := os.ReadFile(source)
		if err != nil {
			return &PromoteError{Reason: PromoteIOFailure, Path: relPath, Err: err}
		}
		info, err := os.Stat(source)
		if err != nil {
			return &PromoteError{Reason: PromoteIOFailure, Path: relPath, Err: err}
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return &PromoteError{Reason: PromoteIOFailure, Path: relPath, Err: err}
		}
		if err := os.WriteFile(target, data, info.Mode().Perm()); err != nil {
			return &PromoteError{Reason: PromoteIOFailure, Path: relPath, Err: err}
		}
	}
	for _, relPath := range deleted {
		target := filepath.Join(ws.ProjectRoot, filepath.FromSlash(relPath))
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			return &PromoteError{Reason: PromoteIOFailure, Path: relPath, Err: err}
		}
	}

	ws.promoted = true
	m.logger.Info("workspace promoted",
		slog.String("task_id", ws.TaskID),
		slog.Int("files_written", len(changed)),
		slog.Int("files_deleted", len(deleted)),
	)
	recordPromoteMetric(len(changed) + len(deleted))
	return nil
}

// divergence lists the paths whose live hash differs from the Begin-time
// manifest. Callers must hold ws.mu.
func (ws *Workspace) divergence() (changed, deleted []string) {
	for path, hash := range ws.current {
		if beginHash, ok := ws.manifest[path]; !ok || beginHash != hash {
			changed = append(changed, path)
		}
	}
	for path := range ws.manifest {
		if _, ok := ws.current[path]; !ok {
			deleted = append(deleted, path)
		}
	}
	sort.Strings(changed)
	sort.Strings(deleted)
	return changed, deleted
}
