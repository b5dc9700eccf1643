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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/autoloop/services/engine/budget"
	"github.com/AleutianAI/autoloop/services/engine/changeset"
)

// renameFile is swapped out by tests to inject failures mid-swap.
var renameFile = os.Rename

// stagedWrite is one planned file mutation, computed before anything is
// written.
type stagedWrite struct {
	relPath string
	absPath string
	content []byte
	mode    os.FileMode
	delete  bool
}

// Apply lands a whole ChangeSet atomically.
//
// # Description
//
// Every patch is verified and its post-apply content computed in memory
// first. Only when the entire ChangeSet validates does Apply stage the new
// contents to temporary files and swap them into place, so a failing patch
// leaves no file modified. The pre-apply state of every touched file is
// recorded against the returned ChangeSetId for Revert.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - cs: The changeset to apply.
//   - env: The task's scope envelope; patches outside it are rejected with
//     ApplyOutOfScope. Nil skips scope enforcement (a granted waiver).
//
// # Outputs
//
//   - string: The ChangeSetId recorded in the reverse log.
//   - error: *ApplyError on validation or IO failure.
func (w *Workspace) Apply(ctx context.Context, cs *changeset.ChangeSet, env *budget.ScopeEnvelope) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.promoted {
		return "", ErrPromoted
	}
	if w.released {
		return "", ErrUnknownTask
	}
	if len(cs.Patches) == 0 {
		return "", changeset.ErrEmptyChangeSet
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	if err := w.checkOutOfBandMutation(); err != nil {
		return "", err
	}

	start := time.Now()
	record := &ApplyRecord{
		ChangeSetID: uuid.NewString(),
		Fingerprint: cs.Fingerprint(),
		prior:       make(map[string]*priorFile),
	}

	// Phase 1: validate everything and compute post-apply contents in
	// memory. Nothing on disk changes in this phase.
	writes := make([]*stagedWrite, 0, len(cs.Patches))
	for _, patch := range cs.Patches {
		if env != nil && !env.Allows(patch.Path) {
			return "", &ApplyError{Reason: ApplyOutOfScope, Path: patch.Path,
				Detail: "path outside scope envelope"}
		}

		write, prior, err := w.planPatch(patch)
		if err != nil {
			return "", err
		}
		writes = append(writes, write)
		record.prior[patch.Path] = prior
	}

	// Phase 2: stage new contents next to their targets, then swap. A
	// failure while staging removes the temp files and leaves every target
	// untouched.
	if err := w.swap(record.ChangeSetID, writes, record.prior); err != nil {
		return "", err
	}

	for _, write := range writes {
		if write.delete {
			delete(w.current, write.relPath)
		} else {
			w.current[write.relPath] = hashBytes(write.content)
		}
	}

	record.AppliedAt = time.Now()
	w.log = append(w.log, record)
	w.byID[record.ChangeSetID] = record

	w.logger.Info("changeset applied",
		slog.String("task_id", w.TaskID),
		slog.String("changeset_id", record.ChangeSetID),
		slog.Int("files", len(writes)),
	)
	recordApplyMetric(time.Since(start), true)
	return record.ChangeSetID, nil
}

// planPatch validates one patch against the workspace and computes its
// post-apply content.
func (w *Workspace) planPatch(patch *changeset.Patch) (*stagedWrite, *priorFile, error) {
	absPath := w.resolve(patch.Path)
	if !pathWithin(w.Root, absPath) {
		return nil, nil, &ApplyError{Reason: ApplyOutOfScope, Path: patch.Path,
			Detail: "path escapes workspace root"}
	}

	info, statErr := os.Stat(absPath)
	exists := statErr == nil

	prior := &priorFile{existed: exists, mode: 0644}
	var content []byte
	if exists {
		var err error
		content, err = os.ReadFile(absPath)
		if err != nil {
			return nil, nil, &ApplyError{Reason: ApplyIOFailure, Path: patch.Path, Err: err}
		}
		prior.content = content
		prior.mode = info.Mode().Perm()
	}

	if patch.ExpectedPriorSHA256 != "" {
		if !exists {
			return nil, nil, &ApplyError{Reason: ApplyHashMismatch, Path: patch.Path,
				Detail: "file missing, expected hash " + patch.ExpectedPriorSHA256}
		}
		if got := hashBytes(content); got != patch.ExpectedPriorSHA256 {
			return nil, nil, &ApplyError{Reason: ApplyHashMismatch, Path: patch.Path,
				Detail: fmt.Sprintf("expected %s, found %s", patch.ExpectedPriorSHA256, got)}
		}
	}

	switch {
	case patch.IsDelete:
		if !exists {
			return nil, nil, &ApplyError{Reason: ApplyPatchConflict, Path: patch.Path,
				Detail: "cannot delete missing file"}
		}
		return &stagedWrite{relPath: patch.Path, absPath: absPath, delete: true}, prior, nil

	case patch.IsNew:
		if exists {
			return nil, nil, &ApplyError{Reason: ApplyPatchConflict, Path: patch.Path,
				Detail: "file already exists"}
		}
		return &stagedWrite{
			relPath: patch.Path,
			absPath: absPath,
			content: []byte(buildNewContent(patch)),
			mode:    0644,
		}, prior, nil

	default:
		if !exists {
			return nil, nil, &ApplyError{Reason: ApplyPatchConflict, Path: patch.Path,
				Detail: "cannot modify missing file"}
		}
		updated, err := applyHunks(string(content), patch)
		if err != nil {
			return nil, nil, err
		}
		return &stagedWrite{
			relPath: patch.Path,
			absPath: absPath,
			content: []byte(updated),
			mode:    prior.mode,
		}, prior, nil
	}
}

// applyHunks applies a patch's hunks to content, verifying each hunk's
// context and removed lines against the file before replacing.
//
// Hunks are processed in reverse order so earlier hunks' line numbers stay
// valid while later ones are spliced in.
func applyHunks(content string, patch *changeset.Patch) (string, *ApplyError) {
	lines := strings.Split(content, "\n")

	for i := len(patch.Hunks) - 1; i >= 0; i-- {
		hunk := patch.Hunks[i]

		startLine := hunk.OldStart - 1
		endLine := startLine + hunk.OldCount
		if startLine < 0 || endLine > len(lines) {
			return "", &ApplyError{Reason: ApplyPatchConflict, Path: patch.Path,
				Detail: fmt.Sprintf("hunk %s out of range (file has %d lines)", hunk.Header(), len(lines))}
		}

		// Verify the hunk's view of the old file before touching anything.
		old := 0
		for _, line := range hunk.Lines {
			if line.Type == changeset.LineAdded {
				continue
			}
			if lines[startLine+old] != line.Content {
				return "", &ApplyError{Reason: ApplyPatchConflict, Path: patch.Path,
					Detail: fmt.Sprintf("hunk %s: line %d is %q, patch expects %q",
						hunk.Header(), startLine+old+1, lines[startLine+old], line.Content)}
			}
			old++
		}
		if old != hunk.OldCount {
			return "", &ApplyError{Reason: ApplyPatchConflict, Path: patch.Path,
				Detail: fmt.Sprintf("hunk %s declares %d old lines, carries %d", hunk.Header(), hunk.OldCount, old)}
		}

		var replacement []string
		for _, line := range hunk.Lines {
			if line.Type == changeset.LineContext || line.Type == changeset.LineAdded {
				replacement = append(replacement, line.Content)
			}
		}

		updated := make([]string, 0, len(lines)-hunk.OldCount+len(replacement))
		updated = append(updated, lines[:startLine]...)
		updated = append(updated, replacement...)
		updated = append(updated, lines[endLine:]...)
		lines = updated
	}

	return strings.Join(lines, "\n"), nil
}

// buildNewContent builds the full content of a newly created file.
func buildNewContent(patch *changeset.Patch) string {
	var lines []string
	for _, hunk := range patch.Hunks {
		for _, line := range hunk.Lines {
			if line.Type == changeset.LineAdded || line.Type == changeset.LineContext {
				lines = append(lines, line.Content)
			}
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// swap stages every write to a temp file in its target directory, then
// renames them into place and performs deletions. On failure everything
// already swapped is rolled back from the recorded prior state.
func (w *Workspace) swap(changeSetID string, writes []*stagedWrite, prior map[string]*priorFile) *ApplyError {
	type staged struct {
		write   *stagedWrite
		tmpPath string
	}

	stagedWrites := make([]*staged, 0, len(writes))
	cleanupTemps := func() {
		for _, s := range stagedWrites {
			os.Remove(s.tmpPath)
		}
	}

	for _, write := range writes {
		if write.delete {
			continue
		}
		dir := filepath.Dir(write.absPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			cleanupTemps()
			return &ApplyError{Reason: ApplyIOFailure, Path: write.relPath, Err: err}
		}
		tmpPath := filepath.Join(dir, ".autoloop-stage-"+changeSetID+"-"+filepath.Base(write.absPath))
		if err := os.WriteFile(tmpPath, write.content, write.mode); err != nil {
			cleanupTemps()
			return &ApplyError{Reason: ApplyIOFailure, Path: write.relPath, Err: err}
		}
		stagedWrites = append(stagedWrites, &staged{write: write, tmpPath: tmpPath})
	}

	// Swap. Same-directory renames are atomic; a mid-swap failure rolls
	// back the renames already performed.
	swapped := make([]*stagedWrite, 0, len(writes))
	rollback := func() {
		for _, write := range swapped {
			p, ok := prior[write.relPath]
			if !ok {
				continue
			}
			if p.existed {
				os.WriteFile(write.absPath, p.content, p.mode)
			} else {
				os.Remove(write.absPath)
			}
		}
	}

	for _, s := range stagedWrites {
		if err := renameFile(s.tmpPath, s.write.absPath); err != nil {
			cleanupTemps()
			rollback()
			return &ApplyError{Reason: ApplyIOFailure, Path: s.write.relPath, Err: err}
		}
		swapped = append(swapped, s.write)
	}

	for _, write := range writes {
		if !write.delete {
			continue
		}
		if err := os.Remove(write.absPath); err != nil && !os.IsNotExist(err) {
			rollback()
			return &ApplyError{Reason: ApplyIOFailure, Path: write.relPath, Err: err}
		}
		swapped = append(swapped, write)
	}

	return nil
}

// pathWithin reports whether path stays inside root after cleaning.
func pathWithin(root, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
