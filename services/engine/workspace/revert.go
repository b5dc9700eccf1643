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
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// Revert restores every file a ChangeSet touched to its pre-apply content.
//
// # Description
//
// Restoration comes from the reverse log, so it succeeds even when later
// ChangeSets were applied or reverted in between; each file's bytes go back
// to exactly what the recorded apply observed. Restored content is verified
// by hash against the record.
//
// # Outputs
//
//   - error: *RevertError with UnknownChangeSetID or AlreadyReverted on
//     misuse, IOFailure on filesystem errors.
func (w *Workspace) Revert(changeSetID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.promoted {
		return ErrPromoted
	}

	record, ok := w.byID[changeSetID]
	if !ok {
		return &RevertError{Reason: RevertUnknownChangeSetID, ChangeSetID: changeSetID}
	}
	if record.Reverted {
		return &RevertError{Reason: RevertAlreadyReverted, ChangeSetID: changeSetID}
	}

	// Deterministic restore order.
	paths := record.Paths()
	sort.Strings(paths)

	for _, relPath := range paths {
		prior := record.prior[relPath]
		absPath := w.resolve(relPath)

		if !prior.existed {
			if err := os.Remove(absPath); err != nil && !os.IsNotExist(err) {
				return &RevertError{Reason: RevertIOFailure, ChangeSetID: changeSetID, Err: err}
			}
			delete(w.current, relPath)
			continue
		}

		if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
			return &RevertError{Reason: RevertIOFailure, ChangeSetID: changeSetID, Err: err}
		}
		if err := os.WriteFile(absPath, prior.content, prior.mode); err != nil {
			return &RevertError{Reason: RevertIOFailure, ChangeSetID: changeSetID, Err: err}
		}
		w.current[relPath] = hashBytes(prior.content)
	}

	record.Reverted = true
	w.logger.Info("changeset reverted",
		slog.String("task_id", w.TaskID),
		slog.String("changeset_id", changeSetID),
		slog.Int("files", len(paths)),
	)
	recordRevertMetric(len(paths))
	return nil
}
