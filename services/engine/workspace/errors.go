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
	"errors"
	"fmt"
)

// Sentinel errors for workspace lifecycle.
var (
	// ErrTaskActive indicates a workspace already exists for the task.
	ErrTaskActive = errors.New("workspace already active for task")

	// ErrUnknownTask indicates no workspace exists for the task.
	ErrUnknownTask = errors.New("no workspace for task")

	// ErrPromoted indicates the workspace has been promoted and is frozen.
	ErrPromoted = errors.New("workspace already promoted")
)

// =============================================================================
// Apply Errors
// =============================================================================

// ApplyReason categorizes apply failures.
type ApplyReason string

const (
	// ApplyHashMismatch means a file's content hash did not match the
	// patch's expected prior hash.
	ApplyHashMismatch ApplyReason = "hash_mismatch"

	// ApplyPatchConflict means a hunk's context or removed lines did not
	// match the file content.
	ApplyPatchConflict ApplyReason = "patch_conflict"

	// ApplyIOFailure means a filesystem operation failed.
	ApplyIOFailure ApplyReason = "io_failure"

	// ApplyOutOfScope means a patch targets a path outside the task's
	// scope envelope.
	ApplyOutOfScope ApplyReason = "out_of_scope"
)

// ApplyError reports why an apply failed. No file is modified when an
// ApplyError is returned.
type ApplyError struct {
	Reason ApplyReason
	Path   string
	Detail string
	Err    error
}

// Error implements the error interface.
func (e *ApplyError) Error() string {
	msg := fmt.Sprintf("apply failed (%s)", e.Reason)
	if e.Path != "" {
		msg += fmt.Sprintf(" on %s", e.Path)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ApplyError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Revert Errors
// =============================================================================

// RevertReason categorizes revert failures.
type RevertReason string

const (
	// RevertUnknownChangeSetID means no apply record exists for the ID.
	RevertUnknownChangeSetID RevertReason = "unknown_changeset_id"

	// RevertAlreadyReverted means the ChangeSet was reverted before.
	RevertAlreadyReverted RevertReason = "already_reverted"

	// RevertIOFailure means a filesystem operation failed mid-restore.
	RevertIOFailure RevertReason = "io_failure"
)

// RevertError reports why a revert failed.
type RevertError struct {
	Reason      RevertReason
	ChangeSetID string
	Err         error
}

// Error implements the error interface.
func (e *RevertError) Error() string {
	msg := fmt.Sprintf("revert of %s failed (%s)", e.ChangeSetID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *RevertError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Promote Errors
// =============================================================================

// PromoteReason categorizes promote failures.
type PromoteReason string

const (
	// PromoteAlreadyPromoted means the workspace was promoted before.
	PromoteAlreadyPromoted PromoteReason = "already_promoted"

	// PromoteTargetConflict means a project file changed since Begin and
	// would be clobbered.
	PromoteTargetConflict PromoteReason = "target_conflict"

	// PromoteIOFailure means a filesystem operation failed.
	PromoteIOFailure PromoteReason = "io_failure"
)

// PromoteError reports why a promote failed.
type PromoteError struct {
	Reason PromoteReason
	Path   string
	Err    error
}

// Error implements the error interface.
func (e *PromoteError) Error() string {
	msg := fmt.Sprintf("promote failed (%s)", e.Reason)
	if e.Path != "" {
		msg += fmt.Sprintf(" on %s", e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *PromoteError) Unwrap() error {
	return e.Err
}
