// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package changeset

import (
	"errors"
	"fmt"
)

// ErrEmptyChangeSet indicates a ChangeSet with no patches.
var ErrEmptyChangeSet = errors.New("changeset contains no patches")

// MalformedChangeError reports a structurally invalid collaborator response.
//
// # Description
//
// The engine never applies a malformed ChangeSet. Instead this error is
// returned to the proposing collaborator with enough context to regenerate
// a well-formed one.
type MalformedChangeError struct {
	// Reason is a short machine-friendly cause ("unparseable_diff",
	// "unsafe_path", "missing_file", "empty_patch").
	Reason string

	// Path is the offending file path, when known.
	Path string

	// Detail is the human-readable explanation sent back for re-prompting.
	Detail string

	// Err is the underlying parse error, when any.
	Err error
}

// Error implements the error interface.
func (e *MalformedChangeError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("malformed change (%s) at %s: %s", e.Reason, e.Path, e.Detail)
	}
	return fmt.Sprintf("malformed change (%s): %s", e.Reason, e.Detail)
}

// Unwrap returns the underlying error.
func (e *MalformedChangeError) Unwrap() error {
	return e.Err
}
