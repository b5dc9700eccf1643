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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// devNull is the unified-diff marker for a missing side of a file pair.
const devNull = "/dev/null"

// ParseUnified converts unified-diff text into a ChangeSet.
//
// # Description
//
// Proposing collaborators emit changes as unified diffs. This function
// parses them with sourcegraph/go-diff, validates each file path, and builds
// the internal patch model. A structurally invalid response yields a
// *MalformedChangeError so the caller can bounce it back to the collaborator
// instead of applying it.
//
// # Inputs
//
//   - text: The unified diff, possibly multi-file.
//   - intent: The collaborator's rationale, stored normalized on the result.
//
// # Outputs
//
//   - *ChangeSet: The parsed ChangeSet, patches in diff order.
//   - error: *MalformedChangeError on invalid input.
func ParseUnified(text, intent string) (*ChangeSet, error) {
	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(text)).ReadAllFiles()
	if err != nil {
		return nil, &MalformedChangeError{
			Reason: "unparseable_diff",
			Detail: fmt.Sprintf("invalid unified diff: %v", err),
			Err:    err,
		}
	}
	if len(fileDiffs) == 0 {
		return nil, ErrEmptyChangeSet
	}

	cs := &ChangeSet{Intent: NormalizeIntent(intent)}
	for _, fd := range fileDiffs {
		patch, err := patchFromFileDiff(fd)
		if err != nil {
			return nil, err
		}
		cs.Patches = append(cs.Patches, patch)
	}
	return cs, nil
}

// patchFromFileDiff converts a single parsed file diff into a Patch.
func patchFromFileDiff(fd *diff.FileDiff) (*Patch, error) {
	isNew := fd.OrigName == devNull
	isDelete := fd.NewName == devNull

	name := fd.NewName
	if isDelete || name == "" {
		name = fd.OrigName
	}
	path := strings.TrimPrefix(strings.TrimPrefix(name, "a/"), "b/")

	if err := checkPathSafe(path); err != nil {
		return nil, err
	}
	if len(fd.Hunks) == 0 && !isDelete {
		return nil, &MalformedChangeError{
			Reason: "empty_patch",
			Path:   path,
			Detail: "file diff carries no hunks",
		}
	}

	patch := &Patch{
		Path:     path,
		IsNew:    isNew,
		IsDelete: isDelete,
	}
	for _, h := range fd.Hunks {
		hunk := &Hunk{
			OldStart: int(h.OrigStartLine),
			OldCount: int(h.OrigLines),
			NewStart: int(h.NewStartLine),
			NewCount: int(h.NewLines),
		}
		body := strings.TrimSuffix(string(h.Body), "\n")
		for _, raw := range strings.Split(body, "\n") {
			line, ok := lineFromRaw(raw)
			if !ok {
				return nil, &MalformedChangeError{
					Reason: "unparseable_diff",
					Path:   path,
					Detail: fmt.Sprintf("hunk line has no diff prefix: %q", raw),
				}
			}
			hunk.Lines = append(hunk.Lines, line)
		}
		patch.Hunks = append(patch.Hunks, hunk)
	}
	return patch, nil
}

// lineFromRaw maps a raw hunk body line to a typed Line.
func lineFromRaw(raw string) (Line, bool) {
	if raw == "" {
		// go-diff represents empty context lines as empty strings.
		return Line{Type: LineContext, Content: ""}, true
	}
	switch raw[0] {
	case '+':
		return Line{Type: LineAdded, Content: raw[1:]}, true
	case '-':
		return Line{Type: LineRemoved, Content: raw[1:]}, true
	case ' ':
		return Line{Type: LineContext, Content: raw[1:]}, true
	case '\\':
		// "\ No newline at end of file" carries no content.
		return Line{Type: LineContext, Content: ""}, true
	default:
		return Line{}, false
	}
}

// checkPathSafe rejects absolute paths and traversal escapes.
func checkPathSafe(path string) error {
	if path == "" || path == devNull {
		return &MalformedChangeError{
			Reason: "unsafe_path",
			Path:   path,
			Detail: "patch has no usable target path",
		}
	}
	if filepath.IsAbs(path) {
		return &MalformedChangeError{
			Reason: "unsafe_path",
			Path:   path,
			Detail: "absolute paths are not allowed in a changeset",
		}
	}
	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return &MalformedChangeError{
			Reason: "unsafe_path",
			Path:   path,
			Detail: "path escapes the workspace root",
		}
	}
	return nil
}

// ValidateAgainstRoot checks that every patch targets a plausible file.
//
// # Description
//
// Structural validation of collaborator output (boundary contract): patches
// against existing files must reference files that actually exist under
// root, and new-file patches must not clobber existing files.
func ValidateAgainstRoot(cs *ChangeSet, root string) error {
	if len(cs.Patches) == 0 {
		return ErrEmptyChangeSet
	}
	for _, p := range cs.Patches {
		full := filepath.Join(root, p.Path)
		info, err := os.Stat(full)
		switch {
		case p.IsNew && err == nil:
			return &MalformedChangeError{
				Reason: "missing_file",
				Path:   p.Path,
				Detail: "new-file patch targets a file that already exists",
			}
		case !p.IsNew && os.IsNotExist(err):
			return &MalformedChangeError{
				Reason: "missing_file",
				Path:   p.Path,
				Detail: "patch targets a file that does not exist",
			}
		case err == nil && info.IsDir():
			return &MalformedChangeError{
				Reason: "unsafe_path",
				Path:   p.Path,
				Detail: "patch targets a directory",
			}
		}
	}
	return nil
}
