// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package changeset defines the atomic unit of mutation in the iteration
// engine: an ordered collection of per-file patches with optional
// prior-content verification.
//
// # Description
//
// A ChangeSet is what the proposing collaborator produces, the budget gate
// validates, and the workspace manager applies. Hashes make apply and revert
// deterministic under concurrent mutation: a patch carrying an expected prior
// content hash fails closed when the file on disk has drifted.
//
// # Thread Safety
//
// Types in this package are not safe for concurrent modification.
// They can be safely read concurrently after creation.
package changeset

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// Line Types
// =============================================================================

// LineType categorizes patch lines.
type LineType string

const (
	// LineContext represents unchanged context lines.
	LineContext LineType = " "

	// LineAdded represents added lines.
	LineAdded LineType = "+"

	// LineRemoved represents removed lines.
	LineRemoved LineType = "-"
)

// String returns the string representation of the line type.
func (lt LineType) String() string {
	return string(lt)
}

// Line is a single line within a hunk.
type Line struct {
	// Type is the line type (context, added, removed).
	Type LineType

	// Content is the line content without the prefix.
	Content string
}

// String returns the unified-diff rendering of the line.
func (l Line) String() string {
	return string(l.Type) + l.Content
}

// =============================================================================
// Hunk
// =============================================================================

// Hunk is a contiguous line-range replacement within one file.
type Hunk struct {
	// OldStart is the 1-based starting line number in the old file.
	OldStart int

	// OldCount is the number of lines consumed from the old file.
	OldCount int

	// NewStart is the 1-based starting line number in the new file.
	NewStart int

	// NewCount is the number of lines produced in the new file.
	NewCount int

	// Lines contains all lines in this hunk, in order.
	Lines []Line
}

// Header returns the unified diff header for this hunk.
func (h *Hunk) Header() string {
	return fmt.Sprintf("@@ -%d,%d +%d,%d @@", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
}

// AddedCount returns the number of added lines.
func (h *Hunk) AddedCount() int {
	count := 0
	for _, line := range h.Lines {
		if line.Type == LineAdded {
			count++
		}
	}
	return count
}

// RemovedCount returns the number of removed lines.
func (h *Hunk) RemovedCount() int {
	count := 0
	for _, line := range h.Lines {
		if line.Type == LineRemoved {
			count++
		}
	}
	return count
}

// =============================================================================
// Patch
// =============================================================================

// Patch is the set of hunks targeting a single file.
type Patch struct {
	// Path is the workspace-relative path of the target file.
	Path string

	// Hunks contains the line-range replacements, ordered by OldStart.
	Hunks []*Hunk

	// ExpectedPriorSHA256 is the hex-encoded hash the target file must have
	// before this patch applies. Empty skips the check.
	ExpectedPriorSHA256 string

	// IsNew indicates the patch creates the file.
	IsNew bool

	// IsDelete indicates the patch deletes the file.
	IsDelete bool
}

// LineStats returns the total lines added and removed by this patch.
func (p *Patch) LineStats() (added, removed int) {
	for _, hunk := range p.Hunks {
		added += hunk.AddedCount()
		removed += hunk.RemovedCount()
	}
	return
}

// =============================================================================
// ChangeSet
// =============================================================================

// ChangeSet is an ordered collection of patches, one per file.
//
// # Description
//
// The engine applies a ChangeSet atomically: either every patch lands or
// none do. Intent carries the proposing collaborator's normalized rationale
// and participates in task fingerprinting.
type ChangeSet struct {
	// Patches holds one entry per target file, in application order.
	Patches []*Patch

	// Intent is the normalized rule/intent string behind this change.
	Intent string
}

// FileCount returns the number of files this ChangeSet touches.
func (c *ChangeSet) FileCount() int {
	return len(c.Patches)
}

// LineStats returns the total lines added and removed across all patches.
func (c *ChangeSet) LineStats() (added, removed int) {
	for _, p := range c.Patches {
		a, r := p.LineStats()
		added += a
		removed += r
	}
	return
}

// EffectiveLines returns the total changed-line count (added + removed).
func (c *ChangeSet) EffectiveLines() int {
	added, removed := c.LineStats()
	return added + removed
}

// IsNoOp reports whether the ChangeSet has zero effective line changes.
func (c *ChangeSet) IsNoOp() bool {
	return c.EffectiveLines() == 0
}

// Paths returns the target paths in application order.
func (c *ChangeSet) Paths() []string {
	paths := make([]string, 0, len(c.Patches))
	for _, p := range c.Patches {
		paths = append(paths, p.Path)
	}
	return paths
}

// Stats returns a formatted stats string like "+12 -3".
func (c *ChangeSet) Stats() string {
	added, removed := c.LineStats()
	return fmt.Sprintf("+%d -%d", added, removed)
}

// =============================================================================
// Fingerprints
// =============================================================================

// Fingerprint returns a deterministic content hash of the ChangeSet.
//
// # Description
//
// The hash covers every patch path, hunk range, and line. Two ChangeSets
// with identical structure and content produce identical fingerprints, which
// is how the loop controller detects a re-proposed change.
func (c *ChangeSet) Fingerprint() string {
	h := sha256.New()
	for _, p := range c.Patches {
		fmt.Fprintf(h, "patch:%s:%v:%v\n", p.Path, p.IsNew, p.IsDelete)
		for _, hunk := range p.Hunks {
			fmt.Fprintf(h, "%s\n", hunk.Header())
			for _, line := range hunk.Lines {
				fmt.Fprintf(h, "%s\n", line.String())
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// TaskFingerprint returns a deterministic hash of a task's target paths plus
// its normalized intent string.
//
// # Description
//
// The frontier queue uses this for deduplication: two candidate tasks with
// the same targets and the same normalized intent are the same task. Path
// order does not matter; intent is case-folded and whitespace-collapsed.
func TaskFingerprint(targetPaths []string, intent string) string {
	sorted := make([]string, len(targetPaths))
	copy(sorted, targetPaths)
	sort.Strings(sorted)

	h := sha256.New()
	for _, p := range sorted {
		fmt.Fprintf(h, "path:%s\n", p)
	}
	fmt.Fprintf(h, "intent:%s\n", NormalizeIntent(intent))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeIntent canonicalizes an intent string for fingerprinting.
func NormalizeIntent(intent string) string {
	return strings.Join(strings.Fields(strings.ToLower(intent)), " ")
}

// HashContent returns the hex-encoded SHA-256 of file content.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
