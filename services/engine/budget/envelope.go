// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package budget enforces a task's declared scope envelope before any
// changeset reaches the workspace, and routes violations through an audited
// waiver workflow instead of hard-failing.
package budget

import (
	"strings"
)

// ScopeEnvelope declares the file, line, and path limits a task's changes
// must respect.
type ScopeEnvelope struct {
	// MaxFiles is the maximum number of files one changeset may touch.
	// Zero means unlimited.
	MaxFiles int `yaml:"max_files"`

	// MaxLinesChanged is the maximum total changed-line count (added plus
	// removed) one changeset may carry. Zero means unlimited.
	MaxLinesChanged int `yaml:"max_lines_changed"`

	// AllowedPaths lists the path patterns changes must fall within.
	// Patterns follow the frontier convention: "dir/**" matches any file
	// under dir, "dir/*" matches direct children, anything else matches
	// exactly. Empty means no path restrictions.
	AllowedPaths []string `yaml:"allowed_paths"`
}

// Allows reports whether a single path falls inside the envelope.
func (e *ScopeEnvelope) Allows(path string) bool {
	if len(e.AllowedPaths) == 0 {
		return true
	}
	for _, pattern := range e.AllowedPaths {
		if matchScopePattern(path, pattern) {
			return true
		}
	}
	return false
}

// ModuleRoot returns the longest common directory prefix of the allowed
// paths. Violating paths inside this root are "same module" for risk
// classification; an empty result means no common root.
func (e *ScopeEnvelope) ModuleRoot() string {
	if len(e.AllowedPaths) == 0 {
		return ""
	}
	root := patternDir(e.AllowedPaths[0])
	for _, pattern := range e.AllowedPaths[1:] {
		root = commonDir(root, patternDir(pattern))
		if root == "" {
			return ""
		}
	}
	return root
}

// matchScopePattern implements the three supported pattern forms.
func matchScopePattern(path, pattern string) bool {
	switch {
	case strings.HasSuffix(pattern, "/**"):
		prefix := strings.TrimSuffix(pattern, "**")
		return strings.HasPrefix(path, prefix)
	case strings.HasSuffix(pattern, "/*"):
		dir := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(path, dir) && !strings.Contains(path[len(dir):], "/")
	default:
		return path == pattern
	}
}

// patternDir strips the wildcard suffix from a pattern.
func patternDir(pattern string) string {
	pattern = strings.TrimSuffix(pattern, "/**")
	pattern = strings.TrimSuffix(pattern, "/*")
	if i := strings.LastIndex(pattern, "/"); i >= 0 && strings.Contains(pattern, ".") {
		// Exact-file pattern: the module root is its directory.
		return pattern[:i]
	}
	return pattern
}

// commonDir returns the longest shared directory prefix of two paths.
func commonDir(a, b string) string {
	as := strings.Split(a, "/")
	bs := strings.Split(b, "/")
	n := len(as)
	if len(bs) < n {
		n = len(bs)
	}
	var shared []string
	for i := 0; i < n; i++ {
		if as[i] != bs[i] {
			break
		}
		shared = append(shared, as[i])
	}
	return strings.Join(shared, "/")
}
