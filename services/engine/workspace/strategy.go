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
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// =============================================================================
// Strategy
// =============================================================================

// Strategy materializes an isolated view of a project.
//
// # Description
//
// The manager selects a strategy per project root. Both strategies share
// the same apply/revert/promote contract; they differ only in how the
// isolated copy comes to exist and how it is torn down.
type Strategy interface {
	// Name identifies the strategy in logs and audit events.
	Name() string

	// Materialize populates workspaceRoot with an isolated view of
	// projectRoot. It must not mutate projectRoot.
	Materialize(ctx context.Context, projectRoot, workspaceRoot string) error

	// Cleanup tears down the workspace view.
	Cleanup(ctx context.Context, projectRoot, workspaceRoot string) error
}

// selectStrategy picks a strategy for a project root. Version-controlled
// projects get a branch-backed worktree; everything else gets a full mirror.
func selectStrategy(projectRoot, taskID string) Strategy {
	if info, err := os.Stat(filepath.Join(projectRoot, ".git")); err == nil && info.IsDir() {
		return &gitWorktreeStrategy{branch: "autoloop/" + taskID}
	}
	return &mirrorStrategy{}
}

// =============================================================================
// Mirror Strategy
// =============================================================================

// mirrorStrategy copies the project tree into the workspace root.
type mirrorStrategy struct{}

// Name implements Strategy.
func (s *mirrorStrategy) Name() string {
	return "mirror"
}

// Materialize copies every regular file under projectRoot into
// workspaceRoot, preserving relative layout and file modes. Symlinks and
// the .git directory are skipped.
func (s *mirrorStrategy) Materialize(ctx context.Context, projectRoot, workspaceRoot string) error {
	if err := os.MkdirAll(workspaceRoot, 0755); err != nil {
		return fmt.Errorf("creating workspace root: %w", err)
	}

	return filepath.WalkDir(projectRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rel, err := filepath.Rel(projectRoot, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(workspaceRoot, rel), 0755)
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", rel, err)
		}
		return os.WriteFile(filepath.Join(workspaceRoot, rel), data, info.Mode().Perm())
	})
}

// Cleanup removes the mirrored tree.
func (s *mirrorStrategy) Cleanup(_ context.Context, _ string, workspaceRoot string) error {
	return os.RemoveAll(workspaceRoot)
}

// =============================================================================
// Git Worktree Strategy
// =============================================================================

// gitWorktreeStrategy materializes the workspace as a git worktree on a
// dedicated branch, so the isolated view shares object storage with the
// project instead of duplicating files.
type gitWorktreeStrategy struct {
	branch string
}

// Name implements Strategy.
func (s *gitWorktreeStrategy) Name() string {
	return "git-worktree"
}

// Materialize adds a worktree at workspaceRoot on a fresh branch. The
// project root's checked-out branch is untouched.
func (s *gitWorktreeStrategy) Materialize(ctx context.Context, projectRoot, workspaceRoot string) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", s.branch, workspaceRoot)
	cmd.Dir = projectRoot
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git worktree add: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Cleanup removes the worktree and its branch.
func (s *gitWorktreeStrategy) Cleanup(ctx context.Context, projectRoot, workspaceRoot string) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", workspaceRoot)
	cmd.Dir = projectRoot
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git worktree remove: %w: %s", err, strings.TrimSpace(string(out)))
	}

	cmd = exec.CommandContext(ctx, "git", "branch", "-D", s.branch)
	cmd.Dir = projectRoot
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git branch delete: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
