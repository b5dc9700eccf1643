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
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/autoloop/services/engine/budget"
	"github.com/AleutianAI/autoloop/services/engine/changeset"
)

// newTestProject creates a project directory with the given files.
func newTestProject(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return root
}

// beginTestWorkspace materializes a mirror workspace for a test project.
func beginTestWorkspace(t *testing.T, files map[string]string) (*Manager, *Workspace) {
	t.Helper()
	project := newTestProject(t, files)
	m := NewManager(ManagerConfig{BaseDir: t.TempDir()}, nil)
	ws, err := m.Begin(context.Background(), project, "task-1")
	require.NoError(t, err)
	t.Cleanup(func() { m.Release(context.Background(), "task-1") })
	return m, ws
}

// replaceLineChange builds a changeset replacing line "two" with "TWO" in
// a three-line file.
func replaceLineChange(path string) *changeset.ChangeSet {
	return &changeset.ChangeSet{
		Intent: "rename line",
		Patches: []*changeset.Patch{{
			Path: path,
			Hunks: []*changeset.Hunk{{
				OldStart: 1, OldCount: 3, NewStart: 1, NewCount: 3,
				Lines: []changeset.Line{
					{Type: changeset.LineContext, Content: "one"},
					{Type: changeset.LineRemoved, Content: "two"},
					{Type: changeset.LineAdded, Content: "TWO"},
					{Type: changeset.LineContext, Content: "three"},
				},
			}},
		}},
	}
}

// newFileChange builds a changeset creating a file with the given lines.
func newFileChange(path string, lines ...string) *changeset.ChangeSet {
	hunk := &changeset.Hunk{OldStart: 0, OldCount: 0, NewStart: 1, NewCount: len(lines)}
	for _, l := range lines {
		hunk.Lines = append(hunk.Lines, changeset.Line{Type: changeset.LineAdded, Content: l})
	}
	return &changeset.ChangeSet{
		Intent: "add file",
		Patches: []*changeset.Patch{{
			Path:  path,
			IsNew: true,
			Hunks: []*changeset.Hunk{hunk},
		}},
	}
}

func readWorkspaceFile(t *testing.T, ws *Workspace, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(ws.Root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func TestWorkspace_Apply_Modification(t *testing.T) {
	_, ws := beginTestWorkspace(t, map[string]string{"a.txt": "one\ntwo\nthree\n"})

	id, err := ws.Apply(context.Background(), replaceLineChange("a.txt"), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, "one\nTWO\nthree\n", readWorkspaceFile(t, ws, "a.txt"))
}

func TestWorkspace_Apply_NewFile(t *testing.T) {
	_, ws := beginTestWorkspace(t, map[string]string{"a.txt": "one\n"})

	_, err := ws.Apply(context.Background(), newFileChange("pkg/b.txt", "hello", "world"), nil)
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\n", readWorkspaceFile(t, ws, "pkg/b.txt"))
}

func TestWorkspace_Apply_Delete(t *testing.T) {
	_, ws := beginTestWorkspace(t, map[string]string{"a.txt": "one\n", "b.txt": "gone\n"})

	cs := &changeset.ChangeSet{
		Intent:  "remove file",
		Patches: []*changeset.Patch{{Path: "b.txt", IsDelete: true}},
	}
	_, err := ws.Apply(context.Background(), cs, nil)
	require.NoError(t, err)
	_, statErr := os.Stat(filepath.Join(ws.Root, "b.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestWorkspace_Apply_HashMismatch(t *testing.T) {
	_, ws := beginTestWorkspace(t, map[string]string{"a.txt": "one\ntwo\nthree\n"})

	cs := replaceLineChange("a.txt")
	cs.Patches[0].ExpectedPriorSHA256 = changeset.HashContent([]byte("different content"))

	_, err := ws.Apply(context.Background(), cs, nil)
	var applyErr *ApplyError
	require.ErrorAs(t, err, &applyErr)
	assert.Equal(t, ApplyHashMismatch, applyErr.Reason)
	assert.Equal(t, "one\ntwo\nthree\n", readWorkspaceFile(t, ws, "a.txt"))
}

func TestWorkspace_Apply_ExpectedHashAccepted(t *testing.T) {
	content := "one\ntwo\nthree\n"
	_, ws := beginTestWorkspace(t, map[string]string{"a.txt": content})

	cs := replaceLineChange("a.txt")
	cs.Patches[0].ExpectedPriorSHA256 = changeset.HashContent([]byte(content))

	_, err := ws.Apply(context.Background(), cs, nil)
	require.NoError(t, err)
}

func TestWorkspace_Apply_PatchConflict(t *testing.T) {
	_, ws := beginTestWorkspace(t, map[string]string{"a.txt": "one\nCHANGED\nthree\n"})

	_, err := ws.Apply(context.Background(), replaceLineChange("a.txt"), nil)
	var applyErr *ApplyError
	require.ErrorAs(t, err, &applyErr)
	assert.Equal(t, ApplyPatchConflict, applyErr.Reason)
	assert.Equal(t, "one\nCHANGED\nthree\n", readWorkspaceFile(t, ws, "a.txt"))
}

func TestWorkspace_Apply_AtomicOnPartialFailure(t *testing.T) {
	_, ws := beginTestWorkspace(t, map[string]string{
		"a.txt": "one\ntwo\nthree\n",
		"b.txt": "not what the patch expects\n",
	})

	// First patch is valid, second conflicts. Neither file may change.
	cs := replaceLineChange("a.txt")
	cs.Patches = append(cs.Patches, replaceLineChange("b.txt").Patches...)

	_, err := ws.Apply(context.Background(), cs, nil)
	var applyErr *ApplyError
	require.ErrorAs(t, err, &applyErr)
	assert.Equal(t, ApplyPatchConflict, applyErr.Reason)
	assert.Equal(t, "one\ntwo\nthree\n", readWorkspaceFile(t, ws, "a.txt"))
	assert.Equal(t, "not what the patch expects\n", readWorkspaceFile(t, ws, "b.txt"))
	assert.Empty(t, ws.History())
}

func TestWorkspace_Apply_AtomicOnSwapFailure(t *testing.T) {
	_, ws := beginTestWorkspace(t, map[string]string{
		"a.txt": "one\ntwo\nthree\n",
		"b.txt": "one\ntwo\nthree\n",
	})

	// Both patches validate; the second swap rename fails, so the first
	// file's already-landed rename has to be rolled back.
	fail := true
	calls := 0
	original := renameFile
	renameFile = func(oldpath, newpath string) error {
		calls++
		if fail && calls == 2 {
			return errors.New("no space left on device")
		}
		return os.Rename(oldpath, newpath)
	}
	t.Cleanup(func() { renameFile = original })

	cs := replaceLineChange("a.txt")
	cs.Patches = append(cs.Patches, replaceLineChange("b.txt").Patches...)

	_, err := ws.Apply(context.Background(), cs, nil)
	var applyErr *ApplyError
	require.ErrorAs(t, err, &applyErr)
	assert.Equal(t, ApplyIOFailure, applyErr.Reason)
	require.Equal(t, 2, calls)

	assert.Equal(t, "one\ntwo\nthree\n", readWorkspaceFile(t, ws, "a.txt"))
	assert.Equal(t, "one\ntwo\nthree\n", readWorkspaceFile(t, ws, "b.txt"))
	assert.Empty(t, ws.History())

	staged, err := filepath.Glob(filepath.Join(ws.Root, ".autoloop-stage-*"))
	require.NoError(t, err)
	assert.Empty(t, staged)

	// Once the fault clears the same changeset lands cleanly.
	fail = false
	_, err = ws.Apply(context.Background(), cs, nil)
	require.NoError(t, err)
	assert.Equal(t, "one\nTWO\nthree\n", readWorkspaceFile(t, ws, "a.txt"))
	assert.Equal(t, "one\nTWO\nthree\n", readWorkspaceFile(t, ws, "b.txt"))
}

func TestWorkspace_Apply_ScopeEnvelope(t *testing.T) {
	_, ws := beginTestWorkspace(t, map[string]string{"pkg/a.txt": "one\ntwo\nthree\n"})
	env := &budget.ScopeEnvelope{AllowedPaths: []string{"other/**"}}

	_, err := ws.Apply(context.Background(), replaceLineChange("pkg/a.txt"), env)
	var applyErr *ApplyError
	require.ErrorAs(t, err, &applyErr)
	assert.Equal(t, ApplyOutOfScope, applyErr.Reason)
}

func TestWorkspace_Apply_EmptyChangeSet(t *testing.T) {
	_, ws := beginTestWorkspace(t, map[string]string{"a.txt": "one\n"})

	_, err := ws.Apply(context.Background(), &changeset.ChangeSet{}, nil)
	assert.True(t, errors.Is(err, changeset.ErrEmptyChangeSet))
}

func TestWorkspace_Apply_Deterministic(t *testing.T) {
	files := map[string]string{"a.txt": "one\ntwo\nthree\n"}

	var results []string
	for _, taskID := range []string{"task-a", "task-b"} {
		project := newTestProject(t, files)
		m := NewManager(ManagerConfig{BaseDir: t.TempDir()}, nil)
		ws, err := m.Begin(context.Background(), project, taskID)
		require.NoError(t, err)

		_, err = ws.Apply(context.Background(), replaceLineChange("a.txt"), nil)
		require.NoError(t, err)
		_, err = ws.Apply(context.Background(), newFileChange("b.txt", "extra"), nil)
		require.NoError(t, err)

		results = append(results, readWorkspaceFile(t, ws, "a.txt")+"|"+readWorkspaceFile(t, ws, "b.txt"))
		require.NoError(t, m.Release(context.Background(), taskID))
	}

	assert.Equal(t, results[0], results[1])
}

func TestWorkspace_Revert_RoundTrip(t *testing.T) {
	original := "one\ntwo\nthree\n"
	_, ws := beginTestWorkspace(t, map[string]string{"a.txt": original})

	id, err := ws.Apply(context.Background(), replaceLineChange("a.txt"), nil)
	require.NoError(t, err)
	require.NotEqual(t, original, readWorkspaceFile(t, ws, "a.txt"))

	require.NoError(t, ws.Revert(id))
	assert.Equal(t, original, readWorkspaceFile(t, ws, "a.txt"))
}

func TestWorkspace_Revert_NewFileRemoved(t *testing.T) {
	_, ws := beginTestWorkspace(t, map[string]string{"a.txt": "one\n"})

	id, err := ws.Apply(context.Background(), newFileChange("b.txt", "new"), nil)
	require.NoError(t, err)

	require.NoError(t, ws.Revert(id))
	_, statErr := os.Stat(filepath.Join(ws.Root, "b.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestWorkspace_Revert_AfterInterleaving(t *testing.T) {
	_, ws := beginTestWorkspace(t, map[string]string{
		"a.txt": "one\ntwo\nthree\n",
		"b.txt": "one\ntwo\nthree\n",
	})

	firstID, err := ws.Apply(context.Background(), replaceLineChange("a.txt"), nil)
	require.NoError(t, err)
	_, err = ws.Apply(context.Background(), replaceLineChange("b.txt"), nil)
	require.NoError(t, err)

	// Reverting the first changeset restores a.txt without disturbing the
	// later change to b.txt.
	require.NoError(t, ws.Revert(firstID))
	assert.Equal(t, "one\ntwo\nthree\n", readWorkspaceFile(t, ws, "a.txt"))
	assert.Equal(t, "one\nTWO\nthree\n", readWorkspaceFile(t, ws, "b.txt"))
}

func TestWorkspace_Revert_Errors(t *testing.T) {
	_, ws := beginTestWorkspace(t, map[string]string{"a.txt": "one\ntwo\nthree\n"})

	t.Run("unknown changeset id", func(t *testing.T) {
		err := ws.Revert("no-such-id")
		var revertErr *RevertError
		require.ErrorAs(t, err, &revertErr)
		assert.Equal(t, RevertUnknownChangeSetID, revertErr.Reason)
	})

	t.Run("double revert", func(t *testing.T) {
		id, err := ws.Apply(context.Background(), replaceLineChange("a.txt"), nil)
		require.NoError(t, err)
		require.NoError(t, ws.Revert(id))

		err = ws.Revert(id)
		var revertErr *RevertError
		require.ErrorAs(t, err, &revertErr)
		assert.Equal(t, RevertAlreadyReverted, revertErr.Reason)
	})
}
