// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/autoloop/services/engine/evaluate"
	"github.com/AleutianAI/autoloop/services/engine/frontier"
)

const sampleDiff = `--- a/main.txt
+++ b/main.txt
@@ -1,3 +1,3 @@
 one
-two
+TWO
 three
`

func TestPatchProposer_ReplaysQueueInOrder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one.diff"), []byte(sampleDiff), 0644))

	tf := &taskFile{
		Tasks: []taskSpec{{
			ID:      "task-1",
			Intent:  "rename line",
			Patches: []string{"one.diff"},
		}},
		dir: dir,
	}
	proposer := newPatchProposer(tf)
	task := &frontier.Task{ID: "task-1"}

	proposal, err := proposer.Propose(context.Background(), task, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "rename line", proposal.ChangeSet.Intent)
	assert.Equal(t, 1, proposal.ChangeSet.FileCount())

	// Queue exhausted on the second call.
	_, err = proposer.Propose(context.Background(), task, nil, nil)
	assert.ErrorContains(t, err, "patch queue exhausted")
}

func TestPatchProposer_UnknownTask(t *testing.T) {
	proposer := newPatchProposer(&taskFile{})
	_, err := proposer.Propose(context.Background(), &frontier.Task{ID: "ghost"}, nil, nil)
	assert.Error(t, err)
}

func TestCommandSuite(t *testing.T) {
	dir := t.TempDir()

	t.Run("passing command", func(t *testing.T) {
		result, err := newCommandSuite([]string{"true"}).Run(context.Background(), dir)
		require.NoError(t, err)
		assert.True(t, result.Passed)
	})

	t.Run("failing command", func(t *testing.T) {
		result, err := newCommandSuite([]string{"false"}).Run(context.Background(), dir)
		require.NoError(t, err)
		assert.False(t, result.Passed)
		require.Len(t, result.Failures, 1)
		assert.Equal(t, "verify", result.Failures[0].TestID)
	})

	t.Run("no command", func(t *testing.T) {
		_, err := newCommandSuite(nil).Run(context.Background(), dir)
		assert.Error(t, err)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := newCommandSuite([]string{"sleep", "10"}).Run(ctx, dir)
		assert.Error(t, err)
	})
}

func TestPassFailJudge(t *testing.T) {
	judge := passFailJudge{}

	score, err := judge.Score(context.Background(), nil, &evaluate.Result{Passed: true})
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)

	score, err = judge.Score(context.Background(), nil, &evaluate.Result{Passed: false})
	require.NoError(t, err)
	assert.Equal(t, 0.0, score)

	score, err = judge.Score(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)
}
