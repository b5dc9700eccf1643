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
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/AleutianAI/autoloop/services/engine/changeset"
	"github.com/AleutianAI/autoloop/services/engine/control"
	"github.com/AleutianAI/autoloop/services/engine/evaluate"
	"github.com/AleutianAI/autoloop/services/engine/frontier"
	"github.com/AleutianAI/autoloop/services/engine/runner"
	"github.com/AleutianAI/autoloop/services/engine/workspace"
)

// =============================================================================
// Patch Proposer
// =============================================================================

// patchProposer replays each task's patch files in order. It stands in for
// a model-backed proposer when the candidate changes are precomputed.
type patchProposer struct {
	file *taskFile

	mu   sync.Mutex
	next map[string]int
}

func newPatchProposer(file *taskFile) *patchProposer {
	return &patchProposer{file: file, next: make(map[string]int)}
}

func (p *patchProposer) Propose(_ context.Context, task *frontier.Task, _ *workspace.Workspace,
	_ []control.IterationRecord) (*runner.Proposal, error) {

	p.mu.Lock()
	i := p.next[task.ID]
	p.next[task.ID]++
	p.mu.Unlock()

	var spec *taskSpec
	for t := range p.file.Tasks {
		if p.file.Tasks[t].ID == task.ID {
			spec = &p.file.Tasks[t]
			break
		}
	}
	if spec == nil {
		return nil, fmt.Errorf("unknown task %s", task.ID)
	}
	if i >= len(spec.Patches) {
		return nil, fmt.Errorf("task %s: patch queue exhausted after %d candidates", task.ID, i)
	}

	data, err := os.ReadFile(p.file.patchPath(spec.Patches[i]))
	if err != nil {
		return nil, fmt.Errorf("read patch: %w", err)
	}
	cs, err := changeset.ParseUnified(string(data), spec.Intent)
	if err != nil {
		return nil, err
	}
	return &runner.Proposal{ChangeSet: cs}, nil
}

// =============================================================================
// Command Suite
// =============================================================================

// commandSuite runs one verification command inside the workspace. The
// command is the whole suite, so subset re-runs repeat it in full.
type commandSuite struct {
	command []string
}

func newCommandSuite(command []string) *commandSuite {
	return &commandSuite{command: command}
}

func (s *commandSuite) Run(ctx context.Context, workspaceRoot string) (*evaluate.SuiteResult, error) {
	if len(s.command) == 0 {
		return nil, fmt.Errorf("no verify command configured")
	}
	cmd := exec.CommandContext(ctx, s.command[0], s.command[1:]...)
	cmd.Dir = workspaceRoot
	output, err := cmd.CombinedOutput()
	if err == nil {
		return &evaluate.SuiteResult{Passed: true}, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return &evaluate.SuiteResult{
		Failures: []evaluate.TestFailure{{TestID: "verify", Output: string(output)}},
	}, nil
}

func (s *commandSuite) RunSubset(ctx context.Context, workspaceRoot string, _ []string) (*evaluate.SuiteResult, error) {
	return s.Run(ctx, workspaceRoot)
}

// =============================================================================
// Judge
// =============================================================================

// passFailJudge scores 1.0 on a passing evaluation and 0 otherwise. A nil
// evaluation (dry-run) counts as passing.
type passFailJudge struct{}

func (passFailJudge) Score(_ context.Context, _ *workspace.Workspace, eval *evaluate.Result) (float64, error) {
	if eval == nil || eval.Passed {
		return 1.0, nil
	}
	return 0, nil
}
