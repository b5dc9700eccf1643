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
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/autoloop/services/engine/budget"
	"github.com/AleutianAI/autoloop/services/engine/frontier"
)

// taskFile is the YAML work description the run command consumes.
//
// Example:
//
//	verify:
//	  command: ["go", "test", "./..."]
//	tasks:
//	  - id: fix-parser
//	    intent: "fix tokenizer off-by-one"
//	    target_paths: [internal/parser/lexer.go]
//	    patches: [patches/fix-parser-1.diff, patches/fix-parser-2.diff]
//	    scope:
//	      max_files: 3
//	      allowed_paths: [internal/parser/**]
type taskFile struct {
	Verify struct {
		// Command is run inside the workspace; a zero exit code passes.
		Command []string `yaml:"command"`
	} `yaml:"verify"`
	Tasks []taskSpec `yaml:"tasks"`

	// dir is where the file lives; patch paths resolve against it.
	dir string
}

type taskSpec struct {
	ID          string                `yaml:"id"`
	Intent      string                `yaml:"intent"`
	Priority    int                   `yaml:"priority"`
	TargetPaths []string              `yaml:"target_paths"`
	DependsOn   []string              `yaml:"depends_on"`
	Patches     []string              `yaml:"patches"`
	Scope       *budget.ScopeEnvelope `yaml:"scope"`
}

// loadTaskFile reads and sanity-checks a task file.
func loadTaskFile(path string) (*taskFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	var tf taskFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse task file %s: %w", path, err)
	}
	if len(tf.Tasks) == 0 {
		return nil, fmt.Errorf("task file %s declares no tasks", path)
	}
	seen := make(map[string]bool, len(tf.Tasks))
	for i, task := range tf.Tasks {
		if task.ID == "" {
			return nil, fmt.Errorf("task %d has no id", i)
		}
		if seen[task.ID] {
			return nil, fmt.Errorf("duplicate task id %q", task.ID)
		}
		seen[task.ID] = true
		if len(task.Patches) == 0 {
			return nil, fmt.Errorf("task %s has no patches", task.ID)
		}
	}
	tf.dir = filepath.Dir(path)
	return &tf, nil
}

// frontierTasks converts the specs to frontier submissions.
func (tf *taskFile) frontierTasks() []*frontier.Task {
	tasks := make([]*frontier.Task, 0, len(tf.Tasks))
	for _, spec := range tf.Tasks {
		tasks = append(tasks, &frontier.Task{
			ID:          spec.ID,
			Intent:      spec.Intent,
			Priority:    spec.Priority,
			TargetPaths: spec.TargetPaths,
			DependsOn:   spec.DependsOn,
			Scope:       spec.Scope,
		})
	}
	return tasks
}

// patchPath resolves a patch reference against the task file's directory.
func (tf *taskFile) patchPath(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(tf.dir, rel)
}
