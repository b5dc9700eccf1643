// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "auto", cfg.Runner.Mode)
	assert.Equal(t, 4, cfg.Runner.Parallelism)
	assert.Equal(t, 5, cfg.Control.MaxIterations)
	assert.Equal(t, 0.02, cfg.Control.Epsilon)
	assert.Equal(t, 2, cfg.Evaluate.MaxRetries)
	assert.Equal(t, 8, cfg.Frontier.MaxPerParent)
	assert.True(t, cfg.Budget.Waivers.AutoApproveLowRisk)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
runner:
  mode: strict
  parallelism: 2
control:
  max_iterations: 9
  epsilon: 0.05
budget:
  default_envelope:
    max_files: 3
    allowed_paths:
      - pkg/auth/**
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "strict", cfg.Runner.Mode)
	assert.Equal(t, 2, cfg.Runner.Parallelism)
	assert.Equal(t, 9, cfg.Control.MaxIterations)
	assert.Equal(t, 0.05, cfg.Control.Epsilon)
	assert.Equal(t, 3, cfg.Budget.DefaultEnvelope.MaxFiles)
	assert.Equal(t, []string{"pkg/auth/**"}, cfg.Budget.DefaultEnvelope.AllowedPaths)

	// Untouched sections keep their defaults.
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 2, cfg.Evaluate.MaxRetries)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad mode", "runner:\n  mode: yolo\n"},
		{"zero parallelism", "runner:\n  mode: auto\n  parallelism: 0\n"},
		{"bad log level", "logging:\n  level: loud\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "engine.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
