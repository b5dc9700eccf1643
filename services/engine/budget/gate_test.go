// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package budget

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/autoloop/services/engine/changeset"
)

// makeChangeSet builds a changeset touching the given paths with one
// added line per file.
func makeChangeSet(paths ...string) *changeset.ChangeSet {
	cs := &changeset.ChangeSet{Intent: "test change"}
	for _, p := range paths {
		cs.Patches = append(cs.Patches, &changeset.Patch{
			Path: p,
			Hunks: []*changeset.Hunk{{
				OldStart: 1, OldCount: 0, NewStart: 1, NewCount: 1,
				Lines: []changeset.Line{{Type: changeset.LineAdded, Content: "x"}},
			}},
		})
	}
	return cs
}

// makeLineChangeSet builds a single-file changeset with the given number
// of added lines.
func makeLineChangeSet(path string, added int) *changeset.ChangeSet {
	hunk := &changeset.Hunk{OldStart: 1, NewStart: 1, NewCount: added}
	for i := 0; i < added; i++ {
		hunk.Lines = append(hunk.Lines, changeset.Line{
			Type:    changeset.LineAdded,
			Content: fmt.Sprintf("line %d", i),
		})
	}
	return &changeset.ChangeSet{
		Intent:  "test change",
		Patches: []*changeset.Patch{{Path: path, Hunks: []*changeset.Hunk{hunk}}},
	}
}

func TestGate_Validate_WithinBudget(t *testing.T) {
	gate := NewGate(DefaultGateConfig(), nil)
	env := &ScopeEnvelope{
		MaxFiles:        3,
		MaxLinesChanged: 100,
		AllowedPaths:    []string{"pkg/auth/**"},
	}

	cs := makeChangeSet("pkg/auth/handler.go", "pkg/auth/token.go")
	assert.Nil(t, gate.Validate(cs, env))
}

func TestGate_Validate_NilEnvelopeAdmitsEverything(t *testing.T) {
	gate := NewGate(DefaultGateConfig(), nil)
	cs := makeChangeSet("a.go", "b.go", "c.go", "d.go")
	assert.Nil(t, gate.Validate(cs, nil))
}

func TestGate_Validate_FileOverage(t *testing.T) {
	gate := NewGate(DefaultGateConfig(), nil)
	env := &ScopeEnvelope{MaxFiles: 3, AllowedPaths: []string{"pkg/auth/**"}}

	t.Run("four files against budget of three is a violation", func(t *testing.T) {
		cs := makeChangeSet(
			"pkg/auth/a.go", "pkg/auth/b.go", "pkg/auth/c.go", "pkg/auth/d.go",
		)
		v := gate.Validate(cs, env)
		require.NotNil(t, v)
		assert.Equal(t, 4, v.FileCount)
		assert.Equal(t, 1, v.FileOverage)
	})

	t.Run("one file over a small budget is high risk", func(t *testing.T) {
		// One extra file is a 33% overage on MaxFiles=3, well past the
		// 10% low-risk boundary.
		cs := makeChangeSet(
			"pkg/auth/a.go", "pkg/auth/b.go", "pkg/auth/c.go", "pkg/auth/d.go",
		)
		v := gate.Validate(cs, env)
		require.NotNil(t, v)
		assert.Equal(t, RiskHigh, v.Risk)
	})
}

func TestGate_Validate_LineOverageBoundary(t *testing.T) {
	gate := NewGate(DefaultGateConfig(), nil)
	env := &ScopeEnvelope{MaxLinesChanged: 100, AllowedPaths: []string{"pkg/auth/**"}}

	t.Run("exactly at the fraction stays low risk", func(t *testing.T) {
		// 110 lines against a budget of 100 is exactly the 10% boundary.
		v := gate.Validate(makeLineChangeSet("pkg/auth/a.go", 110), env)
		require.NotNil(t, v)
		assert.Equal(t, 10, v.LineOverage)
		assert.Equal(t, RiskLow, v.Risk)
	})

	t.Run("one past the fraction is high risk", func(t *testing.T) {
		v := gate.Validate(makeLineChangeSet("pkg/auth/a.go", 111), env)
		require.NotNil(t, v)
		assert.Equal(t, RiskHigh, v.Risk)
	})

	t.Run("boundary classification is deterministic", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			v := gate.Validate(makeLineChangeSet("pkg/auth/a.go", 110), env)
			require.NotNil(t, v)
			assert.Equal(t, RiskLow, v.Risk)
		}
	})
}

func TestGate_Validate_OutOfScopePaths(t *testing.T) {
	gate := NewGate(DefaultGateConfig(), nil)

	t.Run("path outside module root is high risk", func(t *testing.T) {
		env := &ScopeEnvelope{MaxFiles: 10, AllowedPaths: []string{"pkg/auth/**"}}
		cs := makeChangeSet("pkg/auth/a.go", "cmd/server/main.go")
		v := gate.Validate(cs, env)
		require.NotNil(t, v)
		assert.Equal(t, []string{"cmd/server/main.go"}, v.OutOfScopePaths)
		assert.Equal(t, RiskHigh, v.Risk)
	})

	t.Run("path inside module root but outside allow-list is low risk", func(t *testing.T) {
		env := &ScopeEnvelope{MaxFiles: 10, AllowedPaths: []string{"pkg/auth/handlers/**"}}
		cs := makeChangeSet("pkg/auth/handlers/a.go")
		cs.Patches = append(cs.Patches, &changeset.Patch{
			Path: "pkg/auth/handlers/sub/b.go",
			Hunks: []*changeset.Hunk{{
				OldStart: 1, NewStart: 1, NewCount: 1,
				Lines: []changeset.Line{{Type: changeset.LineAdded, Content: "y"}},
			}},
		})
		// Both paths match "pkg/auth/handlers/**", so only wedge in a path
		// inside the root that the list does not cover.
		env = &ScopeEnvelope{MaxFiles: 10, AllowedPaths: []string{"pkg/auth/handlers/a.go"}}
		v := gate.Validate(cs, env)
		require.NotNil(t, v)
		assert.Equal(t, []string{"pkg/auth/handlers/sub/b.go"}, v.OutOfScopePaths)
		assert.Equal(t, RiskLow, v.Risk)
	})
}

func TestScopeEnvelope_Allows(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		path    string
		want    bool
	}{
		{"recursive matches deep path", "pkg/auth/**", "pkg/auth/sub/deep.go", true},
		{"recursive matches direct child", "pkg/auth/**", "pkg/auth/a.go", true},
		{"recursive rejects sibling", "pkg/auth/**", "pkg/other/a.go", false},
		{"single level matches direct child", "pkg/auth/*", "pkg/auth/a.go", true},
		{"single level rejects deep path", "pkg/auth/*", "pkg/auth/sub/a.go", false},
		{"exact matches itself", "pkg/auth/a.go", "pkg/auth/a.go", true},
		{"exact rejects other file", "pkg/auth/a.go", "pkg/auth/b.go", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := &ScopeEnvelope{AllowedPaths: []string{tt.pattern}}
			assert.Equal(t, tt.want, env.Allows(tt.path))
		})
	}

	t.Run("empty allow-list admits everything", func(t *testing.T) {
		env := &ScopeEnvelope{}
		assert.True(t, env.Allows("anything/at/all.go"))
	})
}

func TestScopeEnvelope_ModuleRoot(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		want     string
	}{
		{"single recursive pattern", []string{"pkg/auth/**"}, "pkg/auth"},
		{"shared prefix", []string{"pkg/auth/**", "pkg/auth/handlers/*"}, "pkg/auth"},
		{"divergent prefixes share pkg", []string{"pkg/auth/**", "pkg/db/**"}, "pkg"},
		{"no common root", []string{"pkg/auth/**", "cmd/server/**"}, ""},
		{"exact file pattern uses its directory", []string{"pkg/auth/a.go"}, "pkg/auth"},
		{"empty list has no root", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := &ScopeEnvelope{AllowedPaths: tt.patterns}
			assert.Equal(t, tt.want, env.ModuleRoot())
		})
	}
}
