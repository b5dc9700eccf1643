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
	"log/slog"
	"strings"

	"github.com/AleutianAI/autoloop/services/engine/changeset"
)

// =============================================================================
// Risk Levels
// =============================================================================

// RiskLevel classifies how serious a budget violation is.
type RiskLevel string

const (
	// RiskLow marks small overages confined to the task's module; these may
	// auto-approve per policy.
	RiskLow RiskLevel = "low"

	// RiskHigh marks everything else; these require an external approval.
	RiskHigh RiskLevel = "high"
)

// String returns the string representation of the risk level.
func (r RiskLevel) String() string {
	return string(r)
}

// =============================================================================
// Violation
// =============================================================================

// Violation describes how a changeset exceeds its scope envelope.
type Violation struct {
	// FileCount is the number of files the changeset touches.
	FileCount int

	// FileOverage is how many files exceed MaxFiles (0 if within budget).
	FileOverage int

	// LinesChanged is the total changed-line count.
	LinesChanged int

	// LineOverage is how many lines exceed MaxLinesChanged (0 if within).
	LineOverage int

	// OutOfScopePaths lists paths that fall outside the allow-list.
	OutOfScopePaths []string

	// Risk is the computed classification.
	Risk RiskLevel

	// Details are human-readable violation descriptions.
	Details []string
}

// String summarizes the violation for logs and waiver requests.
func (v *Violation) String() string {
	return fmt.Sprintf("budget violation (risk=%s): %s", v.Risk, strings.Join(v.Details, "; "))
}

// =============================================================================
// Gate
// =============================================================================

// GateConfig tunes violation risk classification.
type GateConfig struct {
	// LowRiskOverageFraction is the maximum overage, as a fraction of the
	// violated budget dimension, still classified RiskLow (default 0.10).
	LowRiskOverageFraction float64
}

// DefaultGateConfig returns the default classification policy.
func DefaultGateConfig() GateConfig {
	return GateConfig{LowRiskOverageFraction: 0.10}
}

// Gate validates changesets against scope envelopes.
//
// # Thread Safety
//
// Gate is stateless after construction and safe for concurrent use.
type Gate struct {
	config GateConfig
	logger *slog.Logger
}

// NewGate creates a budget gate.
func NewGate(config GateConfig, logger *slog.Logger) *Gate {
	if config.LowRiskOverageFraction <= 0 {
		config.LowRiskOverageFraction = DefaultGateConfig().LowRiskOverageFraction
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{config: config, logger: logger}
}

// Validate checks a changeset against an envelope.
//
// # Description
//
// Checks file count, total changed-line count, and path allow-list
// membership. Returns nil when the changeset is within budget, otherwise a
// Violation with a deterministically computed risk level. Validation never
// fails the task by itself; callers route the violation through the waiver
// workflow.
//
// # Inputs
//
//   - cs: The proposed changeset.
//   - env: The task's scope envelope. A nil envelope admits everything.
//
// # Outputs
//
//   - *Violation: Non-nil when the changeset exceeds the envelope.
func (g *Gate) Validate(cs *changeset.ChangeSet, env *ScopeEnvelope) *Violation {
	if env == nil {
		return nil
	}

	v := &Violation{
		FileCount:    cs.FileCount(),
		LinesChanged: cs.EffectiveLines(),
	}

	if env.MaxFiles > 0 && v.FileCount > env.MaxFiles {
		v.FileOverage = v.FileCount - env.MaxFiles
		v.Details = append(v.Details,
			fmt.Sprintf("%d files changed, budget allows %d", v.FileCount, env.MaxFiles))
	}
	if env.MaxLinesChanged > 0 && v.LinesChanged > env.MaxLinesChanged {
		v.LineOverage = v.LinesChanged - env.MaxLinesChanged
		v.Details = append(v.Details,
			fmt.Sprintf("%d lines changed, budget allows %d", v.LinesChanged, env.MaxLinesChanged))
	}
	for _, path := range cs.Paths() {
		if !env.Allows(path) {
			v.OutOfScopePaths = append(v.OutOfScopePaths, path)
		}
	}
	if len(v.OutOfScopePaths) > 0 {
		v.Details = append(v.Details,
			fmt.Sprintf("paths outside allow-list: %s", strings.Join(v.OutOfScopePaths, ", ")))
	}

	if len(v.Details) == 0 {
		return nil
	}

	v.Risk = g.classify(v, env)
	g.logger.Warn("budget violation detected",
		slog.String("risk", v.Risk.String()),
		slog.Int("file_overage", v.FileOverage),
		slog.Int("line_overage", v.LineOverage),
		slog.Int("out_of_scope", len(v.OutOfScopePaths)),
	)
	recordViolationMetric(v.Risk)
	return v
}

// classify computes the risk level for a violation.
//
// The boundary is deterministic: an overage at exactly the configured
// fraction of the budget is still RiskLow, anything beyond it is RiskHigh.
// Any out-of-scope path that leaves the envelope's module root forces
// RiskHigh regardless of overage size.
func (g *Gate) classify(v *Violation, env *ScopeEnvelope) RiskLevel {
	moduleRoot := env.ModuleRoot()
	for _, path := range v.OutOfScopePaths {
		if moduleRoot == "" || !strings.HasPrefix(path, moduleRoot+"/") {
			return RiskHigh
		}
	}

	if env.MaxFiles > 0 {
		limit := g.config.LowRiskOverageFraction * float64(env.MaxFiles)
		if float64(v.FileOverage) > limit {
			return RiskHigh
		}
	}
	if env.MaxLinesChanged > 0 {
		limit := g.config.LowRiskOverageFraction * float64(env.MaxLinesChanged)
		if float64(v.LineOverage) > limit {
			return RiskHigh
		}
	}
	return RiskLow
}
