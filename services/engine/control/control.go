// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package control decides whether a task's iteration loop keeps running.
//
// # Description
//
// The Controller is a state machine fed one IterationRecord per completed
// iteration. It stops loops that plateau, make no progress, exhaust their
// ceiling, or reach a good-enough score, and escalates persistent score
// regressions to a human. Hysteresis keeps it stable under score noise: a
// single sub-threshold delta never stops a loop, only a full window of them
// does.
//
// # Thread Safety
//
// Controller is not safe for concurrent use. Iterations within a task are
// strictly sequential, so each task owns one Controller.
package control

import (
	"log/slog"
	"math"
	"time"
)

// =============================================================================
// States and Reasons
// =============================================================================

// State is the controller's lifecycle state.
type State string

const (
	// StateRunning means the loop continues.
	StateRunning State = "running"

	// StateWaitingWaiver means the loop is parked on a pending waiver.
	// Time spent here does not consume the iteration ceiling.
	StateWaitingWaiver State = "waiting_waiver"

	// StateStopped is terminal: the loop ended without human involvement.
	StateStopped State = "stopped"

	// StateEscalated is terminal: the loop ended and a human should look.
	StateEscalated State = "escalated"
)

// StopReason explains a terminal state.
type StopReason string

const (
	// ReasonPlateau means a full window of deltas stayed below epsilon.
	ReasonPlateau StopReason = "plateau"

	// ReasonNoProgress means an iteration produced a zero-effective diff
	// or repeated an earlier changeset verbatim.
	ReasonNoProgress StopReason = "no_progress"

	// ReasonMaxIterations means the hard ceiling was reached.
	ReasonMaxIterations StopReason = "max_iterations"

	// ReasonSatisficed means the evaluation passed and the score met the
	// target; further iteration would be churn.
	ReasonSatisficed StopReason = "satisficed"

	// ReasonRegression means the score regressed on consecutive
	// iterations.
	ReasonRegression StopReason = "regression"

	// ReasonBudgetDenied means a waiver was denied.
	ReasonBudgetDenied StopReason = "budget_denied"

	// ReasonCancelled means the runner cancelled the task.
	ReasonCancelled StopReason = "cancelled"
)

// =============================================================================
// Iteration Records
// =============================================================================

// DiffStats summarizes one iteration's changeset.
type DiffStats struct {
	Files        int
	LinesAdded   int
	LinesRemoved int
}

// EffectiveLines is the total changed-line count.
func (d DiffStats) EffectiveLines() int {
	return d.LinesAdded + d.LinesRemoved
}

// EvalSummary is the slice of the hardened evaluation the controller
// decides on.
type EvalSummary struct {
	Passed         bool
	Confidence     float64
	FailureBuckets map[string]int
}

// IterationRecord is one completed iteration's outcome. The controller's
// history of records is append-only.
type IterationRecord struct {
	// Iteration is the 1-based iteration number, assigned by the
	// controller.
	Iteration int

	// Score is the judge's score for this iteration, higher is better.
	Score float64

	// Diff summarizes the applied changeset.
	Diff DiffStats

	// Fingerprint is the applied changeset's content fingerprint.
	Fingerprint string

	// Eval is the hardened evaluation verdict.
	Eval EvalSummary

	// ObservedAt is when the controller recorded the iteration.
	ObservedAt time.Time
}

// =============================================================================
// Decision
// =============================================================================

// Decision is the controller's verdict after an iteration.
type Decision struct {
	// State is the resulting lifecycle state.
	State State

	// Reason explains terminal states; empty while running.
	Reason StopReason

	// Final is the last observed iteration, populated on terminal
	// decisions so consumers get the closing diff stats and failure
	// buckets without replaying history.
	Final *IterationRecord
}

// Terminal reports whether the decision ends the loop.
func (d Decision) Terminal() bool {
	return d.State == StateStopped || d.State == StateEscalated
}

// =============================================================================
// Controller
// =============================================================================

// Config tunes stopping behavior.
type Config struct {
	// MaxIterations is the hard ceiling (default 5).
	MaxIterations int `yaml:"max_iterations"`

	// Epsilon is the minimum score delta that counts as improvement
	// (default 0.02).
	Epsilon float64 `yaml:"epsilon"`

	// Window is how many consecutive sub-epsilon deltas trigger a plateau
	// stop (default 3).
	Window int `yaml:"window"`

	// RegressionFraction is the relative score drop that counts as a
	// regression (default 0.05). Two consecutive regressions escalate.
	RegressionFraction float64 `yaml:"regression_fraction"`

	// TargetScore stops the loop with Satisficed once the evaluation
	// passes and the score reaches it. Zero disables satisficing.
	TargetScore float64 `yaml:"target_score"`
}

// DefaultConfig returns the default stopping policy.
func DefaultConfig() Config {
	return Config{
		MaxIterations:      5,
		Epsilon:            0.02,
		Window:             3,
		RegressionFraction: 0.05,
	}
}

// Controller is the per-task loop state machine.
type Controller struct {
	config Config
	logger *slog.Logger

	state  State
	reason StopReason

	history      []IterationRecord
	fingerprints map[string]bool

	// regressionStreak counts consecutive confident score drops.
	regressionStreak int
}

// NewController creates a controller in the Running state.
func NewController(config Config, logger *slog.Logger) *Controller {
	if config.MaxIterations <= 0 {
		config.MaxIterations = DefaultConfig().MaxIterations
	}
	if config.Epsilon <= 0 {
		config.Epsilon = DefaultConfig().Epsilon
	}
	if config.Window <= 0 {
		config.Window = DefaultConfig().Window
	}
	if config.RegressionFraction <= 0 {
		config.RegressionFraction = DefaultConfig().RegressionFraction
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		config:       config,
		logger:       logger,
		state:        StateRunning,
		fingerprints: make(map[string]bool),
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return c.state
}

// History returns the append-only iteration history.
func (c *Controller) History() []IterationRecord {
	out := make([]IterationRecord, len(c.history))
	copy(out, c.history)
	return out
}

// Observe records a completed iteration and decides whether to continue.
//
// # Description
//
// Checks run in order of how cheaply they falsify further iteration:
// no-progress short-circuits immediately, then satisficing, regression
// escalation, plateau hysteresis, and last the hard ceiling. Terminal
// states are sticky; observing after a terminal decision returns the same
// decision without recording.
func (c *Controller) Observe(rec IterationRecord) Decision {
	if c.terminal() {
		return c.decision()
	}

	rec.Iteration = len(c.history) + 1
	rec.ObservedAt = time.Now()
	c.history = append(c.history, rec)

	if rec.Diff.EffectiveLines() == 0 || c.fingerprints[rec.Fingerprint] {
		return c.stop(StateStopped, ReasonNoProgress)
	}
	c.fingerprints[rec.Fingerprint] = true

	if c.config.TargetScore > 0 && rec.Eval.Passed && rec.Score >= c.config.TargetScore {
		return c.stop(StateStopped, ReasonSatisficed)
	}

	if c.regressed(rec) {
		c.regressionStreak++
		if c.regressionStreak >= 2 {
			return c.stop(StateEscalated, ReasonRegression)
		}
	} else {
		c.regressionStreak = 0
	}

	if c.plateaued() {
		return c.stop(StateStopped, ReasonPlateau)
	}

	if len(c.history) >= c.config.MaxIterations {
		return c.stop(StateStopped, ReasonMaxIterations)
	}

	return c.decision()
}

// BeginWaiverWait parks a running loop on a pending waiver. Iterations are
// not observed while waiting, so the ceiling is not consumed.
func (c *Controller) BeginWaiverWait() {
	if c.state == StateRunning {
		c.state = StateWaitingWaiver
	}
}

// ResolveWaiver resumes the loop or terminates it on denial.
func (c *Controller) ResolveWaiver(granted bool) Decision {
	if c.terminal() {
		return c.decision()
	}
	if granted {
		c.state = StateRunning
		return c.decision()
	}
	return c.stop(StateStopped, ReasonBudgetDenied)
}

// Cancel terminates the loop from the outside.
func (c *Controller) Cancel() Decision {
	if c.terminal() {
		return c.decision()
	}
	return c.stop(StateStopped, ReasonCancelled)
}

// regressed reports whether the newest record is a confident score drop
// beyond the regression fraction. Low-confidence evaluations never count:
// a flaky verdict is not evidence the change made things worse.
func (c *Controller) regressed(rec IterationRecord) bool {
	if len(c.history) < 2 {
		return false
	}
	if rec.Eval.Confidence < 1.0 {
		return false
	}
	prev := c.history[len(c.history)-2].Score
	if prev <= 0 {
		return false
	}
	return (prev-rec.Score)/math.Abs(prev) > c.config.RegressionFraction
}

// plateaued reports whether the last Window score deltas all stayed below
// epsilon in absolute value.
func (c *Controller) plateaued() bool {
	if len(c.history) < c.config.Window+1 {
		return false
	}
	start := len(c.history) - c.config.Window
	for i := start; i < len(c.history); i++ {
		delta := c.history[i].Score - c.history[i-1].Score
		if math.Abs(delta) >= c.config.Epsilon {
			return false
		}
	}
	return true
}

func (c *Controller) terminal() bool {
	return c.state == StateStopped || c.state == StateEscalated
}

func (c *Controller) stop(state State, reason StopReason) Decision {
	c.state = state
	c.reason = reason
	c.logger.Info("loop terminal",
		slog.String("state", string(state)),
		slog.String("reason", string(reason)),
		slog.Int("iterations", len(c.history)),
	)
	recordDecisionMetric(state, reason)
	return c.decision()
}

func (c *Controller) decision() Decision {
	d := Decision{State: c.state, Reason: c.reason}
	if d.Terminal() && len(c.history) > 0 {
		final := c.history[len(c.history)-1]
		d.Final = &final
	}
	return d
}
