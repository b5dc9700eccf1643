// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package evaluate hardens the verification signal the loop controller
// decides on.
//
// # Description
//
// A raw suite run is a noisy oracle. The Hardener retries failing subsets
// with jitter to shake out flaky failures, buckets what remains by failure
// signature, and reports a confidence score so downstream consumers can
// discount low-information verdicts instead of acting on them.
package evaluate

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// ErrNoSuite indicates the hardener was built without a verification suite.
var ErrNoSuite = errors.New("no verification suite configured")

// =============================================================================
// Suite Collaborator
// =============================================================================

// TestFailure is one failing test with its raw output.
type TestFailure struct {
	// TestID identifies the test within the suite.
	TestID string

	// Output is the raw failure output used for bucket classification.
	Output string
}

// SuiteResult is the outcome of one suite (or subset) run.
type SuiteResult struct {
	// Passed indicates every executed test passed.
	Passed bool

	// Failures lists the failing tests.
	Failures []TestFailure
}

// Suite is the verification collaborator boundary. Implementations run the
// project's build, tests, linters, whatever the task's verification policy
// says, inside a workspace root.
type Suite interface {
	// Run executes the full suite.
	Run(ctx context.Context, workspaceRoot string) (*SuiteResult, error)

	// RunSubset re-executes only the named tests.
	RunSubset(ctx context.Context, workspaceRoot string, testIDs []string) (*SuiteResult, error)
}

// =============================================================================
// Result
// =============================================================================

// Result is the hardened evaluation verdict.
type Result struct {
	// Passed is the final verdict after retries.
	Passed bool

	// FailureBuckets counts every test that failed at least once, per
	// bucket. A flaky pass still reports the buckets of the attempts that
	// failed. Empty only when the first run was clean.
	FailureBuckets map[FailureBucket]int

	// Failures lists the persistent failing tests.
	Failures []TestFailure

	// FlakyTests lists tests that failed and then passed on retry.
	FlakyTests []string

	// Confidence is the fraction of attempts that agree with the final
	// verdict, in (0, 1]. A clean first run has confidence 1.0.
	Confidence float64

	// RetriesPerformed counts subset re-runs beyond the initial attempt.
	RetriesPerformed int

	// Duration covers the whole hardened evaluation.
	Duration time.Duration
}

// LowConfidence reports whether the verdict came from disagreeing attempts.
func (r *Result) LowConfidence() bool {
	return r.Confidence < 1.0
}

// =============================================================================
// Hardener
// =============================================================================

// Config tunes retry behavior.
type Config struct {
	// MaxRetries is how many subset re-runs a failing suite gets beyond
	// the initial attempt (default 2).
	MaxRetries int `yaml:"max_retries"`

	// Jitter is the upper bound of the random delay before each retry
	// (default 1s). Zero disables the delay.
	Jitter time.Duration `yaml:"jitter"`
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 2,
		Jitter:     time.Second,
	}
}

// Hardener runs a suite with flakiness hardening.
//
// # Thread Safety
//
// Hardener is not safe for concurrent use: the injected rand source is
// unsynchronized. Use one Hardener per task.
type Hardener struct {
	config Config
	suite  Suite
	logger *slog.Logger
	rng    *rand.Rand
}

// NewHardener creates a hardener around a verification suite.
//
// # Inputs
//
//   - config: Retry policy. Zero-valued fields fall back to defaults.
//   - suite: The verification collaborator. Required.
//   - rng: Random source for retry jitter. Nil seeds from the clock;
//     tests inject a fixed seed for determinism.
//   - logger: Structured logger. Nil falls back to slog.Default().
func NewHardener(config Config, suite Suite, rng *rand.Rand, logger *slog.Logger) *Hardener {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hardener{config: config, suite: suite, logger: logger, rng: rng}
}

// Evaluate runs the suite and hardens the verdict.
//
// # Description
//
// Runs the full suite once. On failure, the failing subset is re-run up to
// MaxRetries more times with bounded random jitter between attempts,
// stopping early once the subset passes. The final attempt decides the
// verdict; Confidence is the fraction of attempts agreeing with it, so a
// fail-then-pass sequence yields Passed with Confidence 0.5. Every test
// that failed on any attempt is bucketed by signature, so a flaky pass
// still carries the buckets of the failures it recovered from. Cancelling
// the context aborts mid-retry.
//
// # Outputs
//
//   - *Result: The hardened verdict.
//   - error: Non-nil on suite infrastructure errors or cancellation; the
//     verdict is meaningless in that case.
func (h *Hardener) Evaluate(ctx context.Context, workspaceRoot string) (*Result, error) {
	if h.suite == nil {
		return nil, ErrNoSuite
	}

	start := time.Now()
	first, err := h.suite.Run(ctx, workspaceRoot)
	if err != nil {
		return nil, err
	}

	verdicts := []bool{first.Passed}
	lastFailures := first.Failures
	firstOutput := make(map[string]string, len(first.Failures))
	for _, f := range first.Failures {
		firstOutput[f.TestID] = f.Output
	}

	retries := 0
	for !verdicts[len(verdicts)-1] && retries < h.config.MaxRetries {
		if err := h.jitterWait(ctx); err != nil {
			return nil, err
		}

		subset := failureIDs(lastFailures)
		h.logger.Debug("retrying failing subset",
			slog.Int("attempt", retries+2),
			slog.Int("tests", len(subset)),
		)

		result, err := h.suite.RunSubset(ctx, workspaceRoot, subset)
		if err != nil {
			return nil, err
		}
		retries++
		verdicts = append(verdicts, result.Passed)
		lastFailures = result.Failures
		for _, f := range result.Failures {
			if _, seen := firstOutput[f.TestID]; !seen {
				firstOutput[f.TestID] = f.Output
			}
		}
	}

	final := verdicts[len(verdicts)-1]
	agreeing := 0
	for _, v := range verdicts {
		if v == final {
			agreeing++
		}
	}

	result := &Result{
		Passed:           final,
		Failures:         lastFailures,
		Confidence:       float64(agreeing) / float64(len(verdicts)),
		RetriesPerformed: retries,
		Duration:         time.Since(start),
	}

	if len(firstOutput) > 0 {
		result.FailureBuckets = make(map[FailureBucket]int, len(firstOutput))
		for _, output := range firstOutput {
			result.FailureBuckets[classifyFailure(output)]++
		}
	}

	if final {
		for id := range firstOutput {
			result.FlakyTests = append(result.FlakyTests, id)
		}
	} else {
		persistent := make(map[string]bool, len(lastFailures))
		for _, f := range lastFailures {
			persistent[f.TestID] = true
		}
		for id := range firstOutput {
			if !persistent[id] {
				result.FlakyTests = append(result.FlakyTests, id)
			}
		}
	}

	h.logger.Info("evaluation hardened",
		slog.Bool("passed", result.Passed),
		slog.Float64("confidence", result.Confidence),
		slog.Int("retries", result.RetriesPerformed),
		slog.Int("flaky", len(result.FlakyTests)),
	)
	recordEvaluateMetric(result.Passed, result.Confidence, result.RetriesPerformed, time.Since(start))
	return result, nil
}

// jitterWait sleeps a random duration bounded by the configured jitter,
// honoring cancellation.
func (h *Hardener) jitterWait(ctx context.Context) error {
	if h.config.Jitter <= 0 {
		return ctx.Err()
	}
	delay := time.Duration(h.rng.Int63n(int64(h.config.Jitter)))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// failureIDs extracts the test ids from a failure list.
func failureIDs(failures []TestFailure) []string {
	ids := make([]string, 0, len(failures))
	for _, f := range failures {
		ids = append(ids, f.TestID)
	}
	return ids
}
