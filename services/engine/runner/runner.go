// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runner drives the per-task iteration pipeline.
//
// # Description
//
// Each task runs candidate changesets through the same spine: propose,
// budget gate (with the waiver path), workspace apply, hardened evaluation,
// judge score, loop decision. Iterations within a task are strictly
// sequential; tasks run in parallel bounded by the configured parallelism.
// Sub-tasks a proposal spawns go back to the frontier, never directly to a
// runner.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/autoloop/services/engine/audit"
	"github.com/AleutianAI/autoloop/services/engine/budget"
	"github.com/AleutianAI/autoloop/services/engine/changeset"
	"github.com/AleutianAI/autoloop/services/engine/config"
	"github.com/AleutianAI/autoloop/services/engine/control"
	"github.com/AleutianAI/autoloop/services/engine/evaluate"
	"github.com/AleutianAI/autoloop/services/engine/frontier"
	"github.com/AleutianAI/autoloop/services/engine/workspace"
)

// =============================================================================
// Run Modes
// =============================================================================

// Mode is the approval mode for applies.
type Mode string

const (
	// ModeStrict requires external approval before every apply.
	ModeStrict Mode = "strict"

	// ModeAuto applies without per-changeset approval.
	ModeAuto Mode = "auto"

	// ModeDryRun validates and decides but never applies.
	ModeDryRun Mode = "dry-run"
)

// =============================================================================
// Collaborator Boundaries
// =============================================================================

// Proposal is one iteration's candidate change plus any sub-tasks the
// proposing collaborator wants spawned.
type Proposal struct {
	// ChangeSet is the candidate change. Required.
	ChangeSet *changeset.ChangeSet

	// Spawn lists sub-tasks to submit to the frontier.
	Spawn []*frontier.Task
}

// Proposer produces candidate changesets. Typically backed by a model; the
// engine only sees the boundary.
type Proposer interface {
	Propose(ctx context.Context, task *frontier.Task, ws *workspace.Workspace,
		history []control.IterationRecord) (*Proposal, error)
}

// Judge scores the workspace after an evaluation. Higher is better. The
// evaluation result is nil in dry-run mode.
type Judge interface {
	Score(ctx context.Context, ws *workspace.Workspace, eval *evaluate.Result) (float64, error)
}

// ApplyApprover gates applies in strict mode.
type ApplyApprover interface {
	ApproveApply(ctx context.Context, task *frontier.Task, cs *changeset.ChangeSet) (bool, error)
}

// =============================================================================
// Runner
// =============================================================================

// Deps wires the runner's collaborators.
type Deps struct {
	Workspaces *workspace.Manager
	Gate       *budget.Gate
	Waivers    *budget.Workflow
	Frontier   *frontier.Frontier
	Proposer   Proposer
	Judge      Judge
	Suite      evaluate.Suite
	Approver   ApplyApprover
	Emitter    audit.Emitter
	Logger     *slog.Logger
}

// Runner executes frontier tasks against one project root.
type Runner struct {
	cfg           config.RunnerConfig
	evalCfg       evaluate.Config
	controlCfg    control.Config
	defaultScope  *budget.ScopeEnvelope
	projectRoot   string
	deps          Deps
	mode          Mode
	activeWorkers atomic.Int64
}

// New creates a runner.
//
// # Inputs
//
//   - cfg: Full engine configuration; the runner reads its own section plus
//     the control, evaluate, and budget policies.
//   - projectRoot: Absolute path of the project under iteration.
//   - deps: Collaborators. Workspaces, Gate, Waivers, Frontier, Proposer,
//     Judge, and Suite are required; Approver only in strict mode; a nil
//     Emitter falls back to the nop emitter.
func New(cfg *config.Config, projectRoot string, deps Deps) (*Runner, error) {
	if deps.Workspaces == nil || deps.Gate == nil || deps.Waivers == nil ||
		deps.Frontier == nil || deps.Proposer == nil || deps.Judge == nil {
		return nil, errors.New("runner: missing required collaborator")
	}
	mode := Mode(cfg.Runner.Mode)
	if mode == ModeStrict && deps.Approver == nil {
		return nil, errors.New("runner: strict mode requires an apply approver")
	}
	if mode != ModeDryRun && deps.Suite == nil {
		return nil, errors.New("runner: missing verification suite")
	}
	if deps.Emitter == nil {
		deps.Emitter = audit.NopEmitter{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	var scope *budget.ScopeEnvelope
	if env := cfg.Budget.DefaultEnvelope; env.MaxFiles > 0 || env.MaxLinesChanged > 0 || len(env.AllowedPaths) > 0 {
		scope = &env
	}

	return &Runner{
		cfg:          cfg.Runner,
		evalCfg:      cfg.Evaluate,
		controlCfg:   cfg.Control,
		defaultScope: scope,
		projectRoot:  projectRoot,
		deps:         deps,
		mode:         mode,
	}, nil
}

// Run drains the frontier until it is empty or the context is cancelled.
//
// # Description
//
// A dispatcher loop pops ready tasks and hands each to a worker goroutine;
// a weighted semaphore bounds the workers at the configured parallelism.
// Worker failures are task failures, not Run failures: Run returns non-nil
// only on cancellation.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(r.cfg.Parallelism))

	for {
		select {
		case <-gctx.Done():
			g.Wait()
			return gctx.Err()
		default:
		}

		task := r.deps.Frontier.Next()
		if task == nil {
			if r.activeWorkers.Load() == 0 {
				break
			}
			// Workers may complete dependencies that unblock more tasks.
			select {
			case <-gctx.Done():
				g.Wait()
				return gctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		if err := sem.Acquire(gctx, 1); err != nil {
			r.deps.Frontier.Cancel(task.ID)
			g.Wait()
			return err
		}
		r.activeWorkers.Add(1)
		g.Go(func() error {
			defer sem.Release(1)
			defer r.activeWorkers.Add(-1)
			r.runTask(gctx, task)
			return nil
		})
	}

	return g.Wait()
}

// runTask executes one task's iteration loop end to end.
func (r *Runner) runTask(ctx context.Context, task *frontier.Task) {
	logger := r.deps.Logger.With(slog.String("task_id", task.ID))

	if r.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.TaskTimeout)
		defer cancel()
	}

	started := time.Now()
	ws, err := r.deps.Workspaces.Begin(ctx, r.projectRoot, task.ID)
	if err != nil {
		logger.Error("workspace begin failed", slog.String("error", err.Error()))
		r.deps.Frontier.Fail(task.ID)
		return
	}
	defer r.deps.Workspaces.Release(context.WithoutCancel(ctx), task.ID)

	ctrl := control.NewController(r.controlCfg, logger)
	hardener := evaluate.NewHardener(r.evalCfg, r.deps.Suite, nil, logger)

	scope := task.Scope
	if scope == nil {
		scope = r.defaultScope
	}

	outcome := r.iterate(ctx, task, ws, ctrl, hardener, scope, logger)
	r.finish(ctx, task, ws, outcome, logger)
	recordTaskMetric(outcome.decision, time.Since(started))
}

// taskOutcome is what the iteration loop hands to finish.
type taskOutcome struct {
	decision   control.Decision
	lastGoodID string
	lastPassed bool
	cancelled  bool
}

// iterate runs the per-iteration pipeline until the controller reaches a
// terminal decision or the context dies.
func (r *Runner) iterate(ctx context.Context, task *frontier.Task, ws *workspace.Workspace,
	ctrl *control.Controller, hardener *evaluate.Hardener, scope *budget.ScopeEnvelope,
	logger *slog.Logger) taskOutcome {

	var outcome taskOutcome
	for {
		if ctx.Err() != nil {
			outcome.decision = ctrl.Cancel()
			outcome.cancelled = true
			return outcome
		}

		proposal, err := r.deps.Proposer.Propose(ctx, task, ws, ctrl.History())
		if err != nil {
			logger.Error("proposal failed", slog.String("error", err.Error()))
			outcome.decision = ctrl.Cancel()
			outcome.cancelled = true
			return outcome
		}
		r.submitSpawns(ctx, task, proposal.Spawn)

		cs := proposal.ChangeSet
		if cs == nil {
			logger.Error("proposal carries no changeset")
			outcome.decision = ctrl.Cancel()
			outcome.cancelled = true
			return outcome
		}
		applyScope := scope

		if violation := r.deps.Gate.Validate(cs, scope); violation != nil {
			granted, err := r.resolveWaiver(ctx, task, cs, violation, ctrl)
			if err != nil {
				outcome.decision = ctrl.Cancel()
				outcome.cancelled = true
				return outcome
			}
			if !granted {
				outcome.decision = ctrl.ResolveWaiver(false)
				return outcome
			}
			decision := ctrl.ResolveWaiver(true)
			if decision.Terminal() {
				outcome.decision = decision
				return outcome
			}
			// A granted waiver covers exactly this changeset.
			applyScope = nil
		}

		if r.mode == ModeStrict {
			ok, err := r.deps.Approver.ApproveApply(ctx, task, cs)
			if err != nil || !ok {
				if err != nil {
					logger.Error("apply approval failed", slog.String("error", err.Error()))
				}
				outcome.decision = ctrl.Cancel()
				outcome.cancelled = true
				return outcome
			}
		}

		if r.mode == ModeDryRun {
			// Nothing is applied, so the synthetic passing record also
			// stands in for the last good state.
			outcome.lastPassed = true
			decision := r.observeDryRun(ctx, task, ws, cs, ctrl)
			if decision.Terminal() {
				outcome.decision = decision
				return outcome
			}
			continue
		}

		changeSetID, err := ws.Apply(ctx, cs, applyScope)
		if err != nil {
			if ctx.Err() != nil {
				outcome.decision = ctrl.Cancel()
				outcome.cancelled = true
				return outcome
			}
			r.emit(ctx, audit.Event{
				Type:   audit.EventApplyFailed,
				TaskID: task.ID,
				Details: map[string]any{
					"error":       err.Error(),
					"fingerprint": cs.Fingerprint(),
				},
			})
			logger.Warn("apply failed, counting a failed iteration",
				slog.String("error", err.Error()))
			// A rejected changeset is a failed iteration. The workspace is
			// untouched, so the next proposal starts from the same state.
			added, removed := cs.LineStats()
			outcome.lastPassed = false
			decision := ctrl.Observe(control.IterationRecord{
				Score: 0,
				Diff: control.DiffStats{
					Files:        cs.FileCount(),
					LinesAdded:   added,
					LinesRemoved: removed,
				},
				Fingerprint: cs.Fingerprint(),
				Eval:        control.EvalSummary{Passed: false, Confidence: 1.0},
			})
			if decision.Terminal() {
				outcome.decision = decision
				return outcome
			}
			continue
		}
		added, removed := cs.LineStats()
		r.emit(ctx, audit.Event{
			Type:        audit.EventApply,
			TaskID:      task.ID,
			ChangeSetID: changeSetID,
			Details: map[string]any{
				"files":         cs.FileCount(),
				"lines_added":   added,
				"lines_removed": removed,
			},
		})

		evalResult, err := hardener.Evaluate(ctx, ws.Root)
		if err != nil {
			// Evaluation aborted, usually cancellation. The un-judged
			// changeset comes back off.
			r.revertTo(ctx, ws, task.ID, outcome.lastGoodID)
			outcome.decision = ctrl.Cancel()
			outcome.cancelled = true
			return outcome
		}

		score, err := r.deps.Judge.Score(ctx, ws, evalResult)
		if err != nil {
			logger.Error("judge failed", slog.String("error", err.Error()))
			r.revertTo(ctx, ws, task.ID, outcome.lastGoodID)
			outcome.decision = ctrl.Cancel()
			outcome.cancelled = true
			return outcome
		}

		if evalResult.Passed {
			outcome.lastGoodID = changeSetID
		}
		outcome.lastPassed = evalResult.Passed

		buckets := make(map[string]int, len(evalResult.FailureBuckets))
		for b, n := range evalResult.FailureBuckets {
			buckets[b.String()] = n
		}
		decision := ctrl.Observe(control.IterationRecord{
			Score: score,
			Diff: control.DiffStats{
				Files:        cs.FileCount(),
				LinesAdded:   added,
				LinesRemoved: removed,
			},
			Fingerprint: cs.Fingerprint(),
			Eval: control.EvalSummary{
				Passed:         evalResult.Passed,
				Confidence:     evalResult.Confidence,
				FailureBuckets: buckets,
			},
		})
		r.emit(ctx, audit.Event{
			Type:        audit.EventDecision,
			TaskID:      task.ID,
			ChangeSetID: changeSetID,
			Details: map[string]any{
				"state":      string(decision.State),
				"reason":     string(decision.Reason),
				"score":      score,
				"passed":     evalResult.Passed,
				"confidence": evalResult.Confidence,
			},
		})

		if decision.Terminal() {
			outcome.decision = decision
			return outcome
		}
	}
}

// observeDryRun records a dry-run iteration without touching the
// workspace.
func (r *Runner) observeDryRun(ctx context.Context, task *frontier.Task, ws *workspace.Workspace,
	cs *changeset.ChangeSet, ctrl *control.Controller) control.Decision {

	score, err := r.deps.Judge.Score(ctx, ws, nil)
	if err != nil {
		return ctrl.Cancel()
	}
	added, removed := cs.LineStats()
	decision := ctrl.Observe(control.IterationRecord{
		Score: score,
		Diff: control.DiffStats{
			Files:        cs.FileCount(),
			LinesAdded:   added,
			LinesRemoved: removed,
		},
		Fingerprint: cs.Fingerprint(),
		Eval:        control.EvalSummary{Passed: true, Confidence: 1.0},
	})
	r.emit(ctx, audit.Event{
		Type:   audit.EventDecision,
		TaskID: task.ID,
		Details: map[string]any{
			"state":   string(decision.State),
			"reason":  string(decision.Reason),
			"score":   score,
			"dry_run": true,
		},
	})
	return decision
}

// resolveWaiver routes a violation through the waiver workflow.
func (r *Runner) resolveWaiver(ctx context.Context, task *frontier.Task, cs *changeset.ChangeSet,
	violation *budget.Violation, ctrl *control.Controller) (bool, error) {

	req := budget.NewRequest(task.ID, cs.Fingerprint(), task.Intent, violation)
	ctrl.BeginWaiverWait()
	r.emit(ctx, audit.Event{
		Type:   audit.EventWaiverRequest,
		TaskID: task.ID,
		Details: map[string]any{
			"waiver_id": req.ID,
			"risk":      string(req.Risk),
			"violation": violation.String(),
		},
	})

	status, err := r.deps.Waivers.Resolve(ctx, req)
	if err != nil {
		return false, err
	}
	r.emit(ctx, audit.Event{
		Type:   audit.EventWaiverResolved,
		TaskID: task.ID,
		Details: map[string]any{
			"waiver_id": req.ID,
			"status":    string(status),
		},
	})
	return status.Granted(), nil
}

// submitSpawns feeds proposal sub-tasks to the frontier.
func (r *Runner) submitSpawns(ctx context.Context, parent *frontier.Task, spawns []*frontier.Task) {
	for _, spawn := range spawns {
		spawn.ParentID = parent.ID
		adm := r.deps.Frontier.Submit(spawn)
		if adm.Admitted {
			r.emit(ctx, audit.Event{
				Type:   audit.EventTaskSubmitted,
				TaskID: adm.TaskID,
				Details: map[string]any{
					"parent_id": parent.ID,
					"intent":    spawn.Intent,
				},
			})
		} else {
			r.emit(ctx, audit.Event{
				Type:   audit.EventTaskRejected,
				TaskID: parent.ID,
				Details: map[string]any{
					"reason": string(adm.Reason),
					"intent": spawn.Intent,
				},
			})
		}
	}
}

// finish settles the workspace and the frontier after a terminal decision.
func (r *Runner) finish(ctx context.Context, task *frontier.Task, ws *workspace.Workspace,
	outcome taskOutcome, logger *slog.Logger) {

	// Keep settling even when ctx is already cancelled.
	ctx = context.WithoutCancel(ctx)
	decision := outcome.decision

	success := decision.State == control.StateStopped && !outcome.cancelled &&
		decision.Reason != control.ReasonBudgetDenied && outcome.lastPassed

	if r.mode != ModeDryRun {
		if !success {
			r.revertTo(ctx, ws, task.ID, outcome.lastGoodID)
		}
		if success && r.cfg.PromoteOnSuccess {
			if err := r.deps.Workspaces.Promote(ctx, ws); err != nil {
				logger.Error("promote failed", slog.String("error", err.Error()))
				success = false
			} else {
				r.emit(ctx, audit.Event{
					Type:    audit.EventPromote,
					TaskID:  task.ID,
					Details: map[string]any{"strategy": ws.StrategyName()},
				})
			}
		}
	}

	var frontierErr error
	switch {
	case outcome.cancelled:
		frontierErr = r.deps.Frontier.Cancel(task.ID)
	case success:
		frontierErr = r.deps.Frontier.Complete(task.ID)
	default:
		frontierErr = r.deps.Frontier.Fail(task.ID)
	}
	if frontierErr != nil {
		logger.Warn("frontier settle failed", slog.String("error", frontierErr.Error()))
	}

	iterations := 0
	if decision.Final != nil {
		iterations = decision.Final.Iteration
	}
	r.emit(ctx, audit.Event{
		Type:   audit.EventTaskFinished,
		TaskID: task.ID,
		Details: map[string]any{
			"state":      string(decision.State),
			"reason":     string(decision.Reason),
			"iterations": iterations,
		},
	})
}

// revertTo rolls the workspace back to the state just after lastGoodID,
// reverting newer non-reverted changesets newest first. An empty
// lastGoodID reverts everything.
func (r *Runner) revertTo(ctx context.Context, ws *workspace.Workspace, taskID, lastGoodID string) {
	history := ws.History()
	for i := len(history) - 1; i >= 0; i-- {
		record := history[i]
		if record.ChangeSetID == lastGoodID {
			break
		}
		if record.Reverted {
			continue
		}
		if err := ws.Revert(record.ChangeSetID); err != nil {
			r.deps.Logger.Error("revert failed",
				slog.String("task_id", taskID),
				slog.String("changeset_id", record.ChangeSetID),
				slog.String("error", err.Error()),
			)
			return
		}
		r.emit(ctx, audit.Event{
			Type:        audit.EventRevert,
			TaskID:      taskID,
			ChangeSetID: record.ChangeSetID,
		})
	}
}

func (r *Runner) emit(ctx context.Context, event audit.Event) {
	event.Timestamp = time.Now()
	r.deps.Emitter.Emit(ctx, event)
}
