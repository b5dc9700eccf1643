// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package frontier bounds and orders the task graph spawned by iterations.
//
// # Description
//
// A self-improving loop can spawn an unbounded tree of near-duplicate
// sub-tasks. The Frontier makes that tree explicitly bounded and auditable:
// fingerprint dedup, per-parent spawn caps, a global in-flight cap, a
// submission rate limiter, parent scope containment, and cycle rejection
// all happen at Submit, so nothing unbounded ever reaches the queue.
//
// # Thread Safety
//
// Frontier is safe for concurrent use; all state is guarded by one mutex.
package frontier

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/autoloop/services/engine/budget"
	"github.com/AleutianAI/autoloop/services/engine/changeset"
)

// =============================================================================
// Tasks
// =============================================================================

// Status is a task's lifecycle state within the frontier.
type Status string

const (
	// StatusPending means the task is queued.
	StatusPending Status = "pending"

	// StatusRunning means Next handed the task to a runner.
	StatusRunning Status = "running"

	// StatusComplete means the task finished successfully.
	StatusComplete Status = "complete"

	// StatusFailed means the task failed, or a dependency did.
	StatusFailed Status = "failed"

	// StatusCancelled means the task was cancelled from outside.
	StatusCancelled Status = "cancelled"
)

// Task is a unit of iteration work in the frontier.
type Task struct {
	// ID uniquely identifies the task. Empty gets a generated uuid.
	ID string

	// ParentID is the spawning task, empty for roots.
	ParentID string

	// Priority orders dequeueing; higher pops first.
	Priority int

	// Intent is the task's normalized goal statement.
	Intent string

	// TargetPaths are the workspace-relative paths the task intends to
	// change. They participate in fingerprinting and scope containment.
	TargetPaths []string

	// DependsOn lists task IDs that must complete before this task runs.
	DependsOn []string

	// Scope is the task's own envelope, handed to the budget gate when
	// the task runs.
	Scope *budget.ScopeEnvelope

	// Fingerprint is computed at submit from TargetPaths and Intent.
	Fingerprint string

	// Status is the current lifecycle state.
	Status Status

	// CreatedAt is the admission time; FIFO ties break on it.
	CreatedAt time.Time

	// seq disambiguates identical CreatedAt timestamps.
	seq int
}

// =============================================================================
// Admission
// =============================================================================

// RejectReason explains a rejected submission.
type RejectReason string

const (
	// RejectDuplicate means an identical task is already known, either by
	// fingerprint or by a caller-supplied ID.
	RejectDuplicate RejectReason = "duplicate"

	// RejectParentRateLimited means the parent hit its spawn cap.
	RejectParentRateLimited RejectReason = "parent_rate_limited"

	// RejectGlobalRateLimited means the global in-flight cap or the
	// submission rate limit was hit.
	RejectGlobalRateLimited RejectReason = "global_rate_limited"

	// RejectOutOfScope means a target path escapes the parent's envelope.
	RejectOutOfScope RejectReason = "out_of_scope"

	// RejectDependencyCycle means the dependency graph would contain a
	// cycle.
	RejectDependencyCycle RejectReason = "dependency_cycle"

	// RejectDependencyFailed means a dependency already failed, was
	// cancelled, or is unknown.
	RejectDependencyFailed RejectReason = "dependency_failed"
)

// Admission is the outcome of Submit.
type Admission struct {
	// Admitted indicates the task entered the queue.
	Admitted bool

	// TaskID is set on admission.
	TaskID string

	// Reason is set on rejection.
	Reason RejectReason
}

// =============================================================================
// Frontier
// =============================================================================

// Config bounds the frontier.
type Config struct {
	// MaxPerParent caps how many children one task may spawn (default 8).
	MaxPerParent int `yaml:"max_per_parent"`

	// MaxInFlight caps tasks admitted but not yet terminal (default 32).
	MaxInFlight int `yaml:"max_in_flight"`

	// SubmitRate limits submissions per second across all parents.
	// Zero disables rate limiting.
	SubmitRate float64 `yaml:"submit_rate"`

	// SubmitBurst is the rate limiter burst (default MaxPerParent).
	SubmitBurst int `yaml:"submit_burst"`
}

// DefaultConfig returns the default frontier bounds.
func DefaultConfig() Config {
	return Config{
		MaxPerParent: 8,
		MaxInFlight:  32,
	}
}

// Frontier is an explicit, bounded task queue.
type Frontier struct {
	config  Config
	logger  *slog.Logger
	metrics *Metrics
	limiter *rate.Limiter

	mu           sync.Mutex
	tasks        map[string]*Task
	fingerprints map[string]string
	pending      []*Task
	childCount   map[string]int
	inFlight     int
	nextSeq      int
}

// New creates a frontier.
//
// # Inputs
//
//   - config: Bounds. Zero-valued fields fall back to defaults.
//   - metrics: Prometheus metrics, from NewMetrics. Nil disables metrics.
//   - logger: Structured logger. Nil falls back to slog.Default().
func New(config Config, metrics *Metrics, logger *slog.Logger) *Frontier {
	if config.MaxPerParent <= 0 {
		config.MaxPerParent = DefaultConfig().MaxPerParent
	}
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = DefaultConfig().MaxInFlight
	}
	if config.SubmitBurst <= 0 {
		config.SubmitBurst = config.MaxPerParent
	}
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if config.SubmitRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.SubmitRate), config.SubmitBurst)
	}

	return &Frontier{
		config:       config,
		logger:       logger,
		metrics:      metrics,
		limiter:      limiter,
		tasks:        make(map[string]*Task),
		fingerprints: make(map[string]string),
		childCount:   make(map[string]int),
	}
}

// Submit admits or rejects a candidate task.
//
// # Description
//
// Every bound is checked before anything is recorded, so a rejected task
// leaves no trace beyond its metric. The candidate's Fingerprint, ID,
// Status, and CreatedAt are populated on admission.
func (f *Frontier) Submit(task *Task) Admission {
	f.mu.Lock()
	defer f.mu.Unlock()

	task.Fingerprint = changeset.TaskFingerprint(task.TargetPaths, task.Intent)

	if reason, ok := f.checkBounds(task); !ok {
		f.logger.Info("task rejected",
			slog.String("reason", string(reason)),
			slog.String("parent_id", task.ParentID),
			slog.String("intent", task.Intent),
		)
		if f.metrics != nil {
			f.metrics.RejectedTotal.WithLabelValues(string(reason)).Inc()
		}
		return Admission{Reason: reason}
	}

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.Status = StatusPending
	task.CreatedAt = time.Now()
	task.seq = f.nextSeq
	f.nextSeq++

	f.tasks[task.ID] = task
	f.fingerprints[task.Fingerprint] = task.ID
	f.pending = append(f.pending, task)
	if task.ParentID != "" {
		f.childCount[task.ParentID]++
	}
	f.inFlight++

	if f.metrics != nil {
		f.metrics.AdmittedTotal.Inc()
		f.metrics.PendingGauge.Set(float64(len(f.pending)))
	}
	return Admission{Admitted: true, TaskID: task.ID}
}

// checkBounds runs every admission check. Callers must hold f.mu.
func (f *Frontier) checkBounds(task *Task) (RejectReason, bool) {
	if task.ID != "" {
		if _, taken := f.tasks[task.ID]; taken {
			return RejectDuplicate, false
		}
	}
	if _, dup := f.fingerprints[task.Fingerprint]; dup {
		return RejectDuplicate, false
	}
	if task.ParentID != "" && f.childCount[task.ParentID] >= f.config.MaxPerParent {
		return RejectParentRateLimited, false
	}
	if f.inFlight >= f.config.MaxInFlight {
		return RejectGlobalRateLimited, false
	}

	if task.ParentID != "" {
		if parent, ok := f.tasks[task.ParentID]; ok && parent.Scope != nil {
			for _, path := range task.TargetPaths {
				if !parent.Scope.Allows(path) {
					return RejectOutOfScope, false
				}
			}
		}
	}

	if task.ID != "" && f.reachesID(task.DependsOn, task.ID) {
		return RejectDependencyCycle, false
	}
	for _, dep := range task.DependsOn {
		depTask, known := f.tasks[dep]
		if !known {
			return RejectDependencyFailed, false
		}
		if depTask.Status == StatusFailed || depTask.Status == StatusCancelled {
			return RejectDependencyFailed, false
		}
	}

	// The rate token is spent last, so a submission rejected on any other
	// ground never consumes rate budget.
	if f.limiter != nil && !f.limiter.Allow() {
		return RejectGlobalRateLimited, false
	}

	return "", true
}

// reachesID reports whether target is reachable from roots along DependsOn
// edges. Callers must hold f.mu.
func (f *Frontier) reachesID(roots []string, target string) bool {
	seen := make(map[string]bool)
	stack := append([]string{}, roots...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		if t, ok := f.tasks[id]; ok {
			stack = append(stack, t.DependsOn...)
		}
	}
	return false
}

// Next pops the highest-priority ready task, FIFO within a priority.
//
// # Outputs
//
//   - *Task: The task to run, marked running. Nil when nothing is ready.
func (f *Frontier) Next() *Task {
	f.mu.Lock()
	defer f.mu.Unlock()

	var best *Task
	bestIdx := -1
	for i, t := range f.pending {
		if !f.ready(t) {
			continue
		}
		if best == nil || t.Priority > best.Priority ||
			(t.Priority == best.Priority && t.seq < best.seq) {
			best = t
			bestIdx = i
		}
	}
	if best == nil {
		return nil
	}

	f.pending = append(f.pending[:bestIdx], f.pending[bestIdx+1:]...)
	best.Status = StatusRunning
	if f.metrics != nil {
		f.metrics.PendingGauge.Set(float64(len(f.pending)))
		f.metrics.DequeuedTotal.Inc()
	}
	return best
}

// ready reports whether every dependency completed. Callers must hold f.mu.
func (f *Frontier) ready(task *Task) bool {
	for _, dep := range task.DependsOn {
		if t, ok := f.tasks[dep]; !ok || t.Status != StatusComplete {
			return false
		}
	}
	return true
}

// Complete marks a task finished and unblocks its dependents.
func (f *Frontier) Complete(taskID string) error {
	return f.finish(taskID, StatusComplete, false)
}

// Fail marks a task failed. Pending dependents are failed in turn, not
// silently dropped.
func (f *Frontier) Fail(taskID string) error {
	return f.finish(taskID, StatusFailed, true)
}

// Cancel marks a task cancelled so dependents fail fast.
func (f *Frontier) Cancel(taskID string) error {
	return f.finish(taskID, StatusCancelled, true)
}

func (f *Frontier) finish(taskID string, status Status, cascade bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	task, ok := f.tasks[taskID]
	if !ok {
		return fmt.Errorf("unknown task %s", taskID)
	}
	if task.Status == StatusComplete || task.Status == StatusFailed || task.Status == StatusCancelled {
		return fmt.Errorf("task %s already terminal (%s)", taskID, task.Status)
	}

	f.setTerminal(task, status)
	if cascade {
		f.failDependents(taskID)
	}
	if f.metrics != nil {
		f.metrics.PendingGauge.Set(float64(len(f.pending)))
		f.metrics.TerminalTotal.WithLabelValues(string(status)).Inc()
	}
	return nil
}

// setTerminal transitions a task out of the in-flight set. Callers must
// hold f.mu.
func (f *Frontier) setTerminal(task *Task, status Status) {
	if task.Status == StatusPending {
		for i, t := range f.pending {
			if t.ID == task.ID {
				f.pending = append(f.pending[:i], f.pending[i+1:]...)
				break
			}
		}
	}
	task.Status = status
	f.inFlight--
}

// failDependents fails every task that transitively depends on rootID.
// Callers must hold f.mu.
func (f *Frontier) failDependents(rootID string) {
	failed := map[string]bool{rootID: true}
	for changed := true; changed; {
		changed = false
		for _, t := range f.tasks {
			if t.Status != StatusPending && t.Status != StatusRunning {
				continue
			}
			for _, dep := range t.DependsOn {
				if failed[dep] {
					f.logger.Info("task failed by dependency",
						slog.String("task_id", t.ID),
						slog.String("dependency", dep),
					)
					f.setTerminal(t, StatusFailed)
					if f.metrics != nil {
						f.metrics.TerminalTotal.WithLabelValues(string(StatusFailed)).Inc()
					}
					failed[t.ID] = true
					changed = true
					break
				}
			}
		}
	}
}

// =============================================================================
// Stats
// =============================================================================

// Stats is a point-in-time snapshot for audit emission.
type Stats struct {
	Pending   int
	Running   int
	Complete  int
	Failed    int
	Cancelled int
	InFlight  int
	Parents   []ParentStats
}

// ParentStats counts one parent's admitted children.
type ParentStats struct {
	ParentID string
	Children int
}

// Snapshot returns current frontier counts.
func (f *Frontier) Snapshot() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()

	stats := Stats{InFlight: f.inFlight}
	for _, t := range f.tasks {
		switch t.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusComplete:
			stats.Complete++
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
	}
	for parent, n := range f.childCount {
		stats.Parents = append(stats.Parents, ParentStats{ParentID: parent, Children: n})
	}
	sort.Slice(stats.Parents, func(i, j int) bool {
		return stats.Parents[i].ParentID < stats.Parents[j].ParentID
	})
	return stats
}
