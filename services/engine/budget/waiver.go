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
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Waiver Types
// =============================================================================

// WaiverStatus tracks a waiver request through its lifecycle.
type WaiverStatus string

const (
	// WaiverPending means the request awaits a decision.
	WaiverPending WaiverStatus = "pending"

	// WaiverAutoApproved means policy approved a low-risk request without
	// external review.
	WaiverAutoApproved WaiverStatus = "auto_approved"

	// WaiverApproved means an external approver granted the request.
	WaiverApproved WaiverStatus = "approved"

	// WaiverDenied means the request was rejected; the task must stop.
	WaiverDenied WaiverStatus = "denied"
)

// String returns the string representation of the status.
func (s WaiverStatus) String() string {
	return string(s)
}

// Granted reports whether the status allows the apply to proceed.
func (s WaiverStatus) Granted() bool {
	return s == WaiverAutoApproved || s == WaiverApproved
}

// WaiverRequest is an explicit, audited exception allowing a
// budget-violating change to proceed.
type WaiverRequest struct {
	// ID uniquely identifies the request.
	ID string

	// TaskID is the task whose changeset violated the budget.
	TaskID string

	// ChangeSetFingerprint identifies the violating changeset.
	ChangeSetFingerprint string

	// Violation carries the computed violation details.
	Violation *Violation

	// Risk mirrors Violation.Risk for auditing convenience.
	Risk RiskLevel

	// Justification is the collaborator-supplied reason for the overage.
	Justification string

	// Status is the current lifecycle state.
	Status WaiverStatus

	// CreatedAt is when the request was built.
	CreatedAt time.Time

	// ResolvedAt is when a terminal status was reached (zero if pending).
	ResolvedAt time.Time
}

// =============================================================================
// Approver Collaborator
// =============================================================================

// Decision is an external approver's verdict on a waiver request.
type Decision string

const (
	// DecisionApproved grants the waiver.
	DecisionApproved Decision = "approved"

	// DecisionDenied rejects the waiver.
	DecisionDenied Decision = "denied"
)

// Approver is the external approval collaborator boundary.
//
// # Description
//
// High-risk waivers block on Decide until an external decision arrives or
// the context is cancelled. The engine never decides high-risk approvals
// itself.
type Approver interface {
	Decide(ctx context.Context, req *WaiverRequest) (Decision, error)
}

// ApproverFunc adapts a function to the Approver interface.
type ApproverFunc func(ctx context.Context, req *WaiverRequest) (Decision, error)

// Decide implements Approver.
func (f ApproverFunc) Decide(ctx context.Context, req *WaiverRequest) (Decision, error) {
	return f(ctx, req)
}

// =============================================================================
// Waiver Workflow
// =============================================================================

// WorkflowConfig tunes waiver resolution policy.
type WorkflowConfig struct {
	// AutoApproveLowRisk approves RiskLow requests without external review.
	AutoApproveLowRisk bool
}

// DefaultWorkflowConfig returns the default waiver policy.
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{AutoApproveLowRisk: true}
}

// Workflow resolves waiver requests.
//
// # Thread Safety
//
// Workflow is safe for concurrent use; it holds no mutable state.
type Workflow struct {
	config   WorkflowConfig
	approver Approver
	logger   *slog.Logger
}

// NewWorkflow creates a waiver workflow.
//
// # Inputs
//
//   - config: Resolution policy.
//   - approver: External approval collaborator. Required when any RiskHigh
//     violation can occur; may be nil only if every waiver auto-approves.
//   - logger: Structured logger. Nil falls back to slog.Default().
func NewWorkflow(config WorkflowConfig, approver Approver, logger *slog.Logger) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{config: config, approver: approver, logger: logger}
}

// NewRequest builds a pending waiver request for a violation.
func NewRequest(taskID, changeSetFingerprint, justification string, v *Violation) *WaiverRequest {
	return &WaiverRequest{
		ID:                   uuid.NewString(),
		TaskID:               taskID,
		ChangeSetFingerprint: changeSetFingerprint,
		Violation:            v,
		Risk:                 v.Risk,
		Justification:        justification,
		Status:               WaiverPending,
		CreatedAt:            time.Now(),
	}
}

// Resolve drives a waiver request to a terminal status.
//
// # Description
//
// Low-risk requests auto-approve when policy allows. Everything else is
// handed to the external approver, which may block indefinitely; callers
// must pass a cancellable context. The request's Status and ResolvedAt are
// updated in place.
//
// # Outputs
//
//   - WaiverStatus: The terminal status reached.
//   - error: Non-nil on approver failure or context cancellation; the
//     request stays pending in that case.
func (w *Workflow) Resolve(ctx context.Context, req *WaiverRequest) (WaiverStatus, error) {
	if req.Risk == RiskLow && w.config.AutoApproveLowRisk {
		req.Status = WaiverAutoApproved
		req.ResolvedAt = time.Now()
		w.logger.Info("waiver auto-approved",
			slog.String("waiver_id", req.ID),
			slog.String("task_id", req.TaskID),
		)
		recordWaiverMetric(req.Status)
		return req.Status, nil
	}

	if w.approver == nil {
		return req.Status, fmt.Errorf("waiver %s requires external approval but no approver is configured", req.ID)
	}

	decision, err := w.approver.Decide(ctx, req)
	if err != nil {
		return req.Status, fmt.Errorf("waiver approval: %w", err)
	}

	switch decision {
	case DecisionApproved:
		req.Status = WaiverApproved
	default:
		req.Status = WaiverDenied
	}
	req.ResolvedAt = time.Now()

	w.logger.Info("waiver resolved",
		slog.String("waiver_id", req.ID),
		slog.String("task_id", req.TaskID),
		slog.String("status", req.Status.String()),
	)
	recordWaiverMetric(req.Status)
	return req.Status, nil
}
