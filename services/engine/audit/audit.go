// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit emits the engine's structured event stream. Storage and
// shipping are a collaborator concern; the engine only guarantees that
// every apply, revert, promote, waiver, and loop decision produces an
// event.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// EventType names an auditable engine action.
type EventType string

const (
	EventApply          EventType = "apply"
	EventApplyFailed    EventType = "apply_failed"
	EventRevert         EventType = "revert"
	EventPromote        EventType = "promote"
	EventDecision       EventType = "decision"
	EventWaiverRequest  EventType = "waiver_request"
	EventWaiverResolved EventType = "waiver_resolved"
	EventTaskSubmitted  EventType = "task_submitted"
	EventTaskRejected   EventType = "task_rejected"
	EventTaskFinished   EventType = "task_finished"
)

// Event is one audit record.
type Event struct {
	// Type is the action that happened.
	Type EventType `json:"event_type"`

	// TaskID is the task the event belongs to.
	TaskID string `json:"task_id"`

	// ChangeSetID is set for apply/revert events.
	ChangeSetID string `json:"changeset_id,omitempty"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"timestamp"`

	// Details carries event-specific key/value context.
	Details map[string]any `json:"details,omitempty"`
}

// Emitter is the audit sink boundary.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// =============================================================================
// Slog Emitter
// =============================================================================

// SlogEmitter writes events through a structured logger.
type SlogEmitter struct {
	logger *slog.Logger
}

// NewSlogEmitter creates an emitter backed by a structured logger. A nil
// logger falls back to slog.Default().
func NewSlogEmitter(logger *slog.Logger) *SlogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogEmitter{logger: logger}
}

// Emit implements Emitter.
func (e *SlogEmitter) Emit(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	attrs := []slog.Attr{
		slog.String("event_type", string(event.Type)),
		slog.String("task_id", event.TaskID),
		slog.Time("timestamp", event.Timestamp),
	}
	if event.ChangeSetID != "" {
		attrs = append(attrs, slog.String("changeset_id", event.ChangeSetID))
	}
	for k, v := range event.Details {
		attrs = append(attrs, slog.Any(k, v))
	}
	e.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
}

// =============================================================================
// Nop Emitter
// =============================================================================

// NopEmitter drops every event. Useful for dry runs and tests.
type NopEmitter struct{}

// Emit implements Emitter.
func (NopEmitter) Emit(context.Context, Event) {}
