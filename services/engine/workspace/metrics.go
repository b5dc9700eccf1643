// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workspace

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for workspace operations.
var meter = otel.Meter("autoloop.workspace")

// Metrics for workspace lifecycle and mutation.
var (
	applyLatency metric.Float64Histogram
	applyTotal   metric.Int64Counter
	revertTotal  metric.Int64Counter
	promoteTotal metric.Int64Counter
	beginTotal   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		applyLatency, err = meter.Float64Histogram(
			"workspace_apply_duration_seconds",
			metric.WithDescription("Duration of changeset applies"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		applyTotal, err = meter.Int64Counter(
			"workspace_apply_total",
			metric.WithDescription("Total number of changeset applies"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		revertTotal, err = meter.Int64Counter(
			"workspace_revert_total",
			metric.WithDescription("Total number of changeset reverts"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		promoteTotal, err = meter.Int64Counter(
			"workspace_promote_total",
			metric.WithDescription("Total number of workspace promotes"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		beginTotal, err = meter.Int64Counter(
			"workspace_begin_total",
			metric.WithDescription("Total number of workspaces materialized"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordBeginMetric records a workspace materialization.
func recordBeginMetric(strategy string) {
	if err := initMetrics(); err != nil {
		return
	}
	beginTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("strategy", strategy),
	))
}

// recordApplyMetric records a changeset apply.
func recordApplyMetric(duration time.Duration, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	applyLatency.Record(context.Background(), duration.Seconds(), attrs)
	applyTotal.Add(context.Background(), 1, attrs)
}

// recordRevertMetric records a changeset revert.
func recordRevertMetric(files int) {
	if err := initMetrics(); err != nil {
		return
	}
	revertTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Int("files", files),
	))
}

// recordPromoteMetric records a workspace promote.
func recordPromoteMetric(files int) {
	if err := initMetrics(); err != nil {
		return
	}
	promoteTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Int("files", files),
	))
}
