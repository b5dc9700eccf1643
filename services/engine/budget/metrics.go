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
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for budget gate operations.
var meter = otel.Meter("autoloop.budget")

// Metrics for budget validation and waiver resolution.
var (
	violationTotal metric.Int64Counter
	waiverTotal    metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		violationTotal, err = meter.Int64Counter(
			"budget_violation_total",
			metric.WithDescription("Total number of budget violations detected"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		waiverTotal, err = meter.Int64Counter(
			"budget_waiver_total",
			metric.WithDescription("Total number of waiver requests resolved"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordViolationMetric records a detected budget violation.
func recordViolationMetric(risk RiskLevel) {
	if err := initMetrics(); err != nil {
		return
	}
	violationTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("risk", string(risk)),
	))
}

// recordWaiverMetric records a resolved waiver request.
func recordWaiverMetric(status WaiverStatus) {
	if err := initMetrics(); err != nil {
		return
	}
	waiverTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("status", string(status)),
	))
}
