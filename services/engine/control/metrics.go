// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package control

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for loop control decisions.
var meter = otel.Meter("autoloop.control")

var (
	decisionTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		decisionTotal, metricsErr = meter.Int64Counter(
			"control_terminal_decision_total",
			metric.WithDescription("Total number of terminal loop decisions"),
		)
	})
	return metricsErr
}

// recordDecisionMetric records a terminal decision.
func recordDecisionMetric(state State, reason StopReason) {
	if err := initMetrics(); err != nil {
		return
	}
	decisionTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("state", string(state)),
		attribute.String("reason", string(reason)),
	))
}
