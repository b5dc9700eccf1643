// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runner

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/autoloop/services/engine/control"
)

var meter = otel.Meter("autoloop.runner")

var (
	metricsOnce sync.Once
	metricsErr  error

	taskTotal    metric.Int64Counter
	taskDuration metric.Float64Histogram
)

func initMetrics() {
	taskTotal, metricsErr = meter.Int64Counter(
		"autoloop.runner.task.total",
		metric.WithDescription("Tasks finished, by terminal state and reason"),
	)
	if metricsErr != nil {
		return
	}
	taskDuration, metricsErr = meter.Float64Histogram(
		"autoloop.runner.task.duration",
		metric.WithDescription("Wall time per task"),
		metric.WithUnit("s"),
	)
}

func recordTaskMetric(decision control.Decision, elapsed time.Duration) {
	metricsOnce.Do(initMetrics)
	if metricsErr != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("state", string(decision.State)),
		attribute.String("reason", string(decision.Reason)),
	)
	ctx := context.Background()
	taskTotal.Add(ctx, 1, attrs)
	taskDuration.Record(ctx, elapsed.Seconds(), attrs)
}
