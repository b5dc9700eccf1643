// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evaluate

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for evaluation hardening.
var meter = otel.Meter("autoloop.evaluate")

// Metrics for hardened evaluations.
var (
	evaluateLatency    metric.Float64Histogram
	evaluateTotal      metric.Int64Counter
	confidenceGauge    metric.Float64Histogram
	retryTotal         metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		evaluateLatency, err = meter.Float64Histogram(
			"evaluate_duration_seconds",
			metric.WithDescription("Duration of hardened evaluations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		evaluateTotal, err = meter.Int64Counter(
			"evaluate_total",
			metric.WithDescription("Total number of hardened evaluations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		confidenceGauge, err = meter.Float64Histogram(
			"evaluate_confidence",
			metric.WithDescription("Confidence of hardened evaluation verdicts"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		retryTotal, err = meter.Int64Counter(
			"evaluate_retry_total",
			metric.WithDescription("Total number of failing-subset retries"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordEvaluateMetric records one hardened evaluation.
func recordEvaluateMetric(passed bool, confidence float64, retries int, duration time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.Bool("passed", passed))
	evaluateLatency.Record(ctx, duration.Seconds(), attrs)
	evaluateTotal.Add(ctx, 1, attrs)
	confidenceGauge.Record(ctx, confidence)
	if retries > 0 {
		retryTotal.Add(ctx, int64(retries))
	}
}
