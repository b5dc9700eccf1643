// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package frontier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the frontier.
//
// Thread Safety: Safe for concurrent use (Prometheus metrics are thread-safe).
type Metrics struct {
	// AdmittedTotal counts admitted tasks.
	AdmittedTotal prometheus.Counter

	// RejectedTotal counts rejected submissions by reason.
	RejectedTotal *prometheus.CounterVec

	// DequeuedTotal counts tasks handed to runners.
	DequeuedTotal prometheus.Counter

	// TerminalTotal counts terminal transitions by status.
	TerminalTotal *prometheus.CounterVec

	// PendingGauge tracks the current queue depth.
	PendingGauge prometheus.Gauge
}

// NewMetrics creates and registers all frontier metrics.
//
// # Inputs
//
//   - reg: Registerer to attach to. Nil uses the default registerer.
//
// # Outputs
//
//   - *Metrics: The created metrics. Never nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		AdmittedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "autoloop",
				Subsystem: "frontier",
				Name:      "admitted_total",
				Help:      "Total tasks admitted to the frontier",
			},
		),

		RejectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "autoloop",
				Subsystem: "frontier",
				Name:      "rejected_total",
				Help:      "Total submissions rejected, by reason",
			},
			[]string{"reason"},
		),

		DequeuedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "autoloop",
				Subsystem: "frontier",
				Name:      "dequeued_total",
				Help:      "Total tasks handed to runners",
			},
		),

		TerminalTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "autoloop",
				Subsystem: "frontier",
				Name:      "terminal_total",
				Help:      "Total terminal task transitions, by status",
			},
			[]string{"status"},
		),

		PendingGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "autoloop",
				Subsystem: "frontier",
				Name:      "pending_tasks",
				Help:      "Current number of pending tasks",
			},
		),
	}
}
