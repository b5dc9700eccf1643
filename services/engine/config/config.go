// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the engine configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/autoloop/services/engine/budget"
	"github.com/AleutianAI/autoloop/services/engine/control"
	"github.com/AleutianAI/autoloop/services/engine/evaluate"
	"github.com/AleutianAI/autoloop/services/engine/frontier"
	"github.com/AleutianAI/autoloop/services/engine/workspace"
)

// validate is the validator instance for engine configuration.
var validate = validator.New()

// RunnerConfig tunes the per-task pipeline.
type RunnerConfig struct {
	// Mode is the approval mode: strict requires external approval before
	// every apply, auto applies freely, dry-run never applies.
	Mode string `yaml:"mode" validate:"oneof=strict auto dry-run"`

	// Parallelism bounds how many tasks run concurrently.
	Parallelism int `yaml:"parallelism" validate:"gte=1"`

	// PromoteOnSuccess promotes the workspace when a task stops with a
	// passing evaluation.
	PromoteOnSuccess bool `yaml:"promote_on_success"`

	// TaskTimeout bounds one task's total runtime. Zero disables it.
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// LoggingConfig tunes structured logging.
type LoggingConfig struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string `yaml:"level" validate:"oneof=debug info warn error"`

	// Format is text or json.
	Format string `yaml:"format" validate:"oneof=text json"`
}

// TelemetryConfig tunes exporters.
type TelemetryConfig struct {
	// Enabled turns the otel SDK pipeline on.
	Enabled bool `yaml:"enabled"`

	// Exporter is stdout or prometheus.
	Exporter string `yaml:"exporter" validate:"oneof=stdout prometheus"`

	// PrometheusAddr is where the prometheus exporter listens.
	PrometheusAddr string `yaml:"prometheus_addr"`
}

// Config is the whole engine configuration.
type Config struct {
	Workspace workspace.ManagerConfig `yaml:"workspace"`
	Budget    BudgetConfig            `yaml:"budget"`
	Evaluate  evaluate.Config         `yaml:"evaluate"`
	Control   control.Config          `yaml:"control"`
	Frontier  frontier.Config         `yaml:"frontier"`
	Runner    RunnerConfig            `yaml:"runner"`
	Logging   LoggingConfig           `yaml:"logging"`
	Telemetry TelemetryConfig         `yaml:"telemetry"`
}

// BudgetConfig groups the gate and waiver policies with the default
// envelope applied to tasks that declare none.
type BudgetConfig struct {
	Gate            budget.GateConfig     `yaml:"gate"`
	Waivers         budget.WorkflowConfig `yaml:"waivers"`
	DefaultEnvelope budget.ScopeEnvelope  `yaml:"default_envelope"`
}

// Default returns the engine defaults.
func Default() *Config {
	return &Config{
		Workspace: workspace.ManagerConfig{WatchMutations: true},
		Budget: BudgetConfig{
			Gate:    budget.DefaultGateConfig(),
			Waivers: budget.DefaultWorkflowConfig(),
		},
		Evaluate: evaluate.DefaultConfig(),
		Control:  control.DefaultConfig(),
		Frontier: frontier.DefaultConfig(),
		Runner: RunnerConfig{
			Mode:        "auto",
			Parallelism: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Exporter: "stdout",
		},
	}
}

// Load reads a config file over the defaults and validates the result.
//
// # Inputs
//
//   - path: YAML config file. Empty returns the validated defaults.
//
// # Outputs
//
//   - *Config: The merged configuration.
//   - error: Non-nil on read, parse, or validation failure.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
