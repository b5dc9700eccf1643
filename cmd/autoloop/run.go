// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/autoloop/pkg/logging"
	"github.com/AleutianAI/autoloop/services/engine/audit"
	"github.com/AleutianAI/autoloop/services/engine/budget"
	"github.com/AleutianAI/autoloop/services/engine/changeset"
	"github.com/AleutianAI/autoloop/services/engine/config"
	"github.com/AleutianAI/autoloop/services/engine/frontier"
	"github.com/AleutianAI/autoloop/services/engine/runner"
	"github.com/AleutianAI/autoloop/services/engine/telemetry"
	"github.com/AleutianAI/autoloop/services/engine/workspace"
)

// runEngine wires the engine from configuration and drains the task file's
// frontier against the given project root.
func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if modeOverride != "" {
		cfg.Runner.Mode = modeOverride
	}
	if promoteOverride {
		cfg.Runner.PromoteOnSuccess = true
	}

	projectRoot, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	logger, closeLogs := logging.New(logging.Options{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Service: "autoloop",
	})
	defer closeLogs()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, version)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer shutdownTelemetry(context.Background())

	tasks, err := loadTaskFile(taskFilePath)
	if err != nil {
		return err
	}
	// The controller satisfices on the judge's passing score unless the
	// config sets its own target.
	if cfg.Control.TargetScore == 0 {
		cfg.Control.TargetScore = 1.0
	}

	var waiverApprover budget.Approver
	if approveHighRisk {
		waiverApprover = budget.ApproverFunc(
			func(context.Context, *budget.WaiverRequest) (budget.Decision, error) {
				return budget.DecisionApproved, nil
			})
	}

	front := frontier.New(cfg.Frontier, frontier.NewMetrics(prometheus.DefaultRegisterer), logger)
	deps := runner.Deps{
		Workspaces: workspace.NewManager(cfg.Workspace, logger),
		Gate:       budget.NewGate(cfg.Budget.Gate, logger),
		Waivers:    budget.NewWorkflow(cfg.Budget.Waivers, waiverApprover, logger),
		Frontier:   front,
		Proposer:   newPatchProposer(tasks),
		Judge:      passFailJudge{},
		Suite:      newCommandSuite(tasks.Verify.Command),
		Emitter:    audit.NewSlogEmitter(logger),
		Logger:     logger,
	}
	if cfg.Runner.Mode == "strict" {
		deps.Approver = &promptApprover{in: bufio.NewReader(cmd.InOrStdin()), out: cmd.OutOrStdout()}
	}

	r, err := runner.New(cfg, projectRoot, deps)
	if err != nil {
		return err
	}

	for _, task := range tasks.frontierTasks() {
		if adm := front.Submit(task); !adm.Admitted {
			return fmt.Errorf("task %s rejected: %s", task.ID, adm.Reason)
		}
	}

	if err := r.Run(ctx); err != nil {
		return err
	}
	return reportOutcome(cmd, front)
}

// reportOutcome prints the frontier tally and fails the command when any
// task did not complete.
func reportOutcome(cmd *cobra.Command, front *frontier.Frontier) error {
	stats := front.Snapshot()
	fmt.Fprintf(cmd.OutOrStdout(), "complete: %d  failed: %d  cancelled: %d\n",
		stats.Complete, stats.Failed, stats.Cancelled)
	if stats.Failed > 0 || stats.Cancelled > 0 {
		return fmt.Errorf("%d task(s) did not complete", stats.Failed+stats.Cancelled)
	}
	return nil
}

// promptApprover asks on the terminal before every apply in strict mode.
type promptApprover struct {
	in  *bufio.Reader
	out interface{ Write([]byte) (int, error) }
}

func (p *promptApprover) ApproveApply(_ context.Context, task *frontier.Task,
	cs *changeset.ChangeSet) (bool, error) {

	added, removed := cs.LineStats()
	fmt.Fprintf(p.out, "task %s: apply %q (%d files, +%d/-%d)? [y/N] ",
		task.ID, cs.Intent, cs.FileCount(), added, removed)
	line, err := p.in.ReadString('\n')
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
