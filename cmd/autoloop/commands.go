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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/autoloop/services/engine/config"
)

const version = "0.1.0"

// --- Global Command Variables ---
var (
	configPath      string
	modeOverride    string
	taskFilePath    string
	promoteOverride bool
	approveHighRisk bool

	rootCmd = &cobra.Command{
		Use:   "autoloop",
		Short: "An autonomous iteration engine for code changes",
		Long: `Autoloop drives propose-apply-evaluate loops over a project:
each task gets an isolated workspace, candidate changes pass a budget
gate, a hardened verification suite decides pass or fail, and a loop
controller stops on satisficing, plateau, or regression.`,
	}

	runCmd = &cobra.Command{
		Use:   "run [project-root]",
		Short: "Run the task frontier against a project",
		Args:  cobra.ExactArgs(1),
		RunE:  runEngine, // Defined in run.go
	}

	validateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file without running anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(configPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration valid")
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the autoloop version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the engine config file")

	runCmd.Flags().StringVar(&taskFilePath, "tasks", "tasks.yaml", "Path to the task file")
	runCmd.Flags().StringVar(&modeOverride, "mode", "", "Run mode: strict, auto, or dry-run")
	runCmd.Flags().BoolVar(&promoteOverride, "promote", false, "Promote workspaces of successful tasks")
	runCmd.Flags().BoolVar(&approveHighRisk, "approve-high-risk", false,
		"Auto-approve high-risk budget waivers instead of failing the task")

	rootCmd.AddCommand(runCmd, validateCmd, versionCmd)
}
