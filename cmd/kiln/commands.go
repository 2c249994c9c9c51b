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
	"log"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/kiln/config"
)

// --- Global Command Variables ---
var (
	configPath string
	workers    int
	noLock     bool

	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:   "kiln",
		Short: "A declarative build engine for data and compute pipelines",
		Long: `Kiln resolves task dependency graphs and executes them with
content-addressed, idempotent outputs: a task whose output already
exists is never run again.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			var err error
			if configPath != "" {
				cfg, err = config.Load(configPath)
			} else {
				cfg, err = config.LoadDefault()
			}
			if err != nil {
				log.Fatalf("Error loading configuration: %v", err)
			}
			if workers > 0 {
				cfg.Workers = workers
			}
		},
	}

	runCmd = &cobra.Command{
		Use:   "run [pipeline]",
		Short: "Resolve and build a pipeline's dependency graph",
		Args:  cobra.ExactArgs(1),
		Run:   runPipeline,
	}

	idCmd = &cobra.Command{
		Use:   "id [pipeline]",
		Short: "Print the content-addressed identity of a pipeline's root task",
		Args:  cobra.ExactArgs(1),
		Run:   printID,
	}

	graphCmd = &cobra.Command{
		Use:   "graph [pipeline]",
		Short: "Print a pipeline's resolved build plan without running it",
		Args:  cobra.ExactArgs(1),
		Run:   printGraph,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the control API over the local record store",
		Run:   runServe,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to a kiln.yaml (default ~/.kiln/kiln.yaml)")
	runCmd.Flags().IntVar(&workers, "workers", 0,
		"override configured worker count")
	runCmd.Flags().BoolVar(&noLock, "no-lock", false,
		"skip the cross-build execution lock")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(idCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(serveCmd)
}

func mustPipeline(name string) (pipelineFn, error) {
	fn, ok := pipelines[name]
	if !ok {
		return nil, fmt.Errorf("unknown pipeline %q (available: %v)", name, pipelineNames())
	}
	return fn, nil
}
