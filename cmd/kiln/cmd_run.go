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
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/kiln/engine"
	"github.com/AleutianAI/kiln/events"
	"github.com/AleutianAI/kiln/graph"
	"github.com/AleutianAI/kiln/store"
	"github.com/AleutianAI/kiln/task"
	"github.com/AleutianAI/kiln/telemetry"
)

// runPipeline builds the named pipeline end to end.
func runPipeline(cmd *cobra.Command, args []string) {
	fn, err := mustPipeline(args[0])
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.DefaultConfig())
	if err != nil {
		log.Fatalf("Error initializing telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	buildRef := uuid.NewString()[:12]
	deps, err := wireDeps(ctx, cfg, buildRef, noLock)
	if err != nil {
		log.Fatalf("Error wiring build dependencies: %v", err)
	}
	defer deps.Close()

	// The control API serves status and cancellation while the build runs.
	if cfg.Control.Listen != "" {
		go func() {
			if err := deps.Control.Start(ctx); err != nil {
				deps.Logger.Warn("control API stopped", "error", err.Error())
			}
		}()
	}

	rep, err := deps.Engine.Run(ctx, fn())
	if rep != nil {
		recordReport(deps.Store, rep)
		printReport(rep)
	}
	if err != nil {
		log.Fatalf("Build failed: %v", err)
	}
}

// printID prints the content-addressed identity of a pipeline's root.
func printID(cmd *cobra.Command, args []string) {
	fn, err := mustPipeline(args[0])
	if err != nil {
		log.Fatalf("%v", err)
	}
	id, err := task.ID(fn())
	if err != nil {
		log.Fatalf("Error computing task identity: %v", err)
	}
	fmt.Println(id)
}

// printGraph prints the resolved plan without running anything.
func printGraph(cmd *cobra.Command, args []string) {
	fn, err := mustPipeline(args[0])
	if err != nil {
		log.Fatalf("%v", err)
	}
	g, err := graph.NewResolver(nil).Resolve(fn())
	if err != nil {
		log.Fatalf("Error resolving graph: %v", err)
	}
	fmt.Print(graph.Describe(g))
}

// runServe serves the control API without starting a build, for
// inspecting records from earlier builds.
func runServe(cmd *cobra.Command, args []string) {
	if cfg.Control.Listen == "" {
		log.Fatalf("control.listen is empty; nothing to serve")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.DefaultConfig())
	if err != nil {
		log.Fatalf("Error initializing telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	deps, err := wireDeps(ctx, cfg, uuid.NewString()[:12], true)
	if err != nil {
		log.Fatalf("Error wiring dependencies: %v", err)
	}
	defer deps.Close()

	if err := deps.Control.Start(ctx); err != nil {
		log.Fatalf("Control API error: %v", err)
	}
}

// recordReport persists the build summary for later `kiln serve` queries.
func recordReport(s *store.Store, rep *engine.Report) {
	if s == nil {
		return
	}
	status := string(events.StatusCompleted)
	if rep.Failed() {
		status = string(events.StatusFailed)
	}
	counts := make(map[string]int)
	for _, st := range rep.Statuses {
		counts[string(st)]++
	}
	if err := s.PutBuild(store.BuildSummary{
		BuildRef:   rep.BuildRef,
		RootTaskID: rep.RootTaskID,
		Status:     status,
		StartedAt:  rep.StartedAt,
		FinishedAt: rep.FinishedAt,
		Counts:     counts,
	}); err != nil {
		log.Printf("Warning: failed to record build summary: %v", err)
	}
}

func printReport(rep *engine.Report) {
	counts := make(map[events.Status]int)
	for _, st := range rep.Statuses {
		counts[st]++
	}
	fmt.Printf("build %s: %d tasks", rep.BuildRef, len(rep.Statuses))
	for _, st := range []events.Status{
		events.StatusCompleted, events.StatusFailed,
		events.StatusBlocked, events.StatusCancelled,
	} {
		if counts[st] > 0 {
			fmt.Printf("  %s=%d", st, counts[st])
		}
	}
	if len(rep.Skipped) > 0 {
		fmt.Printf("  skipped=%d", len(rep.Skipped))
	}
	fmt.Printf("  elapsed=%s\n", rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))
}
