// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine executes resolved task graphs.
//
// The engine walks a graph in dependency order, skipping tasks whose
// outputs already exist, serializing each task across builds through an
// execution lease, and driving every task through a small state machine:
//
//	PENDING -> [WAITING_FOR_LOCK] -> RUNNING -> COMPLETED | FAILED
//	RUNNING -> SUSPENDED -> RUNNING        (dynamic dependencies)
//	any non-terminal -> CANCELLED
//	failure -> BLOCKED for every transitive dependent
//
// Builds are idempotent: re-running a build whose outputs exist performs
// only existence checks.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/kiln/events"
	"github.com/AleutianAI/kiln/graph"
	"github.com/AleutianAI/kiln/lock"
	"github.com/AleutianAI/kiln/target"
	"github.com/AleutianAI/kiln/task"
)

// Config wires an Engine.
type Config struct {
	// Targets resolves task outputs to storage. Required.
	Targets *target.Resolver

	// Graphs resolves dependency graphs. Nil uses a default resolver.
	Graphs *graph.Resolver

	// Locks serializes task execution across builds. Nil disables
	// cross-build locking (single-process and test use).
	Locks *lock.Manager

	// Sink receives status and asset events. Nil discards them.
	Sink events.Sink

	// BuildRef identifies builds run by this engine. Empty generates a
	// fresh reference per Run.
	BuildRef string

	// Workers bounds concurrent task execution. Zero or one is sequential.
	Workers int

	// Logger for engine events. Nil uses slog.Default().
	Logger *slog.Logger
}

// Engine runs builds.
//
// Thread Safety:
//
//	Safe for concurrent use; each Run call owns its build state, and the
//	control API reads and cancels through the engine's build registry.
type Engine struct {
	targets  *target.Resolver
	graphs   *graph.Resolver
	locks    *lock.Manager
	sink     events.Sink
	buildRef string
	workers  int
	logger   *slog.Logger

	mu     sync.Mutex
	builds map[string]*buildState
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Targets == nil {
		return nil, fmt.Errorf("engine: target resolver is required")
	}
	if cfg.Graphs == nil {
		cfg.Graphs = graph.NewResolver(nil)
	}
	if cfg.Sink == nil {
		cfg.Sink = events.Discard
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		targets:  cfg.Targets,
		graphs:   cfg.Graphs,
		locks:    cfg.Locks,
		sink:     cfg.Sink,
		buildRef: cfg.BuildRef,
		workers:  cfg.Workers,
		logger:   cfg.Logger.With(slog.String("component", "engine")),
		builds:   make(map[string]*buildState),
	}, nil
}

// Run builds a root task and everything it depends on.
//
// Description:
//
//	Resolves the graph, then executes nodes whose dependencies have
//	finished, up to the configured worker bound. Task failures never
//	abort the whole build; independent branches keep running while the
//	failed task's transitive dependents become BLOCKED.
//
// Outputs:
//
//	*Report - Final status of every task. Non-nil even when err is
//	          ErrBuildFailed.
//	error - Graph resolution errors, ctx.Err() when the build is
//	        cancelled wholesale, or ErrBuildFailed when any task ended
//	        FAILED or BLOCKED.
func (e *Engine) Run(ctx context.Context, root task.Task) (*Report, error) {
	g, err := e.graphs.Resolve(root)
	if err != nil {
		return nil, fmt.Errorf("resolving graph: %w", err)
	}

	ref := e.buildRef
	if ref == "" {
		ref = uuid.NewString()[:12]
	}

	initMetrics(e.logger)
	ctx, span := tracer.Start(ctx, "engine.run")
	defer span.End()

	buildCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	bs := newBuildState(ref, g, cancel)

	e.mu.Lock()
	e.builds[ref] = bs
	e.mu.Unlock()

	rootID := g.Roots()[0]
	e.logger.Info("build started",
		slog.String("build_ref", ref),
		slog.String("root_task", rootID),
		slog.Int("tasks", g.Len()),
		slog.Int("workers", e.workers))

	e.schedule(buildCtx, bs)

	rep := bs.report(rootID)
	e.logger.Info("build finished",
		slog.String("build_ref", ref),
		slog.String("root_status", string(rep.Statuses[rootID])),
		slog.Duration("elapsed", rep.FinishedAt.Sub(rep.StartedAt)))

	if rep.Failed() {
		span.SetStatus(codes.Error, "build failed")
		return rep, fmt.Errorf("%w: root task %s is %s",
			ErrBuildFailed, rootID[:12], rep.Statuses[rootID])
	}
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	return rep, nil
}

// schedule dispatches ready nodes to workers until the graph drains.
func (e *Engine) schedule(ctx context.Context, bs *buildState) {
	g := bs.graph
	remaining := make(map[string]int, g.Len())
	var ready []string
	for _, n := range g.Order() {
		remaining[n.ID] = len(n.Deps)
		if len(n.Deps) == 0 {
			ready = append(ready, n.ID)
		}
	}

	done := make(chan string)
	inflight := 0
	finished := 0
	total := g.Len()

	for finished < total {
		for len(ready) > 0 && inflight < e.workers {
			id := ready[0]
			ready = ready[1:]
			node, _ := g.Node(id)
			inflight++
			go func(n *graph.Node) {
				e.executeNode(ctx, bs, n)
				done <- n.ID
			}(node)
		}
		if inflight == 0 {
			// Nothing ready and nothing running: the rest is unreachable.
			return
		}
		id := <-done
		inflight--
		finished++
		for _, dep := range g.Dependents(id) {
			remaining[dep]--
			if remaining[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
}

// executeNode drives one task through its lifecycle. All outcomes are
// recorded in the build state; nothing is returned.
func (e *Engine) executeNode(ctx context.Context, bs *buildState, node *graph.Node) {
	if bs.get(node.ID).Terminal() {
		return
	}

	// Claim in-process ownership: a dynamic-dependency walk and the
	// scheduler may both reach the same node. The loser waits for the
	// owner's outcome instead of running the task twice.
	doneCh, owner := bs.claim(node.ID)
	if !owner {
		select {
		case <-doneCh:
		case <-ctx.Done():
		}
		return
	}
	defer close(doneCh)

	family := node.Task.Family()

	ctx, span := tracer.Start(ctx, "engine.task", spanAttrs(bs.ref, node.ID, family))
	defer span.End()

	// A failed or cancelled dependency blocks this task before any work.
	for _, dep := range node.Deps {
		switch bs.get(dep) {
		case events.StatusFailed, events.StatusBlocked, events.StatusCancelled:
			e.block(ctx, bs, node.ID, family, dep)
			return
		}
	}
	if ctx.Err() != nil {
		e.cancelTerminal(ctx, bs, node.ID, family)
		return
	}

	tgt, err := e.targets.ForTask(node.Task)
	if err != nil {
		e.fail(ctx, bs, node, err)
		return
	}

	if exists, err := tgt.Exists(ctx); err == nil && exists {
		e.skip(ctx, bs, node.ID, family)
		return
	}

	if e.locks != nil {
		lease, err := e.locks.Acquire(ctx, node.ID, func(holder *lock.LeaseInfo) {
			recordLockWait(ctx, family)
			bs.set(node.ID, events.StatusWaiting, "")
			e.emit(events.StatusEvent{
				TaskID:    node.ID,
				BuildRef:  bs.ref,
				Status:    events.StatusWaiting,
				Timestamp: time.Now().UTC(),
				WaitingOn: holder.BuildRef,
			})
		})
		if err != nil {
			if ctx.Err() != nil {
				e.cancelTerminal(ctx, bs, node.ID, family)
				return
			}
			e.fail(ctx, bs, node, err)
			return
		}
		defer lease.Release()

		// Another build may have produced the output while we waited.
		if exists, err := tgt.Exists(ctx); err == nil && exists {
			e.skip(ctx, bs, node.ID, family)
			return
		}
	}

	taskCtx, taskCancel := context.WithCancel(ctx)
	defer taskCancel()
	bs.registerCancel(node.ID, taskCancel)
	defer bs.unregisterCancel(node.ID)

	bs.set(node.ID, events.StatusRunning, "")
	e.emit(events.StatusEvent{
		TaskID: node.ID, BuildRef: bs.ref,
		Status: events.StatusRunning, Timestamp: time.Now().UTC(),
	})

	rc := task.NewRunContext(task.RunContextConfig{
		BuildRef: bs.ref,
		Logger: e.logger.With(
			slog.String("task_id", node.ID[:12]),
			slog.String("family", family)),
		Load: func(ctx context.Context, dep task.Task) (any, error) {
			depTgt, err := e.targets.ForTask(dep)
			if err != nil {
				return nil, err
			}
			return depTgt.Load(ctx)
		},
		Save: func(ctx context.Context, v any) error {
			return tgt.Store(ctx, v)
		},
		Publish: func(a task.Asset) {
			e.sink.PublishAsset(events.AssetEvent{
				TaskID:    node.ID,
				BuildRef:  bs.ref,
				Name:      a.Name,
				Type:      string(a.Type),
				Body:      a.Body,
				Timestamp: time.Now().UTC(),
			})
		},
	})

	start := time.Now()
	for {
		res, err := node.Task.Run(taskCtx, rc)
		if err != nil {
			if taskCtx.Err() != nil {
				e.cancelTerminal(ctx, bs, node.ID, family)
				return
			}
			e.fail(ctx, bs, node, err)
			return
		}

		if res.Suspended() {
			bs.set(node.ID, events.StatusSuspended, "")
			e.emit(events.StatusEvent{
				TaskID: node.ID, BuildRef: bs.ref,
				Status: events.StatusSuspended, Timestamp: time.Now().UTC(),
			})
			if err := e.runSubgraph(taskCtx, bs, res.Needs()); err != nil {
				e.blockOn(ctx, bs, node.ID, family, err)
				return
			}
			bs.set(node.ID, events.StatusRunning, "")
			e.emit(events.StatusEvent{
				TaskID: node.ID, BuildRef: bs.ref,
				Status: events.StatusRunning, Timestamp: time.Now().UTC(),
			})
			continue
		}

		if v, ok := res.Value(); ok {
			if err := tgt.Store(taskCtx, v); err != nil {
				if taskCtx.Err() != nil {
					e.cancelTerminal(ctx, bs, node.ID, family)
					return
				}
				e.fail(ctx, bs, node, fmt.Errorf("storing output: %w", err))
				return
			}
		}
		break
	}
	recordDuration(ctx, family, time.Since(start))

	bs.set(node.ID, events.StatusCompleted, "")
	recordFinished(ctx, family, string(events.StatusCompleted))
	e.emit(events.StatusEvent{
		TaskID: node.ID, BuildRef: bs.ref,
		Status: events.StatusCompleted, Timestamp: time.Now().UTC(),
	})
}

// runSubgraph resolves and executes dynamically requested dependencies,
// sequentially, reusing anything the build already completed.
func (e *Engine) runSubgraph(ctx context.Context, bs *buildState, needs []task.Task) error {
	sub, err := e.graphs.ResolveMany(needs)
	if err != nil {
		return fmt.Errorf("resolving dynamic dependencies: %w", err)
	}
	for _, n := range sub.Order() {
		switch bs.get(n.ID) {
		case events.StatusCompleted:
			continue
		case events.StatusFailed, events.StatusBlocked, events.StatusCancelled:
			return fmt.Errorf("dynamic dependency %s is %s", n.ID[:12], bs.get(n.ID))
		}
		e.executeNode(ctx, bs, n)
		if s := bs.get(n.ID); s != events.StatusCompleted {
			return fmt.Errorf("dynamic dependency %s ended %s: %s",
				n.ID[:12], s, bs.reasonFor(n.ID))
		}
	}
	return nil
}

// Cancel cancels one task, or a whole build when taskID is empty.
//
// Description:
//
//	A running task's context is cancelled and its run logic observes it
//	at its next checkpoint. A pending task transitions to CANCELLED
//	directly. Terminal tasks are untouched.
func (e *Engine) Cancel(buildRef, taskID string) error {
	e.mu.Lock()
	bs, ok := e.builds[buildRef]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrBuildNotFound, buildRef)
	}

	if taskID == "" {
		e.logger.Info("cancelling build", slog.String("build_ref", buildRef))
		bs.cancel()
		return nil
	}

	if _, ok := bs.graph.Node(taskID); !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if bs.cancelTask(taskID) {
		return nil
	}

	// Not running: cancel it in place if it hasn't started.
	if bs.set(taskID, events.StatusCancelled, "cancelled before start") {
		e.emit(events.StatusEvent{
			TaskID: taskID, BuildRef: buildRef,
			Status: events.StatusCancelled, Timestamp: time.Now().UTC(),
		})
		e.propagateBlocked(context.Background(), bs, taskID)
	}
	return nil
}

// Statuses returns a snapshot of every task status in a build.
func (e *Engine) Statuses(buildRef string) (map[string]events.Status, error) {
	e.mu.Lock()
	bs, ok := e.builds[buildRef]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBuildNotFound, buildRef)
	}
	return bs.snapshot(), nil
}

// =============================================================================
// Terminal transitions
// =============================================================================

func (e *Engine) skip(ctx context.Context, bs *buildState, id, family string) {
	bs.set(id, events.StatusCompleted, "")
	bs.markSkipped(id)
	recordSkipped(ctx, family)
	e.logger.Debug("output exists, skipping run",
		slog.String("task_id", id[:12]),
		slog.String("family", family))
	e.emit(events.StatusEvent{
		TaskID: id, BuildRef: bs.ref,
		Status: events.StatusCompleted, Timestamp: time.Now().UTC(),
		Skipped: true,
	})
}

func (e *Engine) fail(ctx context.Context, bs *buildState, node *graph.Node, cause error) {
	terr := &TaskError{TaskID: node.ID, Family: node.Task.Family(), Err: cause}
	bs.set(node.ID, events.StatusFailed, cause.Error())
	recordFinished(ctx, node.Task.Family(), string(events.StatusFailed))
	e.logger.Error("task failed",
		slog.String("task_id", node.ID[:12]),
		slog.String("family", node.Task.Family()),
		slog.String("error", cause.Error()))
	e.emit(events.StatusEvent{
		TaskID: node.ID, BuildRef: bs.ref,
		Status: events.StatusFailed, Timestamp: time.Now().UTC(),
		Error: terr.Error(),
	})
	e.propagateBlocked(ctx, bs, node.ID)
}

func (e *Engine) cancelTerminal(ctx context.Context, bs *buildState, id, family string) {
	if !bs.set(id, events.StatusCancelled, "") {
		return
	}
	recordFinished(ctx, family, string(events.StatusCancelled))
	e.emit(events.StatusEvent{
		TaskID: id, BuildRef: bs.ref,
		Status: events.StatusCancelled, Timestamp: time.Now().UTC(),
	})
	e.propagateBlocked(ctx, bs, id)
}

// block marks a task BLOCKED because a direct dependency ended badly.
func (e *Engine) block(ctx context.Context, bs *buildState, id, family, depID string) {
	if !bs.set(id, events.StatusBlocked, depID) {
		return
	}
	recordFinished(ctx, family, string(events.StatusBlocked))
	e.emit(events.StatusEvent{
		TaskID: id, BuildRef: bs.ref,
		Status: events.StatusBlocked, Timestamp: time.Now().UTC(),
		Error: depID,
	})
}

// blockOn marks a suspended task BLOCKED because a dynamic dependency
// could not complete.
func (e *Engine) blockOn(ctx context.Context, bs *buildState, id, family string, cause error) {
	if !bs.set(id, events.StatusBlocked, cause.Error()) {
		return
	}
	recordFinished(ctx, family, string(events.StatusBlocked))
	e.emit(events.StatusEvent{
		TaskID: id, BuildRef: bs.ref,
		Status: events.StatusBlocked, Timestamp: time.Now().UTC(),
		Error: cause.Error(),
	})
	e.propagateBlocked(ctx, bs, id)
}

// propagateBlocked marks every transitive dependent of id BLOCKED.
func (e *Engine) propagateBlocked(ctx context.Context, bs *buildState, id string) {
	for _, dep := range bs.graph.TransitiveDependents(id) {
		if !bs.set(dep, events.StatusBlocked, id) {
			continue
		}
		if n, ok := bs.graph.Node(dep); ok {
			recordFinished(ctx, n.Task.Family(), string(events.StatusBlocked))
		}
		e.emit(events.StatusEvent{
			TaskID: dep, BuildRef: bs.ref,
			Status: events.StatusBlocked, Timestamp: time.Now().UTC(),
			Error: id,
		})
	}
}

func (e *Engine) emit(ev events.StatusEvent) {
	e.sink.PublishStatus(ev)
}
