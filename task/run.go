// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package task

import (
	"context"
	"fmt"
	"log/slog"
)

// AssetType classifies an auxiliary task output.
type AssetType string

const (
	AssetJSON     AssetType = "json"
	AssetMarkdown AssetType = "markdown"
)

// Asset is a named auxiliary output of a task, published for inspection
// rather than downstream consumption.
type Asset struct {
	Name string    `json:"name"`
	Type AssetType `json:"type"`
	Body string    `json:"body"`
}

// RunContext is the engine-provided environment a task runs in.
//
// Description:
//
//	Run logic reads dependency outputs with Load, stores its primary
//	output with Save (or returns it via Done and lets the engine persist
//	it), publishes assets with PublishAsset, and checks Canceled at
//	author-chosen checkpoints inside long-running logic.
//
// Thread Safety:
//
//	A RunContext belongs to a single task invocation and must not be
//	shared across goroutines without external synchronization.
type RunContext struct {
	buildRef string
	logger   *slog.Logger

	load    func(ctx context.Context, dep Task) (any, error)
	save    func(ctx context.Context, v any) error
	publish func(a Asset)
}

// RunContextConfig wires a RunContext. Engine-internal; task authors never
// construct one.
type RunContextConfig struct {
	BuildRef string
	Logger   *slog.Logger
	Load     func(ctx context.Context, dep Task) (any, error)
	Save     func(ctx context.Context, v any) error
	Publish  func(a Asset)
}

// NewRunContext creates a RunContext from engine wiring.
func NewRunContext(cfg RunContextConfig) *RunContext {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RunContext{
		buildRef: cfg.BuildRef,
		logger:   cfg.Logger,
		load:     cfg.Load,
		save:     cfg.Save,
		publish:  cfg.Publish,
	}
}

// BuildRef identifies the build this invocation belongs to.
func (rc *RunContext) BuildRef() string { return rc.buildRef }

// Logger returns a logger scoped to this task invocation.
func (rc *RunContext) Logger() *slog.Logger { return rc.logger }

// Load reads a dependency's persisted output.
//
// Outputs:
//
//	any - The deserialized value.
//	error - target.ErrMissingTarget (wrapped) if the dependency output is
//	        absent, which normally indicates an upstream failure.
func (rc *RunContext) Load(ctx context.Context, dep Task) (any, error) {
	if rc.load == nil {
		return nil, fmt.Errorf("run context has no loader")
	}
	return rc.load(ctx, dep)
}

// Save persists a value to this task's own target. Most tasks return the
// value via Done instead and let the engine persist it.
func (rc *RunContext) Save(ctx context.Context, v any) error {
	if rc.save == nil {
		return fmt.Errorf("run context has no saver")
	}
	return rc.save(ctx, v)
}

// PublishAsset emits a named auxiliary output. Best-effort: publication
// never fails the task.
func (rc *RunContext) PublishAsset(name string, typ AssetType, body string) {
	if rc.publish == nil {
		return
	}
	rc.publish(Asset{Name: name, Type: typ, Body: body})
}

// Canceled reports whether the invocation has been asked to stop. Long
// loops should check this at convenient checkpoints.
func (rc *RunContext) Canceled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// RunResult is the tagged outcome of a Run invocation.
//
// Description:
//
//	A result is either done-with-value (the engine persists the value),
//	done-already-saved (run logic called Save itself), or
//	needs-these-dependencies-first, which suspends the task until the
//	newly discovered subgraph has completed and then re-enters Run.
type RunResult struct {
	value any
	saved bool
	needs []Task
}

// Done reports successful completion with a value for the engine to persist.
func Done(v any) RunResult {
	return RunResult{value: v, saved: false}
}

// Saved reports successful completion where run logic already persisted its
// own output via RunContext.Save.
func Saved() RunResult {
	return RunResult{saved: true}
}

// NeedsDeps requests additional dependencies discovered mid-execution.
// The engine resolves and executes them, then calls Run again.
func NeedsDeps(deps ...Task) RunResult {
	return RunResult{needs: deps}
}

// Needs returns the dynamically requested dependencies, nil when done.
func (r RunResult) Needs() []Task { return r.needs }

// Value returns the produced value and whether the engine must persist it.
func (r RunResult) Value() (any, bool) {
	if len(r.needs) > 0 || r.saved {
		return nil, false
	}
	return r.value, true
}

// Suspended reports whether the result requests more dependencies.
func (r RunResult) Suspended() bool { return len(r.needs) > 0 }
