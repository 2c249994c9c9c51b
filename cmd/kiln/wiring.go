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

	"github.com/AleutianAI/kiln/config"
	"github.com/AleutianAI/kiln/control"
	"github.com/AleutianAI/kiln/engine"
	"github.com/AleutianAI/kiln/events"
	"github.com/AleutianAI/kiln/lock"
	"github.com/AleutianAI/kiln/pkg/logging"
	"github.com/AleutianAI/kiln/serialize"
	"github.com/AleutianAI/kiln/store"
	"github.com/AleutianAI/kiln/target"
)

// buildDeps holds everything one build or serve session needs.
type buildDeps struct {
	Logger  *logging.Logger
	Engine  *engine.Engine
	Store   *store.Store
	Control *control.Server

	locks *lock.Manager
	sink  events.Sink
}

// wireDeps assembles the full stack from configuration: logging, target
// resolution, locking, record store, event sinks, engine, control API.
func wireDeps(ctx context.Context, cfg *config.Config, buildRef string, skipLock bool) (*buildDeps, error) {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		JSON:    cfg.Logging.Format == "json",
		Service: "kiln",
	})
	slogger := logger.Slog()

	roots, ok := cfg.ActiveRoots()
	if !ok {
		return nil, fmt.Errorf("environment %q has no roots", cfg.Environment)
	}

	targets, err := target.NewResolver(target.ResolverConfig{
		Environment:        cfg.Environment,
		Roots:              roots,
		Registry:           serialize.NewRegistry(),
		GCSCredentialsFile: cfg.GCSCredentialsFile,
		Logger:             slogger,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring targets: %w", err)
	}

	deps := &buildDeps{Logger: logger}

	if cfg.Lock.Dir != "" && !skipLock {
		deps.locks, err = lock.NewManager(lock.ManagerConfig{
			Dir:          cfg.Lock.Dir,
			BuildRef:     buildRef,
			TTL:          cfg.Lock.TTL,
			WaitTimeout:  cfg.Lock.WaitTimeout,
			PollInterval: cfg.Lock.PollInterval,
			Logger:       slogger,
		})
		if err != nil {
			return nil, fmt.Errorf("configuring execution lock: %w", err)
		}
	}

	if cfg.Store.Path != "" {
		deps.Store, err = store.Open(store.Config{
			Path:       cfg.Store.Path,
			SyncWrites: cfg.Store.SyncWrites,
			Logger:     slogger,
		})
		if err != nil {
			deps.close()
			return nil, fmt.Errorf("opening record store: %w", err)
		}
	}

	sinks := []events.Sink{events.NewLogSink(slogger)}
	if deps.Store != nil {
		sinks = append(sinks, deps.Store.Sink())
	}
	if cfg.Events.WebSocketURL != "" {
		ws, err := events.NewWebSocketSink(ctx, events.WSConfig{
			URL:             cfg.Events.WebSocketURL,
			BuildRef:        buildRef,
			EventsPerSecond: cfg.Events.EventsPerSecond,
			Logger:          slogger,
		})
		if err != nil {
			// Event emission is best-effort: a dead dashboard never
			// stops a build.
			logger.Warn("event sink unavailable", "error", err.Error())
		} else {
			sinks = append(sinks, ws)
		}
	}
	deps.sink = events.Multi(sinks...)

	deps.Engine, err = engine.New(engine.Config{
		Targets:  targets,
		Locks:    deps.locks,
		Sink:     deps.sink,
		BuildRef: buildRef,
		Workers:  cfg.Workers,
		Logger:   slogger,
	})
	if err != nil {
		deps.close()
		return nil, fmt.Errorf("configuring engine: %w", err)
	}

	if cfg.Control.Listen != "" {
		deps.Control, err = control.NewServer(control.Config{
			Listen: cfg.Control.Listen,
			Engine: deps.Engine,
			Store:  deps.Store,
			Logger: slogger,
		})
		if err != nil {
			deps.close()
			return nil, fmt.Errorf("configuring control API: %w", err)
		}
	}

	return deps, nil
}

// Close releases everything in reverse dependency order.
func (d *buildDeps) Close() { d.close() }

func (d *buildDeps) close() {
	if d.sink != nil {
		_ = d.sink.Close()
	}
	if d.locks != nil {
		_ = d.locks.Close()
	}
	if d.Store != nil {
		_ = d.Store.Close()
	}
	if d.Logger != nil {
		_ = d.Logger.Close()
	}
}
