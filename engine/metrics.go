// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("kiln/engine")
	meter  = otel.Meter("kiln/engine")

	metricsOnce    sync.Once
	tasksFinished  metric.Int64Counter
	tasksSkipped   metric.Int64Counter
	lockWaits      metric.Int64Counter
	taskDurationMs metric.Float64Histogram
)

// initMetrics creates the engine instruments once. Failures degrade to
// nil instruments; recording on nil is skipped, never fatal.
func initMetrics(logger *slog.Logger) {
	metricsOnce.Do(func() {
		var err error
		tasksFinished, err = meter.Int64Counter("kiln.engine.tasks_finished",
			metric.WithDescription("Tasks reaching a terminal status, by status"))
		if err != nil {
			logger.Warn("failed to create tasks_finished counter", slog.String("error", err.Error()))
		}
		tasksSkipped, err = meter.Int64Counter("kiln.engine.tasks_skipped",
			metric.WithDescription("Tasks completed via existence check without running"))
		if err != nil {
			logger.Warn("failed to create tasks_skipped counter", slog.String("error", err.Error()))
		}
		lockWaits, err = meter.Int64Counter("kiln.engine.lock_waits",
			metric.WithDescription("Times a task waited on another build's lease"))
		if err != nil {
			logger.Warn("failed to create lock_waits counter", slog.String("error", err.Error()))
		}
		taskDurationMs, err = meter.Float64Histogram("kiln.engine.task_duration_ms",
			metric.WithDescription("Run-logic wall time per task in milliseconds"))
		if err != nil {
			logger.Warn("failed to create task_duration histogram", slog.String("error", err.Error()))
		}
	})
}

func recordFinished(ctx context.Context, family, status string) {
	if tasksFinished == nil {
		return
	}
	tasksFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("family", family),
		attribute.String("status", status)))
}

func recordSkipped(ctx context.Context, family string) {
	if tasksSkipped == nil {
		return
	}
	tasksSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("family", family)))
}

func recordLockWait(ctx context.Context, family string) {
	if lockWaits == nil {
		return
	}
	lockWaits.Add(ctx, 1, metric.WithAttributes(attribute.String("family", family)))
}

func recordDuration(ctx context.Context, family string, d time.Duration) {
	if taskDurationMs == nil {
		return
	}
	taskDurationMs.Record(ctx, float64(d.Milliseconds()),
		metric.WithAttributes(attribute.String("family", family)))
}

func spanAttrs(buildRef, taskID, family string) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("build_ref", buildRef),
		attribute.String("task_id", taskID),
		attribute.String("task_family", family))
}
