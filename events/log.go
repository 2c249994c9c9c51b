// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import "log/slog"

// NewLogSink returns a sink that logs every event through slog. The
// default sink for CLI builds.
func NewLogSink(logger *slog.Logger) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &logSink{logger: logger.With(slog.String("component", "event_sink"))}
}

type logSink struct {
	logger *slog.Logger
}

func (s *logSink) PublishStatus(ev StatusEvent) {
	attrs := []any{
		slog.String("task_id", ev.TaskID),
		slog.String("build_ref", ev.BuildRef),
		slog.String("status", string(ev.Status)),
	}
	if ev.Error != "" {
		attrs = append(attrs, slog.String("error", ev.Error))
	}
	if ev.WaitingOn != "" {
		attrs = append(attrs, slog.String("waiting_on", ev.WaitingOn))
	}
	if ev.Skipped {
		attrs = append(attrs, slog.Bool("skipped", true))
	}

	switch ev.Status {
	case StatusFailed, StatusBlocked:
		s.logger.Warn("task status", attrs...)
	default:
		s.logger.Info("task status", attrs...)
	}
}

func (s *logSink) PublishAsset(ev AssetEvent) {
	s.logger.Info("task asset",
		slog.String("task_id", ev.TaskID),
		slog.String("build_ref", ev.BuildRef),
		slog.String("asset", ev.Name),
		slog.String("type", ev.Type),
		slog.Int("bytes", len(ev.Body)))
}

func (s *logSink) Close() error { return nil }
