// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events defines the status and asset events the engine emits to
// the external persistence tier.
//
// Emission is one-directional and best-effort: a slow or unavailable sink
// must never block or fail a build. Sinks that talk to the network buffer
// and drop rather than apply backpressure.
package events

import "time"

// Status is a task execution state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusWaiting   Status = "WAITING_FOR_LOCK"
	StatusRunning   Status = "RUNNING"
	StatusSuspended Status = "SUSPENDED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusBlocked   Status = "BLOCKED"
)

// Terminal reports whether a status is final for the task in this build.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusBlocked:
		return true
	default:
		return false
	}
}

// StatusEvent records one state transition.
type StatusEvent struct {
	TaskID    string    `json:"task_id"`
	BuildRef  string    `json:"build_ref"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`

	// Error carries the failure detail for FAILED, or the blocking task
	// id for BLOCKED.
	Error string `json:"error,omitempty"`

	// WaitingOn is the holding build reference while WAITING_FOR_LOCK.
	WaitingOn string `json:"waiting_on,omitempty"`

	// Skipped marks a COMPLETED reached via existence check, with zero
	// run-logic invocations.
	Skipped bool `json:"skipped,omitempty"`
}

// AssetEvent records one named auxiliary output.
type AssetEvent struct {
	TaskID    string    `json:"task_id"`
	BuildRef  string    `json:"build_ref"`
	Name      string    `json:"asset_name"`
	Type      string    `json:"asset_type"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives engine events.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use and must not block
//	the caller.
type Sink interface {
	PublishStatus(ev StatusEvent)
	PublishAsset(ev AssetEvent)
	Close() error
}

// Multi fans events out to several sinks.
func Multi(sinks ...Sink) Sink { return multiSink(sinks) }

type multiSink []Sink

func (m multiSink) PublishStatus(ev StatusEvent) {
	for _, s := range m {
		s.PublishStatus(ev)
	}
}

func (m multiSink) PublishAsset(ev AssetEvent) {
	for _, s := range m {
		s.PublishAsset(ev)
	}
}

func (m multiSink) Close() error {
	var firstErr error
	for _, s := range m {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Discard is a no-op sink.
var Discard Sink = discardSink{}

type discardSink struct{}

func (discardSink) PublishStatus(StatusEvent) {}
func (discardSink) PublishAsset(AssetEvent)   {}
func (discardSink) Close() error              { return nil }
