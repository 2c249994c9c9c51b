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
	"sync"
	"time"

	"github.com/AleutianAI/kiln/events"
	"github.com/AleutianAI/kiln/graph"
)

// buildState tracks the status of every task in one build.
//
// Thread Safety:
//
//	Safe for concurrent use; worker goroutines record transitions through
//	it while the control API reads snapshots.
type buildState struct {
	ref       string
	graph     *graph.Graph
	startedAt time.Time
	cancel    context.CancelFunc

	mu       sync.Mutex
	status   map[string]events.Status
	reasons  map[string]string
	skipped  map[string]bool
	cancels  map[string]context.CancelFunc
	execDone map[string]chan struct{}
}

func newBuildState(ref string, g *graph.Graph, cancel context.CancelFunc) *buildState {
	bs := &buildState{
		ref:       ref,
		graph:     g,
		startedAt: time.Now().UTC(),
		cancel:    cancel,
		status:    make(map[string]events.Status, g.Len()),
		reasons:   make(map[string]string),
		skipped:   make(map[string]bool),
		cancels:   make(map[string]context.CancelFunc),
		execDone:  make(map[string]chan struct{}),
	}
	for _, n := range g.Order() {
		bs.status[n.ID] = events.StatusPending
	}
	return bs
}

// set records a status transition and returns false when the task is
// already terminal, keeping terminal states sticky.
func (bs *buildState) set(id string, s events.Status, reason string) bool {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if cur, ok := bs.status[id]; ok && cur.Terminal() {
		return false
	}
	bs.status[id] = s
	if reason != "" {
		bs.reasons[id] = reason
	}
	return true
}

func (bs *buildState) reasonFor(id string) string {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.reasons[id]
}

// claim takes in-process ownership of a node's execution. The second
// return is true for the owner; non-owners receive a channel closed when
// the owner finishes.
func (bs *buildState) claim(id string) (chan struct{}, bool) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if ch, ok := bs.execDone[id]; ok {
		return ch, false
	}
	ch := make(chan struct{})
	bs.execDone[id] = ch
	return ch, true
}

func (bs *buildState) get(id string) events.Status {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.status[id]
}

func (bs *buildState) markSkipped(id string) {
	bs.mu.Lock()
	bs.skipped[id] = true
	bs.mu.Unlock()
}

// registerCancel installs the per-task cancel handle while its run logic
// executes.
func (bs *buildState) registerCancel(id string, cancel context.CancelFunc) {
	bs.mu.Lock()
	bs.cancels[id] = cancel
	bs.mu.Unlock()
}

func (bs *buildState) unregisterCancel(id string) {
	bs.mu.Lock()
	delete(bs.cancels, id)
	bs.mu.Unlock()
}

// cancelTask cancels one running task. Returns false when the task is not
// currently cancellable.
func (bs *buildState) cancelTask(id string) bool {
	bs.mu.Lock()
	cancel, ok := bs.cancels[id]
	bs.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// snapshot copies the current status map.
func (bs *buildState) snapshot() map[string]events.Status {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	out := make(map[string]events.Status, len(bs.status))
	for id, s := range bs.status {
		out[id] = s
	}
	return out
}

// counts tallies statuses for the build summary.
func (bs *buildState) counts() map[string]int {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	out := make(map[string]int)
	for _, s := range bs.status {
		out[string(s)]++
	}
	return out
}

// Report summarizes one finished build.
type Report struct {
	BuildRef   string
	RootTaskID string
	StartedAt  time.Time
	FinishedAt time.Time

	// Statuses maps every task id in the build to its final status.
	Statuses map[string]events.Status

	// Reasons maps failed or blocked task ids to a short explanation.
	Reasons map[string]string

	// Skipped lists task ids completed via existence check without
	// invoking run logic.
	Skipped []string
}

// Failed reports whether any task finished FAILED or BLOCKED.
func (r *Report) Failed() bool {
	for _, s := range r.Statuses {
		if s == events.StatusFailed || s == events.StatusBlocked {
			return true
		}
	}
	return false
}

func (bs *buildState) report(rootID string) *Report {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	rep := &Report{
		BuildRef:   bs.ref,
		RootTaskID: rootID,
		StartedAt:  bs.startedAt,
		FinishedAt: time.Now().UTC(),
		Statuses:   make(map[string]events.Status, len(bs.status)),
		Reasons:    make(map[string]string, len(bs.reasons)),
	}
	for id, s := range bs.status {
		rep.Statuses[id] = s
	}
	for id, r := range bs.reasons {
		rep.Reasons[id] = r
	}
	for id := range bs.skipped {
		rep.Skipped = append(rep.Skipped, id)
	}
	return rep
}
