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

import (
	"errors"
	"testing"
)

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusBlocked}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	live := []Status{StatusPending, StatusWaiting, StatusRunning, StatusSuspended}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

type countingSink struct {
	statuses int
	assets   int
	closeErr error
	closed   bool
}

func (s *countingSink) PublishStatus(StatusEvent) { s.statuses++ }
func (s *countingSink) PublishAsset(AssetEvent)   { s.assets++ }
func (s *countingSink) Close() error {
	s.closed = true
	return s.closeErr
}

func TestMulti(t *testing.T) {
	a := &countingSink{closeErr: errors.New("a failed")}
	b := &countingSink{}
	m := Multi(a, b)

	m.PublishStatus(StatusEvent{TaskID: "x", Status: StatusRunning})
	m.PublishAsset(AssetEvent{TaskID: "x", Name: "summary"})

	if a.statuses != 1 || b.statuses != 1 {
		t.Error("status event not fanned out to every sink")
	}
	if a.assets != 1 || b.assets != 1 {
		t.Error("asset event not fanned out to every sink")
	}

	err := m.Close()
	if !a.closed || !b.closed {
		t.Error("Close did not reach every sink")
	}
	if err == nil || err.Error() != "a failed" {
		t.Errorf("Close should surface the first error, got %v", err)
	}
}

func TestDiscard(t *testing.T) {
	Discard.PublishStatus(StatusEvent{})
	Discard.PublishAsset(AssetEvent{})
	if err := Discard.Close(); err != nil {
		t.Errorf("Discard.Close: %v", err)
	}
}
