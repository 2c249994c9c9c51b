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
	"errors"
	"fmt"
)

var (
	// ErrBuildFailed indicates at least one task in the build reached
	// FAILED or BLOCKED.
	ErrBuildFailed = errors.New("build failed")

	// ErrBuildNotFound indicates no active build matches the reference.
	ErrBuildNotFound = errors.New("build not found")

	// ErrTaskNotFound indicates the build has no task with the given id.
	ErrTaskNotFound = errors.New("task not found in build")
)

// TaskError wraps a run-logic failure with the task's identity.
type TaskError struct {
	TaskID string
	Family string
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s (%s): %v", e.TaskID[:12], e.Family, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }
