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

import "errors"

// Sentinel errors for the task package.
var (
	// ErrIdentity indicates a parameter has no canonical representation
	// and therefore cannot contribute to a task identity.
	ErrIdentity = errors.New("parameter has no canonical representation")

	// ErrInvalidTask indicates a task declaration is structurally invalid
	// (e.g., empty family).
	ErrInvalidTask = errors.New("invalid task declaration")

	// ErrRunNotImplemented indicates Run was invoked on a task that does
	// not override the embedded Base implementation.
	ErrRunNotImplemented = errors.New("task does not implement Run")
)
