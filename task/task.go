// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package task defines the unit of work for kiln pipelines.
//
// A Task declares typed parameters and optional upstream dependencies.
// Its identity is a pure function of (namespace, family, version, canonical
// parameter tree), so a task's output location is derivable before it runs.
//
// There are three equivalent declaration surfaces over one contract:
//
//   - task.Func for closure-style declarations,
//   - embedding task.Base and overriding Run/Requires,
//   - implementing the Task interface (and capability interfaces) directly.
//
// Optional behavior is discovered via capability interfaces (Requirer,
// RootDeclarer, SerializerDeclarer, ReturnTyper), not inheritance.
package task

import (
	"context"
	"fmt"
	"reflect"

	"github.com/AleutianAI/kiln/serialize"
)

// DefaultVersion is used when a declaration leaves Version empty.
const DefaultVersion = "1"

// Task is a declared unit of work.
//
// Description:
//
//	Tasks are created in memory at declaration time and never mutated
//	afterwards. Equal (namespace, family, version, params) always yields
//	an equal identity, regardless of where or when the task was declared.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent reads after construction.
type Task interface {
	// Family is the task type name, e.g. "range" or "train_model".
	Family() string

	// Namespace groups related families. May be empty.
	Namespace() string

	// Version distinguishes incompatible revisions of the same family.
	Version() string

	// Params returns the declared parameter tree.
	Params() Params

	// Run executes the task's logic. Dependency outputs are read through
	// the RunContext; the primary output is returned via Done (persisted
	// by the engine) or stored explicitly followed by Saved.
	Run(ctx context.Context, rc *RunContext) (RunResult, error)
}

// Requirer is implemented by tasks with statically declared dependencies.
type Requirer interface {
	Requires() []Task
}

// RootDeclarer overrides the target root the task's output is stored under.
type RootDeclarer interface {
	Root() string
}

// ReturnTyper declares the task's output type so a serializer can be
// resolved eagerly at declaration time.
type ReturnTyper interface {
	ReturnType() reflect.Type
}

// SerializerDeclarer pins an explicit codec for the task's output,
// bypassing type-based resolution.
type SerializerDeclarer interface {
	Serializer() serialize.Serializer
}

// Base provides a partial Task implementation.
//
// Description:
//
//	Base implements the identity-bearing parts of Task. Embed it in
//	concrete task implementations and override Run (and optionally
//	Requires).
//
// Example:
//
//	type Sum struct {
//	    task.Base
//	    Integers task.Task
//	}
//
//	func NewSum(integers task.Task) *Sum {
//	    return &Sum{
//	        Base: task.Base{
//	            TaskFamily: "sum",
//	            TaskParams: task.Params{"integers": integers},
//	        },
//	        Integers: integers,
//	    }
//	}
type Base struct {
	TaskFamily    string
	TaskNamespace string
	TaskVersion   string
	TaskParams    Params
}

// Family returns the declared family name.
func (b *Base) Family() string { return b.TaskFamily }

// Namespace returns the declared namespace.
func (b *Base) Namespace() string { return b.TaskNamespace }

// Version returns the declared version, or DefaultVersion if unset.
func (b *Base) Version() string {
	if b.TaskVersion == "" {
		return DefaultVersion
	}
	return b.TaskVersion
}

// Params returns the declared parameter tree.
func (b *Base) Params() Params {
	if b.TaskParams == nil {
		return Params{}
	}
	return b.TaskParams
}

// Run returns an error if called directly.
// Concrete implementations must override this method.
func (b *Base) Run(_ context.Context, _ *RunContext) (RunResult, error) {
	return RunResult{}, fmt.Errorf("%w: %s", ErrRunNotImplemented, b.TaskFamily)
}

// Validate checks that a task declaration is structurally sound.
//
// Outputs:
//
//	error - ErrInvalidTask if the family is empty, nil otherwise.
func Validate(t Task) error {
	if t == nil {
		return fmt.Errorf("%w: task must not be nil", ErrInvalidTask)
	}
	if t.Family() == "" {
		return fmt.Errorf("%w: family must not be empty", ErrInvalidTask)
	}
	return nil
}
