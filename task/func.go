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
	"reflect"

	"github.com/AleutianAI/kiln/serialize"
)

// RunFunc is the closure form of task run logic.
type RunFunc func(ctx context.Context, rc *RunContext) (RunResult, error)

// Option configures a Func task.
type Option func(*fnTask)

// WithNamespace sets the task namespace.
func WithNamespace(ns string) Option {
	return func(t *fnTask) { t.namespace = ns }
}

// WithVersion sets the task version (DefaultVersion when omitted).
func WithVersion(v string) Option {
	return func(t *fnTask) { t.version = v }
}

// WithRequires declares static dependencies beyond the task-valued
// parameters, which are always implicit dependencies.
func WithRequires(deps ...Task) Option {
	return func(t *fnTask) { t.requires = append(t.requires, deps...) }
}

// WithRoot stores the task's output under a named target root instead of
// the default root.
func WithRoot(name string) Option {
	return func(t *fnTask) { t.root = name }
}

// WithReturnType declares the output type so the serializer registry can
// resolve a codec eagerly at declaration time.
func WithReturnType(rt reflect.Type) Option {
	return func(t *fnTask) { t.returnType = rt }
}

// WithSerializer pins an explicit codec for the task's output.
func WithSerializer(s serialize.Serializer) Option {
	return func(t *fnTask) { t.serializer = s }
}

// Func declares a task from a closure.
//
// Description:
//
//	The lightest declaration surface: family plus parameters plus run
//	logic. Task-valued parameters become dependencies automatically.
//
// Example:
//
//	rng := task.Func("range", task.Params{"limit": 10}, runRange)
//	sum := task.Func("sum", task.Params{"integers": rng}, runSum)
func Func(family string, params Params, run RunFunc, opts ...Option) Task {
	t := &fnTask{
		family:  family,
		version: DefaultVersion,
		params:  params,
		run:     run,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type fnTask struct {
	family     string
	namespace  string
	version    string
	params     Params
	requires   []Task
	root       string
	returnType reflect.Type
	serializer serialize.Serializer
	run        RunFunc
}

func (t *fnTask) Family() string    { return t.family }
func (t *fnTask) Namespace() string { return t.namespace }
func (t *fnTask) Version() string   { return t.version }

func (t *fnTask) Params() Params {
	if t.params == nil {
		return Params{}
	}
	return t.params
}

func (t *fnTask) Run(ctx context.Context, rc *RunContext) (RunResult, error) {
	if t.run == nil {
		return RunResult{}, ErrRunNotImplemented
	}
	return t.run(ctx, rc)
}

// Requires returns the explicitly declared static dependencies. Implicit
// task-valued parameters are handled by the resolver.
func (t *fnTask) Requires() []Task { return t.requires }

// Root implements RootDeclarer when WithRoot was used.
func (t *fnTask) Root() string { return t.root }

// ReturnType implements ReturnTyper when WithReturnType was used.
func (t *fnTask) ReturnType() reflect.Type { return t.returnType }

// Serializer implements SerializerDeclarer when WithSerializer was used.
func (t *fnTask) Serializer() serialize.Serializer { return t.serializer }
