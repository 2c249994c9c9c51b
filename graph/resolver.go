// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph resolves task dependency graphs.
//
// Resolution is depth-first and deduplicated by task identity: shared
// sub-dependencies are visited once. The output is a deterministic
// topological order with ties broken by declaration order, so identical
// declarations always produce identical build plans.
package graph

import (
	"fmt"

	"github.com/AleutianAI/kiln/task"
)

// Node is one resolved task in a graph.
type Node struct {
	// ID is the task's content-addressed identity.
	ID string

	// Task is the declared task.
	Task task.Task

	// Deps are direct dependency ids in declaration order.
	Deps []string
}

// Graph is a resolved dependency graph in topological order.
//
// Thread Safety:
//
//	Read-only after Resolve returns; safe for concurrent use.
type Graph struct {
	nodes      map[string]*Node
	order      []string
	roots      []string
	dependents map[string][]string
}

// Order returns the nodes in execution order (dependencies first).
func (g *Graph) Order() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Node looks up a node by task id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Len returns the number of distinct tasks in the graph.
func (g *Graph) Len() int { return len(g.order) }

// Roots returns the ids of the requested top-level tasks.
func (g *Graph) Roots() []string { return g.roots }

// Dependents returns the direct dependents of a task id.
func (g *Graph) Dependents(id string) []string { return g.dependents[id] }

// TransitiveDependents returns every task that directly or transitively
// depends on the given id. Used for blocked-by-failure propagation.
func (g *Graph) TransitiveDependents(id string) []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(string)
	walk = func(cur string) {
		for _, dep := range g.dependents[cur] {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			out = append(out, dep)
			walk(dep)
		}
	}
	walk(id)
	return out
}

// Resolver computes dependency graphs from task declarations.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Resolver struct {
	hasher *task.Hasher
}

// NewResolver creates a Resolver. A nil hasher uses the package default.
func NewResolver(hasher *task.Hasher) *Resolver {
	return &Resolver{hasher: hasher}
}

// Resolve computes the dependency graph reachable from a root task.
//
// Outputs:
//
//	*Graph - Topologically ordered graph. Never nil on success.
//	error - CycleError (wrapping ErrCycle) on a dependency cycle,
//	        task.ErrIdentity for unhashable parameters.
func (r *Resolver) Resolve(root task.Task) (*Graph, error) {
	return r.ResolveMany([]task.Task{root})
}

// ResolveMany computes one graph spanning several requested tasks. Used by
// the engine when run logic discovers dependencies mid-execution.
func (r *Resolver) ResolveMany(roots []task.Task) (*Graph, error) {
	g := &Graph{
		nodes:      make(map[string]*Node),
		dependents: make(map[string][]string),
	}
	onPath := make(map[string]bool)

	var visit func(t task.Task, path []string) (string, error)
	visit = func(t task.Task, path []string) (string, error) {
		id, err := r.id(t)
		if err != nil {
			return "", err
		}

		if onPath[id] {
			return "", &CycleError{Path: append(cyclePath(path, id), id)}
		}
		if _, done := g.nodes[id]; done {
			// Shared sub-dependency, already resolved.
			return id, nil
		}

		onPath[id] = true
		deps := Requires(t)
		node := &Node{ID: id, Task: t}
		for _, dep := range deps {
			depID, err := visit(dep, append(path, id))
			if err != nil {
				return "", err
			}
			if !contains(node.Deps, depID) {
				node.Deps = append(node.Deps, depID)
				g.dependents[depID] = append(g.dependents[depID], id)
			}
		}
		delete(onPath, id)

		// Post-order insertion yields a topological order with ties
		// broken by declaration order.
		g.nodes[id] = node
		g.order = append(g.order, id)
		return id, nil
	}

	for _, t := range roots {
		id, err := visit(t, nil)
		if err != nil {
			return nil, err
		}
		if !contains(g.roots, id) {
			g.roots = append(g.roots, id)
		}
	}
	return g, nil
}

// Requires computes a task's direct dependencies in declaration order:
// task-valued parameters first, then explicitly declared requirements.
func Requires(t task.Task) []task.Task {
	deps := t.Params().Tasks()
	if req, ok := t.(task.Requirer); ok {
		deps = append(deps, req.Requires()...)
	}
	return deps
}

func (r *Resolver) id(t task.Task) (string, error) {
	if err := task.Validate(t); err != nil {
		return "", err
	}
	if r.hasher != nil {
		return r.hasher.ID(t)
	}
	return task.ID(t)
}

// cyclePath trims the path prefix before the repeated id so the reported
// cycle starts at its own entry point.
func cyclePath(path []string, id string) []string {
	for i, p := range path {
		if p == id {
			return append([]string(nil), path[i:]...)
		}
	}
	return append(append([]string(nil), path...), id)
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

// Describe renders a short human-readable plan, used by the CLI graph
// command.
func Describe(g *Graph) string {
	out := ""
	for _, n := range g.Order() {
		out += fmt.Sprintf("%s  %s", n.ID[:12], n.Task.Family())
		if len(n.Deps) > 0 {
			out += "  <-"
			for _, d := range n.Deps {
				out += " " + d[:12]
			}
		}
		out += "\n"
	}
	return out
}
