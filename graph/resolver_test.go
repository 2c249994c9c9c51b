// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"errors"
	"strings"
	"testing"

	"github.com/AleutianAI/kiln/task"
)

func declare(family string, params task.Params, opts ...task.Option) task.Task {
	return task.Func(family, params, nil, opts...)
}

func position(t *testing.T, g *Graph, id string) int {
	t.Helper()
	for i, n := range g.Order() {
		if n.ID == id {
			return i
		}
	}
	t.Fatalf("id %s not in graph order", id[:12])
	return -1
}

func TestResolveOrder(t *testing.T) {
	extract := declare("extract", task.Params{"day": "2026-08-31"})
	transform := declare("transform", task.Params{"in": extract})
	load := declare("load", task.Params{"in": transform})

	g, err := NewResolver(nil).Resolve(load)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if g.Len() != 3 {
		t.Fatalf("want 3 nodes, got %d", g.Len())
	}

	exID := task.MustID(extract)
	trID := task.MustID(transform)
	ldID := task.MustID(load)

	if !(position(t, g, exID) < position(t, g, trID) && position(t, g, trID) < position(t, g, ldID)) {
		t.Error("order is not dependencies-first")
	}

	roots := g.Roots()
	if len(roots) != 1 || roots[0] != ldID {
		t.Errorf("unexpected roots: %v", roots)
	}

	n, ok := g.Node(ldID)
	if !ok {
		t.Fatal("root node missing")
	}
	if len(n.Deps) != 1 || n.Deps[0] != trID {
		t.Errorf("unexpected deps for root: %v", n.Deps)
	}
}

func TestResolveSharedDependency(t *testing.T) {
	shared := declare("extract", task.Params{"day": "2026-08-31"})
	a := declare("transform", task.Params{"in": shared, "mode": "a"})
	b := declare("transform", task.Params{"in": shared, "mode": "b"})
	top := declare("join", task.Params{"left": a, "right": b})

	g, err := NewResolver(nil).Resolve(top)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if g.Len() != 4 {
		t.Errorf("shared dependency should be deduplicated, got %d nodes", g.Len())
	}

	deps := g.Dependents(task.MustID(shared))
	if len(deps) != 2 {
		t.Errorf("shared node should have 2 dependents, got %d", len(deps))
	}
}

func TestResolveCycle(t *testing.T) {
	// Content-addressed identity means a cycle can only arise through a
	// declared requirement on an identically-declared task.
	self := declare("loop", task.Params{"n": 1},
		task.WithRequires(declare("loop", task.Params{"n": 1})))

	_, err := NewResolver(nil).Resolve(self)
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("want ErrCycle, got %v", err)
	}

	var ce *CycleError
	if !errors.As(err, &ce) {
		t.Fatal("error is not a CycleError")
	}
	if len(ce.Path) < 2 {
		t.Errorf("cycle path too short: %v", ce.Path)
	}
	if ce.Path[0] != ce.Path[len(ce.Path)-1] {
		t.Errorf("cycle path should start and end at the same id: %v", ce.Path)
	}
}

func TestResolveMany(t *testing.T) {
	shared := declare("extract", task.Params{"n": 1})
	a := declare("transform", task.Params{"in": shared})
	b := declare("report", task.Params{"in": shared})

	g, err := NewResolver(nil).ResolveMany([]task.Task{a, b})
	if err != nil {
		t.Fatalf("ResolveMany: %v", err)
	}
	if g.Len() != 3 {
		t.Errorf("want 3 nodes, got %d", g.Len())
	}
	if len(g.Roots()) != 2 {
		t.Errorf("want 2 roots, got %v", g.Roots())
	}
}

func TestRequiresOrder(t *testing.T) {
	p1 := declare("extract", task.Params{"n": 1})
	p2 := declare("extract", task.Params{"n": 2})
	top := declare("sum", task.Params{"in": p1}, task.WithRequires(p2))

	deps := Requires(top)
	if len(deps) != 2 {
		t.Fatalf("want 2 deps, got %d", len(deps))
	}
	// Parameter-derived dependencies come before declared requirements.
	if task.MustID(deps[0]) != task.MustID(p1) || task.MustID(deps[1]) != task.MustID(p2) {
		t.Error("dependency order does not follow declaration order")
	}
}

func TestTransitiveDependents(t *testing.T) {
	base := declare("extract", task.Params{"n": 1})
	mid := declare("transform", task.Params{"in": base})
	top := declare("load", task.Params{"in": mid})

	g, err := NewResolver(nil).Resolve(top)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	deps := g.TransitiveDependents(task.MustID(base))
	if len(deps) != 2 {
		t.Fatalf("want 2 transitive dependents, got %d", len(deps))
	}
	want := map[string]bool{task.MustID(mid): true, task.MustID(top): true}
	for _, id := range deps {
		if !want[id] {
			t.Errorf("unexpected dependent %s", id[:12])
		}
	}
}

func TestDescribe(t *testing.T) {
	base := declare("extract", task.Params{"n": 1})
	top := declare("load", task.Params{"in": base})

	g, err := NewResolver(nil).Resolve(top)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	out := Describe(g)
	if !strings.Contains(out, "extract") || !strings.Contains(out, "load") {
		t.Errorf("plan missing families:\n%s", out)
	}
	if !strings.Contains(out, "<-") {
		t.Errorf("plan missing dependency arrows:\n%s", out)
	}
}
