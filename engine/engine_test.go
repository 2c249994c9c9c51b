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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/kiln/events"
	"github.com/AleutianAI/kiln/lock"
	"github.com/AleutianAI/kiln/serialize"
	"github.com/AleutianAI/kiln/target"
	"github.com/AleutianAI/kiln/task"
)

// captureSink records every event for assertions.
type captureSink struct {
	mu       sync.Mutex
	statuses []events.StatusEvent
	assets   []events.AssetEvent
}

func (s *captureSink) PublishStatus(ev events.StatusEvent) {
	s.mu.Lock()
	s.statuses = append(s.statuses, ev)
	s.mu.Unlock()
}

func (s *captureSink) PublishAsset(ev events.AssetEvent) {
	s.mu.Lock()
	s.assets = append(s.assets, ev)
	s.mu.Unlock()
}

func (s *captureSink) Close() error { return nil }

// trail returns the status sequence observed for one task id.
func (s *captureSink) trail(id string) []events.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Status
	for _, ev := range s.statuses {
		if ev.TaskID == id {
			out = append(out, ev.Status)
		}
	}
	return out
}

func newMemResolver(t *testing.T) *target.Resolver {
	t.Helper()
	r, err := target.NewResolver(target.ResolverConfig{
		Environment: "test",
		Roots:       map[string]string{"default": "mem://engine-test"},
		Registry:    serialize.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return r
}

func newTestEngine(t *testing.T, targets *target.Resolver, sink events.Sink, buildRef string, workers int) *Engine {
	t.Helper()
	e, err := New(Config{
		Targets:  targets,
		Sink:     sink,
		BuildRef: buildRef,
		Workers:  workers,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func rangeTask(n int) task.Task {
	return task.Func("range", task.Params{"n": n},
		func(ctx context.Context, rc *task.RunContext) (task.RunResult, error) {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, i)
			}
			return task.Done(out), nil
		})
}

func sumTask(inputs ...task.Task) task.Task {
	deps := make([]any, len(inputs))
	for i, in := range inputs {
		deps[i] = in
	}
	return task.Func("sum", task.Params{"inputs": deps},
		func(ctx context.Context, rc *task.RunContext) (task.RunResult, error) {
			total := 0.0
			for _, in := range inputs {
				v, err := rc.Load(ctx, in)
				if err != nil {
					return task.RunResult{}, err
				}
				for _, n := range v.([]any) {
					total += n.(float64)
				}
			}
			return task.Done(total), nil
		})
}

func TestRunCompletesGraph(t *testing.T) {
	targets := newMemResolver(t)
	sink := &captureSink{}
	e := newTestEngine(t, targets, sink, "b1", 2)

	root := sumTask(rangeTask(3), rangeTask(4))
	rep, err := e.Run(context.Background(), root)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if rep.BuildRef != "b1" {
		t.Errorf("build ref %q", rep.BuildRef)
	}
	rootID := task.MustID(root)
	if rep.RootTaskID != rootID {
		t.Errorf("root task id mismatch")
	}
	if len(rep.Statuses) != 3 {
		t.Fatalf("want 3 tasks, got %d", len(rep.Statuses))
	}
	for id, s := range rep.Statuses {
		if s != events.StatusCompleted {
			t.Errorf("task %s ended %s", id[:12], s)
		}
	}

	tgt, err := targets.ForTask(root)
	if err != nil {
		t.Fatalf("ForTask: %v", err)
	}
	v, err := tgt.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if v.(float64) != 16 {
		t.Errorf("sum = %v, want 16", v)
	}

	trail := sink.trail(rootID)
	if len(trail) < 2 ||
		trail[0] != events.StatusRunning ||
		trail[len(trail)-1] != events.StatusCompleted {
		t.Errorf("unexpected status trail for root: %v", trail)
	}
}

func TestRerunSkipsExistingOutputs(t *testing.T) {
	targets := newMemResolver(t)
	sink := &captureSink{}
	e := newTestEngine(t, targets, sink, "b1", 1)

	runs := 0
	root := task.Func("count", task.Params{"n": 1},
		func(ctx context.Context, rc *task.RunContext) (task.RunResult, error) {
			runs++
			return task.Done("once"), nil
		})

	if _, err := e.Run(context.Background(), root); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	rep, err := e.Run(context.Background(), root)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}

	if runs != 1 {
		t.Errorf("run logic invoked %d times, want 1", runs)
	}
	if len(rep.Skipped) != 1 {
		t.Errorf("want 1 skipped task, got %v", rep.Skipped)
	}
	if rep.Statuses[task.MustID(root)] != events.StatusCompleted {
		t.Error("skipped task should still report COMPLETED")
	}
}

func TestFailureBlocksDependents(t *testing.T) {
	targets := newMemResolver(t)
	sink := &captureSink{}
	e := newTestEngine(t, targets, sink, "b1", 2)

	boom := task.Func("explode", task.Params{"n": 1},
		func(ctx context.Context, rc *task.RunContext) (task.RunResult, error) {
			return task.RunResult{}, errors.New("boom")
		})
	mid := task.Func("transform", task.Params{"in": boom},
		func(ctx context.Context, rc *task.RunContext) (task.RunResult, error) {
			return task.Done("unreachable"), nil
		})
	ok := rangeTask(2)
	top := task.Func("join", task.Params{"left": mid, "right": ok},
		func(ctx context.Context, rc *task.RunContext) (task.RunResult, error) {
			return task.Done("unreachable"), nil
		})

	rep, err := e.Run(context.Background(), top)
	if !errors.Is(err, ErrBuildFailed) {
		t.Fatalf("want ErrBuildFailed, got %v", err)
	}

	want := map[string]events.Status{
		task.MustID(boom): events.StatusFailed,
		task.MustID(mid):  events.StatusBlocked,
		task.MustID(top):  events.StatusBlocked,
		task.MustID(ok):   events.StatusCompleted,
	}
	for id, s := range want {
		if rep.Statuses[id] != s {
			t.Errorf("task %s ended %s, want %s", id[:12], rep.Statuses[id], s)
		}
	}

	if reason := rep.Reasons[task.MustID(boom)]; reason != "boom" {
		t.Errorf("failure reason %q", reason)
	}
}

func TestDynamicDependencies(t *testing.T) {
	targets := newMemResolver(t)
	sink := &captureSink{}
	e := newTestEngine(t, targets, sink, "b1", 1)

	dep := rangeTask(3)
	entries := 0
	root := task.Func("planner", task.Params{"n": 1},
		func(ctx context.Context, rc *task.RunContext) (task.RunResult, error) {
			entries++
			if entries == 1 {
				return task.NeedsDeps(dep), nil
			}
			v, err := rc.Load(ctx, dep)
			if err != nil {
				return task.RunResult{}, err
			}
			return task.Done(len(v.([]any))), nil
		})

	rep, err := e.Run(context.Background(), root)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if entries != 2 {
		t.Errorf("run logic entered %d times, want 2", entries)
	}

	rootID := task.MustID(root)
	if rep.Statuses[rootID] != events.StatusCompleted {
		t.Errorf("root ended %s", rep.Statuses[rootID])
	}
	if rep.Statuses[task.MustID(dep)] != events.StatusCompleted {
		t.Error("dynamic dependency did not complete")
	}

	suspended := false
	for _, s := range sink.trail(rootID) {
		if s == events.StatusSuspended {
			suspended = true
		}
	}
	if !suspended {
		t.Error("root never reported SUSPENDED")
	}
}

func TestSavedResult(t *testing.T) {
	targets := newMemResolver(t)
	e := newTestEngine(t, targets, events.Discard, "b1", 1)

	root := task.Func("selfsave", task.Params{"n": 1},
		func(ctx context.Context, rc *task.RunContext) (task.RunResult, error) {
			if err := rc.Save(ctx, "written by run logic"); err != nil {
				return task.RunResult{}, err
			}
			return task.Saved(), nil
		})

	if _, err := e.Run(context.Background(), root); err != nil {
		t.Fatalf("Run: %v", err)
	}

	tgt, err := targets.ForTask(root)
	if err != nil {
		t.Fatalf("ForTask: %v", err)
	}
	v, err := tgt.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if v != "written by run logic" {
		t.Errorf("got %v", v)
	}
}

func TestPublishAsset(t *testing.T) {
	targets := newMemResolver(t)
	sink := &captureSink{}
	e := newTestEngine(t, targets, sink, "b1", 1)

	root := task.Func("reporter", task.Params{"n": 1},
		func(ctx context.Context, rc *task.RunContext) (task.RunResult, error) {
			rc.PublishAsset("summary", task.AssetMarkdown, "# done")
			return task.Done("ok"), nil
		})

	if _, err := e.Run(context.Background(), root); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.assets) != 1 {
		t.Fatalf("want 1 asset, got %d", len(sink.assets))
	}
	a := sink.assets[0]
	if a.Name != "summary" || a.Type != string(task.AssetMarkdown) || a.Body != "# done" {
		t.Errorf("unexpected asset: %+v", a)
	}
	if a.BuildRef != "b1" || a.TaskID != task.MustID(root) {
		t.Errorf("asset not attributed to the build: %+v", a)
	}
}

func newFileResolver(t *testing.T, dir string) *target.Resolver {
	t.Helper()
	r, err := target.NewResolver(target.ResolverConfig{
		Environment: "test",
		Roots:       map[string]string{"default": "file://" + dir},
		Registry:    serialize.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return r
}

func newTestLockManager(t *testing.T, dir, buildRef string) *lock.Manager {
	t.Helper()
	m, err := lock.NewManager(lock.ManagerConfig{
		Dir:          dir,
		BuildRef:     buildRef,
		PollInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestLockSerializesBuilds(t *testing.T) {
	leaseDir := t.TempDir()
	dataDir := t.TempDir()

	newLockedEngine := func(ref string, sink events.Sink) *Engine {
		e, err := New(Config{
			Targets:  newFileResolver(t, dataDir),
			Locks:    newTestLockManager(t, leaseDir, ref),
			Sink:     sink,
			BuildRef: ref,
			Workers:  1,
		})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return e
	}

	sinkA := &captureSink{}
	sinkB := &captureSink{}
	engineA := newLockedEngine("build-a", sinkA)
	engineB := newLockedEngine("build-b", sinkB)

	var runs atomic.Int32
	started := make(chan struct{})
	proceed := make(chan struct{})
	makeRoot := func() task.Task {
		return task.Func("guarded", task.Params{"n": 1},
			func(ctx context.Context, rc *task.RunContext) (task.RunResult, error) {
				if runs.Add(1) == 1 {
					close(started)
					<-proceed
				}
				return task.Done("guarded output"), nil
			})
	}
	rootID := task.MustID(makeRoot())

	type result struct {
		rep *Report
		err error
	}
	resultsA := make(chan result, 1)
	go func() {
		rep, err := engineA.Run(context.Background(), makeRoot())
		resultsA <- result{rep, err}
	}()

	// Engine A holds the lease inside its run logic before B starts.
	<-started
	resultsB := make(chan result, 1)
	go func() {
		rep, err := engineB.Run(context.Background(), makeRoot())
		resultsB <- result{rep, err}
	}()

	sawWaiting := func() bool {
		for _, s := range sinkB.trail(rootID) {
			if s == events.StatusWaiting {
				return true
			}
		}
		return false
	}
	deadline := time.Now().Add(5 * time.Second)
	for !sawWaiting() {
		if time.Now().After(deadline) {
			t.Fatal("second build never reported WAITING_FOR_LOCK")
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(proceed)

	for name, ch := range map[string]chan result{"build-a": resultsA, "build-b": resultsB} {
		select {
		case res := <-ch:
			if res.err != nil {
				t.Fatalf("%s Run: %v", name, res.err)
			}
			if s := res.rep.Statuses[rootID]; s != events.StatusCompleted {
				t.Errorf("%s ended %s, want COMPLETED", name, s)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("%s did not finish", name)
		}
	}

	if got := runs.Load(); got != 1 {
		t.Errorf("run logic invoked %d times across builds, want 1", got)
	}

	sinkB.mu.Lock()
	var waitedOn string
	var skippedAfterWait bool
	for _, ev := range sinkB.statuses {
		if ev.TaskID != rootID {
			continue
		}
		if ev.Status == events.StatusWaiting {
			waitedOn = ev.WaitingOn
		}
		if ev.Status == events.StatusCompleted && ev.Skipped {
			skippedAfterWait = true
		}
	}
	sinkB.mu.Unlock()
	if waitedOn != "build-a" {
		t.Errorf("waiting event names holder %q, want build-a", waitedOn)
	}
	if !skippedAfterWait {
		t.Error("second build should skip via existence recheck after the lease")
	}
}

func TestCancelBuild(t *testing.T) {
	targets := newMemResolver(t)
	sink := &captureSink{}
	e := newTestEngine(t, targets, sink, "cancel-build", 1)

	started := make(chan struct{})
	root := task.Func("slow", task.Params{"n": 1},
		func(ctx context.Context, rc *task.RunContext) (task.RunResult, error) {
			close(started)
			<-ctx.Done()
			return task.RunResult{}, ctx.Err()
		})

	type result struct {
		rep *Report
		err error
	}
	results := make(chan result, 1)
	go func() {
		rep, err := e.Run(context.Background(), root)
		results <- result{rep, err}
	}()

	<-started
	if err := e.Cancel("cancel-build", ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	select {
	case res := <-results:
		if res.err != nil {
			t.Fatalf("Run after cancel: %v", res.err)
		}
		if s := res.rep.Statuses[task.MustID(root)]; s != events.StatusCancelled {
			t.Errorf("root ended %s, want CANCELLED", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("build did not drain after cancel")
	}
}

func TestCancelSingleTask(t *testing.T) {
	targets := newMemResolver(t)
	sink := &captureSink{}
	e := newTestEngine(t, targets, sink, "cancel-task", 2)

	started := make(chan struct{})
	slow := task.Func("slow", task.Params{"n": 1},
		func(ctx context.Context, rc *task.RunContext) (task.RunResult, error) {
			close(started)
			<-ctx.Done()
			return task.RunResult{}, ctx.Err()
		})
	quick := rangeTask(2)
	top := task.Func("join", task.Params{"left": slow, "right": quick},
		func(ctx context.Context, rc *task.RunContext) (task.RunResult, error) {
			return task.Done("unreachable"), nil
		})

	slowID := task.MustID(slow)
	type result struct {
		rep *Report
		err error
	}
	results := make(chan result, 1)
	go func() {
		rep, err := e.Run(context.Background(), top)
		results <- result{rep, err}
	}()

	<-started
	if err := e.Cancel("cancel-task", slowID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	select {
	case res := <-results:
		if !errors.Is(res.err, ErrBuildFailed) {
			t.Fatalf("want ErrBuildFailed, got %v", res.err)
		}
		if s := res.rep.Statuses[slowID]; s != events.StatusCancelled {
			t.Errorf("slow task ended %s, want CANCELLED", s)
		}
		if s := res.rep.Statuses[task.MustID(top)]; s != events.StatusBlocked {
			t.Errorf("dependent ended %s, want BLOCKED", s)
		}
		if s := res.rep.Statuses[task.MustID(quick)]; s != events.StatusCompleted {
			t.Errorf("independent branch ended %s, want COMPLETED", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("build did not drain after task cancel")
	}
}

func TestCancelDuringStore(t *testing.T) {
	targets := newMemResolver(t)
	sink := &captureSink{}
	e := newTestEngine(t, targets, sink, "cancel-store", 1)

	started := make(chan struct{})
	root := task.Func("stubborn", task.Params{"n": 1},
		func(ctx context.Context, rc *task.RunContext) (task.RunResult, error) {
			close(started)
			<-ctx.Done()
			// Returns a value despite cancellation; the store then fails
			// on the dead context.
			return task.Done("late"), nil
		})

	type result struct {
		rep *Report
		err error
	}
	results := make(chan result, 1)
	go func() {
		rep, err := e.Run(context.Background(), root)
		results <- result{rep, err}
	}()

	<-started
	if err := e.Cancel("cancel-store", ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	select {
	case res := <-results:
		if res.err != nil {
			t.Fatalf("Run after cancel: %v", res.err)
		}
		if s := res.rep.Statuses[task.MustID(root)]; s != events.StatusCancelled {
			t.Errorf("root ended %s, want CANCELLED when the store dies on cancel", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("build did not drain after cancel")
	}
}

func TestControlErrors(t *testing.T) {
	targets := newMemResolver(t)
	e := newTestEngine(t, targets, events.Discard, "", 1)

	if err := e.Cancel("no-such-build", ""); !errors.Is(err, ErrBuildNotFound) {
		t.Errorf("want ErrBuildNotFound, got %v", err)
	}
	if _, err := e.Statuses("no-such-build"); !errors.Is(err, ErrBuildNotFound) {
		t.Errorf("want ErrBuildNotFound, got %v", err)
	}

	root := rangeTask(1)
	if _, err := e.Run(context.Background(), root); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestStatusesAfterRun(t *testing.T) {
	targets := newMemResolver(t)
	e := newTestEngine(t, targets, events.Discard, "done-build", 1)

	root := rangeTask(2)
	if _, err := e.Run(context.Background(), root); err != nil {
		t.Fatalf("Run: %v", err)
	}

	statuses, err := e.Statuses("done-build")
	if err != nil {
		t.Fatalf("Statuses: %v", err)
	}
	if statuses[task.MustID(root)] != events.StatusCompleted {
		t.Error("finished build not queryable through the registry")
	}
}
