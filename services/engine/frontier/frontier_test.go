// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package frontier

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/autoloop/services/engine/budget"
)

func newTestFrontier(config Config) *Frontier {
	return New(config, NewMetrics(prometheus.NewRegistry()), nil)
}

func task(intent string, paths ...string) *Task {
	return &Task{Intent: intent, TargetPaths: paths}
}

func TestFrontier_Submit_Admits(t *testing.T) {
	f := newTestFrontier(DefaultConfig())

	adm := f.Submit(task("fix the parser", "pkg/parse/a.go"))
	require.True(t, adm.Admitted)
	assert.NotEmpty(t, adm.TaskID)

	got := f.Next()
	require.NotNil(t, got)
	assert.Equal(t, adm.TaskID, got.ID)
	assert.Equal(t, StatusRunning, got.Status)
}

func TestFrontier_Submit_DuplicateExactness(t *testing.T) {
	f := newTestFrontier(DefaultConfig())

	require.True(t, f.Submit(task("fix the parser", "pkg/parse/a.go")).Admitted)

	t.Run("identical task rejected", func(t *testing.T) {
		adm := f.Submit(task("fix the parser", "pkg/parse/a.go"))
		assert.False(t, adm.Admitted)
		assert.Equal(t, RejectDuplicate, adm.Reason)
	})

	t.Run("intent casing and whitespace do not evade dedup", func(t *testing.T) {
		adm := f.Submit(task("Fix  The   Parser", "pkg/parse/a.go"))
		assert.False(t, adm.Admitted)
		assert.Equal(t, RejectDuplicate, adm.Reason)
	})

	t.Run("path order does not evade dedup", func(t *testing.T) {
		require.True(t, f.Submit(task("two files", "a.go", "b.go")).Admitted)
		adm := f.Submit(task("two files", "b.go", "a.go"))
		assert.False(t, adm.Admitted)
		assert.Equal(t, RejectDuplicate, adm.Reason)
	})

	t.Run("different target path admits", func(t *testing.T) {
		adm := f.Submit(task("fix the parser", "pkg/parse/b.go"))
		assert.True(t, adm.Admitted)
	})
}

func TestFrontier_Submit_ExplicitIDCollisionRejected(t *testing.T) {
	f := newTestFrontier(DefaultConfig())

	first := task("first", "a.go")
	first.ID = "task-1"
	require.True(t, f.Submit(first).Admitted)

	second := task("second", "b.go")
	second.ID = "task-1"
	adm := f.Submit(second)
	assert.False(t, adm.Admitted)
	assert.Equal(t, RejectDuplicate, adm.Reason)

	// A colliding child leaves the parent accounting untouched too.
	third := task("third", "c.go")
	third.ID = "task-1"
	third.ParentID = "task-1"
	adm = f.Submit(third)
	assert.False(t, adm.Admitted)
	assert.Equal(t, RejectDuplicate, adm.Reason)

	stats := f.Snapshot()
	assert.Equal(t, 1, stats.InFlight)
	assert.Empty(t, stats.Parents)

	// The original task survives with its own intent.
	got := f.Next()
	require.NotNil(t, got)
	assert.Equal(t, "first", got.Intent)
	assert.Nil(t, f.Next())
}

func TestFrontier_Submit_RejectionsDoNotSpendRateBudget(t *testing.T) {
	f := newTestFrontier(Config{
		MaxPerParent: 10,
		MaxInFlight:  10,
		SubmitRate:   0.001,
		SubmitBurst:  2,
	})

	require.True(t, f.Submit(task("first", "a.go")).Admitted)

	// The duplicate is turned away on dedup grounds without a token.
	dup := f.Submit(task("first", "a.go"))
	require.False(t, dup.Admitted)
	require.Equal(t, RejectDuplicate, dup.Reason)

	// The last burst token is still available for a fresh task.
	assert.True(t, f.Submit(task("second", "b.go")).Admitted)

	adm := f.Submit(task("third", "c.go"))
	assert.False(t, adm.Admitted)
	assert.Equal(t, RejectGlobalRateLimited, adm.Reason)
}

func TestFrontier_Submit_ParentRateLimit(t *testing.T) {
	limit := 3
	f := newTestFrontier(Config{MaxPerParent: limit, MaxInFlight: 100})

	parent := f.Submit(task("root task", "root.go"))
	require.True(t, parent.Admitted)

	admitted := 0
	for i := 0; i < limit+1; i++ {
		child := task(fmt.Sprintf("child %d", i), fmt.Sprintf("pkg/c%d.go", i))
		child.ParentID = parent.TaskID
		adm := f.Submit(child)
		if adm.Admitted {
			admitted++
		} else {
			assert.Equal(t, RejectParentRateLimited, adm.Reason)
		}
	}
	// Exactly the limit admits, never limit+1.
	assert.Equal(t, limit, admitted)
}

func TestFrontier_Submit_GlobalInFlightLimit(t *testing.T) {
	limit := 2
	f := newTestFrontier(Config{MaxPerParent: 100, MaxInFlight: limit})

	admitted := 0
	for i := 0; i < limit+1; i++ {
		adm := f.Submit(task(fmt.Sprintf("task %d", i), fmt.Sprintf("f%d.go", i)))
		if adm.Admitted {
			admitted++
		} else {
			assert.Equal(t, RejectGlobalRateLimited, adm.Reason)
		}
	}
	assert.Equal(t, limit, admitted)

	// Completing a task frees a slot.
	running := f.Next()
	require.NotNil(t, running)
	require.NoError(t, f.Complete(running.ID))
	assert.True(t, f.Submit(task("after completion", "late.go")).Admitted)
}

func TestFrontier_Submit_ScopeContainment(t *testing.T) {
	f := newTestFrontier(DefaultConfig())

	parent := task("parent", "pkg/auth/root.go")
	parent.Scope = &budget.ScopeEnvelope{AllowedPaths: []string{"pkg/auth/**"}}
	adm := f.Submit(parent)
	require.True(t, adm.Admitted)

	t.Run("child inside parent scope admits", func(t *testing.T) {
		child := task("child in scope", "pkg/auth/token.go")
		child.ParentID = adm.TaskID
		assert.True(t, f.Submit(child).Admitted)
	})

	t.Run("child outside parent scope rejected", func(t *testing.T) {
		child := task("child out of scope", "cmd/server/main.go")
		child.ParentID = adm.TaskID
		got := f.Submit(child)
		assert.False(t, got.Admitted)
		assert.Equal(t, RejectOutOfScope, got.Reason)
	})
}

func TestFrontier_Submit_DependencyChecks(t *testing.T) {
	f := newTestFrontier(DefaultConfig())

	t.Run("self dependency is a cycle", func(t *testing.T) {
		selfDep := task("self", "self.go")
		selfDep.ID = "self-id"
		selfDep.DependsOn = []string{"self-id"}
		adm := f.Submit(selfDep)
		assert.False(t, adm.Admitted)
		assert.Equal(t, RejectDependencyCycle, adm.Reason)
	})

	t.Run("unknown dependency rejected", func(t *testing.T) {
		dep := task("depends on ghost", "ghost.go")
		dep.DependsOn = []string{"no-such-task"}
		adm := f.Submit(dep)
		assert.False(t, adm.Admitted)
		assert.Equal(t, RejectDependencyFailed, adm.Reason)
	})

	t.Run("reused id cannot close a dependency loop", func(t *testing.T) {
		a := task("task a", "a.go")
		a.ID = "task-a"
		require.True(t, f.Submit(a).Admitted)

		b := task("task b", "b.go")
		b.ID = "task-b"
		b.DependsOn = []string{"task-a"}
		require.True(t, f.Submit(b).Admitted)

		// Resubmitting task-a's ID with a dependency on task-b would
		// close the loop a <- b <- a; the id collision stops it first.
		c := task("task c", "c.go")
		c.ID = "task-a"
		c.DependsOn = []string{"task-b"}
		adm := f.Submit(c)
		assert.False(t, adm.Admitted)
		assert.Equal(t, RejectDuplicate, adm.Reason)
	})
}

func TestFrontier_Next_PriorityThenFIFO(t *testing.T) {
	f := newTestFrontier(DefaultConfig())

	low1 := task("low one", "l1.go")
	low1.Priority = 1
	low2 := task("low two", "l2.go")
	low2.Priority = 1
	high := task("high", "h.go")
	high.Priority = 5

	id1 := f.Submit(low1).TaskID
	id2 := f.Submit(low2).TaskID
	id3 := f.Submit(high).TaskID

	assert.Equal(t, id3, f.Next().ID)
	assert.Equal(t, id1, f.Next().ID)
	assert.Equal(t, id2, f.Next().ID)
	assert.Nil(t, f.Next())
}

func TestFrontier_Next_WaitsForDependencies(t *testing.T) {
	f := newTestFrontier(DefaultConfig())

	dep := task("dependency", "dep.go")
	dep.ID = "dep-task"
	require.True(t, f.Submit(dep).Admitted)

	blocked := task("blocked", "blocked.go")
	blocked.Priority = 10
	blocked.DependsOn = []string{"dep-task"}
	require.True(t, f.Submit(blocked).Admitted)

	// The high-priority task is not ready; the dependency pops first.
	got := f.Next()
	require.NotNil(t, got)
	assert.Equal(t, "dep-task", got.ID)
	assert.Nil(t, f.Next())

	require.NoError(t, f.Complete("dep-task"))
	got = f.Next()
	require.NotNil(t, got)
	assert.Equal(t, "blocked", got.Intent)
}

func TestFrontier_Fail_CascadesToDependents(t *testing.T) {
	f := newTestFrontier(DefaultConfig())

	a := task("a", "a.go")
	a.ID = "a"
	require.True(t, f.Submit(a).Admitted)

	b := task("b", "b.go")
	b.ID = "b"
	b.DependsOn = []string{"a"}
	require.True(t, f.Submit(b).Admitted)

	c := task("c", "c.go")
	c.ID = "c"
	c.DependsOn = []string{"b"}
	require.True(t, f.Submit(c).Admitted)

	require.NoError(t, f.Fail("a"))

	stats := f.Snapshot()
	assert.Equal(t, 3, stats.Failed)
	assert.Equal(t, 0, stats.Pending)
	assert.Nil(t, f.Next())

	// New submissions depending on the failed chain are rejected.
	d := task("d", "d.go")
	d.DependsOn = []string{"c"}
	adm := f.Submit(d)
	assert.False(t, adm.Admitted)
	assert.Equal(t, RejectDependencyFailed, adm.Reason)
}

func TestFrontier_Cancel_DependentsFailFast(t *testing.T) {
	f := newTestFrontier(DefaultConfig())

	a := task("a", "a.go")
	a.ID = "a"
	require.True(t, f.Submit(a).Admitted)

	b := task("b", "b.go")
	b.DependsOn = []string{"a"}
	require.True(t, f.Submit(b).Admitted)

	require.NoError(t, f.Cancel("a"))

	stats := f.Snapshot()
	assert.Equal(t, 1, stats.Cancelled)
	assert.Equal(t, 1, stats.Failed)
	assert.Nil(t, f.Next())
}

func TestFrontier_Snapshot(t *testing.T) {
	f := newTestFrontier(DefaultConfig())

	parent := f.Submit(task("parent", "p.go"))
	child := task("child", "c.go")
	child.ParentID = parent.TaskID
	require.True(t, f.Submit(child).Admitted)

	running := f.Next()
	require.NotNil(t, running)

	stats := f.Snapshot()
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 2, stats.InFlight)
	require.Len(t, stats.Parents, 1)
	assert.Equal(t, parent.TaskID, stats.Parents[0].ParentID)
	assert.Equal(t, 1, stats.Parents[0].Children)
}
