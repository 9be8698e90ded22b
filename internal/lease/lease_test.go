package lease_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/taskdriver/taskdriver/internal/lease"
	"github.com/taskdriver/taskdriver/internal/projects"
	"github.com/taskdriver/taskdriver/internal/storage"
	"github.com/taskdriver/taskdriver/internal/storage/filestore"
	"github.com/taskdriver/taskdriver/internal/tasks"
	"github.com/taskdriver/taskdriver/internal/tasktypes"
	"github.com/taskdriver/taskdriver/internal/types"
)

func newFixture(t *testing.T) (*projects.Service, *tasktypes.Service, *tasks.Service, *lease.Engine, storage.Provider) {
	t.Helper()
	store := filestore.New(t.TempDir())
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	projSvc := projects.New(store)
	ttSvc := tasktypes.New(store, projSvc)
	taskSvc := tasks.New(store, projSvc)
	return projSvc, ttSvc, taskSvc, lease.New(store), store
}

// Scenario A: a worker without a running task is assigned the oldest
// queued task.
func TestScenarioA_GetNextTaskAssignsOldest(t *testing.T) {
	projSvc, ttSvc, taskSvc, eng, _ := newFixture(t)
	ctx := context.Background()
	p, _ := projSvc.Create(ctx, projects.CreateInput{Name: "proj"})
	tt, _ := ttSvc.Create(ctx, tasktypes.CreateInput{ProjectIDOrName: p.ID, Name: "job", Template: "do {{x}}"})

	first, _ := taskSvc.Create(ctx, tasks.CreateInput{ProjectID: p.ID, TypeID: tt.ID, Variables: map[string]string{"x": "1"}})
	time.Sleep(5 * time.Millisecond)
	taskSvc.Create(ctx, tasks.CreateInput{ProjectID: p.ID, TypeID: tt.ID, Variables: map[string]string{"x": "2"}})

	assigned, err := eng.GetNextTask(ctx, p.ID, "worker-a")
	if err != nil {
		t.Fatalf("get next task: %v", err)
	}
	if assigned.ID != first.ID {
		t.Fatalf("expected oldest task assigned, got %s", assigned.ID)
	}
}

// Scenario B: a worker reconnecting with an already-running task gets
// that same task back rather than a new assignment.
func TestScenarioB_ReconnectReturnsRunningTask(t *testing.T) {
	projSvc, ttSvc, taskSvc, eng, _ := newFixture(t)
	ctx := context.Background()
	p, _ := projSvc.Create(ctx, projects.CreateInput{Name: "proj"})
	tt, _ := ttSvc.Create(ctx, tasktypes.CreateInput{ProjectIDOrName: p.ID, Name: "job", Template: "do {{x}}"})
	taskSvc.Create(ctx, tasks.CreateInput{ProjectID: p.ID, TypeID: tt.ID, Variables: map[string]string{"x": "1"}})
	taskSvc.Create(ctx, tasks.CreateInput{ProjectID: p.ID, TypeID: tt.ID, Variables: map[string]string{"x": "2"}})

	first, err := eng.GetNextTask(ctx, p.ID, "worker-a")
	if err != nil {
		t.Fatalf("initial assign: %v", err)
	}
	again, err := eng.GetNextTask(ctx, p.ID, "worker-a")
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("expected reconnect to return the same running task, got %s vs %s", again.ID, first.ID)
	}
}

// Scenario C: completing a task clears its assignment and makes it terminal.
func TestScenarioC_CompleteTask(t *testing.T) {
	projSvc, ttSvc, taskSvc, eng, _ := newFixture(t)
	ctx := context.Background()
	p, _ := projSvc.Create(ctx, projects.CreateInput{Name: "proj"})
	tt, _ := ttSvc.Create(ctx, tasktypes.CreateInput{ProjectIDOrName: p.ID, Name: "job", Template: "do {{x}}"})
	taskSvc.Create(ctx, tasks.CreateInput{ProjectID: p.ID, TypeID: tt.ID, Variables: map[string]string{"x": "1"}})

	assigned, _ := eng.GetNextTask(ctx, p.ID, "worker-a")
	completed, err := eng.CompleteTask(ctx, assigned.ID, "worker-a", &types.TaskResult{Success: true})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !completed.IsTerminal() {
		t.Fatalf("expected completed task to be terminal")
	}
}

// Scenario D: the wrong worker cannot complete, fail, or extend a
// lease it doesn't hold.
func TestScenarioD_OwnershipEnforced(t *testing.T) {
	projSvc, ttSvc, taskSvc, eng, _ := newFixture(t)
	ctx := context.Background()
	p, _ := projSvc.Create(ctx, projects.CreateInput{Name: "proj"})
	tt, _ := ttSvc.Create(ctx, tasktypes.CreateInput{ProjectIDOrName: p.ID, Name: "job", Template: "do {{x}}"})
	taskSvc.Create(ctx, tasks.CreateInput{ProjectID: p.ID, TypeID: tt.ID, Variables: map[string]string{"x": "1"}})

	assigned, _ := eng.GetNextTask(ctx, p.ID, "worker-a")
	if _, err := eng.CompleteTask(ctx, assigned.ID, "worker-b", &types.TaskResult{Success: true}); err == nil {
		t.Fatalf("expected ownership error completing another worker's task")
	}
	if _, err := eng.FailTask(ctx, assigned.ID, "worker-b", &types.TaskResult{Success: false}, true); err == nil {
		t.Fatalf("expected ownership error failing another worker's task")
	}
	if _, err := eng.ExtendTaskLease(ctx, assigned.ID, "worker-b", 5); err == nil {
		t.Fatalf("expected ownership error extending another worker's lease")
	}
}

// Scenario E: K concurrent getNextTask calls against N queued tasks
// assign each task to exactly one worker (linearizability).
func TestScenarioE_ConcurrentAssignmentIsLinearizable(t *testing.T) {
	projSvc, ttSvc, taskSvc, eng, _ := newFixture(t)
	ctx := context.Background()
	p, _ := projSvc.Create(ctx, projects.CreateInput{Name: "proj"})
	tt, _ := ttSvc.Create(ctx, tasktypes.CreateInput{ProjectIDOrName: p.ID, Name: "job", Template: "do {{x}}"})

	const n = 8
	for i := 0; i < n; i++ {
		taskSvc.Create(ctx, tasks.CreateInput{ProjectID: p.ID, TypeID: tt.ID, Variables: map[string]string{"x": string(rune('a' + i))}})
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			assigned, err := eng.GetNextTask(ctx, p.ID, "worker-"+string(rune('0'+worker)))
			if err != nil || assigned == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[assigned.ID] {
				t.Errorf("task %s assigned more than once", assigned.ID)
			}
			seen[assigned.ID] = true
		}(i)
	}
	wg.Wait()
	if len(seen) != n {
		t.Fatalf("expected %d distinct assignments, got %d", n, len(seen))
	}
}

// Scenario F: an expired lease is reclaimed by cleanupExpiredLeases and
// becomes assignable again.
func TestScenarioF_CleanupExpiredLeasesRequeues(t *testing.T) {
	projSvc, ttSvc, taskSvc, eng, store := newFixture(t)
	ctx := context.Background()
	p, _ := projSvc.Create(ctx, projects.CreateInput{Name: "proj"})
	tt, _ := ttSvc.Create(ctx, tasktypes.CreateInput{ProjectIDOrName: p.ID, Name: "job", Template: "do {{x}}"})
	task, _ := taskSvc.Create(ctx, tasks.CreateInput{ProjectID: p.ID, TypeID: tt.ID, Variables: map[string]string{"x": "1"}})

	if _, err := eng.GetNextTask(ctx, p.ID, "worker-a"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	// Backdate the lease directly through storage (bypassing the
	// engine's positive-minutes validation) to simulate a stalled
	// worker without waiting out a real lease duration in the test.
	if _, err := store.ExtendLease(ctx, task.ID, -20); err != nil {
		t.Fatalf("backdate lease: %v", err)
	}

	result, err := eng.CleanupExpiredLeases(ctx, p.ID)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if result.ReclaimedTasks != 1 {
		t.Fatalf("expected 1 reclaimed task, got %d", result.ReclaimedTasks)
	}

	next, err := eng.GetNextTask(ctx, p.ID, "worker-b")
	if err != nil {
		t.Fatalf("get next after cleanup: %v", err)
	}
	if next == nil || next.ID != task.ID {
		t.Fatalf("expected reclaimed task to be reassigned, got %+v", next)
	}
}
