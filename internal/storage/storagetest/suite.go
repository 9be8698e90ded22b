// Package storagetest is a conformance suite run against every
// storage.Provider implementation (filestore, sqlitestore,
// natskvstore) so the three backends stay behaviorally identical on
// the invariants the lease protocol depends on.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/taskdriver/taskdriver/internal/storage"
	"github.com/taskdriver/taskdriver/internal/types"
)

// Factory builds a fresh, initialized Provider for one test case, plus
// a cleanup func the suite calls when that case finishes.
type Factory func(t *testing.T) (storage.Provider, func())

func newProject(name string) *types.Project {
	now := time.Now().UTC()
	return &types.Project{
		ID:        "proj-" + name,
		Name:      name,
		Status:    types.ProjectActive,
		Config:    types.DefaultProjectConfig(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newTaskType(projectID, name string) *types.TaskType {
	now := time.Now().UTC()
	return &types.TaskType{
		ID:                   "tt-" + name,
		ProjectID:            projectID,
		Name:                 name,
		Template:             "do the {{thing}}",
		Variables:            []string{"thing"},
		DuplicateHandling:    types.DuplicateAllow,
		MaxRetries:           3,
		LeaseDurationMinutes: 10,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

func newTask(projectID, typeID, id string, seq int) *types.Task {
	return &types.Task{
		ID:         id,
		ProjectID:  projectID,
		TypeID:     typeID,
		Status:     types.TaskQueued,
		Variables:  map[string]string{"thing": id},
		MaxRetries: 3,
		CreatedAt:  time.Now().UTC(),
	}
}

// Run exercises the full suite against the Provider the factory builds.
func Run(t *testing.T, factory Factory) {
	t.Run("ProjectCRUDAndUniqueness", func(t *testing.T) { testProjectCRUD(t, factory) })
	t.Run("TaskTypeCRUD", func(t *testing.T) { testTaskTypeCRUD(t, factory) })
	t.Run("TaskCRUDAndFilter", func(t *testing.T) { testTaskCRUD(t, factory) })
	t.Run("AssignTaskFIFO", func(t *testing.T) { testAssignFIFO(t, factory) })
	t.Run("AssignTaskConcurrentLinearizable", func(t *testing.T) { testAssignConcurrent(t, factory) })
	t.Run("CompleteTask", func(t *testing.T) { testCompleteTask(t, factory) })
	t.Run("FailTaskRetryThenTerminal", func(t *testing.T) { testFailTaskRetry(t, factory) })
	t.Run("ExtendLease", func(t *testing.T) { testExtendLease(t, factory) })
	t.Run("FindExpiredLeases", func(t *testing.T) { testFindExpiredLeases(t, factory) })
	t.Run("FindDuplicateTaskExcludesFailed", func(t *testing.T) { testFindDuplicate(t, factory) })
	t.Run("EmptyQueueAssignReturnsNil", func(t *testing.T) { testEmptyQueueAssign(t, factory) })
}

func testProjectCRUD(t *testing.T, factory Factory) {
	p, cleanup := factory(t)
	defer cleanup()
	ctx := context.Background()

	proj := newProject("alpha")
	if err := p.CreateProject(ctx, proj); err != nil {
		t.Fatalf("create project: %v", err)
	}
	dup := newProject("alpha")
	dup.ID = "proj-alpha-2"
	if err := p.CreateProject(ctx, dup); err == nil {
		t.Fatalf("expected conflict creating duplicate-named project")
	}

	got, err := p.GetProject(ctx, proj.ID)
	if err != nil || got.Name != "alpha" {
		t.Fatalf("get project: %v %+v", err, got)
	}

	byName, err := p.GetProjectByName(ctx, "alpha")
	if err != nil || byName.ID != proj.ID {
		t.Fatalf("get project by name: %v %+v", err, byName)
	}

	newName := "alpha-renamed"
	updated, err := p.UpdateProject(ctx, proj.ID, storage.ProjectPatch{Name: &newName})
	if err != nil || updated.Name != newName {
		t.Fatalf("update project: %v %+v", err, updated)
	}

	list, err := p.ListProjects(ctx, true, 0, 0)
	if err != nil || len(list) != 1 {
		t.Fatalf("list projects: %v %+v", err, list)
	}

	if err := p.DeleteProject(ctx, proj.ID); err != nil {
		t.Fatalf("delete project: %v", err)
	}
	if _, err := p.GetProject(ctx, proj.ID); err == nil {
		t.Fatalf("expected not found after delete")
	}
}

func testTaskTypeCRUD(t *testing.T, factory Factory) {
	p, cleanup := factory(t)
	defer cleanup()
	ctx := context.Background()

	proj := newProject("beta")
	if err := p.CreateProject(ctx, proj); err != nil {
		t.Fatalf("create project: %v", err)
	}
	tt := newTaskType(proj.ID, "build")
	if err := p.CreateTaskType(ctx, tt); err != nil {
		t.Fatalf("create task type: %v", err)
	}
	dup := newTaskType(proj.ID, "build")
	dup.ID = "tt-build-2"
	if err := p.CreateTaskType(ctx, dup); err == nil {
		t.Fatalf("expected conflict on duplicate task type name")
	}

	got, err := p.GetTaskType(ctx, tt.ID)
	if err != nil || got.Name != "build" {
		t.Fatalf("get task type: %v %+v", err, got)
	}

	byName, err := p.GetTaskTypeByName(ctx, proj.ID, "build")
	if err != nil || byName.ID != tt.ID {
		t.Fatalf("get task type by name: %v %+v", err, byName)
	}

	newMax := 7
	updated, err := p.UpdateTaskType(ctx, tt.ID, storage.TaskTypePatch{MaxRetries: &newMax})
	if err != nil || updated.MaxRetries != 7 {
		t.Fatalf("update task type: %v %+v", err, updated)
	}

	list, err := p.ListTaskTypes(ctx, proj.ID)
	if err != nil || len(list) != 1 {
		t.Fatalf("list task types: %v %+v", err, list)
	}

	count, err := p.CountTasksByType(ctx, tt.ID)
	if err != nil || count != 0 {
		t.Fatalf("count tasks by type: %v %d", err, count)
	}

	if err := p.DeleteTaskType(ctx, tt.ID); err != nil {
		t.Fatalf("delete task type: %v", err)
	}
}

func testTaskCRUD(t *testing.T, factory Factory) {
	p, cleanup := factory(t)
	defer cleanup()
	ctx := context.Background()

	proj := newProject("gamma")
	_ = p.CreateProject(ctx, proj)
	tt := newTaskType(proj.ID, "lint")
	_ = p.CreateTaskType(ctx, tt)

	task := newTask(proj.ID, tt.ID, "task-1", 1)
	if err := p.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	got, err := p.GetTask(ctx, task.ID)
	if err != nil || got.Status != types.TaskQueued {
		t.Fatalf("get task: %v %+v", err, got)
	}

	desc := "updated description"
	updated, err := p.UpdateTask(ctx, task.ID, storage.TaskPatch{Description: &desc})
	if err != nil || updated.Description != desc {
		t.Fatalf("update task: %v %+v", err, updated)
	}

	list, err := p.ListTasks(ctx, proj.ID, types.TaskFilter{Status: types.TaskQueued})
	if err != nil || len(list) != 1 {
		t.Fatalf("list tasks filtered by status: %v %+v", err, list)
	}

	seq, err := p.NextTaskSeq(ctx, proj.ID)
	if err != nil || seq < 1 {
		t.Fatalf("next task seq: %v %d", err, seq)
	}

	if err := p.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("delete queued task: %v", err)
	}
}

func testAssignFIFO(t *testing.T, factory Factory) {
	p, cleanup := factory(t)
	defer cleanup()
	ctx := context.Background()

	proj := newProject("delta")
	_ = p.CreateProject(ctx, proj)
	tt := newTaskType(proj.ID, "job")
	_ = p.CreateTaskType(ctx, tt)

	first := newTask(proj.ID, tt.ID, "task-first", 1)
	_ = p.CreateTask(ctx, first)
	time.Sleep(5 * time.Millisecond)
	second := newTask(proj.ID, tt.ID, "task-second", 2)
	_ = p.CreateTask(ctx, second)

	assigned, err := p.AssignTask(ctx, proj.ID, "worker-a")
	if err != nil {
		t.Fatalf("assign task: %v", err)
	}
	if assigned == nil || assigned.ID != first.ID {
		t.Fatalf("expected FIFO head task-first assigned, got %+v", assigned)
	}
	if assigned.Status != types.TaskRunning || assigned.AssignedTo != "worker-a" {
		t.Fatalf("assigned task not marked running: %+v", assigned)
	}
	if assigned.LeaseExpiresAt == nil {
		t.Fatalf("expected lease expiry to be set")
	}

	next, err := p.AssignTask(ctx, proj.ID, "worker-b")
	if err != nil || next == nil || next.ID != second.ID {
		t.Fatalf("expected second task assigned next: %v %+v", err, next)
	}
}

func testAssignConcurrent(t *testing.T, factory Factory) {
	p, cleanup := factory(t)
	defer cleanup()
	ctx := context.Background()

	proj := newProject("epsilon")
	_ = p.CreateProject(ctx, proj)
	tt := newTaskType(proj.ID, "job")
	_ = p.CreateTaskType(ctx, tt)

	const n = 10
	for i := 0; i < n; i++ {
		task := newTask(proj.ID, tt.ID, "task-"+string(rune('a'+i)), i)
		_ = p.CreateTask(ctx, task)
	}

	results := make(chan *types.Task, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(worker int) {
			assigned, err := p.AssignTask(ctx, proj.ID, "worker-"+string(rune('0'+worker)))
			if err != nil {
				errs <- err
				return
			}
			results <- assigned
		}(i)
	}

	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			t.Fatalf("concurrent assign error: %v", err)
		case r := <-results:
			if r == nil {
				continue
			}
			if seen[r.ID] {
				t.Fatalf("task %q assigned to more than one worker: linearizability violated", r.ID)
			}
			seen[r.ID] = true
		}
	}
	if len(seen) != n {
		t.Fatalf("expected all %d tasks assigned exactly once, got %d", n, len(seen))
	}
}

func testCompleteTask(t *testing.T, factory Factory) {
	p, cleanup := factory(t)
	defer cleanup()
	ctx := context.Background()

	proj := newProject("zeta")
	_ = p.CreateProject(ctx, proj)
	tt := newTaskType(proj.ID, "job")
	_ = p.CreateTaskType(ctx, tt)
	task := newTask(proj.ID, tt.ID, "task-zeta", 1)
	_ = p.CreateTask(ctx, task)
	if _, err := p.AssignTask(ctx, proj.ID, "worker"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	result := &types.TaskResult{Success: true, Output: "done"}
	completed, err := p.CompleteTask(ctx, task.ID, result)
	if err != nil {
		t.Fatalf("complete task: %v", err)
	}
	if completed.Status != types.TaskCompleted {
		t.Fatalf("expected completed status, got %s", completed.Status)
	}
	if completed.AssignedTo != "" {
		t.Fatalf("expected assignment cleared after completion")
	}

	if _, err := p.CompleteTask(ctx, task.ID, result); err == nil {
		t.Fatalf("expected error completing an already-completed task")
	}
}

func testFailTaskRetry(t *testing.T, factory Factory) {
	p, cleanup := factory(t)
	defer cleanup()
	ctx := context.Background()

	proj := newProject("eta")
	_ = p.CreateProject(ctx, proj)
	tt := newTaskType(proj.ID, "job")
	tt.MaxRetries = 1
	_ = p.CreateTaskType(ctx, tt)
	task := newTask(proj.ID, tt.ID, "task-eta", 1)
	task.MaxRetries = 1
	_ = p.CreateTask(ctx, task)

	failResult := &types.TaskResult{Success: false, Error: "boom"}

	if _, err := p.AssignTask(ctx, proj.ID, "worker"); err != nil {
		t.Fatalf("assign 1: %v", err)
	}
	requeued, err := p.FailTask(ctx, task.ID, failResult, true)
	if err != nil {
		t.Fatalf("fail task (retryable): %v", err)
	}
	if requeued.Status != types.TaskQueued {
		t.Fatalf("expected task requeued after first failure, got %s", requeued.Status)
	}
	if requeued.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", requeued.RetryCount)
	}

	if _, err := p.AssignTask(ctx, proj.ID, "worker"); err != nil {
		t.Fatalf("assign 2: %v", err)
	}
	failed, err := p.FailTask(ctx, task.ID, failResult, true)
	if err != nil {
		t.Fatalf("fail task (terminal): %v", err)
	}
	if failed.Status != types.TaskFailed {
		t.Fatalf("expected terminal failed status once retries exhausted, got %s", failed.Status)
	}
}

func testExtendLease(t *testing.T, factory Factory) {
	p, cleanup := factory(t)
	defer cleanup()
	ctx := context.Background()

	proj := newProject("theta")
	_ = p.CreateProject(ctx, proj)
	tt := newTaskType(proj.ID, "job")
	_ = p.CreateTaskType(ctx, tt)
	task := newTask(proj.ID, tt.ID, "task-theta", 1)
	_ = p.CreateTask(ctx, task)

	assigned, err := p.AssignTask(ctx, proj.ID, "worker")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	before := *assigned.LeaseExpiresAt

	extended, err := p.ExtendLease(ctx, task.ID, 30)
	if err != nil {
		t.Fatalf("extend lease: %v", err)
	}
	if !extended.LeaseExpiresAt.After(before) {
		t.Fatalf("expected lease expiry to move forward: before=%v after=%v", before, extended.LeaseExpiresAt)
	}
}

func testFindExpiredLeases(t *testing.T, factory Factory) {
	p, cleanup := factory(t)
	defer cleanup()
	ctx := context.Background()

	proj := newProject("iota")
	_ = p.CreateProject(ctx, proj)
	tt := newTaskType(proj.ID, "job")
	tt.LeaseDurationMinutes = 0
	_ = p.CreateTaskType(ctx, tt)
	task := newTask(proj.ID, tt.ID, "task-iota", 1)
	_ = p.CreateTask(ctx, task)

	if _, err := p.AssignTask(ctx, proj.ID, "worker"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	expired, err := p.FindExpiredLeases(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("find expired leases: %v", err)
	}
	found := false
	for _, e := range expired {
		if e.ID == task.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected task-iota among expired leases, got %+v", expired)
	}

	requeued, err := p.RequeueTask(ctx, task.ID)
	if err != nil || requeued.Status != types.TaskQueued {
		t.Fatalf("requeue expired task: %v %+v", err, requeued)
	}
}

func testFindDuplicate(t *testing.T, factory Factory) {
	p, cleanup := factory(t)
	defer cleanup()
	ctx := context.Background()

	proj := newProject("kappa")
	_ = p.CreateProject(ctx, proj)
	tt := newTaskType(proj.ID, "job")
	_ = p.CreateTaskType(ctx, tt)

	vars := map[string]string{"thing": "same"}
	task := &types.Task{
		ID:        "task-kappa-1",
		ProjectID: proj.ID,
		TypeID:    tt.ID,
		Status:    types.TaskFailed,
		Variables: vars,
		CreatedAt: time.Now().UTC(),
	}
	_ = p.CreateTask(ctx, task)

	dup, err := p.FindDuplicateTask(ctx, proj.ID, tt.ID, vars)
	if err != nil {
		t.Fatalf("find duplicate: %v", err)
	}
	if dup != nil {
		t.Fatalf("expected failed tasks to be excluded from duplicate match, got %+v", dup)
	}

	task2 := &types.Task{
		ID:        "task-kappa-2",
		ProjectID: proj.ID,
		TypeID:    tt.ID,
		Status:    types.TaskQueued,
		Variables: vars,
		CreatedAt: time.Now().UTC(),
	}
	_ = p.CreateTask(ctx, task2)

	dup2, err := p.FindDuplicateTask(ctx, proj.ID, tt.ID, vars)
	if err != nil || dup2 == nil || dup2.ID != task2.ID {
		t.Fatalf("expected queued task to match as duplicate: %v %+v", err, dup2)
	}
}

func testEmptyQueueAssign(t *testing.T, factory Factory) {
	p, cleanup := factory(t)
	defer cleanup()
	ctx := context.Background()

	proj := newProject("lambda")
	_ = p.CreateProject(ctx, proj)

	assigned, err := p.AssignTask(ctx, proj.ID, "worker")
	if err != nil {
		t.Fatalf("assign on empty queue should not error: %v", err)
	}
	if assigned != nil {
		t.Fatalf("expected nil task from empty queue, got %+v", assigned)
	}
}
