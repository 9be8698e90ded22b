package reaper_test

import (
	"context"
	"testing"
	"time"

	"github.com/taskdriver/taskdriver/internal/lease"
	"github.com/taskdriver/taskdriver/internal/projects"
	"github.com/taskdriver/taskdriver/internal/reaper"
	"github.com/taskdriver/taskdriver/internal/storage/filestore"
	"github.com/taskdriver/taskdriver/internal/tasks"
	"github.com/taskdriver/taskdriver/internal/tasktypes"
)

func TestSweepReclaimsExpiredLease(t *testing.T) {
	store := filestore.New(t.TempDir())
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init store: %v", err)
	}
	projSvc := projects.New(store)
	ttSvc := tasktypes.New(store, projSvc)
	taskSvc := tasks.New(store, projSvc)
	eng := lease.New(store)
	r := reaper.New(eng, projSvc)

	p, _ := projSvc.Create(ctx, projects.CreateInput{Name: "proj"})
	tt, _ := ttSvc.Create(ctx, tasktypes.CreateInput{ProjectIDOrName: p.ID, Name: "job", Template: "do {{x}}"})
	task, _ := taskSvc.Create(ctx, tasks.CreateInput{ProjectID: p.ID, TypeID: tt.ID, Variables: map[string]string{"x": "1"}})

	if _, err := eng.GetNextTask(ctx, p.ID, "worker-a"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := store.ExtendLease(ctx, task.ID, -20); err != nil {
		t.Fatalf("backdate lease: %v", err)
	}

	r.StartReaper(p.ID, 20*time.Millisecond)
	defer r.StopReaper(p.ID)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.GetTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if got.AssignedTo == "" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected reaper to reclaim the expired lease within the deadline")
}

func TestStopReaperIsIdempotent(t *testing.T) {
	store := filestore.New(t.TempDir())
	ctx := context.Background()
	store.Init(ctx)
	projSvc := projects.New(store)
	eng := lease.New(store)
	r := reaper.New(eng, projSvc)

	r.StartReaper("proj-x", time.Hour)
	r.StopReaper("proj-x")
	r.StopReaper("proj-x")
}
