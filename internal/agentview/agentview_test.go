package agentview_test

import (
	"context"
	"testing"

	"github.com/taskdriver/taskdriver/internal/agentview"
	"github.com/taskdriver/taskdriver/internal/lease"
	"github.com/taskdriver/taskdriver/internal/projects"
	"github.com/taskdriver/taskdriver/internal/storage/filestore"
	"github.com/taskdriver/taskdriver/internal/tasks"
	"github.com/taskdriver/taskdriver/internal/tasktypes"
)

func TestListReflectsRunningTasks(t *testing.T) {
	store := filestore.New(t.TempDir())
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init store: %v", err)
	}
	projSvc := projects.New(store)
	ttSvc := tasktypes.New(store, projSvc)
	taskSvc := tasks.New(store, projSvc)
	eng := lease.New(store)
	view := agentview.New(store)

	p, _ := projSvc.Create(ctx, projects.CreateInput{Name: "proj"})
	tt, _ := ttSvc.Create(ctx, tasktypes.CreateInput{ProjectIDOrName: p.ID, Name: "job", Template: "do {{x}}"})
	taskSvc.Create(ctx, tasks.CreateInput{ProjectID: p.ID, TypeID: tt.ID, Variables: map[string]string{"x": "1"}})

	if _, err := eng.GetNextTask(ctx, p.ID, "worker-a"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	entries, err := view.List(ctx, p.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "worker-a" {
		t.Fatalf("expected one active agent worker-a, got %+v", entries)
	}
	if entries[0].Color.Emoji == "" {
		t.Fatalf("expected a non-empty color assignment")
	}
}

func TestColorForIsDeterministic(t *testing.T) {
	a := agentview.ColorFor("worker-a")
	b := agentview.ColorFor("worker-a")
	if a != b {
		t.Fatalf("expected same name to always get the same color")
	}
}
