package tasks_test

import (
	"context"
	"testing"

	"github.com/taskdriver/taskdriver/internal/projects"
	"github.com/taskdriver/taskdriver/internal/storage/filestore"
	"github.com/taskdriver/taskdriver/internal/tasks"
	"github.com/taskdriver/taskdriver/internal/tasktypes"
	"github.com/taskdriver/taskdriver/internal/types"
)

func newServices(t *testing.T) (*projects.Service, *tasktypes.Service, *tasks.Service) {
	t.Helper()
	store := filestore.New(t.TempDir())
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	projSvc := projects.New(store)
	ttSvc := tasktypes.New(store, projSvc)
	taskSvc := tasks.New(store, projSvc)
	return projSvc, ttSvc, taskSvc
}

func TestCreateMaterializesTemplate(t *testing.T) {
	projSvc, ttSvc, taskSvc := newServices(t)
	ctx := context.Background()
	p, _ := projSvc.Create(ctx, projects.CreateInput{Name: "proj"})
	tt, _ := ttSvc.Create(ctx, tasktypes.CreateInput{
		ProjectIDOrName: p.ID,
		Name:            "greet",
		Template:        "say hello to {{name}}",
	})

	task, err := taskSvc.Create(ctx, tasks.CreateInput{
		ProjectID: p.ID,
		TypeID:    tt.ID,
		Variables: map[string]string{"name": "world"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Instructions != "say hello to world" {
		t.Fatalf("expected materialized instructions, got %q", task.Instructions)
	}
}

func TestCreateFailsOnMissingVariable(t *testing.T) {
	projSvc, ttSvc, taskSvc := newServices(t)
	ctx := context.Background()
	p, _ := projSvc.Create(ctx, projects.CreateInput{Name: "proj"})
	tt, _ := ttSvc.Create(ctx, tasktypes.CreateInput{
		ProjectIDOrName: p.ID,
		Name:            "greet",
		Template:        "say hello to {{name}}",
	})

	if _, err := taskSvc.Create(ctx, tasks.CreateInput{ProjectID: p.ID, TypeID: tt.ID, Variables: map[string]string{}}); err == nil {
		t.Fatalf("expected error for missing template variable")
	}
}

func TestDuplicateHandlingIgnoreReturnsExisting(t *testing.T) {
	projSvc, ttSvc, taskSvc := newServices(t)
	ctx := context.Background()
	p, _ := projSvc.Create(ctx, projects.CreateInput{Name: "proj"})
	tt, _ := ttSvc.Create(ctx, tasktypes.CreateInput{
		ProjectIDOrName:   p.ID,
		Name:              "greet",
		Template:          "say hello to {{name}}",
		DuplicateHandling: types.DuplicateIgnore,
	})

	vars := map[string]string{"name": "world"}
	first, err := taskSvc.Create(ctx, tasks.CreateInput{ProjectID: p.ID, TypeID: tt.ID, Variables: vars})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := taskSvc.Create(ctx, tasks.CreateInput{ProjectID: p.ID, TypeID: tt.ID, Variables: vars})
	if err != nil {
		t.Fatalf("create duplicate under ignore policy: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected duplicate-ignore to return the existing task, got a new one")
	}
}

func TestDuplicateHandlingFailRejectsSecond(t *testing.T) {
	projSvc, ttSvc, taskSvc := newServices(t)
	ctx := context.Background()
	p, _ := projSvc.Create(ctx, projects.CreateInput{Name: "proj"})
	tt, _ := ttSvc.Create(ctx, tasktypes.CreateInput{
		ProjectIDOrName:   p.ID,
		Name:              "greet",
		Template:          "say hello to {{name}}",
		DuplicateHandling: types.DuplicateFail,
	})

	vars := map[string]string{"name": "world"}
	if _, err := taskSvc.Create(ctx, tasks.CreateInput{ProjectID: p.ID, TypeID: tt.ID, Variables: vars}); err != nil {
		t.Fatalf("create first: %v", err)
	}
	if _, err := taskSvc.Create(ctx, tasks.CreateInput{ProjectID: p.ID, TypeID: tt.ID, Variables: vars}); err == nil {
		t.Fatalf("expected duplicate-fail policy to reject the second create")
	}
}

func TestCreateBulkPartialSuccess(t *testing.T) {
	projSvc, ttSvc, taskSvc := newServices(t)
	ctx := context.Background()
	p, _ := projSvc.Create(ctx, projects.CreateInput{Name: "proj"})
	tt, _ := ttSvc.Create(ctx, tasktypes.CreateInput{
		ProjectIDOrName: p.ID,
		Name:            "greet",
		Template:        "say hello to {{name}}",
	})

	inputs := []tasks.CreateInput{
		{ProjectID: p.ID, TypeID: tt.ID, Variables: map[string]string{"name": "a"}},
		{ProjectID: p.ID, TypeID: tt.ID, Variables: map[string]string{}},
		{ProjectID: p.ID, TypeID: tt.ID, Variables: map[string]string{"name": "c"}},
	}
	results, err := taskSvc.CreateBulk(ctx, inputs)
	if err != nil {
		t.Fatalf("create bulk: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Error != nil || results[2].Error != nil {
		t.Fatalf("expected entries 0 and 2 to succeed: %+v", results)
	}
	if results[1].Error == nil {
		t.Fatalf("expected entry 1 (missing variable) to fail")
	}
}
