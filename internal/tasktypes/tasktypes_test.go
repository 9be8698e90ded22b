package tasktypes_test

import (
	"context"
	"testing"

	"github.com/taskdriver/taskdriver/internal/projects"
	"github.com/taskdriver/taskdriver/internal/storage/filestore"
	"github.com/taskdriver/taskdriver/internal/tasktypes"
	"github.com/taskdriver/taskdriver/internal/types"
)

func newServices(t *testing.T) (*projects.Service, *tasktypes.Service) {
	t.Helper()
	store := filestore.New(t.TempDir())
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	projSvc := projects.New(store)
	return projSvc, tasktypes.New(store, projSvc)
}

func TestCreateDerivesVariablesFromTemplate(t *testing.T) {
	projSvc, ttSvc := newServices(t)
	ctx := context.Background()
	p, _ := projSvc.Create(ctx, projects.CreateInput{Name: "proj"})

	tt, err := ttSvc.Create(ctx, tasktypes.CreateInput{
		ProjectIDOrName: p.ID,
		Name:            "build",
		Template:        "build {{module}} at {{ref}}",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(tt.Variables) != 2 {
		t.Fatalf("expected 2 derived variables, got %v", tt.Variables)
	}
}

func TestCreateRejectsMismatchedVariables(t *testing.T) {
	projSvc, ttSvc := newServices(t)
	ctx := context.Background()
	p, _ := projSvc.Create(ctx, projects.CreateInput{Name: "proj"})

	_, err := ttSvc.Create(ctx, tasktypes.CreateInput{
		ProjectIDOrName: p.ID,
		Name:            "build",
		Template:        "build {{module}}",
		Variables:       []string{"module", "extra"},
	})
	if err == nil {
		t.Fatalf("expected error for variables not matching template placeholders")
	}
}

func TestCreateRejectsOnClosedProject(t *testing.T) {
	projSvc, ttSvc := newServices(t)
	ctx := context.Background()
	p, _ := projSvc.Create(ctx, projects.CreateInput{Name: "proj"})
	closed := types.ProjectClosed
	projSvc.Update(ctx, p.ID, projects.UpdateInput{Status: &closed})

	if _, err := ttSvc.Create(ctx, tasktypes.CreateInput{ProjectIDOrName: p.ID, Name: "build", Template: "x"}); err == nil {
		t.Fatalf("expected error creating task type on closed project")
	}
}

func TestDeleteSucceedsWhenUnreferenced(t *testing.T) {
	projSvc, ttSvc := newServices(t)
	ctx := context.Background()
	p, _ := projSvc.Create(ctx, projects.CreateInput{Name: "proj"})
	tt, _ := ttSvc.Create(ctx, tasktypes.CreateInput{ProjectIDOrName: p.ID, Name: "build", Template: "x"})

	if err := ttSvc.Delete(ctx, tt.ID); err != nil {
		t.Fatalf("expected delete of unreferenced task type to succeed: %v", err)
	}
}
