package projects_test

import (
	"context"
	"testing"

	"github.com/taskdriver/taskdriver/internal/projects"
	"github.com/taskdriver/taskdriver/internal/storage/filestore"
	"github.com/taskdriver/taskdriver/internal/types"
)

func newService(t *testing.T) *projects.Service {
	t.Helper()
	store := filestore.New(t.TempDir())
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	return projects.New(store)
}

func TestCreateAndGet(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, projects.CreateInput{Name: "my-project", Description: "desc"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.Status != types.ProjectActive {
		t.Fatalf("expected new project active, got %s", p.Status)
	}

	got, err := svc.Get(ctx, p.Name)
	if err != nil {
		t.Fatalf("get by name: %v", err)
	}
	if got.ID != p.ID {
		t.Fatalf("expected resolve by name to find project %s, got %s", p.ID, got.ID)
	}
}

func TestCreateRejectsInvalidName(t *testing.T) {
	svc := newService(t)
	if _, err := svc.Create(context.Background(), projects.CreateInput{Name: "has a space"}); err == nil {
		t.Fatalf("expected validation error for invalid name")
	}
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	if _, err := svc.Create(ctx, projects.CreateInput{Name: "dup"}); err != nil {
		t.Fatalf("create first: %v", err)
	}
	if _, err := svc.Create(ctx, projects.CreateInput{Name: "dup"}); err == nil {
		t.Fatalf("expected conflict creating second project named dup")
	}
}

func TestUpdateStatusAndRequireActive(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	p, _ := svc.Create(ctx, projects.CreateInput{Name: "closeable"})

	closed := types.ProjectClosed
	if _, err := svc.Update(ctx, p.ID, projects.UpdateInput{Status: &closed}); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if _, err := svc.RequireActive(ctx, p.ID); err == nil {
		t.Fatalf("expected RequireActive to fail on closed project")
	}
}

func TestListIncludeClosed(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	a, _ := svc.Create(ctx, projects.CreateInput{Name: "a"})
	closed := types.ProjectClosed
	svc.Update(ctx, a.ID, projects.UpdateInput{Status: &closed})
	svc.Create(ctx, projects.CreateInput{Name: "b"})

	active, err := svc.List(ctx, false, 0, 0)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 active project, got %d", len(active))
	}

	all, err := svc.List(ctx, true, 0, 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 total projects, got %d", len(all))
	}
}
