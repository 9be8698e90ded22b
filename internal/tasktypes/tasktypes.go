// Package tasktypes implements the TaskType Service (C4): reusable
// templates and execution policy for a family of tasks within a project.
package tasktypes

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/taskdriver/taskdriver/internal/apperrors"
	"github.com/taskdriver/taskdriver/internal/projects"
	"github.com/taskdriver/taskdriver/internal/storage"
	"github.com/taskdriver/taskdriver/internal/types"
	"github.com/taskdriver/taskdriver/internal/validate"
)

// Service is the TaskType Service. It validates against the owning
// project through projects.Service before touching storage.
type Service struct {
	store    storage.Provider
	projects *projects.Service
}

func New(store storage.Provider, projectSvc *projects.Service) *Service {
	return &Service{store: store, projects: projectSvc}
}

type CreateInput struct {
	ProjectIDOrName   string
	Name              string
	Template          string
	Variables         []string
	DuplicateHandling types.DuplicateHandling
	MaxRetries        *int
	LeaseDuration     *int
	Tags              []string
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*types.TaskType, error) {
	project, err := s.projects.RequireActive(ctx, in.ProjectIDOrName)
	if err != nil {
		return nil, err
	}
	if err := validate.Name("name", in.Name); err != nil {
		return nil, apperrors.NewValidationError("name", "%s", err.Error())
	}

	variables, err := validate.ReconcileVariables(in.Template, in.Variables)
	if err != nil {
		return nil, apperrors.NewValidationError("variables", "%s", err.Error())
	}

	duplicateHandling := in.DuplicateHandling
	if duplicateHandling == "" {
		duplicateHandling = types.DuplicateAllow
	}

	maxRetries := project.Config.DefaultMaxRetries
	if in.MaxRetries != nil {
		maxRetries = *in.MaxRetries
	}
	if err := validate.NonNegative("maxRetries", maxRetries); err != nil {
		return nil, apperrors.NewValidationError("maxRetries", "%s", err.Error())
	}

	leaseDuration := project.Config.DefaultLeaseDurationMinutes
	if in.LeaseDuration != nil {
		leaseDuration = *in.LeaseDuration
	}
	if err := validate.AtLeastOne("leaseDurationMinutes", leaseDuration); err != nil {
		return nil, apperrors.NewValidationError("leaseDurationMinutes", "%s", err.Error())
	}

	now := time.Now().UTC()
	tt := &types.TaskType{
		ID:                   uuid.NewString(),
		ProjectID:            project.ID,
		Name:                 in.Name,
		Template:             in.Template,
		Variables:            variables,
		DuplicateHandling:    duplicateHandling,
		MaxRetries:           maxRetries,
		LeaseDurationMinutes: leaseDuration,
		Tags:                 in.Tags,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.store.CreateTaskType(ctx, tt); err != nil {
		return nil, err
	}
	log.Printf("[TASKTYPES] created task type %s (%s) in project %s", tt.ID, tt.Name, project.ID)
	return tt, nil
}

func (s *Service) Get(ctx context.Context, id string) (*types.TaskType, error) {
	return s.store.GetTaskType(ctx, id)
}

func (s *Service) resolve(ctx context.Context, projectID, idOrName string) (*types.TaskType, error) {
	if tt, err := s.store.GetTaskType(ctx, idOrName); err == nil {
		return tt, nil
	}
	return s.store.GetTaskTypeByName(ctx, projectID, idOrName)
}

type UpdateInput struct {
	Name              *string
	Template          *string
	Variables         *[]string
	DuplicateHandling *types.DuplicateHandling
	MaxRetries        *int
	LeaseDuration     *int
}

func (s *Service) Update(ctx context.Context, projectID, idOrName string, in UpdateInput) (*types.TaskType, error) {
	tt, err := s.resolve(ctx, projectID, idOrName)
	if err != nil {
		return nil, err
	}
	template := tt.Template
	if in.Template != nil {
		template = *in.Template
	}
	var variables []string
	if in.Variables != nil {
		variables = *in.Variables
	} else {
		variables = tt.Variables
	}
	reconciled, err := validate.ReconcileVariables(template, variables)
	if err != nil {
		return nil, apperrors.NewValidationError("variables", "%s", err.Error())
	}

	patch := storage.TaskTypePatch{
		Name:              in.Name,
		Template:          in.Template,
		Variables:         &reconciled,
		DuplicateHandling: in.DuplicateHandling,
		MaxRetries:        in.MaxRetries,
		LeaseDuration:     in.LeaseDuration,
	}
	updated, err := s.store.UpdateTaskType(ctx, tt.ID, patch)
	if err != nil {
		return nil, err
	}
	log.Printf("[TASKTYPES] updated task type %s", updated.ID)
	return updated, nil
}

func (s *Service) List(ctx context.Context, projectID string) ([]*types.TaskType, error) {
	return s.store.ListTaskTypes(ctx, projectID)
}

// Delete refuses to remove a task type that still has tasks referencing
// it, matching spec.md's delete-refused-if-referenced invariant.
func (s *Service) Delete(ctx context.Context, id string) error {
	count, err := s.store.CountTasksByType(ctx, id)
	if err != nil {
		return err
	}
	if count > 0 {
		return apperrors.NewStateError("task type %q still has %d task(s); delete them first", id, count)
	}
	return s.store.DeleteTaskType(ctx, id)
}
