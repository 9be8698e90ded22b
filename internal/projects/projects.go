// Package projects implements the Project Service (C3): the thin CRUD
// and lifecycle layer every task type and task is created underneath.
package projects

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/taskdriver/taskdriver/internal/apperrors"
	"github.com/taskdriver/taskdriver/internal/storage"
	"github.com/taskdriver/taskdriver/internal/types"
	"github.com/taskdriver/taskdriver/internal/validate"
)

// Service is the Project Service, operating only against storage.Provider.
type Service struct {
	store storage.Provider
}

func New(store storage.Provider) *Service {
	return &Service{store: store}
}

// CreateInput carries the fields of a create_project call.
type CreateInput struct {
	Name          string
	Description   string
	Instructions  string
	MaxRetries    *int
	LeaseDuration *int
	ReaperInterval *int
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*types.Project, error) {
	if err := validate.Name("name", in.Name); err != nil {
		return nil, apperrors.NewValidationError("name", "%s", err.Error())
	}
	cfg := types.DefaultProjectConfig()
	if in.MaxRetries != nil {
		cfg.DefaultMaxRetries = *in.MaxRetries
	}
	if in.LeaseDuration != nil {
		cfg.DefaultLeaseDurationMinutes = *in.LeaseDuration
	}
	if in.ReaperInterval != nil {
		cfg.ReaperIntervalMinutes = *in.ReaperInterval
	}
	if err := cfg.Validate(); err != nil {
		return nil, apperrors.NewValidationError("config", "%s", err.Error())
	}

	now := time.Now().UTC()
	p := &types.Project{
		ID:           uuid.NewString(),
		Name:         in.Name,
		Description:  in.Description,
		Instructions: in.Instructions,
		Status:       types.ProjectActive,
		Config:       cfg,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateProject(ctx, p); err != nil {
		return nil, err
	}
	log.Printf("[PROJECTS] created project %s (%s)", p.ID, p.Name)
	return p, nil
}

// Resolve looks a project up by ID first, falling back to name, matching
// the validateProjectAccess(idOrName) contract used throughout the
// command layer.
func (s *Service) Resolve(ctx context.Context, idOrName string) (*types.Project, error) {
	if p, err := s.store.GetProject(ctx, idOrName); err == nil {
		return p, nil
	}
	return s.store.GetProjectByName(ctx, idOrName)
}

// RequireActive resolves the project and fails with a StateError if it
// is closed, used by every command that creates or assigns new work.
func (s *Service) RequireActive(ctx context.Context, idOrName string) (*types.Project, error) {
	p, err := s.Resolve(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	if !p.IsActive() {
		return nil, apperrors.NewStateError("project %q is closed", p.Name)
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, idOrName string) (*types.Project, error) {
	p, err := s.Resolve(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	stats, err := s.store.ComputeProjectStats(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	p.Stats = stats
	return p, nil
}

type UpdateInput struct {
	Name          *string
	Description   *string
	Instructions  *string
	Status        *types.ProjectStatus
	MaxRetries    *int
	LeaseDuration *int
	ReaperInterval *int
}

func (s *Service) Update(ctx context.Context, idOrName string, in UpdateInput) (*types.Project, error) {
	p, err := s.Resolve(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		if err := validate.Name("name", *in.Name); err != nil {
			return nil, apperrors.NewValidationError("name", "%s", err.Error())
		}
	}
	patch := storage.ProjectPatch{
		Name:           in.Name,
		Description:    in.Description,
		Instructions:   in.Instructions,
		Status:         in.Status,
		MaxRetries:     in.MaxRetries,
		LeaseDuration:  in.LeaseDuration,
		ReaperInterval: in.ReaperInterval,
	}
	updated, err := s.store.UpdateProject(ctx, p.ID, patch)
	if err != nil {
		return nil, err
	}
	log.Printf("[PROJECTS] updated project %s", updated.ID)
	return updated, nil
}

func (s *Service) List(ctx context.Context, includeClosed bool, limit, offset int) ([]*types.Project, error) {
	return s.store.ListProjects(ctx, includeClosed, limit, offset)
}

func (s *Service) Stats(ctx context.Context, idOrName string) (types.ProjectStats, error) {
	p, err := s.Resolve(ctx, idOrName)
	if err != nil {
		return types.ProjectStats{}, err
	}
	return s.store.ComputeProjectStats(ctx, p.ID)
}
