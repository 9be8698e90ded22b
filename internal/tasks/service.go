// Package tasks implements the Task Service (C5): single/bulk task
// creation with template materialization and duplicate handling.
package tasks

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/taskdriver/taskdriver/internal/apperrors"
	"github.com/taskdriver/taskdriver/internal/projects"
	"github.com/taskdriver/taskdriver/internal/storage"
	"github.com/taskdriver/taskdriver/internal/types"
	"github.com/taskdriver/taskdriver/internal/validate"
)

// maxBulkSize bounds a single create_tasks_bulk call, per spec.md §4.5.
const maxBulkSize = 1000

// Service is the Task Service.
type Service struct {
	store    storage.Provider
	projects *projects.Service
}

func New(store storage.Provider, projectSvc *projects.Service) *Service {
	return &Service{store: store, projects: projectSvc}
}

type CreateInput struct {
	ID           string
	ProjectID    string
	TypeID       string
	Description  string
	Instructions string
	Variables    map[string]string
	Metadata     map[string]string
	MaxRetries   *int
}

// BulkResult reports the outcome of one entry in a create_tasks_bulk
// call. Bulk creation is never transactional: each entry succeeds or
// fails independently and the caller gets a full report.
type BulkResult struct {
	Task  *types.Task
	Error error
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*types.Task, error) {
	project, err := s.projects.RequireActive(ctx, in.ProjectID)
	if err != nil {
		return nil, err
	}
	taskType, err := s.store.GetTaskType(ctx, in.TypeID)
	if err != nil {
		return nil, err
	}

	instructions := in.Instructions
	if taskType.HasTemplate() {
		instructions, err = validate.Interpolate(taskType.Template, in.Variables)
		if err != nil {
			return nil, apperrors.NewValidationError("variables", "%s", err.Error())
		}

		if taskType.DuplicateHandling != types.DuplicateAllow {
			dup, err := s.store.FindDuplicateTask(ctx, project.ID, taskType.ID, in.Variables)
			if err != nil {
				return nil, err
			}
			if dup != nil {
				switch taskType.DuplicateHandling {
				case types.DuplicateIgnore:
					return dup, nil
				case types.DuplicateFail:
					return nil, apperrors.NewConflictError("a task with the same variables already exists: %s", dup.ID)
				}
			}
		}
	}

	maxRetries := taskType.MaxRetries
	if in.MaxRetries != nil {
		maxRetries = *in.MaxRetries
	}

	taskID := in.ID
	if taskID != "" {
		if _, err := s.store.GetTask(ctx, taskID); err == nil {
			return nil, apperrors.NewConflictError("task %q already exists", taskID)
		}
	} else {
		seq, err := s.store.NextTaskSeq(ctx, project.ID)
		if err != nil {
			return nil, err
		}
		taskID = fmt.Sprintf("task-%d", seq)
	}

	now := time.Now().UTC()
	task := &types.Task{
		ID:           taskID,
		ProjectID:    project.ID,
		TypeID:       taskType.ID,
		TypeName:     taskType.Name,
		Description:  in.Description,
		Status:       types.TaskQueued,
		Instructions: instructions,
		Variables:    in.Variables,
		Metadata:     in.Metadata,
		MaxRetries:   maxRetries,
		CreatedAt:    now,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	log.Printf("[TASKS] created task %s in project %s (type=%s)", task.ID, project.ID, taskType.Name)
	return task, nil
}

// CreateBulk creates up to maxBulkSize tasks, collecting a BulkResult
// per entry rather than aborting on the first failure.
func (s *Service) CreateBulk(ctx context.Context, inputs []CreateInput) ([]BulkResult, error) {
	if len(inputs) == 0 {
		return nil, apperrors.NewValidationError("tasks", "at least one task is required")
	}
	if len(inputs) > maxBulkSize {
		return nil, apperrors.NewValidationError("tasks", "bulk create is limited to %d tasks per call", maxBulkSize)
	}
	results := make([]BulkResult, len(inputs))
	for i, in := range inputs {
		task, err := s.Create(ctx, in)
		results[i] = BulkResult{Task: task, Error: err}
	}
	return results, nil
}

func (s *Service) Get(ctx context.Context, id string) (*types.Task, error) {
	return s.store.GetTask(ctx, id)
}

func (s *Service) List(ctx context.Context, projectID string, filter types.TaskFilter) ([]*types.Task, error) {
	return s.store.ListTasks(ctx, projectID, filter)
}

// Delete refuses to remove a running task; completed/failed/queued
// tasks may be deleted.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.DeleteTask(ctx, id)
}
