package filestore

import (
	"context"
	"os"
	"sort"

	"github.com/taskdriver/taskdriver/internal/apperrors"
	"github.com/taskdriver/taskdriver/internal/storage"
	"github.com/taskdriver/taskdriver/internal/types"
)

func (s *Store) CreateTaskType(ctx context.Context, t *types.TaskType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.taskTypes {
		if existing.ProjectID == t.ProjectID && existing.Name == t.Name {
			return apperrors.NewConflictError("task type name %q already exists in project", t.Name)
		}
	}
	if err := s.writeTaskTypeFile(t); err != nil {
		return apperrors.NewStorageError(err, "write task type file")
	}
	cp := *t
	s.taskTypes[t.ID] = &cp
	return nil
}

func (s *Store) GetTaskType(ctx context.Context, id string) (*types.TaskType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.taskTypes[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("task type", id)
	}
	cp := *t
	return &cp, nil
}

func (s *Store) GetTaskTypeByName(ctx context.Context, projectID, name string) (*types.TaskType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.taskTypes {
		if t.ProjectID == projectID && t.Name == name {
			cp := *t
			return &cp, nil
		}
	}
	return nil, apperrors.NewNotFoundError("task type", name)
}

func (s *Store) UpdateTaskType(ctx context.Context, id string, patch storage.TaskTypePatch) (*types.TaskType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.taskTypes[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("task type", id)
	}
	if patch.Name != nil {
		t.Name = *patch.Name
	}
	if patch.Template != nil {
		t.Template = *patch.Template
	}
	if patch.Variables != nil {
		t.Variables = *patch.Variables
	}
	if patch.DuplicateHandling != nil {
		t.DuplicateHandling = *patch.DuplicateHandling
	}
	if patch.MaxRetries != nil {
		t.MaxRetries = *patch.MaxRetries
	}
	if patch.LeaseDuration != nil {
		t.LeaseDurationMinutes = *patch.LeaseDuration
	}
	if err := s.writeTaskTypeFile(t); err != nil {
		return nil, apperrors.NewStorageError(err, "write task type file")
	}
	cp := *t
	return &cp, nil
}

func (s *Store) ListTaskTypes(ctx context.Context, projectID string) ([]*types.TaskType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.TaskType
	for _, t := range s.taskTypes {
		if t.ProjectID == projectID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteTaskType(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.taskTypes[id]
	if !ok {
		return apperrors.NewNotFoundError("task type", id)
	}
	delete(s.taskTypes, id)
	return os.Remove(s.projectDir(t.ProjectID) + "/types/" + id + ".json")
}

func (s *Store) CountTasksByType(ctx context.Context, typeID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, t := range s.tasks {
		if t.TypeID == typeID {
			count++
		}
	}
	return count, nil
}
