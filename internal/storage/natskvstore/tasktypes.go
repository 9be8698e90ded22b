package natskvstore

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/nats-io/nats.go"

	"github.com/taskdriver/taskdriver/internal/apperrors"
	"github.com/taskdriver/taskdriver/internal/storage"
	"github.com/taskdriver/taskdriver/internal/types"
)

func (s *Store) getTaskTypeRaw(id string) (*types.TaskType, uint64, error) {
	entry, err := s.taskTypes.Get(id)
	if err == nats.ErrKeyNotFound {
		return nil, 0, apperrors.NewNotFoundError("task type", id)
	}
	if err != nil {
		return nil, 0, apperrors.NewStorageError(err, "get task type")
	}
	var t types.TaskType
	if err := json.Unmarshal(entry.Value(), &t); err != nil {
		return nil, 0, apperrors.NewStorageError(err, "decode task type")
	}
	return &t, entry.Revision(), nil
}

func (s *Store) CreateTaskType(ctx context.Context, t *types.TaskType) error {
	keys, _ := s.taskTypes.Keys()
	for _, k := range keys {
		existing, _, err := s.getTaskTypeRaw(k)
		if err == nil && existing.ProjectID == t.ProjectID && existing.Name == t.Name {
			return apperrors.NewConflictError("task type name %q already exists in project", t.Name)
		}
	}
	if err := s.putJSON(s.taskTypes, t.ID, t); err != nil {
		return apperrors.NewStorageError(err, "put task type")
	}
	return nil
}

func (s *Store) GetTaskType(ctx context.Context, id string) (*types.TaskType, error) {
	t, _, err := s.getTaskTypeRaw(id)
	return t, err
}

func (s *Store) GetTaskTypeByName(ctx context.Context, projectID, name string) (*types.TaskType, error) {
	keys, err := s.taskTypes.Keys()
	if err != nil && err != nats.ErrNoKeysFound {
		return nil, apperrors.NewStorageError(err, "list task type keys")
	}
	for _, k := range keys {
		t, _, err := s.getTaskTypeRaw(k)
		if err == nil && t.ProjectID == projectID && t.Name == name {
			return t, nil
		}
	}
	return nil, apperrors.NewNotFoundError("task type", name)
}

func (s *Store) UpdateTaskType(ctx context.Context, id string, patch storage.TaskTypePatch) (*types.TaskType, error) {
	t, _, err := s.getTaskTypeRaw(id)
	if err != nil {
		return nil, err
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
	if err := s.putJSON(s.taskTypes, id, t); err != nil {
		return nil, apperrors.NewStorageError(err, "put task type")
	}
	return t, nil
}

func (s *Store) ListTaskTypes(ctx context.Context, projectID string) ([]*types.TaskType, error) {
	keys, err := s.taskTypes.Keys()
	if err != nil {
		if err == nats.ErrNoKeysFound {
			return nil, nil
		}
		return nil, apperrors.NewStorageError(err, "list task type keys")
	}
	var out []*types.TaskType
	for _, k := range keys {
		t, _, err := s.getTaskTypeRaw(k)
		if err == nil && t.ProjectID == projectID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteTaskType(ctx context.Context, id string) error {
	if err := s.taskTypes.Delete(id); err != nil {
		return apperrors.NewStorageError(err, "delete task type")
	}
	return nil
}

func (s *Store) CountTasksByType(ctx context.Context, typeID string) (int, error) {
	keys, err := s.tasks.Keys()
	if err != nil {
		if err == nats.ErrNoKeysFound {
			return 0, nil
		}
		return 0, apperrors.NewStorageError(err, "list task keys")
	}
	count := 0
	for _, k := range keys {
		entry, err := s.tasks.Get(k)
		if err != nil {
			continue
		}
		var t types.Task
		if err := json.Unmarshal(entry.Value(), &t); err == nil && t.TypeID == typeID {
			count++
		}
	}
	return count, nil
}
