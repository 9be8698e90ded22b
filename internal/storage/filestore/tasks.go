package filestore

import (
	"context"
	"encoding/json"
	"os"
	"sort"

	"github.com/taskdriver/taskdriver/internal/apperrors"
	"github.com/taskdriver/taskdriver/internal/storage"
	"github.com/taskdriver/taskdriver/internal/types"
)

func (s *Store) CreateTask(ctx context.Context, t *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return apperrors.NewConflictError("task %q already exists", t.ID)
	}
	if err := s.writeTaskFile(t); err != nil {
		return apperrors.NewStorageError(err, "write task file")
	}
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("task", id)
	}
	cp := *t
	return &cp, nil
}

func (s *Store) UpdateTask(ctx context.Context, id string, patch storage.TaskPatch) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("task", id)
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Instructions != nil {
		t.Instructions = *patch.Instructions
	}
	if err := s.writeTaskFile(t); err != nil {
		return nil, apperrors.NewStorageError(err, "write task file")
	}
	cp := *t
	return &cp, nil
}

func (s *Store) ListTasks(ctx context.Context, projectID string, filter types.TaskFilter) ([]*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Task
	for _, t := range s.tasks {
		if t.ProjectID != projectID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.TypeID != "" && t.TypeID != filter.TypeID {
			continue
		}
		if filter.AssignedTo != "" && t.AssignedTo != filter.AssignedTo {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	return paginate(out, limit, filter.Offset), nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return apperrors.NewNotFoundError("task", id)
	}
	if t.Status == types.TaskRunning {
		return apperrors.NewStateError("cannot delete running task %q", id)
	}
	delete(s.tasks, id)
	return os.Remove(s.projectDir(t.ProjectID) + "/tasks/" + id + ".json")
}

func (s *Store) NextTaskSeq(ctx context.Context, projectID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := 0
	for _, t := range s.tasks {
		if t.ProjectID == projectID {
			max++
		}
	}
	return max + 1, nil
}

func (s *Store) FindDuplicateTask(ctx context.Context, projectID, typeID string, variables map[string]string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	target, _ := json.Marshal(variables)
	for _, t := range s.tasks {
		if t.ProjectID != projectID || t.TypeID != typeID || t.Status == types.TaskFailed {
			continue
		}
		cand, _ := json.Marshal(t.Variables)
		if string(cand) == string(target) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) GetTaskHistory(ctx context.Context, taskID string) ([]types.Attempt, error) {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return t.Attempts, nil
}

func (s *Store) FindRunningTaskByWorker(ctx context.Context, projectID, workerName string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tasks {
		if t.ProjectID == projectID && t.Status == types.TaskRunning && t.AssignedTo == workerName {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) ListActiveAgents(ctx context.Context, projectID string) ([]types.AgentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.AgentRecord
	for _, t := range s.tasks {
		if t.ProjectID != projectID || t.Status != types.TaskRunning {
			continue
		}
		rec := types.AgentRecord{Name: t.AssignedTo, CurrentTaskID: t.ID, Status: "working"}
		if t.AssignedAt != nil {
			rec.AssignedAt = *t.AssignedAt
		}
		if t.LeaseExpiresAt != nil {
			rec.LeaseExpiresAt = *t.LeaseExpiresAt
		}
		out = append(out, rec)
	}
	return out, nil
}
