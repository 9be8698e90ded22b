package natskvstore

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"

	"github.com/taskdriver/taskdriver/internal/apperrors"
	"github.com/taskdriver/taskdriver/internal/storage"
	"github.com/taskdriver/taskdriver/internal/types"
)

func (s *Store) getTaskRaw(key string) (*types.Task, uint64, error) {
	entry, err := s.tasks.Get(key)
	if err == nats.ErrKeyNotFound {
		return nil, 0, apperrors.NewNotFoundError("task", key)
	}
	if err != nil {
		return nil, 0, apperrors.NewStorageError(err, "get task")
	}
	var t types.Task
	if err := json.Unmarshal(entry.Value(), &t); err != nil {
		return nil, 0, apperrors.NewStorageError(err, "decode task")
	}
	return &t, entry.Revision(), nil
}

func (s *Store) findTaskKey(taskID string) (string, error) {
	keys, err := s.tasks.Keys()
	if err != nil {
		if err == nats.ErrNoKeysFound {
			return "", apperrors.NewNotFoundError("task", taskID)
		}
		return "", apperrors.NewStorageError(err, "list task keys")
	}
	for _, k := range keys {
		t, _, err := s.getTaskRaw(k)
		if err == nil && t.ID == taskID {
			return k, nil
		}
	}
	return "", apperrors.NewNotFoundError("task", taskID)
}

func (s *Store) CreateTask(ctx context.Context, t *types.Task) error {
	key := taskKey(t.ProjectID, t.ID)
	if _, _, err := s.getTaskRaw(key); err == nil {
		return apperrors.NewConflictError("task %q already exists", t.ID)
	}
	if err := s.putJSON(s.tasks, key, t); err != nil {
		return apperrors.NewStorageError(err, "put task")
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	key, err := s.findTaskKey(id)
	if err != nil {
		return nil, err
	}
	t, _, err := s.getTaskRaw(key)
	return t, err
}

func (s *Store) UpdateTask(ctx context.Context, id string, patch storage.TaskPatch) (*types.Task, error) {
	key, err := s.findTaskKey(id)
	if err != nil {
		return nil, err
	}
	t, _, err := s.getTaskRaw(key)
	if err != nil {
		return nil, err
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Instructions != nil {
		t.Instructions = *patch.Instructions
	}
	if err := s.putJSON(s.tasks, key, t); err != nil {
		return nil, apperrors.NewStorageError(err, "put task")
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, projectID string, filter types.TaskFilter) ([]*types.Task, error) {
	all, err := s.listProjectTasks(projectID)
	if err != nil {
		return nil, err
	}
	var out []*types.Task
	for _, t := range all {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.TypeID != "" && t.TypeID != filter.TypeID {
			continue
		}
		if filter.AssignedTo != "" && t.AssignedTo != filter.AssignedTo {
			continue
		}
		out = append(out, t)
	}
	sortTasksNewestFirst(out)
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func sortTasksNewestFirst(tasks []*types.Task) {
	for i := 1; i < len(tasks); i++ {
		for j := i; j > 0 && tasks[j].CreatedAt.After(tasks[j-1].CreatedAt); j-- {
			tasks[j], tasks[j-1] = tasks[j-1], tasks[j]
		}
	}
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	key, err := s.findTaskKey(id)
	if err != nil {
		return err
	}
	t, _, err := s.getTaskRaw(key)
	if err != nil {
		return err
	}
	if t.Status == types.TaskRunning {
		return apperrors.NewStateError("cannot delete running task %q", id)
	}
	if err := s.tasks.Delete(key); err != nil {
		return apperrors.NewStorageError(err, "delete task")
	}
	return nil
}

func (s *Store) NextTaskSeq(ctx context.Context, projectID string) (int, error) {
	tasks, err := s.listProjectTasks(projectID)
	if err != nil {
		return 0, err
	}
	return len(tasks) + 1, nil
}

func (s *Store) FindDuplicateTask(ctx context.Context, projectID, typeID string, variables map[string]string) (*types.Task, error) {
	tasks, err := s.listProjectTasks(projectID)
	if err != nil {
		return nil, err
	}
	target, _ := json.Marshal(variables)
	for _, t := range tasks {
		if t.TypeID != typeID || t.Status == types.TaskFailed {
			continue
		}
		cand, _ := json.Marshal(t.Variables)
		if string(cand) == string(target) {
			return t, nil
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
	tasks, err := s.listProjectTasks(projectID)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Status == types.TaskRunning && t.AssignedTo == workerName {
			return t, nil
		}
	}
	return nil, nil
}

func (s *Store) ListActiveAgents(ctx context.Context, projectID string) ([]types.AgentRecord, error) {
	tasks, err := s.listProjectTasks(projectID)
	if err != nil {
		return nil, err
	}
	var out []types.AgentRecord
	for _, t := range tasks {
		if t.Status != types.TaskRunning {
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
