package natskvstore

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/taskdriver/taskdriver/internal/apperrors"
	"github.com/taskdriver/taskdriver/internal/types"
)

// AssignTask realizes FIFO assignment with optimistic CAS: it lists
// queued candidates, sorts by createdAt, and tries kv.Update on the
// oldest one. If another caller raced it (ErrorCodeWrongLastSequence /
// a stale revision), the queue is rescanned and the next candidate is
// tried, up to maxAssignRetries.
func (s *Store) AssignTask(ctx context.Context, projectID, workerName string) (*types.Task, error) {
	for attempt := 0; attempt < maxAssignRetries; attempt++ {
		tasks, err := s.listProjectTasks(projectID)
		if err != nil {
			return nil, err
		}
		var candidates []*types.Task
		for _, t := range tasks {
			if t.Status == types.TaskQueued {
				candidates = append(candidates, t)
			}
		}
		if len(candidates) == 0 {
			return nil, nil
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
				return candidates[i].ID < candidates[j].ID
			}
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		})
		t := candidates[0]
		key := taskKey(projectID, t.ID)

		entry, err := s.tasks.Get(key)
		if err != nil {
			continue // raced away by a delete/update; retry the scan
		}

		tt, _, err := s.getTaskTypeRaw(t.TypeID)
		if err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		expires := now.Add(time.Duration(tt.LeaseDurationMinutes) * time.Minute)
		t.Status = types.TaskRunning
		t.AssignedTo = workerName
		t.AssignedAt = &now
		t.LeaseExpiresAt = &expires
		t.Attempts = append(t.Attempts, types.Attempt{
			ID:             t.ID + "-a" + strconv.Itoa(len(t.Attempts)+1),
			AgentName:      workerName,
			StartedAt:      now,
			Status:         types.AttemptRunning,
			LeaseExpiresAt: expires,
		})

		data, err := marshalTask(t)
		if err != nil {
			return nil, apperrors.NewStorageError(err, "marshal assigned task")
		}
		if _, err := s.tasks.Update(key, data, entry.Revision()); err != nil {
			continue // lost the CAS race, try the next candidate on rescan
		}
		return t, nil
	}
	return nil, apperrors.NewLockError("exceeded retries racing for next queued task in project %q", projectID)
}

func marshalTask(t *types.Task) ([]byte, error) {
	return json.Marshal(t)
}

func (s *Store) casUpdateRunningTask(taskID string, fn func(t *types.Task) error) (*types.Task, error) {
	key, err := s.findTaskKey(taskID)
	if err != nil {
		return nil, err
	}
	for attempt := 0; attempt < maxAssignRetries; attempt++ {
		entry, err := s.tasks.Get(key)
		if err == nats.ErrKeyNotFound {
			return nil, apperrors.NewNotFoundError("task", taskID)
		}
		if err != nil {
			return nil, apperrors.NewStorageError(err, "get task")
		}
		t, _, err := s.getTaskRaw(key)
		if err != nil {
			return nil, err
		}
		if t.Status != types.TaskRunning {
			return nil, apperrors.NewStateError("task %q is not running (status=%s)", taskID, t.Status)
		}
		if err := fn(t); err != nil {
			return nil, err
		}
		data, err := marshalTask(t)
		if err != nil {
			return nil, apperrors.NewStorageError(err, "marshal task")
		}
		if _, err := s.tasks.Update(key, data, entry.Revision()); err != nil {
			continue
		}
		return t, nil
	}
	return nil, apperrors.NewLockError("exceeded retries updating task %q", taskID)
}

func (s *Store) CompleteTask(ctx context.Context, taskID string, result *types.TaskResult) (*types.Task, error) {
	return s.casUpdateRunningTask(taskID, func(t *types.Task) error {
		now := time.Now().UTC()
		if cur := t.CurrentAttempt(); cur != nil {
			cur.CompletedAt = &now
			cur.Status = types.AttemptCompleted
			cur.Result = result
		}
		t.Status = types.TaskCompleted
		t.Result = result
		t.CompletedAt = &now
		t.AssignedTo = ""
		t.AssignedAt = nil
		t.LeaseExpiresAt = nil
		return nil
	})
}

func (s *Store) FailTask(ctx context.Context, taskID string, result *types.TaskResult, canRetry bool) (*types.Task, error) {
	return s.casUpdateRunningTask(taskID, func(t *types.Task) error {
		now := time.Now().UTC()
		if cur := t.CurrentAttempt(); cur != nil {
			cur.CompletedAt = &now
			cur.Status = types.AttemptFailed
			cur.Result = result
		}
		t.AssignedTo = ""
		t.AssignedAt = nil
		t.LeaseExpiresAt = nil
		if canRetry && t.RetryCount < t.MaxRetries {
			t.RetryCount++
			t.Status = types.TaskQueued
		} else {
			t.RetryCount++
			t.Status = types.TaskFailed
			t.Result = result
			t.FailedAt = &now
		}
		return nil
	})
}

func (s *Store) ExtendLease(ctx context.Context, taskID string, minutes int) (*types.Task, error) {
	return s.casUpdateRunningTask(taskID, func(t *types.Task) error {
		if t.LeaseExpiresAt == nil {
			return apperrors.NewStateError("task %q has no active lease", taskID)
		}
		extended := t.LeaseExpiresAt.Add(time.Duration(minutes) * time.Minute)
		t.LeaseExpiresAt = &extended
		if cur := t.CurrentAttempt(); cur != nil {
			cur.LeaseExpiresAt = extended
		}
		return nil
	})
}

func (s *Store) RequeueTask(ctx context.Context, taskID string) (*types.Task, error) {
	return s.casUpdateRunningTask(taskID, func(t *types.Task) error {
		now := time.Now().UTC()
		if cur := t.CurrentAttempt(); cur != nil {
			cur.CompletedAt = &now
			cur.Status = types.AttemptFailed
		}
		t.Status = types.TaskQueued
		t.RetryCount++
		t.AssignedTo = ""
		t.AssignedAt = nil
		t.LeaseExpiresAt = nil
		return nil
	})
}

func (s *Store) FindExpiredLeases(ctx context.Context, before time.Time) ([]*types.Task, error) {
	keys, err := s.tasks.Keys()
	if err != nil {
		if err == nats.ErrNoKeysFound {
			return nil, nil
		}
		return nil, apperrors.NewStorageError(err, "list task keys")
	}
	var out []*types.Task
	for _, k := range keys {
		t, _, err := s.getTaskRaw(k)
		if err != nil {
			continue
		}
		if t.Status == types.TaskRunning && t.LeaseExpiresAt != nil && t.LeaseExpiresAt.Before(before) {
			out = append(out, t)
		}
	}
	return out, nil
}
