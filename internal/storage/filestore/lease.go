package filestore

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/taskdriver/taskdriver/internal/apperrors"
	"github.com/taskdriver/taskdriver/internal/types"
)

// withProjectLock acquires the per-project advisory lockfile (guarding
// against other processes) and the in-process mutex (guarding against
// other goroutines in this process), then runs fn. This is the
// filestore analogue of the spec's "file backend: per-project
// advisory lock file; assignTask acquires the project lock, reads the
// queue head, mutates the task file, releases."
func (s *Store) withProjectLock(projectID string, fn func() error) error {
	lock, err := acquireLock(s.projectDir(projectID), s.lockWait)
	if err != nil {
		return err
	}
	defer lock.release()
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

func (s *Store) AssignTask(ctx context.Context, projectID, workerName string) (*types.Task, error) {
	var result *types.Task
	err := s.withProjectLock(projectID, func() error {
		var candidates []*types.Task
		for _, t := range s.tasks {
			if t.ProjectID == projectID && t.Status == types.TaskQueued {
				candidates = append(candidates, t)
			}
		}
		if len(candidates) == 0 {
			return nil
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
				return candidates[i].ID < candidates[j].ID
			}
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		})
		t := candidates[0]

		tt, ok := s.taskTypes[t.TypeID]
		if !ok {
			return apperrors.NewNotFoundError("task type", t.TypeID)
		}
		now := time.Now().UTC()
		expires := now.Add(time.Duration(tt.LeaseDurationMinutes) * time.Minute)
		attempt := types.Attempt{
			ID:             t.ID + "-a" + strconv.Itoa(len(t.Attempts)+1),
			AgentName:      workerName,
			StartedAt:      now,
			Status:         types.AttemptRunning,
			LeaseExpiresAt: expires,
		}
		t.Status = types.TaskRunning
		t.AssignedTo = workerName
		t.AssignedAt = &now
		t.LeaseExpiresAt = &expires
		t.Attempts = append(t.Attempts, attempt)

		if err := s.writeTaskFile(t); err != nil {
			return apperrors.NewStorageError(err, "persist assigned task")
		}
		cp := *t
		result = &cp
		return nil
	})
	return result, err
}

func (s *Store) mutateRunningTask(taskID string, fn func(t *types.Task) error) (*types.Task, error) {
	s.mu.RLock()
	t, ok := s.tasks[taskID]
	projectID := ""
	if ok {
		projectID = t.ProjectID
	}
	s.mu.RUnlock()
	if !ok {
		return nil, apperrors.NewNotFoundError("task", taskID)
	}

	var result *types.Task
	err := s.withProjectLock(projectID, func() error {
		t, ok := s.tasks[taskID]
		if !ok {
			return apperrors.NewNotFoundError("task", taskID)
		}
		if t.Status != types.TaskRunning {
			return apperrors.NewStateError("task %q is not running (status=%s)", taskID, t.Status)
		}
		if err := fn(t); err != nil {
			return err
		}
		if err := s.writeTaskFile(t); err != nil {
			return apperrors.NewStorageError(err, "persist task")
		}
		cp := *t
		result = &cp
		return nil
	})
	return result, err
}

func (s *Store) CompleteTask(ctx context.Context, taskID string, result *types.TaskResult) (*types.Task, error) {
	return s.mutateRunningTask(taskID, func(t *types.Task) error {
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
	return s.mutateRunningTask(taskID, func(t *types.Task) error {
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
	return s.mutateRunningTask(taskID, func(t *types.Task) error {
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
	return s.mutateRunningTask(taskID, func(t *types.Task) error {
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
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Task
	for _, t := range s.tasks {
		if t.Status == types.TaskRunning && t.LeaseExpiresAt != nil && t.LeaseExpiresAt.Before(before) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}
