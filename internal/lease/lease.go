// Package lease implements the Lease / Assignment Engine (C6): the
// atomic getNextTask/completeTask/failTask/extendTaskLease lifecycle
// that every worker shell (CLI, HTTP, MCP) drives through.
package lease

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/taskdriver/taskdriver/internal/apperrors"
	"github.com/taskdriver/taskdriver/internal/storage"
	"github.com/taskdriver/taskdriver/internal/types"
)

// Engine is the Lease/Assignment Engine, operating only against
// storage.Provider's atomic primitives.
type Engine struct {
	store storage.Provider
}

func New(store storage.Provider) *Engine {
	return &Engine{store: store}
}

// NewWorkerName generates a collision-resistant worker identity when
// the caller doesn't supply one, via the teacher's uuid dependency
// rather than hand-rolled randomness.
func NewWorkerName(prefix string) string {
	if prefix == "" {
		prefix = "worker"
	}
	return prefix + "-" + uuid.NewString()[:8]
}

// GetNextTask assigns the oldest queued task in projectID to workerName.
// If workerName already holds a running task (a reconnecting worker),
// that task is returned instead of assigning a new one, per spec.md's
// reconnection-path contract.
func (e *Engine) GetNextTask(ctx context.Context, projectID, workerName string) (*types.Task, error) {
	if workerName == "" {
		return nil, apperrors.NewValidationError("workerName", "worker name is required")
	}
	if existing, err := e.store.FindRunningTaskByWorker(ctx, projectID, workerName); err != nil {
		return nil, err
	} else if existing != nil {
		log.Printf("[LEASE] worker %s reconnected to running task %s", workerName, existing.ID)
		return existing, nil
	}

	task, err := e.store.AssignTask(ctx, projectID, workerName)
	if err != nil {
		return nil, err
	}
	if task != nil {
		log.Printf("[LEASE] assigned task %s to worker %s (lease expires %s)", task.ID, workerName, task.LeaseExpiresAt)
	}
	return task, nil
}

// PeekNextTask reports the task getNextTask would assign next, without
// assigning it. Built on ListTasks rather than AssignTask so it never
// mutates state.
func (e *Engine) PeekNextTask(ctx context.Context, projectID string) (*types.Task, error) {
	// ListTasks is newest-first, so page through every queued task and
	// keep the oldest (ties broken by id, as AssignTask does).
	const pageSize = 100
	var oldest *types.Task
	for offset := 0; ; offset += pageSize {
		page, err := e.store.ListTasks(ctx, projectID, types.TaskFilter{Status: types.TaskQueued, Limit: pageSize, Offset: offset})
		if err != nil {
			return nil, err
		}
		for _, t := range page {
			if oldest == nil || t.CreatedAt.Before(oldest.CreatedAt) || (t.CreatedAt.Equal(oldest.CreatedAt) && t.ID < oldest.ID) {
				oldest = t
			}
		}
		if len(page) < pageSize {
			return oldest, nil
		}
	}
}

func (e *Engine) requireOwnership(task *types.Task, workerName string) error {
	if task.AssignedTo != workerName {
		return apperrors.NewAuthorizationError("worker %q does not hold the lease for task %q", workerName, task.ID)
	}
	return nil
}

// CompleteTask marks the task completed, verifying workerName still
// holds its lease.
func (e *Engine) CompleteTask(ctx context.Context, taskID, workerName string, result *types.TaskResult) (*types.Task, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := e.requireOwnership(task, workerName); err != nil {
		return nil, err
	}
	completed, err := e.store.CompleteTask(ctx, taskID, result)
	if err != nil {
		return nil, err
	}
	log.Printf("[LEASE] task %s completed by %s", taskID, workerName)
	return completed, nil
}

// FailTask marks the task failed for this attempt, requeuing it if
// retries remain (canRetry is the caller's hint; the final decision is
// N=maxRetries+1 fails to terminal failure, enforced by the backend).
func (e *Engine) FailTask(ctx context.Context, taskID, workerName string, result *types.TaskResult, canRetry bool) (*types.Task, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := e.requireOwnership(task, workerName); err != nil {
		return nil, err
	}
	failed, err := e.store.FailTask(ctx, taskID, result, canRetry)
	if err != nil {
		return nil, err
	}
	log.Printf("[LEASE] task %s failed by %s (status now %s)", taskID, workerName, failed.Status)
	return failed, nil
}

// ExtendTaskLease pushes the lease expiry forward by minutes, verifying
// ownership first.
func (e *Engine) ExtendTaskLease(ctx context.Context, taskID, workerName string, minutes int) (*types.Task, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := e.requireOwnership(task, workerName); err != nil {
		return nil, err
	}
	if minutes < 1 {
		return nil, apperrors.NewValidationError("minutes", "must be >= 1")
	}
	extended, err := e.store.ExtendLease(ctx, taskID, minutes)
	if err != nil {
		return nil, err
	}
	log.Printf("[LEASE] task %s lease extended by %s to %s", taskID, workerName, extended.LeaseExpiresAt)
	return extended, nil
}

// CleanupExpiredLeases requeues every task whose lease has expired as
// of now, returning how many were reclaimed. Used directly by the
// reaper and by the cleanup_expired_leases command.
func (e *Engine) CleanupExpiredLeases(ctx context.Context, projectID string) (types.ReapResult, error) {
	expired, err := e.store.FindExpiredLeases(ctx, time.Now().UTC())
	if err != nil {
		return types.ReapResult{}, err
	}
	var result types.ReapResult
	cleanedAgents := make(map[string]struct{})
	for _, task := range expired {
		if task.ProjectID != projectID {
			continue
		}
		worker := task.AssignedTo
		if _, err := e.store.RequeueTask(ctx, task.ID); err != nil {
			log.Printf("[LEASE] failed to requeue expired task %s: %v", task.ID, err)
			continue
		}
		result.ReclaimedTasks++
		cleanedAgents[worker] = struct{}{}
		log.Printf("[LEASE] reclaimed expired lease on task %s (was held by %s)", task.ID, worker)
	}
	result.CleanedAgents = len(cleanedAgents)
	return result, nil
}
