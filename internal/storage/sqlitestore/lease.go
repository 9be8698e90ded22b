package sqlitestore

import (
	"context"
	"database/sql"
	"time"

	"github.com/taskdriver/taskdriver/internal/apperrors"
	"github.com/taskdriver/taskdriver/internal/types"
)

// AssignTask is the linearizable heart of the engine. The store opens
// a single connection (SetMaxOpenConns(1) in New), so every write
// transaction is already serialized by database/sql's connection pool;
// the SELECT-then-UPDATE below can never race against a concurrent
// caller on this backend.
func (s *Store) AssignTask(ctx context.Context, projectID, workerName string) (*types.Task, error) {
	var result *types.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id FROM tasks
			WHERE project_id=? AND status=?
			ORDER BY created_at ASC, seq ASC LIMIT 1`, projectID, string(types.TaskQueued))
		var taskID string
		if err := row.Scan(&taskID); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return apperrors.NewStorageError(err, "select next queued task")
		}

		trow := tx.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id=?", taskID)
		t, err := scanTask(trow)
		if err != nil {
			return apperrors.NewStorageError(err, "load selected task")
		}

		leaseType, err := getTaskTypeTx(ctx, tx, t.TypeID)
		if err != nil {
			return err
		}
		leaseDuration := time.Duration(leaseType.LeaseDurationMinutes) * time.Minute

		now := time.Now().UTC()
		expires := now.Add(leaseDuration)
		attempt := types.Attempt{
			ID:             taskID + "-a" + itoa(len(t.Attempts)+1),
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

		if err := updateTaskFullTx(ctx, tx, t); err != nil {
			return err
		}
		result = t
		return nil
	})
	return result, err
}

func getTaskTypeTx(ctx context.Context, tx *sql.Tx, id string) (*types.TaskType, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+taskTypeColumns+" FROM task_types WHERE id=?", id)
	t, err := scanTaskType(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("task type", id)
	}
	if err != nil {
		return nil, apperrors.NewStorageError(err, "load task type for lease")
	}
	return t, nil
}

func updateTaskFullTx(ctx context.Context, tx *sql.Tx, t *types.Task) error {
	args := taskWriteArgsExplicit(t)
	_, err := tx.ExecContext(ctx, `
		UPDATE tasks SET project_id=?, type_id=?, description=?, status=?, instructions=?,
			variables=?, metadata=?, assigned_to=?, assigned_at=?, lease_expires_at=?,
			retry_count=?, max_retries=?, attempts=?, result=?, created_at=?, completed_at=?, failed_at=?
		WHERE id=?`,
		append(args[1:], t.ID)...)
	if err != nil {
		return apperrors.NewStorageError(err, "persist task state")
	}
	return nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (s *Store) CompleteTask(ctx context.Context, taskID string, result *types.TaskResult) (*types.Task, error) {
	var out *types.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id=?", taskID)
		t, err := scanTask(row)
		if err == sql.ErrNoRows {
			return apperrors.NewNotFoundError("task", taskID)
		}
		if err != nil {
			return apperrors.NewStorageError(err, "load task for complete")
		}
		if t.Status != types.TaskRunning {
			return apperrors.NewStateError("task %q is not running (status=%s)", taskID, t.Status)
		}

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

		if err := updateTaskFullTx(ctx, tx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (s *Store) FailTask(ctx context.Context, taskID string, result *types.TaskResult, canRetry bool) (*types.Task, error) {
	var out *types.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id=?", taskID)
		t, err := scanTask(row)
		if err == sql.ErrNoRows {
			return apperrors.NewNotFoundError("task", taskID)
		}
		if err != nil {
			return apperrors.NewStorageError(err, "load task for fail")
		}
		if t.Status != types.TaskRunning {
			return apperrors.NewStateError("task %q is not running (status=%s)", taskID, t.Status)
		}

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

		if err := updateTaskFullTx(ctx, tx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (s *Store) ExtendLease(ctx context.Context, taskID string, minutes int) (*types.Task, error) {
	var out *types.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id=?", taskID)
		t, err := scanTask(row)
		if err == sql.ErrNoRows {
			return apperrors.NewNotFoundError("task", taskID)
		}
		if err != nil {
			return apperrors.NewStorageError(err, "load task for extend")
		}
		if t.Status != types.TaskRunning || t.LeaseExpiresAt == nil {
			return apperrors.NewStateError("task %q is not running", taskID)
		}
		extended := t.LeaseExpiresAt.Add(time.Duration(minutes) * time.Minute)
		t.LeaseExpiresAt = &extended
		if cur := t.CurrentAttempt(); cur != nil {
			cur.LeaseExpiresAt = extended
		}
		if err := updateTaskFullTx(ctx, tx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (s *Store) RequeueTask(ctx context.Context, taskID string) (*types.Task, error) {
	var out *types.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id=?", taskID)
		t, err := scanTask(row)
		if err == sql.ErrNoRows {
			return apperrors.NewNotFoundError("task", taskID)
		}
		if err != nil {
			return apperrors.NewStorageError(err, "load task for requeue")
		}
		if t.Status != types.TaskRunning {
			return apperrors.NewStateError("task %q is not running", taskID)
		}
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

		if err := updateTaskFullTx(ctx, tx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (s *Store) FindExpiredLeases(ctx context.Context, before time.Time) ([]*types.Task, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE status=? AND lease_expires_at < ?",
		string(types.TaskRunning), before)
	if err != nil {
		return nil, apperrors.NewStorageError(err, "find expired leases")
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, apperrors.NewStorageError(err, "scan expired lease")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
