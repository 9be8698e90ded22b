package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/taskdriver/taskdriver/internal/apperrors"
	"github.com/taskdriver/taskdriver/internal/storage"
	"github.com/taskdriver/taskdriver/internal/types"
)

const taskColumns = `id, project_id, type_id, description, status, instructions,
	variables, metadata, assigned_to, assigned_at, lease_expires_at,
	retry_count, max_retries, attempts, result, created_at, completed_at, failed_at, seq`

func scanTask(row interface{ Scan(...interface{}) error }) (*types.Task, error) {
	t := &types.Task{}
	var status string
	var variablesJSON, metadataJSON, attemptsJSON string
	var resultJSON sql.NullString
	var assignedTo sql.NullString
	var assignedAt, leaseExpiresAt, completedAt, failedAt sql.NullTime
	var seq int

	if err := row.Scan(&t.ID, &t.ProjectID, &t.TypeID, &t.Description, &status, &t.Instructions,
		&variablesJSON, &metadataJSON, &assignedTo, &assignedAt, &leaseExpiresAt,
		&t.RetryCount, &t.MaxRetries, &attemptsJSON, &resultJSON, &t.CreatedAt, &completedAt, &failedAt, &seq); err != nil {
		return nil, err
	}
	t.Status = types.TaskStatus(status)
	_ = json.Unmarshal([]byte(variablesJSON), &t.Variables)
	_ = json.Unmarshal([]byte(metadataJSON), &t.Metadata)
	_ = json.Unmarshal([]byte(attemptsJSON), &t.Attempts)
	if resultJSON.Valid {
		var r types.TaskResult
		if err := json.Unmarshal([]byte(resultJSON.String), &r); err == nil {
			t.Result = &r
		}
	}
	if assignedTo.Valid {
		t.AssignedTo = assignedTo.String
	}
	if assignedAt.Valid {
		v := assignedAt.Time
		t.AssignedAt = &v
	}
	if leaseExpiresAt.Valid {
		v := leaseExpiresAt.Time
		t.LeaseExpiresAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	if failedAt.Valid {
		v := failedAt.Time
		t.FailedAt = &v
	}
	return t, nil
}

func (s *Store) CreateTask(ctx context.Context, t *types.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, type_id, description, status, instructions,
			variables, metadata, assigned_to, assigned_at, lease_expires_at,
			retry_count, max_retries, attempts, result, created_at, completed_at, failed_at, seq)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,
			COALESCE((SELECT MAX(seq)+1 FROM tasks WHERE project_id=?), 1))`,
		taskArgsForInsert(t)...)
	if err != nil {
		if isUniqueConstraint(err) {
			return apperrors.NewConflictError("task %q already exists in project %q", t.ID, t.ProjectID)
		}
		return apperrors.NewStorageError(err, "create task")
	}
	return nil
}

func taskArgsForInsert(t *types.Task) []interface{} {
	args := taskWriteArgsExplicit(t)
	return append(args, t.ProjectID)
}

func taskWriteArgsExplicit(t *types.Task) []interface{} {
	variablesJSON, _ := json.Marshal(t.Variables)
	metadataJSON, _ := json.Marshal(t.Metadata)
	attemptsJSON, _ := json.Marshal(t.Attempts)
	var resultJSON sql.NullString
	if t.Result != nil {
		b, _ := json.Marshal(t.Result)
		resultJSON = sql.NullString{String: string(b), Valid: true}
	}
	var assignedAt, leaseExpiresAt, completedAt, failedAt sql.NullTime
	if t.AssignedAt != nil {
		assignedAt = sql.NullTime{Time: *t.AssignedAt, Valid: true}
	}
	if t.LeaseExpiresAt != nil {
		leaseExpiresAt = sql.NullTime{Time: *t.LeaseExpiresAt, Valid: true}
	}
	if t.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *t.CompletedAt, Valid: true}
	}
	if t.FailedAt != nil {
		failedAt = sql.NullTime{Time: *t.FailedAt, Valid: true}
	}
	return []interface{}{
		t.ID, t.ProjectID, t.TypeID, t.Description, string(t.Status), t.Instructions,
		string(variablesJSON), string(metadataJSON), nullString(t.AssignedTo),
		assignedAt, leaseExpiresAt,
		t.RetryCount, t.MaxRetries, string(attemptsJSON), resultJSON,
		t.CreatedAt, completedAt, failedAt,
	}
}

func isUniqueConstraint(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint")
}

func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("task", id)
	}
	if err != nil {
		return nil, apperrors.NewStorageError(err, "get task")
	}
	return t, nil
}

func (s *Store) UpdateTask(ctx context.Context, id string, patch storage.TaskPatch) (*types.Task, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Instructions != nil {
		t.Instructions = *patch.Instructions
	}
	res, err := s.db.ExecContext(ctx, "UPDATE tasks SET description=?, instructions=? WHERE id=?",
		t.Description, t.Instructions, id)
	if err != nil {
		return nil, apperrors.NewStorageError(err, "update task")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperrors.NewNotFoundError("task", id)
	}
	return s.GetTask(ctx, id)
}

func (s *Store) ListTasks(ctx context.Context, projectID string, filter types.TaskFilter) ([]*types.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE project_id = ?"
	args := []interface{}{projectID}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.TypeID != "" {
		query += " AND type_id = ?"
		args = append(args, filter.TypeID)
	}
	if filter.AssignedTo != "" {
		query += " AND assigned_to = ?"
		args = append(args, filter.AssignedTo)
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewStorageError(err, "list tasks")
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, apperrors.NewStorageError(err, "scan task")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == types.TaskRunning {
		return apperrors.NewStateError("cannot delete running task %q", id)
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return apperrors.NewStorageError(err, "delete task")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFoundError("task", id)
	}
	return nil
}

func (s *Store) NextTaskSeq(ctx context.Context, projectID string) (int, error) {
	var seq sql.NullInt64
	row := s.db.QueryRowContext(ctx, "SELECT MAX(seq) FROM tasks WHERE project_id = ?", projectID)
	if err := row.Scan(&seq); err != nil {
		return 0, apperrors.NewStorageError(err, "next task seq")
	}
	if !seq.Valid {
		return 1, nil
	}
	return int(seq.Int64) + 1, nil
}

func (s *Store) FindDuplicateTask(ctx context.Context, projectID, typeID string, variables map[string]string) (*types.Task, error) {
	variablesJSON, _ := json.Marshal(variables)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE project_id=? AND type_id=? AND status != ?`,
		projectID, typeID, string(types.TaskFailed))
	if err != nil {
		return nil, apperrors.NewStorageError(err, "find duplicate task")
	}
	defer rows.Close()
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, apperrors.NewStorageError(err, "scan duplicate candidate")
		}
		candidateJSON, _ := json.Marshal(t.Variables)
		if string(candidateJSON) == string(variablesJSON) {
			return t, nil
		}
	}
	return nil, rows.Err()
}

func (s *Store) GetTaskHistory(ctx context.Context, taskID string) ([]types.Attempt, error) {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return t.Attempts, nil
}

func (s *Store) FindRunningTaskByWorker(ctx context.Context, projectID, workerName string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE project_id=? AND status=? AND assigned_to=? LIMIT 1",
		projectID, string(types.TaskRunning), workerName)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStorageError(err, "find running task by worker")
	}
	return t, nil
}

func (s *Store) ListActiveAgents(ctx context.Context, projectID string) ([]types.AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE project_id=? AND status=?",
		projectID, string(types.TaskRunning))
	if err != nil {
		return nil, apperrors.NewStorageError(err, "list active agents")
	}
	defer rows.Close()

	var out []types.AgentRecord
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, apperrors.NewStorageError(err, "scan active agent task")
		}
		rec := types.AgentRecord{
			Name:          t.AssignedTo,
			CurrentTaskID: t.ID,
			Status:        "working",
		}
		if t.AssignedAt != nil {
			rec.AssignedAt = *t.AssignedAt
		}
		if t.LeaseExpiresAt != nil {
			rec.LeaseExpiresAt = *t.LeaseExpiresAt
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
