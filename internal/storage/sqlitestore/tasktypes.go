package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/taskdriver/taskdriver/internal/apperrors"
	"github.com/taskdriver/taskdriver/internal/storage"
	"github.com/taskdriver/taskdriver/internal/types"
)

const taskTypeColumns = `id, project_id, name, template, variables, duplicate_handling,
	max_retries, lease_duration_minutes, tags, created_at, updated_at`

func scanTaskType(row interface{ Scan(...interface{}) error }) (*types.TaskType, error) {
	t := &types.TaskType{}
	var duplicateHandling string
	var variablesJSON, tagsJSON string
	if err := row.Scan(&t.ID, &t.ProjectID, &t.Name, &t.Template, &variablesJSON, &duplicateHandling,
		&t.MaxRetries, &t.LeaseDurationMinutes, &tagsJSON, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.DuplicateHandling = types.DuplicateHandling(duplicateHandling)
	_ = json.Unmarshal([]byte(variablesJSON), &t.Variables)
	_ = json.Unmarshal([]byte(tagsJSON), &t.Tags)
	return t, nil
}

func (s *Store) CreateTaskType(ctx context.Context, t *types.TaskType) error {
	variablesJSON, _ := json.Marshal(t.Variables)
	tagsJSON, _ := json.Marshal(t.Tags)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_types (id, project_id, name, template, variables, duplicate_handling,
			max_retries, lease_duration_minutes, tags, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Name, t.Template, string(variablesJSON), string(t.DuplicateHandling),
		t.MaxRetries, t.LeaseDurationMinutes, string(tagsJSON), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isUniqueConstraint(err) {
			return apperrors.NewConflictError("task type name %q already exists in project", t.Name)
		}
		return apperrors.NewStorageError(err, "create task type")
	}
	return nil
}

func (s *Store) GetTaskType(ctx context.Context, id string) (*types.TaskType, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskTypeColumns+" FROM task_types WHERE id = ?", id)
	t, err := scanTaskType(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("task type", id)
	}
	if err != nil {
		return nil, apperrors.NewStorageError(err, "get task type")
	}
	return t, nil
}

func (s *Store) GetTaskTypeByName(ctx context.Context, projectID, name string) (*types.TaskType, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskTypeColumns+" FROM task_types WHERE project_id = ? AND name = ?", projectID, name)
	t, err := scanTaskType(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("task type", name)
	}
	if err != nil {
		return nil, apperrors.NewStorageError(err, "get task type by name")
	}
	return t, nil
}

func (s *Store) UpdateTaskType(ctx context.Context, id string, patch storage.TaskTypePatch) (*types.TaskType, error) {
	t, err := s.GetTaskType(ctx, id)
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

	variablesJSON, _ := json.Marshal(t.Variables)
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_types SET name=?, template=?, variables=?, duplicate_handling=?,
			max_retries=?, lease_duration_minutes=?, updated_at=CURRENT_TIMESTAMP
		WHERE id=?`,
		t.Name, t.Template, string(variablesJSON), string(t.DuplicateHandling),
		t.MaxRetries, t.LeaseDurationMinutes, id)
	if err != nil {
		return nil, apperrors.NewStorageError(err, "update task type")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperrors.NewNotFoundError("task type", id)
	}
	return s.GetTaskType(ctx, id)
}

func (s *Store) ListTaskTypes(ctx context.Context, projectID string) ([]*types.TaskType, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+taskTypeColumns+" FROM task_types WHERE project_id = ? ORDER BY created_at DESC", projectID)
	if err != nil {
		return nil, apperrors.NewStorageError(err, "list task types")
	}
	defer rows.Close()

	var out []*types.TaskType
	for rows.Next() {
		t, err := scanTaskType(rows)
		if err != nil {
			return nil, apperrors.NewStorageError(err, "scan task type")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) DeleteTaskType(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM task_types WHERE id = ?", id)
	if err != nil {
		return apperrors.NewStorageError(err, "delete task type")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFoundError("task type", id)
	}
	return nil
}

func (s *Store) CountTasksByType(ctx context.Context, typeID string) (int, error) {
	var count int
	row := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks WHERE type_id = ?", typeID)
	if err := row.Scan(&count); err != nil {
		return 0, apperrors.NewStorageError(err, "count tasks by type")
	}
	return count, nil
}
