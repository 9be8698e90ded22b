package sqlitestore

import (
	"context"
	"database/sql"

	"github.com/taskdriver/taskdriver/internal/apperrors"
	"github.com/taskdriver/taskdriver/internal/storage"
	"github.com/taskdriver/taskdriver/internal/types"
)

func (s *Store) CreateProject(ctx context.Context, p *types.Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, instructions, status,
			default_max_retries, default_lease_duration_minutes, reaper_interval_minutes,
			created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.Description, p.Instructions, string(p.Status),
		p.Config.DefaultMaxRetries, p.Config.DefaultLeaseDurationMinutes, p.Config.ReaperIntervalMinutes,
		p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueConstraint(err) {
			return apperrors.NewConflictError("project name %q already exists", p.Name)
		}
		return apperrors.NewStorageError(err, "create project")
	}
	return nil
}

func scanProject(row interface{ Scan(...interface{}) error }) (*types.Project, error) {
	p := &types.Project{}
	var status string
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Instructions, &status,
		&p.Config.DefaultMaxRetries, &p.Config.DefaultLeaseDurationMinutes, &p.Config.ReaperIntervalMinutes,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = types.ProjectStatus(status)
	return p, nil
}

const projectColumns = `id, name, description, instructions, status,
	default_max_retries, default_lease_duration_minutes, reaper_interval_minutes,
	created_at, updated_at`

func (s *Store) GetProject(ctx context.Context, id string) (*types.Project, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+projectColumns+" FROM projects WHERE id = ?", id)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("project", id)
	}
	if err != nil {
		return nil, apperrors.NewStorageError(err, "get project")
	}
	return p, nil
}

func (s *Store) GetProjectByName(ctx context.Context, name string) (*types.Project, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+projectColumns+" FROM projects WHERE name = ?", name)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("project", name)
	}
	if err != nil {
		return nil, apperrors.NewStorageError(err, "get project by name")
	}
	return p, nil
}

func (s *Store) UpdateProject(ctx context.Context, id string, patch storage.ProjectPatch) (*types.Project, error) {
	p, err := s.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		p.Name = *patch.Name
	}
	if patch.Description != nil {
		p.Description = *patch.Description
	}
	if patch.Instructions != nil {
		p.Instructions = *patch.Instructions
	}
	if patch.Status != nil {
		p.Status = *patch.Status
	}
	if patch.MaxRetries != nil {
		p.Config.DefaultMaxRetries = *patch.MaxRetries
	}
	if patch.LeaseDuration != nil {
		p.Config.DefaultLeaseDurationMinutes = *patch.LeaseDuration
	}
	if patch.ReaperInterval != nil {
		p.Config.ReaperIntervalMinutes = *patch.ReaperInterval
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET name=?, description=?, instructions=?, status=?,
			default_max_retries=?, default_lease_duration_minutes=?, reaper_interval_minutes=?,
			updated_at=CURRENT_TIMESTAMP
		WHERE id=?`,
		p.Name, p.Description, p.Instructions, string(p.Status),
		p.Config.DefaultMaxRetries, p.Config.DefaultLeaseDurationMinutes, p.Config.ReaperIntervalMinutes,
		id)
	if err != nil {
		return nil, apperrors.NewStorageError(err, "update project")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperrors.NewNotFoundError("project", id)
	}
	return s.GetProject(ctx, id)
}

func (s *Store) ListProjects(ctx context.Context, includeClosed bool, limit, offset int) ([]*types.Project, error) {
	query := "SELECT " + projectColumns + " FROM projects"
	var args []interface{}
	if !includeClosed {
		query += " WHERE status = ?"
		args = append(args, string(types.ProjectActive))
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewStorageError(err, "list projects")
	}
	defer rows.Close()

	var out []*types.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, apperrors.NewStorageError(err, "scan project")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return apperrors.NewStorageError(err, "delete project")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFoundError("project", id)
	}
	return nil
}

func (s *Store) ComputeProjectStats(ctx context.Context, projectID string) (types.ProjectStats, error) {
	var stats types.ProjectStats
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks WHERE project_id=? GROUP BY status", projectID)
	if err != nil {
		return stats, apperrors.NewStorageError(err, "compute project stats")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, apperrors.NewStorageError(err, "scan project stats")
		}
		stats.TotalTasks += count
		switch types.TaskStatus(status) {
		case types.TaskCompleted:
			stats.CompletedTasks = count
		case types.TaskFailed:
			stats.FailedTasks = count
		case types.TaskQueued:
			stats.QueuedTasks = count
		case types.TaskRunning:
			stats.RunningTasks = count
		}
	}
	if err := rows.Err(); err != nil {
		return stats, apperrors.NewStorageError(err, "iterate project stats")
	}

	row := s.db.QueryRowContext(ctx, "SELECT MAX(assigned_at) FROM tasks WHERE project_id=? AND assigned_at IS NOT NULL", projectID)
	var lastAssigned sql.NullTime
	if err := row.Scan(&lastAssigned); err == nil && lastAssigned.Valid {
		t := lastAssigned.Time
		stats.LastAssignedAt = &t
	}
	return stats, nil
}

func (s *Store) HealthCheck(ctx context.Context) storage.HealthStatus {
	if err := s.db.PingContext(ctx); err != nil {
		return storage.HealthStatus{Healthy: false, Message: err.Error()}
	}
	return storage.HealthStatus{Healthy: true, Message: "ok"}
}

func (s *Store) GetMetrics(ctx context.Context) map[string]float64 {
	metrics := map[string]float64{}
	row := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM projects")
	var projects int
	if err := row.Scan(&projects); err == nil {
		metrics["projects"] = float64(projects)
	}
	row = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks")
	var tasks int
	if err := row.Scan(&tasks); err == nil {
		metrics["tasks"] = float64(tasks)
	}
	return metrics
}
