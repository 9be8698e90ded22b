package filestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/taskdriver/taskdriver/internal/apperrors"
	"github.com/taskdriver/taskdriver/internal/storage"
	"github.com/taskdriver/taskdriver/internal/types"
)

// Store is a storage.Provider backed by one JSON file per entity under
// <dataDir>/<projectID>/{project.json, types/<id>.json, tasks/<id>.json}.
// An in-memory mirror (mutex-guarded, matching the teacher's
// sync.RWMutex-guarded JSONStore) serves reads; every write goes to
// disk synchronously.
type Store struct {
	mu       sync.RWMutex
	dataDir  string
	lockWait time.Duration

	projects  map[string]*types.Project
	taskTypes map[string]*types.TaskType
	tasks     map[string]*types.Task
}

// New creates a filestore rooted at dataDir.
func New(dataDir string) *Store {
	return &Store{
		dataDir:   dataDir,
		lockWait:  5 * time.Second,
		projects:  make(map[string]*types.Project),
		taskTypes: make(map[string]*types.TaskType),
		tasks:     make(map[string]*types.Task),
	}
}

func (s *Store) Init(ctx context.Context) error {
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return apperrors.NewStorageError(err, "create data directory")
	}
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return apperrors.NewStorageError(err, "read data directory")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		projDir := filepath.Join(s.dataDir, e.Name())
		if p, err := readJSON[types.Project](filepath.Join(projDir, "project.json")); err == nil {
			s.projects[p.ID] = p
		}
		if typesDir, err := os.ReadDir(filepath.Join(projDir, "types")); err == nil {
			for _, tf := range typesDir {
				if tt, err := readJSON[types.TaskType](filepath.Join(projDir, "types", tf.Name())); err == nil {
					s.taskTypes[tt.ID] = tt
				}
			}
		}
		if tasksDir, err := os.ReadDir(filepath.Join(projDir, "tasks")); err == nil {
			for _, tf := range tasksDir {
				if t, err := readJSON[types.Task](filepath.Join(projDir, "tasks", tf.Name())); err == nil {
					s.tasks[t.ID] = t
				}
			}
		}
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error { return nil }

func readJSON[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Store) projectDir(projectID string) string {
	return filepath.Join(s.dataDir, projectID)
}

func (s *Store) writeProjectFile(p *types.Project) error {
	dir := s.projectDir(p.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return atomicWriteJSON(filepath.Join(dir, "project.json"), data)
}

func (s *Store) writeTaskTypeFile(t *types.TaskType) error {
	dir := filepath.Join(s.projectDir(t.ProjectID), "types")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	return atomicWriteJSON(filepath.Join(dir, t.ID+".json"), data)
}

func (s *Store) writeTaskFile(t *types.Task) error {
	dir := filepath.Join(s.projectDir(t.ProjectID), "tasks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	return atomicWriteJSON(filepath.Join(dir, t.ID+".json"), data)
}

// --- Projects ---

func (s *Store) CreateProject(ctx context.Context, p *types.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.projects {
		if existing.Name == p.Name {
			return apperrors.NewConflictError("project name %q already exists", p.Name)
		}
	}
	if err := s.writeProjectFile(p); err != nil {
		return apperrors.NewStorageError(err, "write project file")
	}
	cp := *p
	s.projects[p.ID] = &cp
	return nil
}

func (s *Store) GetProject(ctx context.Context, id string) (*types.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("project", id)
	}
	cp := *p
	return &cp, nil
}

func (s *Store) GetProjectByName(ctx context.Context, name string) (*types.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.projects {
		if p.Name == name {
			cp := *p
			return &cp, nil
		}
	}
	return nil, apperrors.NewNotFoundError("project", name)
}

func (s *Store) UpdateProject(ctx context.Context, id string, patch storage.ProjectPatch) (*types.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("project", id)
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
	p.UpdatedAt = time.Now().UTC()
	if err := s.writeProjectFile(p); err != nil {
		return nil, apperrors.NewStorageError(err, "write project file")
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListProjects(ctx context.Context, includeClosed bool, limit, offset int) ([]*types.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Project
	for _, p := range s.projects {
		if !includeClosed && p.Status != types.ProjectActive {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, limit, offset), nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (s *Store) DeleteProject(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[id]; !ok {
		return apperrors.NewNotFoundError("project", id)
	}
	delete(s.projects, id)
	return os.RemoveAll(s.projectDir(id))
}

func (s *Store) ComputeProjectStats(ctx context.Context, projectID string) (types.ProjectStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats types.ProjectStats
	for _, t := range s.tasks {
		if t.ProjectID != projectID {
			continue
		}
		stats.TotalTasks++
		switch t.Status {
		case types.TaskCompleted:
			stats.CompletedTasks++
		case types.TaskFailed:
			stats.FailedTasks++
		case types.TaskQueued:
			stats.QueuedTasks++
		case types.TaskRunning:
			stats.RunningTasks++
		}
		if t.AssignedAt != nil && (stats.LastAssignedAt == nil || t.AssignedAt.After(*stats.LastAssignedAt)) {
			v := *t.AssignedAt
			stats.LastAssignedAt = &v
		}
	}
	return stats, nil
}

func (s *Store) HealthCheck(ctx context.Context) storage.HealthStatus {
	if _, err := os.Stat(s.dataDir); err != nil {
		return storage.HealthStatus{Healthy: false, Message: err.Error()}
	}
	return storage.HealthStatus{Healthy: true, Message: "ok"}
}

func (s *Store) GetMetrics(ctx context.Context) map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]float64{
		"projects": float64(len(s.projects)),
		"tasks":    float64(len(s.tasks)),
	}
}
