// Package natskvstore implements storage.Provider against a NATS
// JetStream KeyValue bucket, grounded on the teacher's
// internal/nats/streams.go (same nc.JetStream() entrypoint, same
// create-or-update-with-ErrNotFound-check idiom, same bracketed
// [NATS-STREAMS]-style logging carried forward here as [NATS-KV]).
// AssignTask realizes the spec's "k/v backend: a server-side atomic
// script dequeues an id" contract via JetStream KV's revision-based
// optimistic CAS (kv.Update(key, value, revision)): the caller reads
// the current queue candidates, picks the FIFO head, and tries to
// write the running state back only if nobody else has touched that
// key since the read. A losing caller observes ErrorCodeWrongLastSequence
// and retries against the now-updated queue.
package natskvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/taskdriver/taskdriver/internal/apperrors"
	"github.com/taskdriver/taskdriver/internal/storage"
	"github.com/taskdriver/taskdriver/internal/types"
)

const (
	bucketProjects  = "TASKDRIVER_PROJECTS"
	bucketTaskTypes = "TASKDRIVER_TASKTYPES"
	bucketTasks     = "TASKDRIVER_TASKS"
)

const maxAssignRetries = 8

// Store implements storage.Provider on JetStream KeyValue buckets.
type Store struct {
	nc *nats.Conn
	js nats.JetStreamContext

	projects  nats.KeyValue
	taskTypes nats.KeyValue
	tasks     nats.KeyValue
}

// New connects to the given NATS URL and prepares a Store. Init must
// be called before use to create or attach the KV buckets.
func New(natsURL string) (*Store, error) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	return &Store{nc: nc, js: js}, nil
}

func (s *Store) createOrAttachBucket(name string) (nats.KeyValue, error) {
	kv, err := s.js.KeyValue(name)
	if err == nil {
		log.Printf("[NATS-KV] bucket %s already exists, attaching", name)
		return kv, nil
	}
	if err != nats.ErrBucketNotFound {
		return nil, fmt.Errorf("look up bucket %s: %w", name, err)
	}
	log.Printf("[NATS-KV] creating bucket %s", name)
	return s.js.CreateKeyValue(&nats.KeyValueConfig{Bucket: name})
}

func (s *Store) Init(ctx context.Context) error {
	var err error
	if s.projects, err = s.createOrAttachBucket(bucketProjects); err != nil {
		return err
	}
	if s.taskTypes, err = s.createOrAttachBucket(bucketTaskTypes); err != nil {
		return err
	}
	if s.tasks, err = s.createOrAttachBucket(bucketTasks); err != nil {
		return err
	}
	log.Println("[NATS-KV] all buckets ready")
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	s.nc.Close()
	return nil
}

func taskKey(projectID, taskID string) string {
	return sanitizeKey(projectID) + "." + sanitizeKey(taskID)
}

func sanitizeKey(s string) string {
	return strings.NewReplacer(".", "_", " ", "_").Replace(s)
}

func (s *Store) putJSON(kv nats.KeyValue, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = kv.Put(key, data)
	return err
}

func (s *Store) getProjectRaw(id string) (*types.Project, uint64, error) {
	entry, err := s.projects.Get(id)
	if err == nats.ErrKeyNotFound {
		return nil, 0, apperrors.NewNotFoundError("project", id)
	}
	if err != nil {
		return nil, 0, apperrors.NewStorageError(err, "get project")
	}
	var p types.Project
	if err := json.Unmarshal(entry.Value(), &p); err != nil {
		return nil, 0, apperrors.NewStorageError(err, "decode project")
	}
	return &p, entry.Revision(), nil
}

func (s *Store) CreateProject(ctx context.Context, p *types.Project) error {
	keys, _ := s.projects.Keys()
	for _, k := range keys {
		existing, _, err := s.getProjectRaw(k)
		if err == nil && existing.Name == p.Name {
			return apperrors.NewConflictError("project name %q already exists", p.Name)
		}
	}
	if err := s.putJSON(s.projects, p.ID, p); err != nil {
		return apperrors.NewStorageError(err, "put project")
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, id string) (*types.Project, error) {
	p, _, err := s.getProjectRaw(id)
	return p, err
}

func (s *Store) GetProjectByName(ctx context.Context, name string) (*types.Project, error) {
	keys, err := s.projects.Keys()
	if err != nil && err != nats.ErrNoKeysFound {
		return nil, apperrors.NewStorageError(err, "list project keys")
	}
	for _, k := range keys {
		p, _, err := s.getProjectRaw(k)
		if err == nil && p.Name == name {
			return p, nil
		}
	}
	return nil, apperrors.NewNotFoundError("project", name)
}

func (s *Store) UpdateProject(ctx context.Context, id string, patch storage.ProjectPatch) (*types.Project, error) {
	p, _, err := s.getProjectRaw(id)
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
	p.UpdatedAt = time.Now().UTC()
	if err := s.putJSON(s.projects, id, p); err != nil {
		return nil, apperrors.NewStorageError(err, "put project")
	}
	return p, nil
}

func (s *Store) ListProjects(ctx context.Context, includeClosed bool, limit, offset int) ([]*types.Project, error) {
	keys, err := s.projects.Keys()
	if err != nil {
		if err == nats.ErrNoKeysFound {
			return nil, nil
		}
		return nil, apperrors.NewStorageError(err, "list project keys")
	}
	var out []*types.Project
	for _, k := range keys {
		p, _, err := s.getProjectRaw(k)
		if err != nil {
			continue
		}
		if !includeClosed && p.Status != types.ProjectActive {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) DeleteProject(ctx context.Context, id string) error {
	if err := s.projects.Delete(id); err != nil {
		return apperrors.NewStorageError(err, "delete project")
	}
	return nil
}

func (s *Store) ComputeProjectStats(ctx context.Context, projectID string) (types.ProjectStats, error) {
	tasks, err := s.listProjectTasks(projectID)
	if err != nil {
		return types.ProjectStats{}, err
	}
	var stats types.ProjectStats
	for _, t := range tasks {
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
	if !s.nc.IsConnected() {
		return storage.HealthStatus{Healthy: false, Message: "not connected to nats"}
	}
	return storage.HealthStatus{Healthy: true, Message: "ok"}
}

func (s *Store) GetMetrics(ctx context.Context) map[string]float64 {
	metrics := map[string]float64{}
	if keys, err := s.projects.Keys(); err == nil {
		metrics["projects"] = float64(len(keys))
	}
	if keys, err := s.tasks.Keys(); err == nil {
		metrics["tasks"] = float64(len(keys))
	}
	return metrics
}

func (s *Store) listProjectTasks(projectID string) ([]*types.Task, error) {
	keys, err := s.tasks.Keys()
	if err != nil {
		if err == nats.ErrNoKeysFound {
			return nil, nil
		}
		return nil, apperrors.NewStorageError(err, "list task keys")
	}
	prefix := sanitizeKey(projectID) + "."
	var out []*types.Task
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		entry, err := s.tasks.Get(k)
		if err != nil {
			continue
		}
		var t types.Task
		if err := json.Unmarshal(entry.Value(), &t); err != nil {
			continue
		}
		out = append(out, &t)
	}
	return out, nil
}
