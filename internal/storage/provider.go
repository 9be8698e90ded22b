// Package storage defines the Provider interface that every backend
// (filestore, sqlitestore, natskvstore) implements. The engine and
// services depend only on this interface; outside storage/, backends are
// imported directly only by the wiring code in cmd/ and by tests.
package storage

import (
	"context"
	"time"

	"github.com/taskdriver/taskdriver/internal/types"
)

// ProjectPatch carries the optional fields of an update_project call.
// A nil pointer means "leave unchanged".
type ProjectPatch struct {
	Name         *string
	Description  *string
	Instructions *string
	Status       *types.ProjectStatus
	MaxRetries   *int
	LeaseDuration *int
	ReaperInterval *int
}

// TaskTypePatch carries the optional fields of an update_task_type call.
type TaskTypePatch struct {
	Name              *string
	Template          *string
	Variables         *[]string
	DuplicateHandling *types.DuplicateHandling
	MaxRetries        *int
	LeaseDuration     *int
}

// TaskPatch carries the fields a service may update on a task outside
// the atomic lease primitives (used sparingly; most mutation happens
// through AssignTask/CompleteTask/FailTask/ExtendLease/RequeueTask).
type TaskPatch struct {
	Description  *string
	Instructions *string
}

// HealthStatus is the result of a backend health check.
type HealthStatus struct {
	Healthy bool
	Message string
}

// Provider is the storage contract. Every method that can suspend
// takes a context; every mutation that participates in the lease
// protocol is documented as atomic where the spec requires it.
type Provider interface {
	Init(ctx context.Context) error
	Close(ctx context.Context) error

	// Projects
	CreateProject(ctx context.Context, p *types.Project) error
	GetProject(ctx context.Context, id string) (*types.Project, error)
	GetProjectByName(ctx context.Context, name string) (*types.Project, error)
	UpdateProject(ctx context.Context, id string, patch ProjectPatch) (*types.Project, error)
	ListProjects(ctx context.Context, includeClosed bool, limit, offset int) ([]*types.Project, error)
	DeleteProject(ctx context.Context, id string) error

	// Task types
	CreateTaskType(ctx context.Context, t *types.TaskType) error
	GetTaskType(ctx context.Context, id string) (*types.TaskType, error)
	GetTaskTypeByName(ctx context.Context, projectID, name string) (*types.TaskType, error)
	UpdateTaskType(ctx context.Context, id string, patch TaskTypePatch) (*types.TaskType, error)
	ListTaskTypes(ctx context.Context, projectID string) ([]*types.TaskType, error)
	DeleteTaskType(ctx context.Context, id string) error
	CountTasksByType(ctx context.Context, typeID string) (int, error)

	// Tasks
	CreateTask(ctx context.Context, t *types.Task) error
	GetTask(ctx context.Context, id string) (*types.Task, error)
	UpdateTask(ctx context.Context, id string, patch TaskPatch) (*types.Task, error)
	ListTasks(ctx context.Context, projectID string, filter types.TaskFilter) ([]*types.Task, error)
	DeleteTask(ctx context.Context, id string) error
	NextTaskSeq(ctx context.Context, projectID string) (int, error)

	// Atomic primitives (mandatory; see §4.1)
	AssignTask(ctx context.Context, projectID, workerName string) (*types.Task, error)
	CompleteTask(ctx context.Context, taskID string, result *types.TaskResult) (*types.Task, error)
	FailTask(ctx context.Context, taskID string, result *types.TaskResult, canRetry bool) (*types.Task, error)
	ExtendLease(ctx context.Context, taskID string, minutes int) (*types.Task, error)
	RequeueTask(ctx context.Context, taskID string) (*types.Task, error)
	FindExpiredLeases(ctx context.Context, before time.Time) ([]*types.Task, error)

	// Queries
	FindDuplicateTask(ctx context.Context, projectID, typeID string, variables map[string]string) (*types.Task, error)
	GetTaskHistory(ctx context.Context, taskID string) ([]types.Attempt, error)
	FindRunningTaskByWorker(ctx context.Context, projectID, workerName string) (*types.Task, error)
	ListActiveAgents(ctx context.Context, projectID string) ([]types.AgentRecord, error)

	// Stats
	ComputeProjectStats(ctx context.Context, projectID string) (types.ProjectStats, error)

	// Health
	HealthCheck(ctx context.Context) HealthStatus
	GetMetrics(ctx context.Context) map[string]float64
}
