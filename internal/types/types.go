// Package types holds the entities shared across every service layer:
// Project, TaskType, Task, Attempt, TaskResult, and their supporting
// enums. Nothing in this package talks to storage or validates input;
// it is pure data plus the small helpers (Validate, DefaultXxx) that
// follow the same shape for every config-bearing struct.
package types

import (
	"fmt"
	"time"
)

// ProjectStatus is the lifecycle state of a Project.
type ProjectStatus string

const (
	ProjectActive ProjectStatus = "active"
	ProjectClosed ProjectStatus = "closed"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// AttemptStatus is the lifecycle state of a single Attempt.
type AttemptStatus string

const (
	AttemptRunning   AttemptStatus = "running"
	AttemptCompleted AttemptStatus = "completed"
	AttemptFailed    AttemptStatus = "failed"
)

// DuplicateHandling controls what happens when a template task with
// identical (typeId, variables) already exists in the project.
type DuplicateHandling string

const (
	DuplicateAllow  DuplicateHandling = "allow"
	DuplicateIgnore DuplicateHandling = "ignore"
	DuplicateFail   DuplicateHandling = "fail"
)

// ProjectConfig carries the defaults a project supplies to its task
// types and tasks.
type ProjectConfig struct {
	DefaultMaxRetries          int `json:"defaultMaxRetries"`
	DefaultLeaseDurationMinutes int `json:"defaultLeaseDurationMinutes"`
	ReaperIntervalMinutes      int `json:"reaperIntervalMinutes"`
}

// DefaultProjectConfig returns the command-surface defaults from the
// create_project command (maxRetries=3, leaseDuration=10min,
// reaperInterval=1min).
func DefaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		DefaultMaxRetries:           3,
		DefaultLeaseDurationMinutes: 10,
		ReaperIntervalMinutes:       1,
	}
}

// Validate checks the config's numeric bounds.
func (c ProjectConfig) Validate() error {
	if c.DefaultMaxRetries < 0 {
		return fmt.Errorf("defaultMaxRetries must be >= 0")
	}
	if c.DefaultLeaseDurationMinutes < 1 {
		return fmt.Errorf("defaultLeaseDurationMinutes must be >= 1")
	}
	if c.ReaperIntervalMinutes < 1 {
		return fmt.Errorf("reaperIntervalMinutes must be >= 1")
	}
	return nil
}

// ProjectStats are derived counts, recomputed from task state on read.
// AverageLeaseSeconds is not computed by any storage backend and is
// always reported as 0.
type ProjectStats struct {
	TotalTasks          int        `json:"totalTasks"`
	CompletedTasks      int        `json:"completedTasks"`
	FailedTasks         int        `json:"failedTasks"`
	QueuedTasks         int        `json:"queuedTasks"`
	RunningTasks        int        `json:"runningTasks"`
	AverageLeaseSeconds float64    `json:"averageLeaseSeconds"`
	LastAssignedAt      *time.Time `json:"lastAssignedAt,omitempty"`
}

// Project is the organizational unit owning task types and tasks.
type Project struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	Instructions string        `json:"instructions,omitempty"`
	Status       ProjectStatus `json:"status"`
	Config       ProjectConfig `json:"config"`
	Stats        ProjectStats  `json:"stats"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// IsActive reports whether the project currently accepts new children.
func (p *Project) IsActive() bool { return p.Status == ProjectActive }

// TaskType is a reusable template and execution policy for a family of
// tasks.
type TaskType struct {
	ID                string            `json:"id"`
	ProjectID         string            `json:"projectId"`
	Name              string            `json:"name"`
	Template          string            `json:"template,omitempty"`
	Variables         []string          `json:"variables,omitempty"`
	DuplicateHandling DuplicateHandling `json:"duplicateHandling"`
	MaxRetries        int               `json:"maxRetries"`
	LeaseDurationMinutes int            `json:"leaseDurationMinutes"`
	Tags              []string          `json:"tags,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// HasTemplate reports whether the type materializes tasks from a
// template rather than taking verbatim instructions.
func (t *TaskType) HasTemplate() bool { return t.Template != "" }

// Attempt is one pass of a task through running-then-terminal.
type Attempt struct {
	ID             string        `json:"id"`
	AgentName      string        `json:"agentName"`
	StartedAt      time.Time     `json:"startedAt"`
	CompletedAt    *time.Time    `json:"completedAt,omitempty"`
	Status         AttemptStatus `json:"status"`
	Result         *TaskResult   `json:"result,omitempty"`
	LeaseExpiresAt time.Time     `json:"leaseExpiresAt"`
}

// TaskResult is the outcome reported by a worker for a single attempt
// or for a task's final state.
type TaskResult struct {
	Success  bool                   `json:"success"`
	Output   string                 `json:"output,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Duration float64                `json:"duration,omitempty"`
}

// Task is a single unit of work with a lease-bound lifecycle.
type Task struct {
	ID             string            `json:"id"`
	ProjectID      string            `json:"projectId"`
	TypeID         string            `json:"typeId"`
	TypeName       string            `json:"typeName,omitempty"`
	Description    string            `json:"description,omitempty"`
	Status         TaskStatus        `json:"status"`
	Instructions   string            `json:"instructions,omitempty"`
	Variables      map[string]string `json:"variables,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	AssignedTo     string            `json:"assignedTo,omitempty"`
	AssignedAt     *time.Time        `json:"assignedAt,omitempty"`
	LeaseExpiresAt *time.Time        `json:"leaseExpiresAt,omitempty"`
	RetryCount     int               `json:"retryCount"`
	MaxRetries     int               `json:"maxRetries"`
	Attempts       []Attempt         `json:"attempts"`
	Result         *TaskResult       `json:"result,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	CompletedAt    *time.Time        `json:"completedAt,omitempty"`
	FailedAt       *time.Time        `json:"failedAt,omitempty"`
}

// CurrentAttempt returns the running attempt, if any.
func (t *Task) CurrentAttempt() *Attempt {
	if len(t.Attempts) == 0 {
		return nil
	}
	last := &t.Attempts[len(t.Attempts)-1]
	if last.Status == AttemptRunning {
		return last
	}
	return nil
}

// IsTerminal reports whether the task has reached a final state.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

// TaskFilter narrows a listTasks query.
type TaskFilter struct {
	Status     TaskStatus
	TypeID     string
	AssignedTo string
	Limit      int
	Offset     int
}

// AgentRecord is the projection entry returned by listActiveAgents: one
// per currently running task, named after its assignedTo worker. Records
// are not grouped by name, so a worker holding two running tasks appears
// twice.
type AgentRecord struct {
	Name           string     `json:"name"`
	CurrentTaskID  string     `json:"currentTaskId"`
	AssignedAt     time.Time  `json:"assignedAt"`
	LeaseExpiresAt time.Time  `json:"leaseExpiresAt"`
	Status         string     `json:"status"`
}

// ReapResult is the outcome of a cleanupExpiredLeases sweep.
type ReapResult struct {
	ReclaimedTasks int `json:"reclaimedTasks"`
	CleanedAgents  int `json:"cleanedAgents"`
}
