package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestProjectIsActive(t *testing.T) {
	p := &Project{Status: ProjectActive}
	if !p.IsActive() {
		t.Error("expected active project to report IsActive true")
	}
	p.Status = ProjectClosed
	if p.IsActive() {
		t.Error("expected closed project to report IsActive false")
	}
}

func TestDefaultProjectConfigIsValid(t *testing.T) {
	cfg := DefaultProjectConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

func TestProjectConfigValidateRejectsZeroLease(t *testing.T) {
	cfg := DefaultProjectConfig()
	cfg.DefaultLeaseDurationMinutes = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected zero lease duration to be rejected")
	}
}

func TestTaskTypeHasTemplate(t *testing.T) {
	tt := &TaskType{}
	if tt.HasTemplate() {
		t.Error("expected empty template to report HasTemplate false")
	}
	tt.Template = "do {{x}}"
	if !tt.HasTemplate() {
		t.Error("expected non-empty template to report HasTemplate true")
	}
}

func TestTaskCurrentAttempt(t *testing.T) {
	task := &Task{}
	if task.CurrentAttempt() != nil {
		t.Error("expected nil current attempt on a task with no attempts")
	}
	task.Attempts = []Attempt{
		{ID: "a1", Status: AttemptCompleted},
		{ID: "a2", Status: AttemptRunning},
	}
	got := task.CurrentAttempt()
	if got == nil || got.ID != "a2" {
		t.Fatalf("expected the last attempt (a2), got %+v", got)
	}
}

func TestTaskIsTerminal(t *testing.T) {
	for _, status := range []TaskStatus{TaskCompleted, TaskFailed} {
		task := &Task{Status: status}
		if !task.IsTerminal() {
			t.Errorf("expected status %v to be terminal", status)
		}
	}
	for _, status := range []TaskStatus{TaskQueued, TaskRunning} {
		task := &Task{Status: status}
		if task.IsTerminal() {
			t.Errorf("expected status %v to not be terminal", status)
		}
	}
}

func TestTaskJSONRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	task := &Task{
		ID:          "task-1",
		ProjectID:   "proj-1",
		TypeID:      "type-1",
		Status:      TaskQueued,
		CreatedAt:   now,
		Description: "do a thing",
	}

	data, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Task
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ID != task.ID || decoded.Status != task.Status {
		t.Errorf("round-trip mismatch: got %+v, want %+v", decoded, task)
	}
}

func TestReapResultJSONRoundTrip(t *testing.T) {
	result := ReapResult{ReclaimedTasks: 3, CleanedAgents: 1}
	data, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded ReapResult
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ReclaimedTasks != 3 || decoded.CleanedAgents != 1 {
		t.Errorf("round-trip mismatch: got %+v", decoded)
	}
}
