package runstate

import (
	"errors"
	"time"

	"github.com/harun/runcore/pkg/phase"
)

var (
	// ErrRunExists is returned by CreateRun for a duplicate run ID.
	ErrRunExists = errors.New("run already exists")
	// ErrInvalidRun is returned by CreateRun when required fields are missing.
	ErrInvalidRun = errors.New("invalid run")
)

const (
	DefaultTTL           = time.Hour
	DefaultSweepInterval = 5 * time.Minute
)

// Status is the lifecycle status of a run.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further progress is expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TaskStatus is the status of one planned task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskBlocked    TaskStatus = "blocked"
)

// Task is a unit of planned work owned by exactly one run.
type Task struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Status       TaskStatus `json:"status"`
	Verification string     `json:"verification,omitempty"`
	Artifacts    []string   `json:"artifacts,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TaskInput describes a task to add. Empty ID and Status are filled in.
type TaskInput struct {
	ID           string
	Title        string
	Status       TaskStatus
	Verification string
}

// TaskUpdate is a partial update; nil fields are left unchanged.
type TaskUpdate struct {
	Title        *string
	Status       *TaskStatus
	Verification *string
	Artifacts    []string // appended, duplicates ignored
}

// Metrics are the counters derived from a run's tasks and loop.
type Metrics struct {
	TotalTasks       int `json:"total_tasks"`
	CompletedTasks   int `json:"completed_tasks"`
	FailedTasks      int `json:"failed_tasks"`
	TotalToolCalls   int `json:"total_tool_calls"`
	CurrentIteration int `json:"current_iteration"`
	MaxIterations    int `json:"max_iterations"`
}

// RunError is one recorded failure.
type RunError struct {
	Message   string      `json:"message"`
	Phase     phase.Phase `json:"phase,omitempty"`
	TaskID    string      `json:"task_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// RunState is the canonical record of one run.
type RunState struct {
	RunID          string      `json:"run_id"`
	SessionID      string      `json:"session_id"`
	UserID         string      `json:"user_id"`
	Phase          phase.Phase `json:"phase"`
	Status         Status      `json:"status"`
	Tasks          []Task      `json:"tasks"`
	CurrentTaskID  string      `json:"current_task_id,omitempty"`
	Metrics        Metrics     `json:"metrics"`
	Errors         []RunError  `json:"errors,omitempty"`
	StartedAt      time.Time   `json:"started_at"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	LastActivityAt time.Time   `json:"last_activity_at"`
}

// CreateParams are the inputs to CreateRun.
type CreateParams struct {
	RunID         string
	SessionID     string
	UserID        string
	MaxIterations int
}

func (r *RunState) clone() RunState {
	c := *r
	c.Tasks = make([]Task, len(r.Tasks))
	for i, t := range r.Tasks {
		t.Artifacts = append([]string(nil), t.Artifacts...)
		c.Tasks[i] = t
	}
	c.Errors = append([]RunError(nil), r.Errors...)
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		c.CompletedAt = &at
	}
	return c
}

func (r *RunState) taskIndex(taskID string) int {
	for i, t := range r.Tasks {
		if t.ID == taskID {
			return i
		}
	}
	return -1
}

func (r *RunState) recompute() {
	r.Metrics.TotalTasks = len(r.Tasks)
	r.Metrics.CompletedTasks = 0
	r.Metrics.FailedTasks = 0
	for _, t := range r.Tasks {
		switch t.Status {
		case TaskDone:
			r.Metrics.CompletedTasks++
		case TaskBlocked:
			r.Metrics.FailedTasks++
		}
	}
}
