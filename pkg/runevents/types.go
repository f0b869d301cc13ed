package runevents

import "time"

// Type is the tag of an event.
type Type string

const (
	TypeRunCreated        Type = "run.created"
	TypeRunPhase          Type = "run.phase"
	TypePlanCreated       Type = "run.plan"
	TypeTaskAdded         Type = "task.added"
	TypeTaskUpdated       Type = "task.updated"
	TypeToolCalled        Type = "tool.called"
	TypeIterationAdvanced Type = "iteration.advanced"
	TypeRunCompleted      Type = "run.completed"
	TypeRunFailed         Type = "run.failed"
	TypeRunError          Type = "run.error"

	TypePhaseChanged Type = "phase.changed"

	TypeLoopProgress Type = "loop.progress"
	TypeLoopStopped  Type = "loop.stopped"

	TypeLockAcquired  Type = "lock.acquired"
	TypeLockQueued    Type = "lock.queued"
	TypeLockReleased  Type = "lock.released"
	TypeLockTimedOut  Type = "lock.timeout"
	TypeLockCancelled Type = "lock.cancelled"
	TypeLockExpired   Type = "lock.expired"
)

// Payload is implemented only by the payload types of this package.
type Payload interface {
	eventType() Type
}

// Event is a single structured notification.
type Event struct {
	Type      Type      `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
}

// New builds an event for a run, deriving the tag from the payload.
func New(runID string, payload Payload) Event {
	return Event{
		Type:      payload.eventType(),
		RunID:     runID,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// NewSessionEvent builds an event scoped to a session rather than a run.
func NewSessionEvent(sessionID string, payload Payload) Event {
	return Event{
		Type:      payload.eventType(),
		SessionID: sessionID,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// TaskInfo is the task shape carried by task and plan events.
type TaskInfo struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

type RunCreated struct {
	SessionID     string `json:"session_id"`
	UserID        string `json:"user_id"`
	Phase         string `json:"phase"`
	MaxIterations int    `json:"max_iterations"`
}

// RunPhase reports the phase recorded on the run state.
type RunPhase struct {
	Phase   string `json:"phase"`
	Message string `json:"message,omitempty"`
}

type PlanCreated struct {
	Tasks []TaskInfo `json:"tasks"`
}

type TaskAdded struct {
	Task TaskInfo `json:"task"`
}

type TaskUpdated struct {
	Task           TaskInfo `json:"task"`
	CompletedTasks int      `json:"completed_tasks"`
	FailedTasks    int      `json:"failed_tasks"`
	TotalTasks     int      `json:"total_tasks"`
}

type ToolCalled struct {
	ToolName       string `json:"tool_name,omitempty"`
	TotalToolCalls int    `json:"total_tool_calls"`
}

type IterationAdvanced struct {
	Iteration     int `json:"iteration"`
	MaxIterations int `json:"max_iterations"`
}

type RunCompleted struct {
	DurationMs     int64 `json:"duration_ms"`
	CompletedTasks int   `json:"completed_tasks"`
	TotalTasks     int   `json:"total_tasks"`
}

// RunError reports a non-fatal error recorded on an active run.
type RunError struct {
	Message    string `json:"message"`
	Phase      string `json:"phase,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	ErrorCount int    `json:"error_count"`
}

type RunFailed struct {
	Reason string `json:"reason"`
	Phase  string `json:"phase,omitempty"`
	TaskID string `json:"task_id,omitempty"`
}

// PhaseChanged is emitted by the phase machine on each first emission of a phase.
type PhaseChanged struct {
	Phase    string   `json:"phase"`
	Previous string   `json:"previous,omitempty"`
	Message  string   `json:"message,omitempty"`
	Skipped  []string `json:"skipped,omitempty"`
	Backward bool     `json:"backward,omitempty"`
}

type LoopProgress struct {
	Iteration      int `json:"iteration"`
	MaxIterations  int `json:"max_iterations"`
	TotalToolCalls int `json:"total_tool_calls"`
	Percent        int `json:"percent"`
}

type LoopStopped struct {
	Reason     string `json:"reason"`
	Message    string `json:"message,omitempty"`
	Iterations int    `json:"iterations"`
}

type LockAcquired struct {
	LockID   string `json:"lock_id"`
	Path     string `json:"path"`
	Mode     string `json:"mode"`
	UserID   string `json:"user_id,omitempty"`
	WaitedMs int64  `json:"waited_ms"`
}

type LockQueued struct {
	RequestID string `json:"request_id"`
	Path      string `json:"path"`
	Mode      string `json:"mode"`
	QueueSize int    `json:"queue_size"`
}

type LockReleased struct {
	LockID string `json:"lock_id"`
	Path   string `json:"path"`
}

type LockTimedOut struct {
	RequestID string `json:"request_id"`
	Path      string `json:"path"`
	TimeoutMs int64  `json:"timeout_ms"`
}

type LockCancelled struct {
	RequestID string `json:"request_id"`
	Path      string `json:"path"`
	Reason    string `json:"reason"`
}

type LockExpired struct {
	LockID string `json:"lock_id"`
	Path   string `json:"path"`
}

func (RunCreated) eventType() Type        { return TypeRunCreated }
func (RunPhase) eventType() Type          { return TypeRunPhase }
func (PlanCreated) eventType() Type       { return TypePlanCreated }
func (TaskAdded) eventType() Type         { return TypeTaskAdded }
func (TaskUpdated) eventType() Type       { return TypeTaskUpdated }
func (ToolCalled) eventType() Type        { return TypeToolCalled }
func (IterationAdvanced) eventType() Type { return TypeIterationAdvanced }
func (RunCompleted) eventType() Type      { return TypeRunCompleted }
func (RunFailed) eventType() Type         { return TypeRunFailed }
func (RunError) eventType() Type          { return TypeRunError }
func (PhaseChanged) eventType() Type      { return TypePhaseChanged }
func (LoopProgress) eventType() Type      { return TypeLoopProgress }
func (LoopStopped) eventType() Type       { return TypeLoopStopped }
func (LockAcquired) eventType() Type      { return TypeLockAcquired }
func (LockQueued) eventType() Type        { return TypeLockQueued }
func (LockReleased) eventType() Type      { return TypeLockReleased }
func (LockTimedOut) eventType() Type      { return TypeLockTimedOut }
func (LockCancelled) eventType() Type     { return TypeLockCancelled }
func (LockExpired) eventType() Type       { return TypeLockExpired }
