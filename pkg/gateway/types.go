package gateway

import (
	"time"

	"github.com/harun/runcore/pkg/filelock"
	"github.com/harun/runcore/pkg/runstate"
)

// EventMessage is the wire form of a run event on the /events stream.
type EventMessage struct {
	Type      string `json:"type"`
	Event     string `json:"event"`
	Seq       int64  `json:"seq"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
	RunID     string `json:"run_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID           string    `json:"id"`
	RunID        string    `json:"runId,omitempty"`
	SessionID    string    `json:"sessionId,omitempty"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IPAddress    string    `json:"ipAddress"`
	Idle         bool      `json:"idle"`
	Dropped      uint64    `json:"dropped"`
}

// ErrorResponse is the JSON body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RunReader is the read side of the run state store.
type RunReader interface {
	GetRunState(runID string) (runstate.RunState, bool)
	ListRuns() []runstate.RunState
}

// LockReader is the read side of the lock coordinator.
type LockReader interface {
	GetLockStatus(path string) filelock.Status
	GetStats() filelock.Stats
}
