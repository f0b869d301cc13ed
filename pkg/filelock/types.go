package filelock

import (
	"fmt"
	"time"
)

// Mode is the access mode of a lock.
type Mode string

const (
	ModeRead  Mode = "read"
	ModeWrite Mode = "write"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeRead || m == ModeWrite
}

const (
	DefaultTimeout       = 30 * time.Second
	DefaultLockTTL       = 5 * time.Minute
	DefaultSweepInterval = 30 * time.Second
)

// Reasons attached to failed results.
const (
	ReasonExpiredWhileQueued = "lock expired while queued"
	ReasonCancelled          = "request cancelled"
	ReasonSessionReleased    = "session released its locks"
	ReasonShutdown           = "lock coordinator shutting down"
)

func timeoutReason(timeout time.Duration) string {
	return fmt.Sprintf("lock wait timed out after %dms", timeout.Milliseconds())
}

// Lock is a granted hold on a resource path.
type Lock struct {
	ID         string    `json:"lock_id"`
	Path       string    `json:"resource_path"`
	SessionID  string    `json:"owner_session_id"`
	UserID     string    `json:"owner_user_id"`
	Mode       Mode      `json:"mode"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Request describes a lock acquisition.
type Request struct {
	Path      string
	SessionID string
	UserID    string
	Mode      Mode

	// Timeout overrides the queue wait. Zero falls back to the path default,
	// then the coordinator default.
	Timeout time.Duration

	// TTL overrides the lock lifetime once granted.
	TTL time.Duration
}

// Result is the outcome of AcquireLock. Contention is reported here, never as an error.
type Result struct {
	Acquired bool     `json:"acquired"`
	LockID   string   `json:"lock_id,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	LockedBy []string `json:"locked_by,omitempty"`
	Queued   bool     `json:"queued,omitempty"`
	Waited   time.Duration
}

// Status is a read-only view of one path.
type Status struct {
	IsLocked  bool   `json:"is_locked"`
	Locks     []Lock `json:"locks"`
	QueueSize int    `json:"queue_size"`
}

// Stats summarizes coordinator state across all paths.
type Stats struct {
	LockedPaths    int            `json:"locked_paths"`
	ActiveLocks    int            `json:"active_locks"`
	QueuedRequests int            `json:"queued_requests"`
	QueueSizes     map[string]int `json:"queue_sizes"`
}

// EntryState is the lifecycle state of a queued request.
type EntryState string

const (
	StatePending   EntryState = "pending"
	StateGranted   EntryState = "granted"
	StateTimeout   EntryState = "timeout"
	StateCancelled EntryState = "cancelled"
)

// queueEntry is a blocked acquisition waiting on its path.
type queueEntry struct {
	requestID string
	request   Request
	timeout   time.Duration
	result    chan Result // buffered, written once by complete
	timer     *time.Timer
	state     EntryState
	queuedAt  time.Time
}
