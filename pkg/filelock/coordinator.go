package filelock

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/runcore/internal/observability"
	"github.com/harun/runcore/internal/tracing"
	"github.com/harun/runcore/pkg/runevents"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Coordinator owns per-path lock state and the FIFO wait queues.
type Coordinator struct {
	mu           sync.Mutex
	locks        map[string][]*Lock
	byID         map[string]*Lock
	queues       map[string][]*queueEntry
	pathTimeouts map[string]time.Duration

	defaultTimeout time.Duration
	lockTTL        time.Duration
	sweepInterval  time.Duration
	now            func() time.Time

	logger zerolog.Logger
	sink   runevents.Broadcaster
	outbox []runevents.Event

	scheduler *cron.Cron
	running   bool
	closed    bool
}

// NewCoordinator creates a Coordinator. Call Start to enable the expiry sweep.
func NewCoordinator(opts ...Option) *Coordinator {
	observability.EnsureRegistered()

	c := &Coordinator{
		locks:          make(map[string][]*Lock),
		byID:           make(map[string]*Lock),
		queues:         make(map[string][]*queueEntry),
		pathTimeouts:   make(map[string]time.Duration),
		defaultTimeout: DefaultTimeout,
		lockTTL:        DefaultLockTTL,
		sweepInterval:  DefaultSweepInterval,
		now:            time.Now,
		logger:         log.Logger,
		sink:           runevents.Discard,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func normalizePath(p string) string {
	if p == "" {
		return ""
	}
	return filepath.ToSlash(filepath.Clean(p))
}

func validateRequest(req Request) error {
	if req.Path == "" {
		return fmt.Errorf("invalid lock request: path is required")
	}
	if req.SessionID == "" {
		return fmt.Errorf("invalid lock request: session id is required")
	}
	if !req.Mode.Valid() {
		return fmt.Errorf("invalid lock request: unknown mode %q", req.Mode)
	}
	return nil
}

// AcquireLock grants the lock immediately when compatible, otherwise queues the
// request and blocks until it is granted, times out, or is cancelled. Cancelling
// ctx cancels a queued request.
func (c *Coordinator) AcquireLock(ctx context.Context, req Request) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	req.Path = normalizePath(req.Path)
	if err := validateRequest(req); err != nil {
		return Result{Reason: err.Error()}
	}

	if tracing.GetSessionKey(ctx) == "" {
		ctx = tracing.WithSessionKey(ctx, req.SessionID)
	}
	ctx, span := tracing.StartSpan(
		ctx,
		tracing.TracerLocks,
		"filelock.acquire",
		attribute.String("path", req.Path),
		attribute.String("mode", string(req.Mode)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, c.logger).With().
		Str("path", req.Path).
		Str("mode", string(req.Mode)).
		Logger()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Result{Reason: ReasonShutdown}
	}

	holders := c.locks[req.Path]
	if c.admissibleLocked(req, holders) {
		lock := c.grantLocked(req, 0)
		c.unlock()

		observability.RecordLockAcquire(string(req.Mode), "granted", 0)
		span.SetAttributes(attribute.Bool("acquired", true))
		logger.Debug().Str("lock_id", lock.ID).Msg("Lock acquired")
		return Result{Acquired: true, LockID: lock.ID}
	}

	entry := c.enqueueLocked(req)
	queueSize := len(c.queues[req.Path])
	lockedBy := sessionsOf(holders)
	c.unlock()

	logger.Debug().
		Str("request_id", entry.requestID).
		Int("queue_size", queueSize).
		Strs("locked_by", lockedBy).
		Dur("timeout", entry.timeout).
		Msg("Lock request queued")

	var res Result
	select {
	case res = <-entry.result:
	case <-ctx.Done():
		c.cancelEntry(entry, fmt.Sprintf("%s: %v", ReasonCancelled, ctx.Err()))
		res = <-entry.result
	}

	// entry.state is final once the result has been delivered.
	outcome := "queued_granted"
	switch entry.state {
	case StateTimeout:
		outcome = "timeout"
	case StateCancelled:
		outcome = "cancelled"
	}
	observability.RecordLockAcquire(string(req.Mode), outcome, res.Waited)
	span.SetAttributes(
		attribute.Bool("acquired", res.Acquired),
		attribute.String("outcome", outcome),
	)

	if res.Acquired {
		logger.Debug().Str("lock_id", res.LockID).Dur("waited", res.Waited).Msg("Queued lock granted")
	} else {
		logger.Info().Str("reason", res.Reason).Dur("waited", res.Waited).Msg("Lock request not granted")
	}
	return res
}

// admissibleLocked reports whether req may be granted without queueing. A
// compatible request still queues behind earlier waiters unless it is a
// same-session write re-entry: the session already holds a write lock on the
// path. A read-to-write upgrade waits its turn.
func (c *Coordinator) admissibleLocked(req Request, holders []*Lock) bool {
	if !compatible(req, holders) {
		return false
	}
	if len(c.queues[req.Path]) == 0 {
		return true
	}
	if req.Mode != ModeWrite {
		return false
	}
	for _, h := range holders {
		if h.Mode == ModeWrite {
			return true
		}
	}
	return false
}

// compatible: reads coexist unless a write lock is held; writes require every
// current holder to be the requesting session.
func compatible(req Request, holders []*Lock) bool {
	switch req.Mode {
	case ModeRead:
		for _, h := range holders {
			if h.Mode == ModeWrite {
				return false
			}
		}
		return true
	case ModeWrite:
		for _, h := range holders {
			if h.SessionID != req.SessionID {
				return false
			}
		}
		return true
	}
	return false
}

func (c *Coordinator) grantLocked(req Request, waited time.Duration) *Lock {
	now := c.now()
	ttl := req.TTL
	if ttl <= 0 {
		ttl = c.lockTTL
	}

	lock := &Lock{
		ID:         uuid.NewString(),
		Path:       req.Path,
		SessionID:  req.SessionID,
		UserID:     req.UserID,
		Mode:       req.Mode,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	c.locks[req.Path] = append(c.locks[req.Path], lock)
	c.byID[lock.ID] = lock

	c.emitLocked(req.SessionID, runevents.LockAcquired{
		LockID:   lock.ID,
		Path:     lock.Path,
		Mode:     string(lock.Mode),
		UserID:   lock.UserID,
		WaitedMs: waited.Milliseconds(),
	})
	return lock
}

func (c *Coordinator) timeoutForLocked(req Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	if d, ok := c.pathTimeouts[req.Path]; ok {
		return d
	}
	return c.defaultTimeout
}

func (c *Coordinator) enqueueLocked(req Request) *queueEntry {
	requestID, err := gonanoid.New()
	if err != nil {
		requestID = uuid.NewString()
	}

	entry := &queueEntry{
		requestID: requestID,
		request:   req,
		timeout:   c.timeoutForLocked(req),
		result:    make(chan Result, 1),
		state:     StatePending,
		queuedAt:  c.now(),
	}
	c.queues[req.Path] = append(c.queues[req.Path], entry)

	// The callback blocks on c.mu until this section finishes assigning the timer.
	entry.timer = time.AfterFunc(entry.timeout, func() {
		c.timeoutEntry(entry)
	})

	c.emitLocked(req.SessionID, runevents.LockQueued{
		RequestID: requestID,
		Path:      req.Path,
		Mode:      string(req.Mode),
		QueueSize: len(c.queues[req.Path]),
	})
	return entry
}

// completeLocked is the only writer of a queue entry's terminal state. It
// no-ops unless the entry is still pending, so racing triggers resolve it once.
func (c *Coordinator) completeLocked(entry *queueEntry, state EntryState, res Result) bool {
	if entry.state != StatePending {
		return false
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.state = state
	res.Queued = true
	res.Waited = c.now().Sub(entry.queuedAt)
	entry.result <- res
	c.removeEntryLocked(entry)
	return true
}

func (c *Coordinator) removeEntryLocked(entry *queueEntry) {
	path := entry.request.Path
	queue := c.queues[path]
	for i, e := range queue {
		if e == entry {
			queue = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(c.queues, path)
		return
	}
	c.queues[path] = queue
}

// processQueueLocked grants from the head of the path's queue and stops at the
// first request that is still blocked.
func (c *Coordinator) processQueueLocked(path string) {
	for {
		queue := c.queues[path]
		if len(queue) == 0 {
			return
		}
		head := queue[0]
		if head.state != StatePending {
			c.removeEntryLocked(head)
			continue
		}
		if !compatible(head.request, c.locks[path]) {
			return
		}
		lock := c.grantLocked(head.request, c.now().Sub(head.queuedAt))
		c.completeLocked(head, StateGranted, Result{Acquired: true, LockID: lock.ID})
	}
}

func (c *Coordinator) timeoutEntry(entry *queueEntry) {
	c.mu.Lock()
	path := entry.request.Path
	res := Result{
		Reason:   timeoutReason(entry.timeout),
		LockedBy: sessionsOf(c.locks[path]),
	}
	if c.completeLocked(entry, StateTimeout, res) {
		c.emitLocked(entry.request.SessionID, runevents.LockTimedOut{
			RequestID: entry.requestID,
			Path:      path,
			TimeoutMs: entry.timeout.Milliseconds(),
		})
		c.processQueueLocked(path)
	}
	c.unlock()
}

func (c *Coordinator) cancelEntry(entry *queueEntry, reason string) {
	c.mu.Lock()
	if c.cancelEntryLocked(entry, reason) {
		c.processQueueLocked(entry.request.Path)
	}
	c.unlock()
}

func (c *Coordinator) cancelEntryLocked(entry *queueEntry, reason string) bool {
	path := entry.request.Path
	res := Result{Reason: reason, LockedBy: sessionsOf(c.locks[path])}
	if !c.completeLocked(entry, StateCancelled, res) {
		return false
	}
	c.emitLocked(entry.request.SessionID, runevents.LockCancelled{
		RequestID: entry.requestID,
		Path:      path,
		Reason:    reason,
	})
	return true
}

// ReleaseLock removes one lock and re-runs queue processing for its path.
// Returns false if the lock does not exist.
func (c *Coordinator) ReleaseLock(lockID string) bool {
	c.mu.Lock()
	lock, ok := c.byID[lockID]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug().Str("lock_id", lockID).Msg("Release of unknown lock ignored")
		return false
	}

	c.removeLockLocked(lock)
	c.emitLocked(lock.SessionID, runevents.LockReleased{LockID: lock.ID, Path: lock.Path})
	c.processQueueLocked(lock.Path)
	c.unlock()

	c.logger.Debug().
		Str("lock_id", lock.ID).
		Str("path", lock.Path).
		Str("session_key", lock.SessionID).
		Msg("Lock released")
	return true
}

func (c *Coordinator) removeLockLocked(lock *Lock) {
	delete(c.byID, lock.ID)

	held := c.locks[lock.Path]
	for i, l := range held {
		if l == lock {
			held = append(held[:i:i], held[i+1:]...)
			break
		}
	}
	if len(held) == 0 {
		delete(c.locks, lock.Path)
		return
	}
	c.locks[lock.Path] = held
}

// ReleaseAllLocksForSession releases every lock held by the session and cancels
// its still-queued requests. Returns the number of locks released.
func (c *Coordinator) ReleaseAllLocksForSession(sessionID string) int {
	c.mu.Lock()

	var owned []*Lock
	for _, lock := range c.byID {
		if lock.SessionID == sessionID {
			owned = append(owned, lock)
		}
	}
	sortLocks(owned)

	affected := make(map[string]struct{})
	for _, lock := range owned {
		c.removeLockLocked(lock)
		c.emitLocked(sessionID, runevents.LockReleased{LockID: lock.ID, Path: lock.Path})
		affected[lock.Path] = struct{}{}
	}

	for _, path := range sortedKeys(c.queues) {
		for _, entry := range append([]*queueEntry(nil), c.queues[path]...) {
			if entry.request.SessionID == sessionID && c.cancelEntryLocked(entry, ReasonSessionReleased) {
				affected[path] = struct{}{}
			}
		}
	}

	for _, path := range sortedKeys(affected) {
		c.processQueueLocked(path)
	}
	c.unlock()

	if len(owned) > 0 {
		c.logger.Info().
			Str("session_key", sessionID).
			Int("released", len(owned)).
			Msg("Released all locks for session")
	}
	return len(owned)
}

// SweepExpired drops locks past their expiry. For each path that lost a lock,
// pending requests are cancelled and the queue is re-processed. Returns the
// number of expired locks.
func (c *Coordinator) SweepExpired() int {
	c.mu.Lock()
	now := c.now()

	var expired []*Lock
	for _, lock := range c.byID {
		if now.After(lock.ExpiresAt) {
			expired = append(expired, lock)
		}
	}
	sortLocks(expired)

	changed := make(map[string]struct{})
	for _, lock := range expired {
		c.removeLockLocked(lock)
		c.emitLocked(lock.SessionID, runevents.LockExpired{LockID: lock.ID, Path: lock.Path})
		changed[lock.Path] = struct{}{}
	}

	cancelled := 0
	for _, path := range sortedKeys(changed) {
		for _, entry := range append([]*queueEntry(nil), c.queues[path]...) {
			if c.cancelEntryLocked(entry, ReasonExpiredWhileQueued) {
				cancelled++
			}
		}
		c.processQueueLocked(path)
	}
	c.unlock()

	if len(expired) > 0 {
		observability.RecordExpiredLocks(len(expired))
		c.logger.Info().
			Int("expired", len(expired)).
			Int("cancelled_requests", cancelled).
			Msg("Expired locks swept")
	}
	return len(expired)
}

// RenewLock pushes a lock's expiry to now+ttl (the coordinator TTL when ttl <= 0).
func (c *Coordinator) RenewLock(lockID string, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, ok := c.byID[lockID]
	if !ok {
		return false
	}
	if ttl <= 0 {
		ttl = c.lockTTL
	}
	lock.ExpiresAt = c.now().Add(ttl)
	return true
}

// SetPathTimeout sets a queue wait default for one path. A non-positive
// duration clears it.
func (c *Coordinator) SetPathTimeout(path string, timeout time.Duration) {
	path = normalizePath(path)

	c.mu.Lock()
	defer c.mu.Unlock()

	if timeout <= 0 {
		delete(c.pathTimeouts, path)
		return
	}
	c.pathTimeouts[path] = timeout
}

// GetLockStatus returns a snapshot of one path.
func (c *Coordinator) GetLockStatus(path string) Status {
	path = normalizePath(path)

	c.mu.Lock()
	defer c.mu.Unlock()

	held := c.locks[path]
	locks := make([]Lock, 0, len(held))
	for _, l := range held {
		locks = append(locks, *l)
	}
	return Status{
		IsLocked:  len(locks) > 0,
		Locks:     locks,
		QueueSize: len(c.queues[path]),
	}
}

// HasActiveLocks reports whether the session holds any lock.
func (c *Coordinator) HasActiveLocks(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, lock := range c.byID {
		if lock.SessionID == sessionID {
			return true
		}
	}
	return false
}

// GetStats returns counts across all paths.
func (c *Coordinator) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		LockedPaths: len(c.locks),
		ActiveLocks: len(c.byID),
		QueueSizes:  make(map[string]int, len(c.queues)),
	}
	for path, queue := range c.queues {
		stats.QueueSizes[path] = len(queue)
		stats.QueuedRequests += len(queue)
	}
	return stats
}

// Start schedules the periodic expiry sweep.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("lock sweep is already running")
	}
	if c.closed {
		return fmt.Errorf("lock coordinator is closed")
	}

	scheduler := cron.New()
	spec := "@every " + c.sweepInterval.String()
	if _, err := scheduler.AddFunc(spec, func() { c.SweepExpired() }); err != nil {
		return fmt.Errorf("failed to schedule lock sweep: %w", err)
	}
	scheduler.Start()

	c.scheduler = scheduler
	c.running = true

	c.logger.Info().Dur("interval", c.sweepInterval).Msg("Lock expiry sweep started")
	return nil
}

// Stop cancels the periodic sweep and waits for a running sweep to finish.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return fmt.Errorf("lock sweep is not running")
	}
	scheduler := c.scheduler
	c.scheduler = nil
	c.running = false
	c.mu.Unlock()

	<-scheduler.Stop().Done()

	c.logger.Info().Msg("Lock expiry sweep stopped")
	return nil
}

// IsRunning returns whether the sweep is scheduled
func (c *Coordinator) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Close stops the sweep and cancels every queued request. Further acquisitions
// fail immediately.
func (c *Coordinator) Close() error {
	if c.IsRunning() {
		_ = c.Stop()
	}

	c.mu.Lock()
	c.closed = true
	for _, path := range sortedKeys(c.queues) {
		for _, entry := range append([]*queueEntry(nil), c.queues[path]...) {
			c.cancelEntryLocked(entry, ReasonShutdown)
		}
	}
	c.unlock()
	return nil
}

func (c *Coordinator) emitLocked(sessionID string, payload runevents.Payload) {
	c.outbox = append(c.outbox, runevents.NewSessionEvent(sessionID, payload))
}

// unlock releases c.mu, then publishes the events collected while it was held.
func (c *Coordinator) unlock() {
	events := c.outbox
	c.outbox = nil

	queued := 0
	for _, q := range c.queues {
		queued += len(q)
	}
	observability.SetLockGauges(len(c.byID), queued)
	c.mu.Unlock()

	for _, e := range events {
		c.sink.Publish(e)
	}
}

func sessionsOf(holders []*Lock) []string {
	seen := make(map[string]struct{}, len(holders))
	for _, h := range holders {
		seen[h.SessionID] = struct{}{}
	}
	if len(seen) == 0 {
		return nil
	}
	return sortedKeys(seen)
}

func sortLocks(locks []*Lock) {
	sort.Slice(locks, func(i, j int) bool {
		if locks[i].Path != locks[j].Path {
			return locks[i].Path < locks[j].Path
		}
		return locks[i].AcquiredAt.Before(locks[j].AcquiredAt)
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
