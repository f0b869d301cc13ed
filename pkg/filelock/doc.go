// Package filelock coordinates read/write access to shared file resources
// across concurrently running agent sessions.
//
// Invariants:
//   - A path never has write locks from two different sessions, and never has a
//     read lock alongside another session's write lock.
//   - Requests that cannot be granted wait in a FIFO queue per path. Processing
//     walks from the head and stops at the first request that is still blocked.
//   - Every queued request resolves exactly once: granted, timed out, or
//     cancelled. A single completion routine is the only writer of that outcome.
//   - Locks carry a TTL. A periodic sweep drops expired locks and cancels the
//     requests that were queued behind them.
//
// Same-session write re-entry: a session already holding every lock on a path
// may take an additional write lock without queueing. Each acquisition yields
// its own lock ID and must be released separately; the path stays locked until
// all of them are released. Only a session that already holds a write lock
// skips the queue; a session holding read locks that asks for write queues
// behind earlier waiters like any other request.
//
// Usage:
//
//	c := filelock.NewCoordinator(filelock.WithBroadcaster(bus))
//	if err := c.Start(); err != nil {
//		return err
//	}
//	defer c.Close()
//
//	res := c.AcquireLock(ctx, filelock.Request{
//		Path: "src/a.ts", SessionID: "s1", UserID: "u1", Mode: filelock.ModeWrite,
//	})
//	if !res.Acquired {
//		return fmt.Errorf("file busy: %s", res.Reason)
//	}
//	defer c.ReleaseLock(res.LockID)
package filelock
