// Package lockmgr implements the per-node lock table of the shared context.
// Every key is locked on the node that currently owns it, so a single table per
// node is enough to give cluster wide mutual exclusion as long as requests are
// routed to the owner.
//
// Core Functionality:
//   - Lock acquisition with an optional timeout (0 tries exactly once)
//   - Reentrant acquisition for the same owner
//   - Release by the holder, or forced release by anyone
//   - Sealing of keys that are being migrated to another node
//
// Implementation Approach:
//
//	The table is a puzpuzpuz/xsync MapOf of lock entries. Acquire and release run
//	inside Compute, which makes the check-and-set on a single key atomic without a
//	table wide mutex.
//
//	- Waiting: every held entry owns a channel that is closed on release. Waiters
//	  block on that channel (or their deadline) and retry the acquire afterwards.
//	  There is no FIFO order between waiters.
//
//	- Migration: Seal removes the lock of a key, returns it so it can travel with
//	  the entry, and makes all acquire attempts fail until the key is unsealed.
//	  The receiving node installs the record with Import.
//
// Metrics:
//
//	Hold durations are tracked with an rcrowley/go-metrics Timer and exposed through
//	Stats. Acquire, release and timeout counters are registered with
//	VictoriaMetrics and show up on the /metrics endpoint of the node.
//
// Usage Example:
//
//	locks := lockmgr.NewLockManager("node-1")
//	owner := lockmgr.NewOwnerID()
//
//	if err := locks.Lock(ctx, "resource:123", owner, 5*time.Second); err != nil {
//	    // store.ErrTimeout if the lock was not acquired in time
//	}
//	defer locks.Unlock("resource:123", owner, false)
package lockmgr
