package lockmgr

import (
	"context"
	"time"

	"github.com/ValentinKolb/dCtx/lib/store"
)

// ILockManager is the lock table of a node. It only holds locks for keys the node
// owns; the engine forwards lock requests for other keys to their owner.
type ILockManager interface {
	// Lock blocks until owner holds the lock for key or the timeout expires.
	// A timeout of 0 tries once. Failure to acquire in time returns store.ErrTimeout.
	// Locking a key already held by owner succeeds immediately.
	Lock(ctx context.Context, key, owner string, timeout time.Duration) error

	// Unlock releases the lock if owner holds it, or regardless of the holder if force is set.
	// It returns whether a lock was released.
	Unlock(key, owner string, force bool) (released bool)

	// Holder returns the current lock record of key.
	Holder(key string) (rec store.LockRecord, held bool)

	// HeldKeys returns the sorted keys of all held locks.
	HeldKeys() []string

	// Count returns the number of held locks.
	Count() int

	// Stats returns counters and hold durations of this lock table.
	Stats() Stats

	// Seal removes the lock of key (returning it, if held) and makes every current and
	// future acquire attempt fail with err until Unseal. Used while a key migrates.
	Seal(key string, err error) (rec store.LockRecord, held bool)

	// Unseal lifts a seal.
	Unseal(key string)

	// ClearSeals lifts all seals.
	ClearSeals()

	// Import installs a lock record received from another node.
	Import(rec store.LockRecord)
}

// Stats summarizes lock activity.
type Stats struct {
	Held     int           `json:"held"`
	Acquired uint64        `json:"acquired"`
	Released uint64        `json:"released"`
	AvgHold  time.Duration `json:"avg_hold"`
	MaxHold  time.Duration `json:"max_hold"`
}
