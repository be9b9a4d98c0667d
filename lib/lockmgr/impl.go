package lockmgr

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dCtx/lib/store"
	vm "github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	gometrics "github.com/rcrowley/go-metrics"
)

var Logger = logger.GetLogger("lockmgr")

// lockEntry is a slot of the lock table. A sealed slot has no holder.
type lockEntry struct {
	holder     string
	acquiredAt time.Time
	released   chan struct{} // closed when the holder goes away
	sealed     error
}

type lockMgrImpl struct {
	locks    *xsync.MapOf[string, *lockEntry]
	hold     gometrics.Timer
	acquired atomic.Uint64
	now      func() time.Time

	acquiredCounter *vm.Counter
	releasedCounter *vm.Counter
	timeoutCounter  *vm.Counter
}

// NewLockManager creates an empty lock table. The name labels the exported metrics.
func NewLockManager(name string) ILockManager {
	return &lockMgrImpl{
		locks:           xsync.NewMapOf[string, *lockEntry](),
		hold:            gometrics.NewTimer(),
		now:             time.Now,
		acquiredCounter: vm.GetOrCreateCounter(fmt.Sprintf(`dctx_locks_acquired_total{node=%q}`, name)),
		releasedCounter: vm.GetOrCreateCounter(fmt.Sprintf(`dctx_locks_released_total{node=%q}`, name)),
		timeoutCounter:  vm.GetOrCreateCounter(fmt.Sprintf(`dctx_locks_timeouts_total{node=%q}`, name)),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see lockmgr.ILockManager)
// --------------------------------------------------------------------------

func (m *lockMgrImpl) Lock(ctx context.Context, key, owner string, timeout time.Duration) error {
	if owner == "" {
		return store.NewError(store.RetCInvalidOperation, "lock owner must not be empty")
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		acquired, wait, err := m.tryAcquire(key, owner)
		if err != nil {
			return err
		}
		if acquired {
			return nil
		}
		if timeout <= 0 {
			m.timeoutCounter.Inc()
			return store.Errorf(store.RetCTimeout, "lock %q is held by another owner", key)
		}

		select {
		case <-wait:
			// holder released or the key was sealed, try again
		case <-deadline:
			m.timeoutCounter.Inc()
			return store.Errorf(store.RetCTimeout, "lock %q not acquired within %s", key, timeout)
		case <-ctx.Done():
			m.timeoutCounter.Inc()
			return store.Errorf(store.RetCTimeout, "lock %q: %v", key, ctx.Err())
		}
	}
}

func (m *lockMgrImpl) Unlock(key, owner string, force bool) bool {
	var held time.Duration
	released := false
	m.locks.Compute(key, func(old *lockEntry, loaded bool) (*lockEntry, bool) {
		if !loaded || old.sealed != nil {
			return old, !loaded
		}
		if old.holder != owner && !force {
			return old, false
		}
		if old.holder != owner {
			Logger.Warningf("forced release of %q held by %s", key, old.holder)
		}
		released = true
		held = m.now().Sub(old.acquiredAt)
		close(old.released)
		return nil, true
	})

	if released {
		m.hold.Update(held)
		m.releasedCounter.Inc()
	}
	return released
}

func (m *lockMgrImpl) Holder(key string) (store.LockRecord, bool) {
	e, ok := m.locks.Load(key)
	if !ok || e.sealed != nil {
		return store.LockRecord{}, false
	}
	return store.LockRecord{Key: key, Holder: e.holder, AcquiredAt: e.acquiredAt}, true
}

func (m *lockMgrImpl) HeldKeys() []string {
	var keys []string
	m.locks.Range(func(key string, e *lockEntry) bool {
		if e.sealed == nil {
			keys = append(keys, key)
		}
		return true
	})
	sort.Strings(keys)
	return keys
}

func (m *lockMgrImpl) Count() int {
	n := 0
	m.locks.Range(func(_ string, e *lockEntry) bool {
		if e.sealed == nil {
			n++
		}
		return true
	})
	return n
}

func (m *lockMgrImpl) Stats() Stats {
	snap := m.hold.Snapshot()
	return Stats{
		Held:     m.Count(),
		Acquired: m.acquired.Load(),
		Released: uint64(snap.Count()),
		AvgHold:  time.Duration(snap.Mean()),
		MaxHold:  time.Duration(snap.Max()),
	}
}

func (m *lockMgrImpl) Seal(key string, err error) (store.LockRecord, bool) {
	var rec store.LockRecord
	held := false
	m.locks.Compute(key, func(old *lockEntry, loaded bool) (*lockEntry, bool) {
		if loaded && old.sealed == nil {
			rec = store.LockRecord{Key: key, Holder: old.holder, AcquiredAt: old.acquiredAt}
			held = true
			close(old.released)
		}
		if loaded && old.sealed != nil {
			return &lockEntry{sealed: err, released: old.released}, false
		}
		return &lockEntry{sealed: err, released: make(chan struct{})}, false
	})
	return rec, held
}

func (m *lockMgrImpl) Unseal(key string) {
	m.locks.Compute(key, func(old *lockEntry, loaded bool) (*lockEntry, bool) {
		if loaded && old.sealed != nil {
			return nil, true
		}
		return old, !loaded
	})
}

func (m *lockMgrImpl) ClearSeals() {
	var sealed []string
	m.locks.Range(func(key string, e *lockEntry) bool {
		if e.sealed != nil {
			sealed = append(sealed, key)
		}
		return true
	})
	for _, key := range sealed {
		m.Unseal(key)
	}
}

func (m *lockMgrImpl) Import(rec store.LockRecord) {
	m.locks.Compute(rec.Key, func(old *lockEntry, loaded bool) (*lockEntry, bool) {
		if loaded && old.sealed == nil {
			close(old.released)
		}
		return &lockEntry{
			holder:     rec.Holder,
			acquiredAt: rec.AcquiredAt,
			released:   make(chan struct{}),
		}, false
	})
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// tryAcquire makes one attempt. If the lock is held by someone else it returns the
// channel that is closed once the holder goes away.
func (m *lockMgrImpl) tryAcquire(key, owner string) (acquired bool, wait <-chan struct{}, err error) {
	fresh := false
	m.locks.Compute(key, func(old *lockEntry, loaded bool) (*lockEntry, bool) {
		switch {
		case !loaded:
			acquired, fresh = true, true
			return &lockEntry{holder: owner, acquiredAt: m.now(), released: make(chan struct{})}, false
		case old.sealed != nil:
			err = old.sealed
		case old.holder == owner:
			acquired = true
			return old, false
		default:
			wait = old.released
		}
		return old, false
	})

	// re-locks by the holder are not counted
	if fresh {
		m.acquired.Add(1)
		m.acquiredCounter.Inc()
	}
	return acquired, wait, err
}
