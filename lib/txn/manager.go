package txn

import (
	"context"
	"time"

	"github.com/ValentinKolb/dCtx/lib/reconcile"
	"github.com/ValentinKolb/dCtx/lib/store"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("txn")

// DefaultTimeout is the lifetime of a transaction if the manager was created without one.
const DefaultTimeout = 30 * time.Second

// Store is what a transaction needs from the shared context. All calls are
// routed to the owner of the key by the implementation.
type Store interface {
	// GetEntry returns the committed entry of key. The boolean reports whether a live value exists.
	GetEntry(ctx context.Context, key string) (store.Entry, bool, error)
	// PutIfVersion writes value if the key is still at expected.
	PutIfVersion(ctx context.Context, key string, value []byte, expected uint64) (uint64, error)
	// RemoveIfVersion removes the key if it is still at expected.
	RemoveIfVersion(ctx context.Context, key string, expected uint64) (bool, error)
	// Lock acquires the lock of key for owner.
	Lock(ctx context.Context, key, owner string, timeout time.Duration) error
	// Unlock releases the lock of key held by owner.
	Unlock(ctx context.Context, key, owner string, force bool) (bool, error)
	// Strategy looks up a registered diff strategy.
	Strategy(name string) (reconcile.Reconciler, bool)
}

// Manager hands out transactions. A caller (any id the application uses for a
// logical thread of work) has at most one active transaction at a time.
type Manager struct {
	active  *xsync.MapOf[string, *Tx]
	timeout time.Duration
	now     func() time.Time
}

// NewManager creates a manager whose transactions expire after timeout
// (DefaultTimeout if timeout is 0 or less).
func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		active:  xsync.NewMapOf[string, *Tx](),
		timeout: timeout,
		now:     time.Now,
	}
}

// Begin opens a transaction for caller. It fails with store.ErrTransaction if the
// caller already has an active transaction.
func (m *Manager) Begin(caller string, mode LockMode) (*Tx, error) {
	if caller == "" {
		return nil, store.NewError(store.RetCTransaction, "caller must not be empty")
	}

	var err error
	tx, _ := m.active.Compute(caller, func(old *Tx, loaded bool) (*Tx, bool) {
		if loaded && !old.State().Terminal() {
			err = store.Errorf(store.RetCTransaction, "caller %q already has active transaction %s", caller, old.id)
			return old, false
		}
		return newTx(m, uuid.NewString(), caller, mode), false
	})
	if err != nil {
		return nil, err
	}

	tx.begin()
	Logger.Debugf("tx %s: begin (%s) for %s", tx.id, mode, caller)
	return tx, nil
}

// Active returns the active transaction of caller.
func (m *Manager) Active(caller string) (*Tx, bool) {
	tx, ok := m.active.Load(caller)
	if !ok || tx.State().Terminal() {
		return nil, false
	}
	return tx, true
}

// Count returns the number of active transactions.
func (m *Manager) Count() int {
	n := 0
	m.active.Range(func(_ string, tx *Tx) bool {
		if !tx.State().Terminal() {
			n++
		}
		return true
	})
	return n
}

// release forgets a finished transaction.
func (m *Manager) release(tx *Tx) {
	m.active.Compute(tx.caller, func(old *Tx, loaded bool) (*Tx, bool) {
		if loaded && old == tx {
			return nil, true
		}
		return old, !loaded
	})
}
