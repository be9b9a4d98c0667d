package txn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dCtx/lib/reconcile"
	"github.com/ValentinKolb/dCtx/lib/store"
)

// pending is a buffered write of a transaction.
type pending struct {
	value   []byte
	deleted bool
}

// applied is a write that reached the store during commit. before is used to undo it.
type applied struct {
	key     string
	before  store.Entry
	version uint64
}

// Tx is a transaction handle. All operations of a transaction are serialized, the
// handle may be passed between goroutines but is meant for one logical caller.
//
// The first operation binds the transaction to the shared context it was called
// with, later calls with a different context fail.
type Tx struct {
	mu       sync.Mutex
	manager  *Manager
	id       string
	caller   string
	mode     LockMode
	state    atomic.Uint32
	started  time.Time
	deadline time.Time

	store  Store
	base   map[string]store.Entry // committed entry at first access
	writes map[string]pending
	locked []string
}

// newTx creates a transaction. started and deadline are fixed here and never written again.
func newTx(m *Manager, id, caller string, mode LockMode) *Tx {
	started := m.now()
	return &Tx{
		manager:  m,
		id:       id,
		caller:   caller,
		mode:     mode,
		started:  started,
		deadline: started.Add(m.timeout),
		base:     make(map[string]store.Entry),
		writes:   make(map[string]pending),
	}
}

func (tx *Tx) begin() {
	tx.setState(StateBegin)
}

// ID returns the transaction id. It is also the lock owner of the transaction.
func (tx *Tx) ID() string { return tx.id }

// Caller returns the caller the transaction was started for.
func (tx *Tx) Caller() string { return tx.caller }

// Mode returns the lock mode.
func (tx *Tx) Mode() LockMode { return tx.mode }

// State returns the current state.
func (tx *Tx) State() State { return State(tx.state.Load()) }

// StartedAt returns when the transaction began.
func (tx *Tx) StartedAt() time.Time { return tx.started }

func (tx *Tx) setState(s State) {
	tx.state.Store(uint32(s))
}

// --------------------------------------------------------------------------
// Operations
//
// The timeout of an operation bounds the remote calls and, in pessimistic mode,
// the wait for the key lock. A timeout of 0 uses the remaining lifetime of the
// transaction. Every operation sees the buffered writes of the transaction.
// --------------------------------------------------------------------------

// ContainsKey returns whether key holds a value from the view of the transaction.
func (tx *Tx) ContainsKey(ctx context.Context, s Store, key string, timeout time.Duration) (bool, error) {
	_, exists, err := tx.read(ctx, s, key, timeout)
	return exists, err
}

// Get returns the value of key from the view of the transaction.
func (tx *Tx) Get(ctx context.Context, s Store, key string, timeout time.Duration) ([]byte, bool, error) {
	value, exists, err := tx.read(ctx, s, key, timeout)
	if err != nil || !exists {
		return nil, false, err
	}
	return copyBytes(value), true, nil
}

// Put buffers a write of key.
func (tx *Tx) Put(ctx context.Context, s Store, key string, value []byte, timeout time.Duration) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.enter(s); err != nil {
		return err
	}

	ctx, cancel := tx.opContext(ctx, timeout)
	defer cancel()
	if _, err := tx.baseline(ctx, key, timeout); err != nil {
		return err
	}
	tx.writes[key] = pending{value: copyBytes(value)}
	return nil
}

// Remove buffers the removal of key and returns whether it held a value.
func (tx *Tx) Remove(ctx context.Context, s Store, key string, timeout time.Duration) (bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.enter(s); err != nil {
		return false, err
	}

	ctx, cancel := tx.opContext(ctx, timeout)
	defer cancel()
	_, exists, err := tx.current(ctx, key, timeout)
	if err != nil {
		return false, err
	}
	tx.writes[key] = pending{deleted: true}
	return exists, nil
}

// Update applies a diff to the value of key as seen by the transaction and buffers
// the result. Absent keys start from the template of the strategy.
func (tx *Tx) Update(ctx context.Context, s Store, key, strategy string, diff []byte, timeout time.Duration) (reconcile.Result, error) {
	return tx.update(ctx, s, key, strategy, diff, timeout, false)
}

// UpdateIfExists is like Update but a no-op (Partial) if key holds no value.
func (tx *Tx) UpdateIfExists(ctx context.Context, s Store, key, strategy string, diff []byte, timeout time.Duration) (reconcile.Result, error) {
	return tx.update(ctx, s, key, strategy, diff, timeout, true)
}

// Commit applies the buffered writes. On a version conflict or a failed write the
// transaction is rolled back and an error matching store.ErrTransaction (and the
// cause, e.g. store.ErrConflict) is returned.
func (tx *Tx) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkActive(); err != nil {
		return err
	}
	tx.setState(StateCommit)

	keys := make([]string, 0, len(tx.writes))
	for k := range tx.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if len(keys) > 0 && tx.mode == Optimistic {
		for _, k := range keys {
			if err := tx.store.Lock(ctx, k, tx.id, tx.remaining()); err != nil {
				return tx.fail(ctx, nil, err)
			}
			tx.locked = append(tx.locked, k)
		}
		for _, k := range keys {
			e, _, err := tx.store.GetEntry(ctx, k)
			if err != nil {
				return tx.fail(ctx, nil, err)
			}
			if observed := tx.base[k].Version; e.Version != observed {
				return tx.fail(ctx, nil, store.Errorf(store.RetCConflict,
					"key %q changed from version %d to %d", k, observed, e.Version))
			}
		}
	}

	var done []applied
	for _, k := range keys {
		w, b := tx.writes[k], tx.base[k]
		if w.deleted {
			if !b.Live() {
				continue
			}
			if _, err := tx.store.RemoveIfVersion(ctx, k, b.Version); err != nil {
				return tx.fail(ctx, done, err)
			}
			done = append(done, applied{key: k, before: b, version: b.Version + 1})
			continue
		}
		v, err := tx.store.PutIfVersion(ctx, k, w.value, b.Version)
		if err != nil {
			return tx.fail(ctx, done, err)
		}
		done = append(done, applied{key: k, before: b, version: v})
	}

	if err := tx.releaseLocks(ctx); err != nil {
		Logger.Warningf("tx %s: committed, but releasing locks failed: %v", tx.id, err)
	}
	tx.finish(StateCommitted)
	Logger.Debugf("tx %s: committed %d writes", tx.id, len(done))
	return nil
}

// Rollback discards the buffered writes and releases the locks of the transaction.
// If a lock can not be released the transaction ends in ROLLBACK_FAILED.
func (tx *Tx) Rollback(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if st := tx.State(); st != StateBegin {
		return store.Errorf(store.RetCTransaction, "transaction %s is %s", tx.id, st)
	}
	return tx.rollback(ctx)
}

// --------------------------------------------------------------------------
// Helper Methods (tx.mu must be held)
// --------------------------------------------------------------------------

func (tx *Tx) read(ctx context.Context, s Store, key string, timeout time.Duration) ([]byte, bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.enter(s); err != nil {
		return nil, false, err
	}

	ctx, cancel := tx.opContext(ctx, timeout)
	defer cancel()
	return tx.current(ctx, key, timeout)
}

func (tx *Tx) update(ctx context.Context, s Store, key, strategy string, diff []byte, timeout time.Duration, ifExists bool) (reconcile.Result, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.enter(s); err != nil {
		return reconcile.Conflict, err
	}

	r, ok := s.Strategy(strategy)
	if !ok {
		return reconcile.Conflict, store.Errorf(store.RetCInvalidOperation, "unknown diff strategy %q", strategy)
	}

	ctx, cancel := tx.opContext(ctx, timeout)
	defer cancel()
	value, exists, err := tx.current(ctx, key, timeout)
	if err != nil {
		return reconcile.Conflict, err
	}
	if !exists && ifExists {
		return reconcile.Partial, nil
	}

	// fields of an earlier buffered diff are stamped base+1, they are our own writes
	base := tx.base[key].Version
	if _, own := tx.writes[key]; own {
		if rb, ok := r.(reconcile.Rebaser); ok {
			if diff, err = rb.Rebase(diff, base, base+1); err != nil {
				return reconcile.Conflict, store.Errorf(store.RetCInvalidOperation, "rebase %s diff for %q: %v", strategy, key, err)
			}
		}
	}

	next, res, changed, err := r.Apply(value, base, exists, diff)
	if err != nil {
		return reconcile.Conflict, store.Errorf(store.RetCInvalidOperation, "apply %s diff to %q: %v", strategy, key, err)
	}
	if res == reconcile.Conflict {
		return res, store.Errorf(store.RetCConflict, "diff for %q conflicts with version %d", key, base)
	}
	if changed {
		tx.writes[key] = pending{value: next}
	}
	return res, nil
}

// enter checks that an operation may run and binds the transaction to s.
func (tx *Tx) enter(s Store) error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	if tx.store == nil {
		tx.store = s
	} else if tx.store != s {
		return store.Errorf(store.RetCTransaction, "transaction %s is bound to another context", tx.id)
	}
	return nil
}

// checkActive fails for finished and expired transactions. Expired transactions are rolled back.
func (tx *Tx) checkActive() error {
	if st := tx.State(); st != StateBegin {
		return store.Errorf(store.RetCTransaction, "transaction %s is %s", tx.id, st)
	}
	if tx.remaining() <= 0 {
		if tx.store != nil {
			_ = tx.rollback(context.Background())
		} else {
			tx.setState(StateRollback)
			tx.finish(StateRollbacked)
		}
		return store.Errorf(store.RetCTransaction, "transaction %s timed out after %s", tx.id, tx.manager.timeout)
	}
	return nil
}

// current returns the value of key as seen by the transaction.
func (tx *Tx) current(ctx context.Context, key string, timeout time.Duration) ([]byte, bool, error) {
	if w, ok := tx.writes[key]; ok {
		return w.value, !w.deleted, nil
	}
	e, err := tx.baseline(ctx, key, timeout)
	if err != nil {
		return nil, false, err
	}
	return e.Value, e.Live(), nil
}

// baseline returns the committed entry of key at first access. In pessimistic
// mode the key is locked before it is read.
func (tx *Tx) baseline(ctx context.Context, key string, timeout time.Duration) (store.Entry, error) {
	if e, ok := tx.base[key]; ok {
		return e, nil
	}

	if tx.mode == Pessimistic {
		if timeout <= 0 {
			timeout = tx.remaining()
		}
		if err := tx.store.Lock(ctx, key, tx.id, timeout); err != nil {
			return store.Entry{}, err
		}
		tx.locked = append(tx.locked, key)
	}

	e, ok, err := tx.store.GetEntry(ctx, key)
	if err != nil {
		return store.Entry{}, err
	}
	if !ok {
		e = store.Entry{Key: key, Version: e.Version, Deleted: true}
	}
	tx.base[key] = e
	return e, nil
}

func (tx *Tx) rollback(ctx context.Context) error {
	tx.setState(StateRollback)
	if err := tx.releaseLocks(ctx); err != nil {
		tx.finish(StateRollbackFailed)
		return fmt.Errorf("%w: %w", store.Errorf(store.RetCTransaction, "rollback of transaction %s failed", tx.id), err)
	}
	tx.finish(StateRollbacked)
	Logger.Debugf("tx %s: rolled back", tx.id)
	return nil
}

// fail undoes the writes applied so far, releases the locks and ends the transaction.
func (tx *Tx) fail(ctx context.Context, done []applied, cause error) error {
	tx.setState(StateRollback)

	final := StateRollbacked
	if err := tx.compensate(ctx, done); err != nil {
		Logger.Errorf("tx %s: compensation failed, context may be inconsistent: %v", tx.id, err)
		final = StateRollbackFailed
	}
	if err := tx.releaseLocks(ctx); err != nil {
		Logger.Warningf("tx %s: releasing locks failed: %v", tx.id, err)
	}
	tx.finish(final)

	return fmt.Errorf("%w: %w",
		store.Errorf(store.RetCTransaction, "commit of transaction %s failed (%s)", tx.id, final), cause)
}

// compensate restores the before-images of applied writes in reverse order.
func (tx *Tx) compensate(ctx context.Context, done []applied) error {
	if len(done) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tx.manager.timeout)
	defer cancel()

	var errs []error
	for i := len(done) - 1; i >= 0; i-- {
		a := done[i]
		var err error
		if a.before.Live() {
			_, err = tx.store.PutIfVersion(ctx, a.key, a.before.Value, a.version)
		} else {
			_, err = tx.store.RemoveIfVersion(ctx, a.key, a.version)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("undo %q: %w", a.key, err))
		}
	}
	return errors.Join(errs...)
}

func (tx *Tx) releaseLocks(ctx context.Context) error {
	if len(tx.locked) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tx.manager.timeout)
	defer cancel()

	var errs []error
	for _, k := range tx.locked {
		if _, err := tx.store.Unlock(ctx, k, tx.id, false); err != nil {
			errs = append(errs, fmt.Errorf("unlock %q: %w", k, err))
		}
	}
	tx.locked = nil
	return errors.Join(errs...)
}

func (tx *Tx) finish(s State) {
	tx.writes = make(map[string]pending)
	tx.setState(s)
	tx.manager.release(tx)
}

func (tx *Tx) remaining() time.Duration {
	return tx.deadline.Sub(tx.manager.now())
}

func (tx *Tx) opContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	deadline := tx.deadline
	if timeout > 0 {
		if d := tx.manager.now().Add(timeout); d.Before(deadline) {
			deadline = d
		}
	}
	return context.WithDeadline(ctx, deadline)
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
