package txn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dCtx/lib/lockmgr"
	"github.com/ValentinKolb/dCtx/lib/reconcile"
	"github.com/ValentinKolb/dCtx/lib/store"
	"github.com/ValentinKolb/dCtx/lib/store/lstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is a single node Store on top of the local store and lock table.
type memStore struct {
	data    store.IStore
	locks   lockmgr.ILockManager
	reg     *reconcile.Registry
	failPut map[string]bool
	failRm  bool
}

func newMemStore(t *testing.T) *memStore {
	return &memStore{
		data:    lstore.NewLocalStore(),
		locks:   lockmgr.NewLockManager(t.Name()),
		reg:     reconcile.NewRegistry(reconcile.FieldMapStrategy()),
		failPut: map[string]bool{},
	}
}

func (m *memStore) GetEntry(_ context.Context, key string) (store.Entry, bool, error) {
	e, ok := m.data.Get(key)
	return e, ok, nil
}

func (m *memStore) PutIfVersion(_ context.Context, key string, value []byte, expected uint64) (uint64, error) {
	if m.failPut[key] {
		return 0, store.Errorf(store.RetCSendError, "owner of %q unreachable", key)
	}
	return m.data.PutIfVersion(key, value, expected)
}

func (m *memStore) RemoveIfVersion(_ context.Context, key string, expected uint64) (bool, error) {
	if m.failRm {
		return false, store.Errorf(store.RetCSendError, "owner of %q unreachable", key)
	}
	return m.data.RemoveIfVersion(key, expected)
}

func (m *memStore) Lock(ctx context.Context, key, owner string, timeout time.Duration) error {
	return m.locks.Lock(ctx, key, owner, timeout)
}

func (m *memStore) Unlock(_ context.Context, key, owner string, force bool) (bool, error) {
	return m.locks.Unlock(key, owner, force), nil
}

func (m *memStore) Strategy(name string) (reconcile.Reconciler, bool) {
	return m.reg.Get(name)
}

func value(t *testing.T, s *memStore, key string) (string, uint64) {
	e, ok := s.data.Get(key)
	if !ok {
		return "", e.Version
	}
	return string(e.Value), e.Version
}

func TestBeginOnePerCaller(t *testing.T) {
	m := NewManager(time.Minute)
	ctx := context.Background()

	tx, err := m.Begin("c1", Optimistic)
	require.NoError(t, err)
	assert.Equal(t, StateBegin, tx.State())

	_, err = m.Begin("c1", Pessimistic)
	assert.ErrorIs(t, err, store.ErrTransaction)

	other, err := m.Begin("c2", Pessimistic)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Count())

	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, other.Commit(ctx))
	assert.Equal(t, 0, m.Count())

	_, err = m.Begin("c1", Optimistic)
	assert.NoError(t, err)
}

func TestReadYourWrites(t *testing.T) {
	s := newMemStore(t)
	s.data.Put("k", []byte("old"))
	ctx := context.Background()

	for _, mode := range []LockMode{Pessimistic, Optimistic} {
		t.Run(mode.String(), func(t *testing.T) {
			tx, err := NewManager(time.Minute).Begin("c", mode)
			require.NoError(t, err)

			require.NoError(t, tx.Put(ctx, s, "k", []byte("new"), time.Second))
			v, ok, err := tx.Get(ctx, s, "k", time.Second)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "new", string(v))

			// invisible to others before commit
			committed, _ := value(t, s, "k")
			assert.Equal(t, "old", committed)

			removed, err := tx.Remove(ctx, s, "k", time.Second)
			require.NoError(t, err)
			assert.True(t, removed)
			ok, err = tx.ContainsKey(ctx, s, "k", time.Second)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, tx.Rollback(ctx))
			assert.Equal(t, StateRollbacked, tx.State())
			committed, _ = value(t, s, "k")
			assert.Equal(t, "old", committed)
			assert.Equal(t, 0, s.locks.Count())
		})
	}
}

func TestPessimisticLocksOnAccess(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()
	m := NewManager(time.Minute)

	tx, err := m.Begin("c", Pessimistic)
	require.NoError(t, err)
	_, _, err = tx.Get(ctx, s, "k", time.Second)
	require.NoError(t, err)

	rec, held := s.locks.Holder("k")
	require.True(t, held)
	assert.Equal(t, tx.ID(), rec.Holder)

	// a second transaction can not access the key
	tx2, err := m.Begin("c2", Pessimistic)
	require.NoError(t, err)
	_, _, err = tx2.Get(ctx, s, "k", 20*time.Millisecond)
	assert.ErrorIs(t, err, store.ErrTimeout)

	require.NoError(t, tx.Put(ctx, s, "k", []byte("v"), time.Second))
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, StateCommitted, tx.State())

	got, version := value(t, s, "k")
	assert.Equal(t, "v", got)
	assert.Equal(t, uint64(1), version)
	_, held = s.locks.Holder("k")
	assert.False(t, held)
}

func TestOptimisticConflict(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()
	m := NewManager(time.Minute)
	v := s.data.Put("k", []byte("0"))

	t1, err := m.Begin("t1", Optimistic)
	require.NoError(t, err)
	t2, err := m.Begin("t2", Optimistic)
	require.NoError(t, err)

	_, _, err = t1.Get(ctx, s, "k", time.Second)
	require.NoError(t, err)
	_, _, err = t2.Get(ctx, s, "k", time.Second)
	require.NoError(t, err)

	require.NoError(t, t1.Put(ctx, s, "k", []byte("t1"), time.Second))
	require.NoError(t, t2.Put(ctx, s, "k", []byte("t2"), time.Second))

	require.NoError(t, t1.Commit(ctx))

	err = t2.Commit(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrTransaction))
	assert.True(t, errors.Is(err, store.ErrConflict))
	assert.Equal(t, StateRollbacked, t2.State())

	got, version := value(t, s, "k")
	assert.Equal(t, "t1", got)
	assert.Equal(t, v+1, version)
	assert.Equal(t, 0, s.locks.Count())
}

func TestCommitCompensation(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()
	s.data.Put("a", []byte("a0"))
	s.data.Put("b", []byte("b0"))

	tx, err := NewManager(time.Minute).Begin("c", Optimistic)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, s, "a", []byte("a1"), time.Second))
	require.NoError(t, tx.Put(ctx, s, "b", []byte("b1"), time.Second))

	// "a" is applied first (sorted order), "b" fails
	s.failPut["b"] = true
	err = tx.Commit(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrTransaction)
	assert.ErrorIs(t, err, store.ErrSend)
	assert.Equal(t, StateRollbacked, tx.State())

	got, _ := value(t, s, "a")
	assert.Equal(t, "a0", got)
	got, _ = value(t, s, "b")
	assert.Equal(t, "b0", got)
}

func TestCommitCompensationFails(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	tx, err := NewManager(time.Minute).Begin("c", Optimistic)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, s, "a", []byte("new"), time.Second))
	require.NoError(t, tx.Put(ctx, s, "b", []byte("new"), time.Second))

	// undoing "a" (absent before) needs a remove, which fails as well
	s.failPut["b"] = true
	s.failRm = true
	err = tx.Commit(ctx)
	assert.ErrorIs(t, err, store.ErrTransaction)
	assert.Equal(t, StateRollbackFailed, tx.State())
}

func TestTerminalStateRejectsOperations(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	tx, err := NewManager(time.Minute).Begin("c", Pessimistic)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	assert.ErrorIs(t, tx.Commit(ctx), store.ErrTransaction)
	assert.ErrorIs(t, tx.Rollback(ctx), store.ErrTransaction)
	_, _, err = tx.Get(ctx, s, "k", time.Second)
	assert.ErrorIs(t, err, store.ErrTransaction)
	assert.ErrorIs(t, tx.Put(ctx, s, "k", nil, time.Second), store.ErrTransaction)
}

func TestTransactionTimeout(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	tx, err := NewManager(30*time.Millisecond).Begin("c", Pessimistic)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, s, "k", []byte("v"), 0))
	assert.Equal(t, 1, s.locks.Count())

	time.Sleep(50 * time.Millisecond)
	err = tx.Put(ctx, s, "k2", []byte("v"), 0)
	assert.ErrorIs(t, err, store.ErrTransaction)
	assert.Equal(t, StateRollbacked, tx.State())
	assert.Equal(t, 0, s.locks.Count())

	_, ok := s.data.Get("k")
	assert.False(t, ok)
}

func TestBoundToOneContext(t *testing.T) {
	s1, s2 := newMemStore(t), newMemStore(t)
	ctx := context.Background()

	tx, err := NewManager(time.Minute).Begin("c", Optimistic)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, s1, "k", []byte("v"), time.Second))
	assert.ErrorIs(t, tx.Put(ctx, s2, "k", []byte("v"), time.Second), store.ErrTransaction)
}

func TestTransactionalUpdate(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()
	strategy := reconcile.FieldMapStrategy()
	diff, err := strategy.EncodeDiff(reconcile.FieldDiff{Set: map[string]string{"name": "x"}})
	require.NoError(t, err)

	tx, err := NewManager(time.Minute).Begin("c", Optimistic)
	require.NoError(t, err)

	res, err := tx.UpdateIfExists(ctx, s, "profile", reconcile.FieldMapStrategyName, diff, time.Second)
	require.NoError(t, err)
	assert.Equal(t, reconcile.Partial, res)

	res, err = tx.Update(ctx, s, "profile", reconcile.FieldMapStrategyName, diff, time.Second)
	require.NoError(t, err)
	assert.Equal(t, reconcile.Full, res)

	res, err = tx.Update(ctx, s, "profile", reconcile.FieldMapStrategyName, diff, time.Second)
	require.NoError(t, err)
	assert.Equal(t, reconcile.Partial, res)

	_, err = tx.Update(ctx, s, "profile", "unknown", diff, time.Second)
	assert.ErrorIs(t, err, store.ErrInvalidOperation)

	require.NoError(t, tx.Commit(ctx))

	e, ok := s.data.Get("profile")
	require.True(t, ok)
	fm, err := strategy.DecodeValue(e.Value, e.Version)
	require.NoError(t, err)
	got, _ := fm.Get("name")
	assert.Equal(t, "x", got)
}

func TestUpdatesBuildOnOwnWrites(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()
	strategy := reconcile.FieldMapStrategy()
	encode := func(d reconcile.FieldDiff) []byte {
		b, err := strategy.EncodeDiff(d)
		require.NoError(t, err)
		return b
	}

	for _, mode := range []LockMode{Pessimistic, Optimistic} {
		t.Run(mode.String(), func(t *testing.T) {
			key := "k-" + mode.String()
			tx, err := NewManager(time.Minute).Begin("c", mode)
			require.NoError(t, err)

			res, err := tx.Update(ctx, s, key, reconcile.FieldMapStrategyName, encode(reconcile.FieldDiff{Set: map[string]string{"a": "1"}}), time.Second)
			require.NoError(t, err)
			assert.Equal(t, reconcile.Full, res)

			// the caller still only knows version 0, the field was written by this transaction
			res, err = tx.Update(ctx, s, key, reconcile.FieldMapStrategyName, encode(reconcile.FieldDiff{Set: map[string]string{"a": "2", "b": "3"}}), time.Second)
			require.NoError(t, err)
			assert.Equal(t, reconcile.Full, res)

			require.NoError(t, tx.Commit(ctx))
			e, ok := s.data.Get(key)
			require.True(t, ok)
			assert.EqualValues(t, 1, e.Version)
			fm, err := strategy.DecodeValue(e.Value, e.Version)
			require.NoError(t, err)
			a, _ := fm.Get("a")
			b, _ := fm.Get("b")
			assert.Equal(t, "2", a)
			assert.Equal(t, "3", b)
		})
	}
}

func TestStartedAtDuringOperations(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()
	m := NewManager(time.Minute)
	before := time.Now()

	tx, err := m.Begin("c", Pessimistic)
	require.NoError(t, err)
	started := tx.StartedAt()
	assert.False(t, started.Before(before))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			assert.Equal(t, started, tx.StartedAt())
		}
	}()
	for i := 0; i < 20; i++ {
		require.NoError(t, tx.Put(ctx, s, "k", []byte{byte(i)}, time.Second))
	}
	wg.Wait()
	require.NoError(t, tx.Commit(ctx))
}
