package sharedctx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ValentinKolb/dCtx/lib/cluster"
	"github.com/ValentinKolb/dCtx/lib/reconcile"
	"github.com/ValentinKolb/dCtx/lib/store"
	"github.com/ValentinKolb/dCtx/lib/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripFromAnyNode(t *testing.T) {
	c := newCluster(t, 3, 0)
	ctx := context.Background()
	key := c.keyOwnedBy("n2", "k")

	route, err := c.node("n1").Route(key)
	require.NoError(t, err)
	assert.Equal(t, RouteRemote, route.Kind)
	assert.EqualValues(t, "n2", route.Node.ID)

	v, err := c.node("n1").Put(ctx, key, []byte("hello"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)

	for _, id := range []string{"n1", "n2", "n3"} {
		val, ok, err := c.node(id).Get(ctx, key)
		require.NoError(t, err, id)
		assert.True(t, ok, id)
		assert.Equal(t, "hello", string(val), id)
	}

	// the entry lives on the owner only
	_, ok := c.node("n2").local.Get(key)
	assert.True(t, ok)
	_, ok = c.node("n1").local.Get(key)
	assert.False(t, ok)

	removed, err := c.node("n3").Remove(ctx, key)
	require.NoError(t, err)
	assert.True(t, removed)

	e, ok, err := c.node("n1").GetEntry(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.EqualValues(t, 2, e.Version)
}

func TestConditionalWrites(t *testing.T) {
	c := newCluster(t, 2, 0)
	ctx := context.Background()
	key := c.keyOwnedBy("n2", "cond")
	n1 := c.node("n1")

	v, err := n1.PutIfVersion(ctx, key, []byte("a"), 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)

	_, err = n1.PutIfVersion(ctx, key, []byte("b"), 0)
	assert.True(t, errors.Is(err, store.ErrConflict))

	removed, err := n1.RemoveIfVersion(ctx, key, 3)
	assert.True(t, errors.Is(err, store.ErrConflict))
	assert.False(t, removed)

	removed, err = n1.RemoveIfVersion(ctx, key, 1)
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestContextWideOperations(t *testing.T) {
	c := newCluster(t, 3, 6)
	ctx := context.Background()
	n1 := c.node("n1")

	for _, id := range []string{"n1", "n2", "n3"} {
		for _, key := range c.keysOwnedBy(cluster.NodeID(id), "wide", 2) {
			_, err := n1.Put(ctx, key, []byte(id))
			require.NoError(t, err)
		}
	}

	size, err := c.node("n2").Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, size)

	keys, err := c.node("n3").Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 6)

	cleared, err := n1.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, cleared)

	size, err = n1.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestLockTimeoutAndOwnership(t *testing.T) {
	c := newCluster(t, 2, 0)
	ctx := context.Background()
	key := c.keyOwnedBy("n2", "lock")

	require.NoError(t, c.node("n1").Lock(ctx, key, "alice", time.Second))

	err := c.node("n2").Lock(ctx, key, "bob", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrTimeout))

	released, err := c.node("n1").Unlock(ctx, key, "bob", false)
	require.NoError(t, err)
	assert.False(t, released)

	locked, err := c.node("n1").LockedKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{key}, locked)

	// the waiting owner gets the lock once it is released
	done := make(chan error, 1)
	go func() {
		done <- c.node("n1").Lock(ctx, key, "bob", 5*time.Second)
	}()
	time.Sleep(50 * time.Millisecond)
	released, err = c.node("n2").Unlock(ctx, key, "alice", false)
	require.NoError(t, err)
	assert.True(t, released)
	require.NoError(t, <-done)

	released, err = c.node("n1").Unlock(ctx, key, "", true)
	require.NoError(t, err)
	assert.True(t, released)

	count, err := c.node("n2").LockCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestOptimisticTransactionConflict(t *testing.T) {
	c := newCluster(t, 2, 0)
	ctx := context.Background()
	n1, n2 := c.node("n1"), c.node("n2")
	key := c.keyOwnedBy("n2", "tx")

	v, err := n1.Put(ctx, key, []byte("0"))
	require.NoError(t, err)

	tx, err := n1.Begin("worker", txn.Optimistic)
	require.NoError(t, err)
	_, _, err = tx.Get(ctx, n1, key, time.Second)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, n1, key, []byte("tx"), time.Second))

	_, err = n2.Put(ctx, key, []byte("other"))
	require.NoError(t, err)

	err = tx.Commit(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrConflict))
	assert.Equal(t, 0, n1.ActiveTransactions())

	e, ok, err := n1.GetEntry(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "other", string(e.Value))
	assert.Equal(t, v+1, e.Version)
}

func TestPessimisticTransactionCommit(t *testing.T) {
	c := newCluster(t, 2, 0)
	ctx := context.Background()
	n1 := c.node("n1")
	a, b := c.keyOwnedBy("n1", "pa"), c.keyOwnedBy("n2", "pb")

	tx, err := n1.Begin("worker", txn.Pessimistic)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, n1, a, []byte("1"), time.Second))
	require.NoError(t, tx.Put(ctx, n1, b, []byte("2"), time.Second))

	// the keys are locked by the transaction
	err = c.node("n2").Lock(ctx, b, "intruder", 0)
	assert.True(t, errors.Is(err, store.ErrTimeout))

	require.NoError(t, tx.Commit(ctx))

	for key, want := range map[string]string{a: "1", b: "2"} {
		val, ok, err := c.node("n2").Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, want, string(val))
	}
	count, err := n1.LockCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestDiffIsIdempotent(t *testing.T) {
	c := newCluster(t, 2, 0)
	ctx := context.Background()
	key := c.keyOwnedBy("n2", "diff")
	n1 := c.node("n1")
	s := reconcile.FieldMapStrategy()
	diff := reconcile.FieldDiff{Set: map[string]string{"status": "done"}}

	res, err := reconcile.Update(ctx, n1, key, s, diff)
	require.NoError(t, err)
	assert.Equal(t, reconcile.Full, res)

	res, err = reconcile.Update(ctx, n1, key, s, diff)
	require.NoError(t, err)
	assert.Equal(t, reconcile.Partial, res)

	// a stale diff on a changed field is rejected
	res, err = reconcile.Update(ctx, c.node("n2"), key, s, reconcile.FieldDiff{Set: map[string]string{"status": "open"}})
	assert.True(t, errors.Is(err, store.ErrConflict))
	assert.Equal(t, reconcile.Conflict, res)

	res, err = reconcile.UpdateIfExists(ctx, n1, c.keyOwnedBy("n1", "absent"), s, diff)
	require.NoError(t, err)
	assert.Equal(t, reconcile.Partial, res)
}

func TestUnknownStrategy(t *testing.T) {
	c := newCluster(t, 1, 0)
	_, err := c.node("n1").Update(context.Background(), "k", "nope", []byte{0})
	assert.True(t, errors.Is(err, store.ErrInvalidOperation))
}
