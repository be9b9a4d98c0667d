package lockmgr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dCtx/lib/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockUnlock(t *testing.T) {
	m := NewLockManager(t.Name())
	ctx := context.Background()

	require.NoError(t, m.Lock(ctx, "k", "a", 0))
	rec, held := m.Holder("k")
	require.True(t, held)
	assert.Equal(t, "a", rec.Holder)
	assert.Equal(t, "k", rec.Key)

	// reentrant
	require.NoError(t, m.Lock(ctx, "k", "a", 0))

	// a non holder can not release
	assert.False(t, m.Unlock("k", "b", false))
	_, held = m.Holder("k")
	assert.True(t, held)

	assert.True(t, m.Unlock("k", "a", false))
	_, held = m.Holder("k")
	assert.False(t, held)
	assert.False(t, m.Unlock("k", "a", false))
}

func TestLockTimeoutZero(t *testing.T) {
	m := NewLockManager(t.Name())
	ctx := context.Background()

	require.NoError(t, m.Lock(ctx, "k", "a", 0))

	start := time.Now()
	err := m.Lock(ctx, "k", "b", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrTimeout))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestLockTimeoutExpires(t *testing.T) {
	m := NewLockManager(t.Name())
	ctx := context.Background()

	require.NoError(t, m.Lock(ctx, "k", "a", 0))
	err := m.Lock(ctx, "k", "b", 30*time.Millisecond)
	assert.ErrorIs(t, err, store.ErrTimeout)
}

func TestLockWaitsForRelease(t *testing.T) {
	m := NewLockManager(t.Name())
	ctx := context.Background()

	require.NoError(t, m.Lock(ctx, "k", "a", 0))

	done := make(chan error, 1)
	go func() {
		done <- m.Lock(ctx, "k", "b", 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	require.True(t, m.Unlock("k", "a", false))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken up")
	}
	rec, _ := m.Holder("k")
	assert.Equal(t, "b", rec.Holder)
}

func TestForceUnlock(t *testing.T) {
	m := NewLockManager(t.Name())
	require.NoError(t, m.Lock(context.Background(), "k", "a", 0))

	assert.True(t, m.Unlock("k", "admin", true))
	assert.Equal(t, 0, m.Count())
}

func TestMutualExclusion(t *testing.T) {
	m := NewLockManager(t.Name())
	ctx := context.Background()

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			owner := NewOwnerID()
			for j := 0; j < 20; j++ {
				if err := m.Lock(ctx, "shared", owner, 5*time.Second); err != nil {
					t.Errorf("lock failed: %v", err)
					return
				}
				n := inside.Add(1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}
				inside.Add(-1)
				m.Unlock("shared", owner, false)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	stats := m.Stats()
	assert.Equal(t, uint64(16*20), stats.Acquired)
	assert.Equal(t, uint64(16*20), stats.Released)
	assert.Equal(t, 0, stats.Held)
}

func TestSealImport(t *testing.T) {
	m := NewLockManager(t.Name())
	ctx := context.Background()
	moving := store.NewError(store.RetCNotOwner, "moving")

	require.NoError(t, m.Lock(ctx, "k", "a", 0))
	rec, held := m.Seal("k", moving)
	require.True(t, held)
	assert.Equal(t, "a", rec.Holder)
	assert.Equal(t, 0, m.Count())

	err := m.Lock(ctx, "k", "b", time.Second)
	assert.ErrorIs(t, err, store.ErrNotOwner)

	// the record arrives on another node
	other := NewLockManager(t.Name() + "-other")
	other.Import(rec)
	got, held := other.Holder("k")
	require.True(t, held)
	assert.Equal(t, "a", got.Holder)
	assert.True(t, other.Unlock("k", "a", false))

	m.ClearSeals()
	require.NoError(t, m.Lock(ctx, "k", "b", 0))
}

func TestSealWakesWaiters(t *testing.T) {
	m := NewLockManager(t.Name())
	ctx := context.Background()
	require.NoError(t, m.Lock(ctx, "k", "a", 0))

	done := make(chan error, 1)
	go func() {
		done <- m.Lock(ctx, "k", "b", 5*time.Second)
	}()
	time.Sleep(20 * time.Millisecond)
	m.Seal("k", store.ErrNotOwner)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, store.ErrNotOwner)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken up by the seal")
	}
}

func TestHeldKeys(t *testing.T) {
	m := NewLockManager(t.Name())
	ctx := context.Background()
	for _, k := range []string{"c", "a", "b"} {
		require.NoError(t, m.Lock(ctx, k, "o", 0))
	}
	m.Seal("b", store.ErrNotOwner)
	assert.Equal(t, []string{"a", "c"}, m.HeldKeys())
	assert.Equal(t, 2, m.Count())
}

func TestRelockIsNotCounted(t *testing.T) {
	m := NewLockManager(t.Name())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Lock(ctx, "k", "a", 0))
	}
	assert.EqualValues(t, 1, m.Stats().Acquired)

	assert.True(t, m.Unlock("k", "a", false))
	stats := m.Stats()
	assert.Equal(t, stats.Acquired, stats.Released)
	assert.Equal(t, 0, stats.Held)
}
