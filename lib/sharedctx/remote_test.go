package sharedctx

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ValentinKolb/dCtx/lib/persist"
	"github.com/ValentinKolb/dCtx/lib/reconcile"
	"github.com/ValentinKolb/dCtx/lib/store"
	"github.com/ValentinKolb/dCtx/rpc/common"
	"github.com/ValentinKolb/dCtx/rpc/serializer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectRemote(t *testing.T, c *testCluster, endpoint string) *RemoteContext {
	r, err := NewRemoteContext("test", common.ClientConfig{
		TimeoutSecond: 5,
		Transport:     common.ClientTransportConfig{Endpoints: []string{endpoint}},
	}, c.net.NewClientTransport(), serializer.NewBinarySerializer())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRemoteContext(t *testing.T) {
	c := newCluster(t, 2, 0)
	ctx := context.Background()
	r := connectRemote(t, c, "n1")
	key := c.keyOwnedBy("n2", "remote")

	require.NoError(t, r.Ping(ctx))

	v, err := r.Put(ctx, key, []byte("x"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)

	val, version, ok, err := r.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "x", string(val))
	assert.EqualValues(t, 1, version)

	_, err = r.PutIfVersion(ctx, key, []byte("y"), 0)
	assert.True(t, errors.Is(err, store.ErrConflict))

	res, err := reconcile.Update(ctx, r, "fields", reconcile.FieldMapStrategy(), reconcile.FieldDiff{Set: map[string]string{"a": "1"}})
	require.NoError(t, err)
	assert.Equal(t, reconcile.Full, res)

	size, err := r.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	keys, err := r.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{key, "fields"}, keys)

	require.NoError(t, r.Lock(ctx, key, "cli", time.Second))
	locked, err := r.LockedKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{key}, locked)
	released, err := r.Unlock(ctx, key, "cli", false)
	require.NoError(t, err)
	assert.True(t, released)

	info, err := r.Info(ctx, key)
	require.NoError(t, err)
	assert.EqualValues(t, "n2", info.Owner)
	assert.EqualValues(t, "n1", info.Self.ID)
	assert.Len(t, info.View.Members, 2)

	stats, err := r.Stats(ctx)
	require.NoError(t, err)
	assert.Len(t, stats.Nodes, 2)

	health, healthy, err := r.Health(ctx, false)
	require.NoError(t, err)
	assert.True(t, healthy)
	assert.Equal(t, map[string]string{"n1": "ok", "n2": "ok"}, health)

	out, err := r.Query(ctx, "context.Size()", "sum(results)", nil, false)
	require.NoError(t, err)
	assert.EqualValues(t, 2, out)

	require.NoError(t, r.Synchronize(ctx))

	removed, err := r.Remove(ctx, key)
	require.NoError(t, err)
	assert.True(t, removed)

	cleared, err := r.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)
}

func TestRemoteRehashDisabled(t *testing.T) {
	c := newCluster(t, 2, 0)
	r := connectRemote(t, c, "n2")
	err := r.Rehash(context.Background())
	assert.True(t, errors.Is(err, store.ErrInvalidOperation))
}

func TestClientNodeCachesReads(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t)
	members := []common.MemberConfig{
		{ID: "n1", Role: "server", Endpoint: "n1", Ordinal: 1},
		{ID: "c1", Role: "client", Endpoint: "c1", Ordinal: 2},
	}
	c.add(members[0], members, 0)
	c.add(members[1], members, 0, func(cfg *common.NodeConfig) {
		cfg.CacheSize = 16
	})
	c.start("n1")
	c.start("c1")
	client, srv := c.node("c1"), c.node("n1")

	owner, err := client.OwnerOf("k")
	require.NoError(t, err)
	assert.EqualValues(t, "n1", owner)
	assert.Equal(t, 1, client.PartitionCount())

	_, err = srv.Put(ctx, "k", []byte("v1"))
	require.NoError(t, err)

	val, _, err := client.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(val))
	val, _, err = client.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(val))
	assert.EqualValues(t, 1, client.CacheStats().Hits)

	// a write on another node is only seen after a synchronize
	_, err = srv.Put(ctx, "k", []byte("v2"))
	require.NoError(t, err)
	val, _, err = client.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(val))

	require.NoError(t, client.Synchronize(ctx))
	val, _, err = client.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(val))

	client.ResetCacheStats()
	assert.EqualValues(t, 0, client.CacheStats().Hits)

	health, err := srv.HealthCheck(ctx, true)
	require.NoError(t, err)
	assert.Len(t, health, 2)
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	src := newCluster(t, 1, 0)
	n := src.node("n1")
	for _, key := range []string{"a", "b", "c"} {
		_, err := n.Put(ctx, key, []byte(key))
		require.NoError(t, err)
	}
	_, err := n.Put(ctx, "a", []byte("a2"))
	require.NoError(t, err)

	snap := persist.NewSnapshot(filepath.Join(dir, "ctx.snap"))
	require.NoError(t, n.Save(ctx, snap))
	err = n.SaveKey(ctx, snap, "a")
	assert.True(t, errors.Is(err, store.ErrUnsupportedOperation))

	bolt, err := persist.OpenBolt(filepath.Join(dir, "ctx.bolt"))
	require.NoError(t, err)
	defer bolt.Close()
	require.NoError(t, n.Save(ctx, bolt))
	_, err = n.Remove(ctx, "c")
	require.NoError(t, err)
	require.NoError(t, n.SaveKey(ctx, bolt, "c"))

	dst := newCluster(t, 1, 0)
	m := dst.node("n1")
	taken, err := m.Load(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, 3, taken)

	e, ok := m.local.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "a2", string(e.Value))
	assert.EqualValues(t, 2, e.Version)
	assert.Equal(t, 0, m.locks.Count())

	other := newCluster(t, 1, 0).node("n1")
	taken, err = other.Load(ctx, bolt)
	require.NoError(t, err)
	assert.Equal(t, 2, taken)
	_, ok = other.local.Get("c")
	assert.False(t, ok)
}
