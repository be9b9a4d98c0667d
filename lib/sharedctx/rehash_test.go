package sharedctx

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ValentinKolb/dCtx/lib/cluster"
	"github.com/ValentinKolb/dCtx/lib/persist"
	"github.com/ValentinKolb/dCtx/lib/store"
	"github.com/ValentinKolb/dCtx/rpc/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withRehash(cfg *common.NodeConfig) {
	cfg.RehashEnabled = true
}

func TestKilledNodeAndRehash(t *testing.T) {
	c := newCluster(t, 3, 3, withRehash, func(cfg *common.NodeConfig) {
		cfg.DataDir = t.TempDir()
	})
	ctx := context.Background()
	n1, n2 := c.node("n1"), c.node("n2")
	lost := c.keyOwnedBy("n3", "lost")

	c.net.Kill("n3")
	n1.Membership().Leave("n3")
	n2.Membership().Leave("n3")

	// the table stays until the rehash, keys of the dead node are unreachable
	_, _, err := n1.Get(ctx, lost)
	assert.True(t, errors.Is(err, store.ErrSend))
	_, err = n1.HealthCheck(ctx, false)
	assert.Error(t, err)

	require.NoError(t, n2.Rehash(ctx))

	for _, n := range []*Node{n1, n2} {
		table := n.View()
		main, err := n.pmap.Table().MainOf(1)
		require.NoError(t, err)
		assert.True(t, table.Contains(main), "main of partition 1 must be live on %s", n.self.ID)
		assert.EqualValues(t, "n2", main)
		assert.EqualValues(t, 2, n.pmap.Table().Epoch)
		assert.Equal(t, 3, n.PartitionCount())
		assert.Equal(t, 2, n.MainNodeCount())
	}
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key-%d", i)
		o1, err := n1.OwnerOf(key)
		require.NoError(t, err)
		o2, err := n2.OwnerOf(key)
		require.NoError(t, err)
		assert.Equal(t, o1, o2)
	}

	_, ok, err := n1.Get(ctx, lost)
	require.NoError(t, err)
	assert.False(t, ok)

	health, err := n1.HealthCheck(ctx, false)
	require.NoError(t, err)
	assert.Len(t, health, 2)

	rec, ok, err := n1.journal.Last()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, persist.PhaseCommitted, rec.Phase)
	assert.EqualValues(t, 2, rec.Epoch)
}

func TestRehashDisabledInstallsTableDirectly(t *testing.T) {
	c := newCluster(t, 3, 0)
	n1 := c.node("n1")

	c.net.Kill("n3")
	n1.Membership().Leave("n3")

	assert.Equal(t, 2, n1.PartitionCount())
	assert.EqualValues(t, 2, n1.pmap.Table().Epoch)
	err := n1.Rehash(context.Background())
	assert.True(t, errors.Is(err, store.ErrInvalidOperation))
}

func TestMigrationCarriesVersionsAndLocks(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t)
	all := []common.MemberConfig{
		{ID: "n1", Role: "server", Endpoint: "n1", Ordinal: 1},
		{ID: "n2", Role: "server", Endpoint: "n2", Ordinal: 2},
		{ID: "n3", Role: "server", Endpoint: "n3", Ordinal: 3},
	}
	c.add(all[0], all[:2], 0, withRehash)
	c.add(all[1], all[:2], 0, withRehash)
	c.start("n1")
	c.start("n2")
	n1, n2 := c.node("n1"), c.node("n2")

	versions := map[string]uint64{}
	before := map[string]cluster.NodeID{}
	for i := 0; i < 30; i++ {
		key := fmt.Sprintf("mig-%d", i)
		for w := 0; w <= i%3; w++ {
			v, err := n1.Put(ctx, key, []byte(key))
			require.NoError(t, err)
			versions[key] = v
		}
		require.NoError(t, n2.Lock(ctx, key, "holder", time.Second))
		before[key], _ = n1.OwnerOf(key)
	}

	// n3 joins, the cluster grows from 2 to 3 partitions
	c.add(all[2], all, 0, withRehash)
	c.start("n3")
	n3 := c.node("n3")
	joined := cluster.Node{ID: "n3", Role: cluster.RoleServer, Endpoint: "n3", Ordinal: 3}
	n1.Membership().Join(joined)
	n2.Membership().Join(joined)

	require.NoError(t, n1.Rehash(ctx))

	moved := 0
	for key, v := range versions {
		after, err := n3.OwnerOf(key)
		require.NoError(t, err)
		if after != before[key] {
			moved++
		}

		e, ok, err := n2.GetEntry(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok, key)
		assert.Equal(t, v, e.Version, key)

		// the lock moved with the entry
		owner := c.node(string(after))
		rec, held := owner.locks.Holder(key)
		assert.True(t, held, key)
		assert.Equal(t, "holder", rec.Holder, key)

		err = n3.Lock(ctx, key, "other", 0)
		assert.True(t, errors.Is(err, store.ErrTimeout), key)
	}
	assert.Greater(t, moved, 0)

	keys, err := n1.KeySetOf(ctx, "n3")
	require.NoError(t, err)
	assert.NotEmpty(t, keys)

	for key := range versions {
		released, err := n1.Unlock(ctx, key, "holder", false)
		require.NoError(t, err)
		assert.True(t, released, key)
	}

	stats, err := n2.Distribution(ctx)
	require.NoError(t, err)
	assert.Len(t, stats.Nodes, 3)
	assert.Greater(t, stats.Distribution.DistributionQuality, 0.0)
}

func TestRedirectDuringMigration(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 3, 3)
	n1, n2, n3 := c.node("n1"), c.node("n2"), c.node("n3")

	shipped := c.keyOwnedBy("n1", "ship")
	stays := c.keyOwnedBy("n1", "stay")
	_, err := n3.Put(ctx, shipped, []byte("v"))
	require.NoError(t, err)

	// partition 0 moves from n1 to n2
	cur := n1.pmap.Table()
	next := cluster.PartitionTable{Epoch: cur.Epoch + 1, Count: 3, Mains: []cluster.NodeID{"n2", "n2", "n3"}}
	plan := rehashPlan{Epoch: next.Epoch, Next: next}
	for _, n := range []*Node{n1, n2, n3} {
		require.NoError(t, n.prepare(ctx, plan))
	}
	p, err := n1.pmap.PartitionOf(stays)
	require.NoError(t, err)
	require.Equal(t, 0, p)

	m := n1.mig.Load()
	require.NotNil(t, m)
	require.NoError(t, n1.shipBatch(ctx, m, n2.Self(), []string{shipped}))

	// the shipped key is served by n2 although the table still names n1
	redirects := n3.metrics.redirects.Get()
	val, ok, err := n3.Get(ctx, shipped)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", string(val))
	assert.Greater(t, n3.metrics.redirects.Get(), redirects)

	// a new key of a moving partition is written on its next owner
	_, err = n3.Put(ctx, stays, []byte("new"))
	require.NoError(t, err)
	_, onNext := n2.local.Get(stays)
	assert.True(t, onNext)
	_, onCur := n1.local.Get(stays)
	assert.False(t, onCur)

	for _, n := range []*Node{n1, n2, n3} {
		require.NoError(t, n.commitTable(next))
		assert.Nil(t, n.mig.Load())
	}
	owner, err := n3.OwnerOf(shipped)
	require.NoError(t, err)
	assert.EqualValues(t, "n2", owner)
	val, ok, err = n1.Get(ctx, shipped)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", string(val))
}

func TestAbortReturnsIngestedKeys(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 2, 2)
	n1, n2 := c.node("n1"), c.node("n2")
	key := c.keyOwnedBy("n1", "abort")
	_, err := n1.Put(ctx, key, []byte("v"))
	require.NoError(t, err)

	cur := n1.pmap.Table()
	next := cluster.PartitionTable{Epoch: cur.Epoch + 1, Count: 2, Mains: []cluster.NodeID{"n2", "n2"}}
	for _, n := range []*Node{n1, n2} {
		require.NoError(t, n.prepare(ctx, rehashPlan{Epoch: next.Epoch, Next: next}))
	}
	require.NoError(t, n1.shipBatch(ctx, n1.mig.Load(), n2.Self(), []string{key}))
	_, ok := n2.local.Get(key)
	require.True(t, ok)

	require.NoError(t, n2.abort(ctx, next.Epoch))
	require.NoError(t, n1.abort(ctx, next.Epoch))

	_, ok = n2.local.Get(key)
	assert.False(t, ok)
	e, ok := n1.local.Get(key)
	assert.True(t, ok)
	assert.EqualValues(t, 1, e.Version)

	val, ok, err := n2.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", string(val))
}

func TestSynchronizeHandsOverStrays(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 2, 2)
	n1, n2 := c.node("n1"), c.node("n2")
	key := c.keyOwnedBy("n2", "stray")

	// an entry that ended up on the wrong node
	n1.local.Ingest([]store.Entry{{Key: key, Value: []byte("stray"), Version: 3}})

	require.NoError(t, n2.Synchronize(ctx))

	_, ok := n1.local.Get(key)
	assert.False(t, ok)
	e, ok := n2.local.Get(key)
	assert.True(t, ok)
	assert.EqualValues(t, 3, e.Version)
}

func TestAbortHandsBackKeysWrittenDuringEpoch(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 2, 2)
	n1, n2 := c.node("n1"), c.node("n2")
	fresh := c.keyOwnedBy("n1", "fresh")

	cur := n1.pmap.Table()
	next := cluster.PartitionTable{Epoch: cur.Epoch + 1, Count: 2, Mains: []cluster.NodeID{"n2", "n2"}}
	for _, n := range []*Node{n1, n2} {
		require.NoError(t, n.prepare(ctx, rehashPlan{Epoch: next.Epoch, Next: next}))
	}

	// the key does not exist yet, so the write lands on its next owner
	v, err := n1.Put(ctx, fresh, []byte("acked"))
	require.NoError(t, err)
	_, onNext := n2.local.Get(fresh)
	require.True(t, onNext)

	require.NoError(t, n2.abort(ctx, next.Epoch))
	require.NoError(t, n1.abort(ctx, next.Epoch))

	_, ok := n2.local.Get(fresh)
	assert.False(t, ok)
	e, ok := n1.local.Get(fresh)
	assert.True(t, ok)
	assert.Equal(t, v, e.Version)

	for _, n := range []*Node{n1, n2} {
		val, ok, err := n.Get(ctx, fresh)
		require.NoError(t, err)
		assert.True(t, ok, n.self.ID)
		assert.Equal(t, "acked", string(val))
	}
}

func TestSynchronizeEndsEpochMissedByMember(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 2, 2)
	n1, n2 := c.node("n1"), c.node("n2")
	key := c.keyOwnedBy("n1", "late")
	_, err := n1.Put(ctx, key, []byte("v"))
	require.NoError(t, err)

	cur := n1.pmap.Table()
	next := cluster.PartitionTable{Epoch: cur.Epoch + 1, Count: 2, Mains: []cluster.NodeID{"n2", "n2"}}
	for _, n := range []*Node{n1, n2} {
		require.NoError(t, n.prepare(ctx, rehashPlan{Epoch: next.Epoch, Next: next}))
	}
	require.NoError(t, n1.shipBatch(ctx, n1.mig.Load(), n2.Self(), []string{key}))

	// only the coordinator receives the commit
	require.NoError(t, n1.commitTable(next))
	require.NotNil(t, n2.mig.Load())

	require.NoError(t, n1.Synchronize(ctx))

	assert.Nil(t, n2.mig.Load())
	assert.Equal(t, next.Epoch, n2.pmap.Table().Epoch)
	owner, err := n2.OwnerOf(key)
	require.NoError(t, err)
	assert.EqualValues(t, "n2", owner)

	val, ok, err := n1.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", string(val))
}
