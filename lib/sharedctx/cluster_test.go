package sharedctx

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ValentinKolb/dCtx/lib/cluster"
	"github.com/ValentinKolb/dCtx/rpc/common"
	"github.com/ValentinKolb/dCtx/rpc/serializer"
	"github.com/ValentinKolb/dCtx/rpc/server"
	"github.com/ValentinKolb/dCtx/rpc/transport/local"
	"github.com/stretchr/testify/require"
)

// testCluster is a set of nodes connected through an in-process network.
type testCluster struct {
	t       *testing.T
	net     *local.Network
	nodes   map[string]*Node
	servers map[string]*server.RPCServer
}

func newTestCluster(t *testing.T) *testCluster {
	return &testCluster{
		t:       t,
		net:     local.NewNetwork(),
		nodes:   map[string]*Node{},
		servers: map[string]*server.RPCServer{},
	}
}

// newCluster starts size server nodes n1..nsize that know each other.
func newCluster(t *testing.T, size, partitions int, mutate ...func(*common.NodeConfig)) *testCluster {
	c := newTestCluster(t)
	var members []common.MemberConfig
	for i := 1; i <= size; i++ {
		id := fmt.Sprintf("n%d", i)
		members = append(members, common.MemberConfig{ID: id, Role: "server", Endpoint: id, Ordinal: uint64(i)})
	}
	for _, m := range members {
		c.add(m, members, partitions, mutate...)
	}
	for _, m := range members {
		c.start(m.ID)
	}
	return c
}

// add creates a node and serves it on the network without starting it
func (c *testCluster) add(self common.MemberConfig, members []common.MemberConfig, partitions int, mutate ...func(*common.NodeConfig)) *Node {
	t := c.t
	cfg := common.NodeConfig{
		NodeID:               self.ID,
		Role:                 self.Role,
		Ordinal:              self.Ordinal,
		ContextName:          "test",
		Members:              members,
		PartitionCount:       partitions,
		TimeoutSecond:        2,
		ConnectTimeoutSecond: 5,
		MigrationBatchSize:   4,
		Transport:            common.ServerTransportConfig{Endpoint: self.Endpoint},
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	n, err := NewNode(cfg, WithTransport(c.net.NewClientTransport), WithSerializer(serializer.NewBinarySerializer()))
	require.NoError(t, err)

	srv := server.NewRPCServer(cfg.Transport, c.net.NewServerTransport(), serializer.NewBinarySerializer())
	require.NoError(t, srv.Register(cfg.ContextName, n))
	go func() {
		_ = srv.Serve()
	}()
	require.Eventually(t, func() bool { return c.net.Reachable(self.Endpoint) }, time.Second, time.Millisecond)

	t.Cleanup(func() {
		_ = srv.Close()
		_ = n.Close()
	})
	c.nodes[self.ID] = n
	c.servers[self.ID] = srv
	return n
}

func (c *testCluster) start(id string) {
	require.NoError(c.t, c.nodes[id].Start(context.Background()))
}

func (c *testCluster) node(id string) *Node {
	n, ok := c.nodes[id]
	require.True(c.t, ok, "unknown node %s", id)
	return n
}

// keyOwnedBy returns the first key of the form prefix-i owned by id
func (c *testCluster) keyOwnedBy(id cluster.NodeID, prefix string) string {
	n := c.node(string(id))
	for i := 0; i < 10_000; i++ {
		key := fmt.Sprintf("%s-%d", prefix, i)
		owner, err := n.OwnerOf(key)
		require.NoError(c.t, err)
		if owner == id {
			return key
		}
	}
	c.t.Fatalf("Expected a key owned by %s", id)
	return ""
}

// keysOwnedBy returns count keys of the form prefix-i owned by id
func (c *testCluster) keysOwnedBy(id cluster.NodeID, prefix string, count int) []string {
	n := c.node(string(id))
	var keys []string
	for i := 0; len(keys) < count; i++ {
		key := fmt.Sprintf("%s-%d", prefix, i)
		owner, err := n.OwnerOf(key)
		require.NoError(c.t, err)
		if owner == id {
			keys = append(keys, key)
		}
	}
	return keys
}
