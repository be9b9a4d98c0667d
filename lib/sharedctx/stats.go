package sharedctx

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ValentinKolb/dCtx/lib/cache"
	"github.com/ValentinKolb/dCtx/lib/cluster"
	"github.com/ValentinKolb/dCtx/lib/store"
	"github.com/ValentinKolb/dCtx/lib/util"
	"github.com/ValentinKolb/dCtx/rpc/common"
	"golang.org/x/sync/errgroup"
)

// --------------------------------------------------------------------------
// Local statistics
// --------------------------------------------------------------------------

// Stats returns the statistics of this node.
func (n *Node) Stats() NodeStats {
	t := n.pmap.Table()
	return NodeStats{
		Node:         n.self,
		Keys:         n.local.Size(),
		Epoch:        t.Epoch,
		Partitions:   t.PartitionsOf(n.self.ID),
		Migrating:    n.mig.Load() != nil,
		Locks:        n.locks.Stats(),
		Cache:        n.cache.Stats(),
		Transactions: n.txns.Count(),
		Values:       n.valueSizes(),
	}
}

func (n *Node) valueSizes() ValueSizes {
	h := util.NewSizeHistogram()
	n.local.Range(func(e store.Entry) bool {
		if e.Live() {
			h.AddSample(len(e.Value))
		}
		return true
	})
	return ValueSizes{Count: h.Count(), Avg: h.AverageSize(), P50: h.Percentile(50), P99: h.Percentile(99)}
}

// CacheStats returns the hit and miss counts of the read cache.
func (n *Node) CacheStats() cache.Stats {
	return n.cache.Stats()
}

// ResetCacheStats sets the hit and miss counts of the read cache to zero.
func (n *Node) ResetCacheStats() {
	n.cache.ResetStats()
}

// Info describes the cluster as seen by this node. If key is not empty, the
// owner and partition of the key are filled in.
func (n *Node) Info(key string) (ClusterInfo, error) {
	info := ClusterInfo{
		Context:       n.name,
		Self:          n.self,
		View:          n.View(),
		Table:         n.pmap.Table(),
		Distributor:   n.pmap.Distributor().Name(),
		RehashEnabled: n.rehashEnabled.Load(),
		Migrating:     n.mig.Load() != nil,
		Ready:         n.ready.Load(),
	}
	if key == "" {
		return info, nil
	}
	p, err := info.Table.PartitionOf(n.pmap.Distributor(), key)
	if err != nil {
		return info, err
	}
	info.Partition = p
	info.Owner, err = info.Table.MainOf(p)
	return info, err
}

// --------------------------------------------------------------------------
// Introspection
// --------------------------------------------------------------------------

// NodeCount returns the number of live members.
func (n *Node) NodeCount() int {
	return len(n.View().Members)
}

// MainNodeCount returns the number of nodes owning at least one partition.
func (n *Node) MainNodeCount() int {
	return n.pmap.MainNodeCount()
}

// PartitionCount returns the number of partitions of the current table.
func (n *Node) PartitionCount() int {
	return n.pmap.PartitionCount()
}

// ServerIDs returns the ids of the live servers in view order.
func (n *Node) ServerIDs() []cluster.NodeID {
	return n.View().ServerIDs()
}

// ClientIDs returns the ids of the live clients in view order.
func (n *Node) ClientIDs() []cluster.NodeID {
	return n.View().ClientIDs()
}

// OwnerOf returns the main node of key.
func (n *Node) OwnerOf(key string) (cluster.NodeID, error) {
	return n.pmap.OwnerOf(key)
}

// IsMain returns whether this node is the main node of key.
func (n *Node) IsMain(key string) (bool, error) {
	return n.pmap.IsMain(key)
}

// IsMainIndex returns whether the member at index i of the view owns a partition.
func (n *Node) IsMainIndex(i int) bool {
	return n.pmap.IsMainIndex(i)
}

// KeyCountOf returns the number of live keys on node id.
func (n *Node) KeyCountOf(ctx context.Context, id cluster.NodeID) (int, error) {
	resp, err := n.callID(ctx, id, &common.Message{MsgType: common.MsgTSize})
	if err != nil {
		return 0, err
	}
	return int(resp.Count), nil
}

// KeySetOf returns the live keys on node id.
func (n *Node) KeySetOf(ctx context.Context, id cluster.NodeID) ([]string, error) {
	resp, err := n.callID(ctx, id, &common.Message{MsgType: common.MsgTKeys})
	if err != nil {
		return nil, err
	}
	var keys []string
	err = common.DecodeMeta(resp.Meta, &keys)
	return keys, err
}

// Distribution collects the statistics of every member and rates the spread of
// keys over the servers.
func (n *Node) Distribution(ctx context.Context) (ClusterStats, error) {
	ctx, cancel := n.opContext(ctx)
	defer cancel()

	view := n.View()
	resps, err := n.broadcast(ctx, view.Members, &common.Message{MsgType: common.MsgTStats})
	if err != nil {
		return ClusterStats{}, err
	}

	out := ClusterStats{Nodes: make([]NodeStats, 0, len(resps))}
	var counts []float64
	for _, resp := range resps {
		var s NodeStats
		if err := common.DecodeMeta(resp.Meta, &s); err != nil {
			return ClusterStats{}, err
		}
		out.Nodes = append(out.Nodes, s)
		if s.Node.IsServer() {
			counts = append(counts, float64(s.Keys))
		}
	}
	out.Distribution = util.NewDistributionStats(counts)
	return out, nil
}

// --------------------------------------------------------------------------
// Health
// --------------------------------------------------------------------------

// HealthCheck pings every server (and every client if includeClients is set)
// within the timeout. Main nodes of the current table that left the view are
// reported as well. The returned map holds the error of every checked node (nil
// if healthy); the error joins all failures.
func (n *Node) HealthCheck(ctx context.Context, includeClients bool) (map[cluster.NodeID]error, error) {
	ctx, cancel := n.opContext(ctx)
	defer cancel()

	view := n.View()
	targets := view.Servers()
	if includeClients {
		targets = append(targets, view.Clients()...)
	}

	var mu sync.Mutex
	results := make(map[cluster.NodeID]error, len(targets))
	var g errgroup.Group
	for _, node := range targets {
		g.Go(func() error {
			err := n.ping(ctx, node)
			mu.Lock()
			results[node.ID] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, id := range n.pmap.Table().MainNodes() {
		if !view.Contains(id) {
			results[id] = store.Errorf(store.RetCSendError, "main node %s is not a live member", id)
		}
	}

	var errs []error
	for id, err := range results {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return results, errors.Join(errs...)
}

// callID sends a forwarded request to a live member
func (n *Node) callID(ctx context.Context, id cluster.NodeID, req *common.Message) (*common.Message, error) {
	ctx, cancel := n.opContext(ctx)
	defer cancel()

	node, ok := n.View().Node(id)
	if !ok {
		return nil, store.Errorf(store.RetCSendError, "%s is not a live member", id)
	}
	return n.call(ctx, node, req)
}
