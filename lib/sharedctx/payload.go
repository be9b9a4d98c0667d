package sharedctx

import (
	"github.com/ValentinKolb/dCtx/lib/cache"
	"github.com/ValentinKolb/dCtx/lib/cluster"
	"github.com/ValentinKolb/dCtx/lib/lockmgr"
	"github.com/ValentinKolb/dCtx/lib/store"
	"github.com/ValentinKolb/dCtx/lib/util"
)

// Payloads carried in the Meta field of cluster messages (cbor encoded).

// rehashPlan is sent by the coordinator to every server. The first round installs
// the migration state, the second (Ship) moves the outgoing keys.
type rehashPlan struct {
	Epoch uint64                 `cbor:"1,keyasint"`
	Next  cluster.PartitionTable `cbor:"2,keyasint"`
	Ship  bool                   `cbor:"3,keyasint,omitempty"`
}

type batchKind uint8

const (
	batchRehash batchKind = iota // keys moved to their next owner during a rehash
	batchReturn                  // keys sent back to their source when a rehash aborts
	batchStray                   // keys handed to their owner by synchronize
)

// migrateBatch carries entries (with their versions) and lock records to another node.
type migrateBatch struct {
	Epoch   uint64             `cbor:"1,keyasint"`
	Source  cluster.NodeID     `cbor:"2,keyasint"`
	Kind    batchKind          `cbor:"3,keyasint"`
	Entries []store.Entry      `cbor:"4,keyasint,omitempty"`
	Locks   []store.LockRecord `cbor:"5,keyasint,omitempty"`
}

// tablePayload carries a committed partition table (sync and rehash commit).
type tablePayload struct {
	Table cluster.PartitionTable `cbor:"1,keyasint"`
}

// queryRequest is the query a node evaluates against its local partitions.
type queryRequest struct {
	Query   string `cbor:"1,keyasint"`
	Merge   string `cbor:"2,keyasint,omitempty"`
	Vars    []byte `cbor:"3,keyasint,omitempty"`
	Partial bool   `cbor:"4,keyasint,omitempty"`
}

// ClusterInfo describes the cluster as seen by one node.
type ClusterInfo struct {
	Context       string                 `cbor:"1,keyasint" json:"context"`
	Self          cluster.Node           `cbor:"2,keyasint" json:"self"`
	View          cluster.View           `cbor:"3,keyasint" json:"view"`
	Table         cluster.PartitionTable `cbor:"4,keyasint" json:"table"`
	Distributor   string                 `cbor:"5,keyasint" json:"distributor"`
	RehashEnabled bool                   `cbor:"6,keyasint" json:"rehash_enabled"`
	Migrating     bool                   `cbor:"7,keyasint" json:"migrating"`
	Ready         bool                   `cbor:"8,keyasint" json:"ready"`
	Owner         cluster.NodeID         `cbor:"9,keyasint,omitempty" json:"owner,omitempty"`
	Partition     int                    `cbor:"10,keyasint,omitempty" json:"partition,omitempty"`
}

// NodeStats are the statistics of a single node.
type NodeStats struct {
	Node         cluster.Node  `cbor:"1,keyasint" json:"node"`
	Keys         int           `cbor:"2,keyasint" json:"keys"`
	Epoch        uint64        `cbor:"3,keyasint" json:"epoch"`
	Partitions   []int         `cbor:"4,keyasint" json:"partitions"`
	Migrating    bool          `cbor:"5,keyasint" json:"migrating"`
	Locks        lockmgr.Stats `cbor:"6,keyasint" json:"locks"`
	Cache        cache.Stats   `cbor:"7,keyasint" json:"cache"`
	Transactions int           `cbor:"8,keyasint" json:"transactions"`
	Values       ValueSizes    `cbor:"9,keyasint" json:"values"`
}

// ValueSizes summarizes the sizes in bytes of the live values held by a node.
type ValueSizes struct {
	Count int64 `cbor:"1,keyasint" json:"count"`
	Avg   int   `cbor:"2,keyasint" json:"avg"`
	P50   int   `cbor:"3,keyasint" json:"p50"`
	P99   int   `cbor:"4,keyasint" json:"p99"`
}

// ClusterStats combines the statistics of every member with the key distribution
// over the servers.
type ClusterStats struct {
	Nodes        []NodeStats            `cbor:"1,keyasint" json:"nodes"`
	Distribution util.DistributionStats `cbor:"2,keyasint" json:"distribution"`
}
