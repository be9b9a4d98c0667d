package cluster

import (
	"slices"
	"sync"

	"github.com/ValentinKolb/dCtx/lib/store"
)

// --------------------------------------------------------------------------
// Partition Table
// --------------------------------------------------------------------------

// PartitionTable holds the main node of every partition for one epoch.
// Mains[p] is the node that owns partition p.
type PartitionTable struct {
	Epoch uint64   `cbor:"1,keyasint" json:"epoch"`
	Count int      `cbor:"2,keyasint" json:"count"`
	Mains []NodeID `cbor:"3,keyasint" json:"mains"`
}

// NewPartitionTable computes the table for the live servers of a view.
// Partition p is owned by servers[p mod len(servers)], with servers in view order.
// If fixedCount is 0 or less, there is one partition per live server.
// The epoch of the returned table is 0, callers set it.
func NewPartitionTable(view View, fixedCount int) (PartitionTable, error) {
	servers := view.Servers()
	if len(servers) == 0 {
		return PartitionTable{}, store.NewError(store.RetCIllegalDistribution, "no live server node")
	}

	count := fixedCount
	if count <= 0 {
		count = len(servers)
	}

	mains := make([]NodeID, count)
	for p := range mains {
		mains[p] = servers[p%len(servers)].ID
	}
	return PartitionTable{Count: count, Mains: mains}, nil
}

// Valid returns whether the table can be used for routing.
func (t PartitionTable) Valid() bool {
	return t.Count > 0 && len(t.Mains) == t.Count
}

// MainOf returns the main node of a partition.
func (t PartitionTable) MainOf(p int) (NodeID, error) {
	if p < 0 || p >= len(t.Mains) {
		return "", store.Errorf(store.RetCIllegalDistribution, "partition %d out of range [0, %d)", p, len(t.Mains))
	}
	return t.Mains[p], nil
}

// PartitionsOf returns the partitions owned by a node.
func (t PartitionTable) PartitionsOf(id NodeID) []int {
	var out []int
	for p, m := range t.Mains {
		if m == id {
			out = append(out, p)
		}
	}
	return out
}

// IsMainNode returns whether id owns at least one partition.
func (t PartitionTable) IsMainNode(id NodeID) bool {
	return slices.Contains(t.Mains, id)
}

// MainNodes returns the distinct main nodes in order of their first partition.
func (t PartitionTable) MainNodes() []NodeID {
	var out []NodeID
	for _, m := range t.Mains {
		if !slices.Contains(out, m) {
			out = append(out, m)
		}
	}
	return out
}

// SameAssignment returns whether both tables assign every partition to the same node.
func (t PartitionTable) SameAssignment(o PartitionTable) bool {
	return t.Count == o.Count && slices.Equal(t.Mains, o.Mains)
}

// --------------------------------------------------------------------------
// Partition Map
// --------------------------------------------------------------------------

// PartitionMap composes a key distributor with the current partition table of a node.
// The table is replaced as a whole by the engine (on commit of a rehash or when
// rehash is disabled and the membership changes).
type PartitionMap struct {
	mu    sync.RWMutex
	dist  IKeyDistributor
	table PartitionTable
	view  View
}

// NewPartitionMap creates a partition map without a table. Lookups fail with
// store.ErrIllegalDistribution until SetTable was called.
func NewPartitionMap(dist IKeyDistributor) *PartitionMap {
	return &PartitionMap{dist: dist}
}

// SetTable installs a new table together with the view it was computed for.
func (m *PartitionMap) SetTable(t PartitionTable, v View) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table = t
	m.view = v
}

// Table returns the current table.
func (m *PartitionMap) Table() PartitionTable {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.table
}

// Distributor returns the key distributor.
func (m *PartitionMap) Distributor() IKeyDistributor {
	return m.dist
}

// PartitionOf returns the partition of key under the current table.
func (m *PartitionMap) PartitionOf(key string) (int, error) {
	return m.Table().PartitionOf(m.dist, key)
}

// OwnerOf returns the main node of the partition of key.
func (m *PartitionMap) OwnerOf(key string) (NodeID, error) {
	return m.Table().OwnerOf(m.dist, key)
}

// IsMain returns whether the local node is the main node of key.
func (m *PartitionMap) IsMain(key string) (bool, error) {
	m.mu.RLock()
	t, self := m.table, m.view.Self
	m.mu.RUnlock()

	owner, err := t.OwnerOf(m.dist, key)
	if err != nil {
		return false, err
	}
	return owner == self, nil
}

// IsMainIndex returns whether the member at index i of the view is main for at least one partition.
func (m *PartitionMap) IsMainIndex(i int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i < 0 || i >= len(m.view.Members) {
		return false
	}
	return m.table.IsMainNode(m.view.Members[i].ID)
}

// PartitionCount returns the number of partitions.
func (m *PartitionMap) PartitionCount() int {
	return m.Table().Count
}

// MainNodeCount returns the number of nodes that own at least one partition.
func (m *PartitionMap) MainNodeCount() int {
	return len(m.Table().MainNodes())
}

// PartitionOf returns the partition of key under this table.
func (t PartitionTable) PartitionOf(dist IKeyDistributor, key string) (int, error) {
	if !t.Valid() {
		return 0, store.NewError(store.RetCIllegalDistribution, "no partition table installed")
	}
	return dist.Assign(key, t.Count)
}

// OwnerOf returns the main node of key under this table.
func (t PartitionTable) OwnerOf(dist IKeyDistributor, key string) (NodeID, error) {
	p, err := t.PartitionOf(dist, key)
	if err != nil {
		return "", err
	}
	return t.MainOf(p)
}
