package cluster

import (
	"github.com/ValentinKolb/dCtx/lib/store"
	"github.com/cespare/xxhash/v2"
)

// IKeyDistributor maps a key to a partition index in [0, count).
// Implementations must be deterministic: the same key and count always yield
// the same index, on every node.
type IKeyDistributor interface {
	// Assign returns the partition index of key. It fails with store.ErrIllegalDistribution
	// if no index can be computed.
	Assign(key string, count int) (int, error)
	// Name identifies the distributor in logs and cluster info.
	Name() string
}

// --------------------------------------------------------------------------
// Hash Distributor
// --------------------------------------------------------------------------

// HashDistributor assigns keys by their xxhash modulo the partition count.
type HashDistributor struct {
	seed uint64
}

// NewHashDistributor creates a hash distributor. All nodes of a cluster must use the same seed.
func NewHashDistributor(seed uint64) *HashDistributor {
	return &HashDistributor{seed: seed}
}

func (d *HashDistributor) Assign(key string, count int) (int, error) {
	if err := checkAssign(key, count); err != nil {
		return 0, err
	}
	h := xxhash.NewWithSeed(d.seed)
	_, _ = h.WriteString(key)
	return int(h.Sum64() % uint64(count)), nil
}

func (d *HashDistributor) Name() string {
	return "hash"
}

// --------------------------------------------------------------------------
// Ranked Distributor
// --------------------------------------------------------------------------

// RankedDistributor assigns keys from an externally ranked key list: the key with
// rank r lands in partition r mod count. Keys that are not ranked are handed to the
// fallback distributor, or rejected if there is none.
type RankedDistributor struct {
	ranks    map[string]int
	fallback IKeyDistributor
}

// NewRankedDistributor creates a ranked distributor. The rank of a key is its
// position in keys (the first occurrence counts). fallback may be nil.
func NewRankedDistributor(keys []string, fallback IKeyDistributor) *RankedDistributor {
	ranks := make(map[string]int, len(keys))
	for i, k := range keys {
		if _, ok := ranks[k]; !ok {
			ranks[k] = i
		}
	}
	return &RankedDistributor{ranks: ranks, fallback: fallback}
}

func (d *RankedDistributor) Assign(key string, count int) (int, error) {
	if err := checkAssign(key, count); err != nil {
		return 0, err
	}
	if r, ok := d.ranks[key]; ok {
		return r % count, nil
	}
	if d.fallback != nil {
		return d.fallback.Assign(key, count)
	}
	return 0, store.Errorf(store.RetCIllegalDistribution, "key %q is not ranked", key)
}

func (d *RankedDistributor) Name() string {
	return "ranked"
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func checkAssign(key string, count int) error {
	if count <= 0 {
		return store.Errorf(store.RetCIllegalDistribution, "invalid partition count %d", count)
	}
	if key == "" {
		return store.NewError(store.RetCIllegalDistribution, "empty key")
	}
	return nil
}
