package sharedctx

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/ValentinKolb/dCtx/lib/lockmgr"
	"github.com/ValentinKolb/dCtx/rpc/common"
)

// --------------------------------------------------------------------------
// Lock Operations
// --------------------------------------------------------------------------

// Lock acquires the lock of key for owner on the node that owns the key. It waits
// up to timeout for the current holder; a timeout of 0 tries once. Failure to
// acquire in time returns store.ErrTimeout, an unreachable owner store.ErrSend.
func (n *Node) Lock(ctx context.Context, key, owner string, timeout time.Duration) error {
	ctx, cancel := n.lockContext(ctx, timeout)
	defer cancel()

	_, err := n.do(ctx, common.NewLockRequest(key, owner, timeout))
	return err
}

// Locks acquires the locks of keys one after another. Each key is acquired on its
// own: on failure the keys acquired so far are returned together with the error
// and the caller has to release them.
func (n *Node) Locks(ctx context.Context, keys []string, owner string, timeout time.Duration) ([]string, error) {
	acquired := make([]string, 0, len(keys))
	for _, key := range keys {
		if err := n.Lock(ctx, key, owner, timeout); err != nil {
			return acquired, fmt.Errorf("lock %q: %w", key, err)
		}
		acquired = append(acquired, key)
	}
	return acquired, nil
}

// Unlock releases the lock of key if owner holds it, or regardless of the holder
// if force is set. It returns whether a lock was released.
func (n *Node) Unlock(ctx context.Context, key, owner string, force bool) (bool, error) {
	ctx, cancel := n.opContext(ctx)
	defer cancel()

	resp, err := n.do(ctx, common.NewUnlockRequest(key, owner, force))
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

// LockedKeys returns the keys locked anywhere in the cluster.
func (n *Node) LockedKeys(ctx context.Context) ([]string, error) {
	ctx, cancel := n.opContext(ctx)
	defer cancel()

	resps, err := n.broadcast(ctx, n.View().Servers(), &common.Message{MsgType: common.MsgTLockInfo})
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, resp := range resps {
		var part []string
		if err := common.DecodeMeta(resp.Meta, &part); err != nil {
			return nil, err
		}
		keys = append(keys, part...)
	}
	sort.Strings(keys)
	return slices.Compact(keys), nil
}

// LockCount returns the number of locks held in the cluster.
func (n *Node) LockCount(ctx context.Context) (int, error) {
	keys, err := n.LockedKeys(ctx)
	return len(keys), err
}

// LockStats returns the statistics of the lock table of this node.
func (n *Node) LockStats() lockmgr.Stats {
	return n.locks.Stats()
}
