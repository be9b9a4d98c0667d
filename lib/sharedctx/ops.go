package sharedctx

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/ValentinKolb/dCtx/lib/cluster"
	"github.com/ValentinKolb/dCtx/lib/reconcile"
	"github.com/ValentinKolb/dCtx/lib/store"
	"github.com/ValentinKolb/dCtx/lib/txn"
	"github.com/ValentinKolb/dCtx/rpc/common"
	"golang.org/x/sync/errgroup"
)

// --------------------------------------------------------------------------
// Map Operations
//
// Every operation is executed by the owner of the key. Without a deadline on
// ctx the configured default timeout applies.
// --------------------------------------------------------------------------

// Get returns the value of key. Client nodes answer from their cache if possible.
func (n *Node) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if n.cache.Enabled() {
		if e, ok := n.cache.Get(key); ok {
			return copyBytes(e.Value), e.Live(), nil
		}
	}
	e, ok, err := n.GetEntry(ctx, key)
	if err != nil {
		return nil, false, err
	}
	n.cache.Add(e)
	return e.Value, ok, nil
}

// GetEntry returns the committed entry of key from its owner, bypassing the cache.
// The entry of an absent key carries the version of its tombstone (0 if it never existed).
func (n *Node) GetEntry(ctx context.Context, key string) (store.Entry, bool, error) {
	ctx, cancel := n.opContext(ctx)
	defer cancel()

	resp, err := n.do(ctx, common.NewGetRequest(key))
	if err != nil {
		return store.Entry{Key: key}, false, err
	}
	return store.Entry{Key: key, Value: resp.Value, Version: resp.Version, Deleted: !resp.Ok}, resp.Ok, nil
}

// ContainsKey returns whether key holds a value.
func (n *Node) ContainsKey(ctx context.Context, key string) (bool, error) {
	_, ok, err := n.Get(ctx, key)
	return ok, err
}

// Put writes value and returns the new version of key.
func (n *Node) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	ctx, cancel := n.opContext(ctx)
	defer cancel()

	resp, err := n.do(ctx, common.NewPutRequest(key, value))
	if err != nil {
		n.cache.Remove(key)
		return 0, err
	}
	n.cache.Add(store.Entry{Key: key, Value: copyBytes(value), Version: resp.Version})
	return resp.Version, nil
}

// PutIfVersion writes value only if key is at version expected (0 for a key that
// was never written). A mismatch fails with store.ErrConflict.
func (n *Node) PutIfVersion(ctx context.Context, key string, value []byte, expected uint64) (uint64, error) {
	ctx, cancel := n.opContext(ctx)
	defer cancel()

	resp, err := n.do(ctx, common.NewPutIfVersionRequest(key, value, expected))
	if err != nil {
		n.cache.Remove(key)
		return versionOf(resp), err
	}
	n.cache.Add(store.Entry{Key: key, Value: copyBytes(value), Version: resp.Version})
	return resp.Version, nil
}

// Remove deletes key and returns whether it held a value.
func (n *Node) Remove(ctx context.Context, key string) (bool, error) {
	ctx, cancel := n.opContext(ctx)
	defer cancel()

	resp, err := n.do(ctx, common.NewRemoveRequest(key))
	n.cache.Remove(key)
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

// RemoveIfVersion deletes key only if it is at version expected.
func (n *Node) RemoveIfVersion(ctx context.Context, key string, expected uint64) (bool, error) {
	ctx, cancel := n.opContext(ctx)
	defer cancel()

	resp, err := n.do(ctx, common.NewRemoveIfVersionRequest(key, expected))
	n.cache.Remove(key)
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

// UpdateRaw applies an encoded diff with the named strategy on the owner of key.
// Without ifExists an absent key starts from the template of the strategy, with
// ifExists the call is a no-op (Partial) for absent keys. A stale diff fails with
// store.ErrConflict and leaves the value untouched.
func (n *Node) UpdateRaw(ctx context.Context, key, strategy string, diff []byte, ifExists bool) (reconcile.Result, error) {
	ctx, cancel := n.opContext(ctx)
	defer cancel()

	resp, err := n.do(ctx, common.NewUpdateRequest(key, strategy, diff, ifExists))
	n.cache.Remove(key)
	if resp == nil {
		return reconcile.Conflict, err
	}
	return resultOf(resp.Count), err
}

// Update applies an encoded diff, see UpdateRaw.
func (n *Node) Update(ctx context.Context, key, strategy string, diff []byte) (reconcile.Result, error) {
	return n.UpdateRaw(ctx, key, strategy, diff, false)
}

// UpdateIfExists applies an encoded diff if key holds a value, see UpdateRaw.
func (n *Node) UpdateIfExists(ctx context.Context, key, strategy string, diff []byte) (reconcile.Result, error) {
	return n.UpdateRaw(ctx, key, strategy, diff, true)
}

// Strategy returns the diff strategy registered under name.
func (n *Node) Strategy(name string) (reconcile.Reconciler, bool) {
	return n.registry.Get(name)
}

// RegisterStrategy adds a diff strategy. Every server must know the strategies
// used against the keys it owns.
func (n *Node) RegisterStrategy(r reconcile.Reconciler) {
	n.registry.Register(r)
}

// Keys returns the keys of the whole context.
func (n *Node) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := n.opContext(ctx)
	defer cancel()

	resps, err := n.broadcast(ctx, n.View().Servers(), &common.Message{MsgType: common.MsgTKeys})
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

// Size returns the number of keys of the whole context.
func (n *Node) Size(ctx context.Context) (int, error) {
	ctx, cancel := n.opContext(ctx)
	defer cancel()

	resps, err := n.broadcast(ctx, n.View().Servers(), &common.Message{MsgType: common.MsgTSize})
	if err != nil {
		return 0, err
	}
	total := 0
	for _, resp := range resps {
		total += int(resp.Count)
	}
	return total, nil
}

// Clear removes every key of the context and returns how many were removed.
func (n *Node) Clear(ctx context.Context) (int, error) {
	ctx, cancel := n.opContext(ctx)
	defer cancel()

	n.cache.Purge()
	resps, err := n.broadcast(ctx, n.View().Servers(), &common.Message{MsgType: common.MsgTClear})
	total := 0
	for _, resp := range resps {
		if resp != nil {
			total += int(resp.Count)
		}
	}
	return total, err
}

// --------------------------------------------------------------------------
// Transactions
// --------------------------------------------------------------------------

// Begin opens a transaction for caller. The returned handle is passed together with
// the node to every transactional operation.
func (n *Node) Begin(caller string, mode txn.LockMode) (*txn.Tx, error) {
	return n.txns.Begin(caller, mode)
}

// ActiveTransactions returns the number of open transactions started on this node.
func (n *Node) ActiveTransactions() int {
	return n.txns.Count()
}

// --------------------------------------------------------------------------
// Owner side execution
// --------------------------------------------------------------------------

// execute runs a key scoped request against the local partitions, or answers with
// a redirect if this node does not serve the key.
func (n *Node) execute(ctx context.Context, req *common.Message) *common.Message {
	if req.MsgType == common.MsgTLock {
		return n.executeLock(ctx, req)
	}

	ctx, cancel := n.opContext(ctx)
	defer cancel()

	switch req.MsgType {
	case common.MsgTGet, common.MsgTPut, common.MsgTPutIfVersion, common.MsgTRemove,
		common.MsgTRemoveIfVersion, common.MsgTUpdate, common.MsgTUpdateIfExists, common.MsgTUnlock:
	default:
		return common.NewErrorResponse(store.Errorf(store.RetCInvalidOperation, "%s is not a key operation", req.MsgType))
	}

	release, target, err := n.admit(ctx, req.Key, req.Redirected)
	if err != nil {
		return common.NewResponse(req.MsgType, err)
	}
	if target != "" {
		return common.NewNotOwnerResponse(req.MsgType, req.Key, string(target))
	}
	defer release()

	key := req.Key
	switch req.MsgType {
	case common.MsgTGet:
		e, ok := n.local.Get(key)
		return common.NewGetResponse(e, ok, nil)

	case common.MsgTPut:
		return common.NewWriteResponse(req.MsgType, n.local.Put(key, req.Value), true, nil)

	case common.MsgTPutIfVersion:
		v, err := n.local.PutIfVersion(key, req.Value, req.Version)
		return common.NewWriteResponse(req.MsgType, v, err == nil, err)

	case common.MsgTRemove:
		removed, v := n.local.Remove(key)
		return common.NewWriteResponse(req.MsgType, v, removed, nil)

	case common.MsgTRemoveIfVersion:
		removed, err := n.local.RemoveIfVersion(key, req.Version)
		e, _ := n.local.Get(key)
		return common.NewWriteResponse(req.MsgType, e.Version, removed, err)

	case common.MsgTUpdate, common.MsgTUpdateIfExists:
		r, ok := n.registry.Get(req.Strategy)
		if !ok {
			return common.NewResponse(req.MsgType, store.Errorf(store.RetCInvalidOperation, "unknown diff strategy %q", req.Strategy))
		}
		res, v, err := n.local.Update(key, r, req.Value, req.MsgType == common.MsgTUpdateIfExists)
		resp := common.NewWriteResponse(req.MsgType, v, err == nil, err)
		resp.Count = countOf(res)
		return resp

	default: // MsgTUnlock
		released := n.locks.Unlock(key, req.Owner, req.Force)
		return &common.Message{MsgType: req.MsgType, Ok: released}
	}
}

// executeLock acquires a lock on the owner. The wait for the lock does not hold
// the key's gate, a migration seals the lock instead and the request is decided again.
func (n *Node) executeLock(ctx context.Context, req *common.Message) *common.Message {
	ctx, cancel := n.lockContext(ctx, req.TimeoutDuration())
	defer cancel()

	for {
		release, target, err := n.admit(ctx, req.Key, req.Redirected)
		if err != nil {
			return common.NewResponse(req.MsgType, err)
		}
		if target != "" {
			return common.NewNotOwnerResponse(req.MsgType, req.Key, string(target))
		}
		release()

		err = n.locks.Lock(ctx, req.Key, req.Owner, req.TimeoutDuration())
		if errors.Is(err, errMigrating) && ctx.Err() == nil {
			continue
		}
		return common.NewResponse(req.MsgType, err)
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// broadcast sends req to every node in targets and returns the responses in the
// order of targets. The first failure cancels the remaining requests.
func (n *Node) broadcast(ctx context.Context, targets []cluster.Node, req *common.Message) ([]*common.Message, error) {
	resps := make([]*common.Message, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, node := range targets {
		g.Go(func() error {
			resp, err := n.call(gctx, node, req)
			if err != nil {
				return fmt.Errorf("%s on %s: %w", req.MsgType, node.ID, err)
			}
			resps[i] = resp
			return nil
		})
	}
	return resps, g.Wait()
}

// lockContext bounds a lock request by the lock timeout plus the default timeout
func (n *Node) lockContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout+n.timeout)
}

// countOf encodes a reconcile result in the Count field of a message
func countOf(r reconcile.Result) uint64 {
	return uint64(int64(r) + 1)
}

func resultOf(count uint64) reconcile.Result {
	return reconcile.Result(int64(count) - 1)
}

func versionOf(resp *common.Message) uint64 {
	if resp == nil {
		return 0
	}
	return resp.Version
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
