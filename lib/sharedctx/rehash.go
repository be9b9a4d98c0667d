package sharedctx

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ValentinKolb/dCtx/lib/cluster"
	"github.com/ValentinKolb/dCtx/lib/persist"
	"github.com/ValentinKolb/dCtx/lib/store"
	"github.com/ValentinKolb/dCtx/rpc/common"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// migration is the state of a server while a rehash epoch is in progress.
type migration struct {
	epoch    uint64
	next     cluster.PartitionTable
	moving   *xsync.MapOf[string, chan struct{}]    // key -> closed once its batch is done
	moved    *xsync.MapOf[string, cluster.NodeID]   // key -> node it was shipped to
	ingested *xsync.MapOf[string, cluster.NodeID]   // key -> node it was received from
}

func newMigration(plan rehashPlan) *migration {
	return &migration{
		epoch:    plan.Epoch,
		next:     plan.Next,
		moving:   xsync.NewMapOf[string, chan struct{}](),
		moved:    xsync.NewMapOf[string, cluster.NodeID](),
		ingested: xsync.NewMapOf[string, cluster.NodeID](),
	}
}

// --------------------------------------------------------------------------
// Rehash (coordinator)
// --------------------------------------------------------------------------

// Rehash recomputes the partition table for the current view and moves every
// entry to its new main node. Only the coordinator runs a rehash, other nodes
// forward the request to it. If any server fails, the epoch is aborted and the
// previous table stays in effect.
func (n *Node) Rehash(ctx context.Context) error {
	if !n.rehashEnabled.Load() {
		return store.NewError(store.RetCInvalidOperation, "rehash is disabled")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.rehashTimeout())
		defer cancel()
	}

	view := n.View()
	if !view.IsCoordinator() {
		coord, ok := view.Coordinator()
		if !ok {
			return store.NewError(store.RetCInvalidOperation, "no coordinator in view")
		}
		Logger.Debugf("[%s] asking coordinator %s to rehash", n.self.ID, coord.ID)
		_, err := n.call(ctx, coord, &common.Message{MsgType: common.MsgTRehash})
		return err
	}

	n.rehashMu.Lock()
	defer n.rehashMu.Unlock()
	return n.rehash(ctx, view)
}

func (n *Node) rehash(ctx context.Context, view cluster.View) error {
	prev := n.pmap.Table()
	next, err := cluster.NewPartitionTable(view, n.config.PartitionCount)
	if err != nil {
		return err
	}
	next.Epoch = n.nextEpoch(prev)

	start := time.Now()
	rec := persist.JournalRecord{Epoch: next.Epoch, Phase: persist.PhasePreparing, Previous: prev, Next: next}
	n.record(rec)
	Logger.Infof("[%s] rehash epoch %d: %d partitions on %d servers", n.self.ID, next.Epoch, next.Count, len(view.Servers()))

	if !next.SameAssignment(prev) {
		servers := view.Servers()
		err := n.rehashRound(ctx, servers, rehashPlan{Epoch: next.Epoch, Next: next})
		if err == nil {
			err = n.rehashRound(ctx, servers, rehashPlan{Epoch: next.Epoch, Next: next, Ship: true})
		}
		if err != nil {
			n.abortRound(servers, next.Epoch)
			rec.Phase, rec.Error = persist.PhaseAborted, err.Error()
			n.record(rec)
			n.metrics.rehashAborts.Inc()
			Logger.Errorf("[%s] rehash epoch %d aborted: %v", n.self.ID, next.Epoch, err)
			return fmt.Errorf("rehash epoch %d aborted: %w", next.Epoch, err)
		}
	}

	// a member that misses the commit ends the epoch when the next synchronize reaches it
	req, err := common.NewMetaRequest(common.MsgTRehashCommit, tablePayload{Table: next})
	if err != nil {
		return err
	}
	var g errgroup.Group
	for _, m := range view.Members {
		g.Go(func() error {
			if _, err := n.call(ctx, m, req); err != nil {
				Logger.Warningf("[%s] commit of epoch %d on %s failed: %v", n.self.ID, next.Epoch, m.ID, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	rec.Phase = persist.PhaseCommitted
	n.record(rec)
	n.metrics.rehashCommits.Inc()
	Logger.Infof("[%s] rehash epoch %d committed in %s", n.self.ID, next.Epoch, time.Since(start).Round(time.Millisecond))
	return nil
}

// rehashRound sends a plan to every server and fails if one of them fails
func (n *Node) rehashRound(ctx context.Context, servers []cluster.Node, plan rehashPlan) error {
	req, err := common.NewMetaRequest(common.MsgTRehashPrepare, plan)
	if err != nil {
		return err
	}
	_, err = n.broadcast(ctx, servers, req)
	return err
}

// abortRound tells every server to give up the epoch. It runs with its own
// deadline, the context of the rehash may already be done.
func (n *Node) abortRound(servers []cluster.Node, epoch uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), n.rehashTimeout())
	defer cancel()

	req := &common.Message{MsgType: common.MsgTRehashAbort, Version: epoch}
	var g errgroup.Group
	for _, s := range servers {
		g.Go(func() error {
			if _, err := n.call(ctx, s, req); err != nil {
				Logger.Warningf("[%s] abort of epoch %d on %s failed: %v", n.self.ID, epoch, s.ID, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (n *Node) record(rec persist.JournalRecord) {
	if n.journal == nil {
		return
	}
	if err := n.journal.Record(rec); err != nil {
		Logger.Warningf("[%s] could not journal epoch %d (%s): %v", n.self.ID, rec.Epoch, rec.Phase, err)
	}
}

// --------------------------------------------------------------------------
// Rehash (every server)
// --------------------------------------------------------------------------

// prepare handles both rounds of a rehash plan on a server
func (n *Node) prepare(ctx context.Context, plan rehashPlan) error {
	if !plan.Ship {
		if cur := n.pmap.Table(); plan.Epoch <= cur.Epoch {
			return store.Errorf(store.RetCInvalidOperation, "epoch %d is not newer than the current epoch %d", plan.Epoch, cur.Epoch)
		}
		if old := n.mig.Swap(newMigration(plan)); old != nil {
			Logger.Warningf("[%s] epoch %d replaces unfinished epoch %d", n.self.ID, plan.Epoch, old.epoch)
		}
		return nil
	}

	m := n.mig.Load()
	if m == nil || m.epoch != plan.Epoch {
		return store.Errorf(store.RetCInvalidOperation, "epoch %d was not prepared", plan.Epoch)
	}
	return n.shipOutgoing(ctx, m)
}

// shipOutgoing moves every key whose next owner is another node
func (n *Node) shipOutgoing(ctx context.Context, m *migration) error {
	dist := n.pmap.Distributor()
	byTarget := make(map[cluster.NodeID][]string)
	for _, key := range n.heldKeys() {
		next, err := m.next.OwnerOf(dist, key)
		if err != nil {
			return err
		}
		if next != n.self.ID {
			byTarget[next] = append(byTarget[next], key)
		}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if n.config.MigrationRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(n.config.MigrationRate), 1)
	}

	view := n.View()
	shipped := 0
	for _, target := range sortedTargets(byTarget) {
		node, ok := view.Node(target)
		if !ok {
			return store.Errorf(store.RetCSendError, "next owner %s is not a live member", target)
		}
		keys := byTarget[target]
		for start := 0; start < len(keys); start += n.config.MigrationBatchSize {
			if err := limiter.Wait(ctx); err != nil {
				return store.Errorf(store.RetCTimeout, "migration to %s: %v", target, err)
			}
			chunk := keys[start:min(start+n.config.MigrationBatchSize, len(keys))]
			if err := n.shipBatch(ctx, m, node, chunk); err != nil {
				return err
			}
			shipped += len(chunk)
		}
	}
	if shipped > 0 {
		Logger.Infof("[%s] epoch %d: shipped %d keys to %d nodes", n.self.ID, m.epoch, shipped, len(byTarget))
	}
	return nil
}

// shipBatch moves keys to node. The keys are marked as moving first, so every
// operation on them waits until the batch is acknowledged (and is then redirected)
// or failed (and is then served here again).
func (n *Node) shipBatch(ctx context.Context, m *migration, node cluster.Node, keys []string) error {
	done := make(chan struct{})
	defer close(done)

	set := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		gate := n.gate.stripe(key)
		gate.Lock()
		m.moving.Store(key, done)
		gate.Unlock()
		set[key] = struct{}{}
	}

	entries := n.local.Extract(func(key string) bool {
		_, ok := set[key]
		return ok
	})
	var locks []store.LockRecord
	for _, key := range keys {
		if rec, held := n.locks.Seal(key, errMigrating); held {
			locks = append(locks, rec)
		}
	}

	batch := migrateBatch{Epoch: m.epoch, Source: n.self.ID, Kind: batchRehash, Entries: entries, Locks: locks}
	err := n.sendBatch(ctx, node, batch)
	if err != nil {
		n.restore(entries, locks, keys)
	}
	for _, key := range keys {
		if err == nil {
			m.moved.Store(key, node.ID)
		}
		m.moving.Delete(key)
	}
	if err != nil {
		return fmt.Errorf("migrate %d keys to %s: %w", len(keys), node.ID, err)
	}
	n.metrics.migratedKeys.Add(len(keys))
	return nil
}

func (n *Node) sendBatch(ctx context.Context, node cluster.Node, batch migrateBatch) error {
	req, err := common.NewMetaRequest(common.MsgTMigrate, batch)
	if err != nil {
		return err
	}
	_, err = n.call(ctx, node, req)
	return err
}

// restore takes back entries and locks of a batch that could not be delivered
func (n *Node) restore(entries []store.Entry, locks []store.LockRecord, keys []string) {
	n.local.Ingest(entries)
	for _, rec := range locks {
		n.locks.Import(rec)
	}
	for _, key := range keys {
		if _, held := n.locks.Holder(key); !held {
			n.locks.Unseal(key)
		}
	}
}

// ingest takes over a batch shipped by another node
func (n *Node) ingest(b migrateBatch) (int, error) {
	m := n.mig.Load()
	switch b.Kind {
	case batchRehash:
		if m == nil || m.epoch != b.Epoch {
			return 0, store.Errorf(store.RetCInvalidOperation, "batch for epoch %d, but that epoch is not prepared", b.Epoch)
		}
	case batchReturn:
		if m != nil {
			for _, e := range b.Entries {
				m.moved.Delete(e.Key)
			}
			for _, rec := range b.Locks {
				m.moved.Delete(rec.Key)
			}
		}
	}

	taken := n.local.Ingest(b.Entries)
	for _, rec := range b.Locks {
		n.locks.Import(rec)
	}
	if b.Kind == batchRehash {
		for _, e := range b.Entries {
			m.ingested.Store(e.Key, b.Source)
		}
		for _, rec := range b.Locks {
			m.ingested.Store(rec.Key, b.Source)
		}
	}
	Logger.Debugf("[%s] ingested %d/%d entries and %d locks from %s", n.self.ID, taken, len(b.Entries), len(b.Locks), b.Source)
	return taken, nil
}

// commitTable installs the table of a committed epoch and ends the migration
func (n *Node) commitTable(t cluster.PartitionTable) error {
	if !t.Valid() {
		return store.NewError(store.RetCInvalidOperation, "commit of an invalid partition table")
	}
	if cur := n.pmap.Table(); t.Epoch < cur.Epoch {
		return store.Errorf(store.RetCInvalidOperation, "epoch %d is older than the current epoch %d", t.Epoch, cur.Epoch)
	}

	// the new table must be visible before the moved markers disappear
	n.pmap.SetTable(t, n.View())
	if t.Epoch > n.epochFloor.Load() {
		n.epochFloor.Store(t.Epoch)
	}
	if m := n.mig.Load(); m != nil && m.epoch <= t.Epoch {
		n.mig.CompareAndSwap(m, nil)
	}
	n.locks.ClearSeals()
	Logger.Infof("[%s] committed partition table %d", n.self.ID, t.Epoch)
	return nil
}

// abort gives up an epoch. Received keys are sent back to the node they came
// from, keys written here during the epoch go to their owner in the previous table.
func (n *Node) abort(ctx context.Context, epoch uint64) error {
	m := n.mig.Load()
	if m == nil || m.epoch != epoch {
		return nil
	}

	bySource := make(map[cluster.NodeID][]string)
	m.ingested.Range(func(key string, source cluster.NodeID) bool {
		bySource[source] = append(bySource[source], key)
		return true
	})

	view := n.View()
	var errs []error
	for _, source := range sortedTargets(bySource) {
		node, ok := view.Node(source)
		if !ok {
			Logger.Warningf("[%s] epoch %d: source %s left, keeping %d keys", n.self.ID, epoch, source, len(bySource[source]))
			continue
		}
		if err := n.handOver(ctx, node, bySource[source], epoch, batchReturn); err != nil {
			errs = append(errs, err)
		}
	}

	n.mig.CompareAndSwap(m, nil)
	n.locks.ClearSeals()
	if n.self.IsServer() {
		if err := n.pushStrays(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	Logger.Warningf("[%s] aborted epoch %d", n.self.ID, epoch)
	return errors.Join(errs...)
}

// handOver extracts keys (with their locks) and sends them to node in one batch.
// If the batch can not be delivered the keys are restored.
func (n *Node) handOver(ctx context.Context, node cluster.Node, keys []string, epoch uint64, kind batchKind) error {
	set := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		set[key] = struct{}{}
	}
	entries := n.local.Extract(func(key string) bool {
		_, ok := set[key]
		return ok
	})
	var locks []store.LockRecord
	for _, key := range keys {
		if rec, held := n.locks.Seal(key, errMigrating); held {
			locks = append(locks, rec)
		}
	}

	err := n.sendBatch(ctx, node, migrateBatch{Epoch: epoch, Source: n.self.ID, Kind: kind, Entries: entries, Locks: locks})
	if err != nil {
		n.restore(entries, locks, keys)
		return fmt.Errorf("hand over %d keys to %s: %w", len(keys), node.ID, err)
	}
	for _, key := range keys {
		n.locks.Unseal(key)
	}
	return nil
}

// --------------------------------------------------------------------------
// Synchronize
// --------------------------------------------------------------------------

// Synchronize brings the members up to date with the coordinator. On the
// coordinator it sends the committed partition table to every member; servers
// hand over entries they hold but do not own, clients purge and refill their
// cache. Other servers forward the request to the coordinator. A client node
// refreshes only itself.
func (n *Node) Synchronize(ctx context.Context) error {
	ctx, cancel := n.opContext(ctx)
	defer cancel()

	if !n.self.IsServer() {
		if err := n.fetchTable(ctx); err != nil {
			return err
		}
		return n.refreshCache(ctx)
	}

	view := n.View()
	if !view.IsCoordinator() {
		coord, ok := view.Coordinator()
		if !ok {
			return store.NewError(store.RetCInvalidOperation, "no coordinator in view")
		}
		_, err := n.peers.Call(ctx, coord.Endpoint, &common.Message{MsgType: common.MsgTSync, Redirected: true})
		return err
	}

	req, err := common.NewMetaRequest(common.MsgTSync, tablePayload{Table: n.pmap.Table()})
	if err != nil {
		return err
	}
	_, err = n.broadcast(ctx, view.Members, req)
	return err
}

// applySync handles the table sent by the coordinator on a member
func (n *Node) applySync(ctx context.Context, t cluster.PartitionTable) error {
	if m := n.mig.Load(); m != nil {
		if t.Epoch < m.epoch {
			return store.NewError(store.RetCInvalidOperation, "rehash in progress")
		}
		// the coordinator committed the epoch, this node missed the commit
		if err := n.commitTable(t); err != nil {
			return err
		}
	} else {
		n.adoptTable(t)
	}
	if !n.self.IsServer() {
		return n.refreshCache(ctx)
	}
	return n.pushStrays(ctx)
}

// pushStrays hands entries this node holds but does not own to their owner
func (n *Node) pushStrays(ctx context.Context) error {
	table := n.pmap.Table()
	dist := n.pmap.Distributor()

	byOwner := make(map[cluster.NodeID][]string)
	for _, key := range n.heldKeys() {
		owner, err := table.OwnerOf(dist, key)
		if err != nil {
			return err
		}
		if owner != n.self.ID {
			byOwner[owner] = append(byOwner[owner], key)
		}
	}

	view := n.View()
	var errs []error
	for _, owner := range sortedTargets(byOwner) {
		node, ok := view.Node(owner)
		if !ok {
			errs = append(errs, store.Errorf(store.RetCSendError, "owner %s of %d stray keys is not a live member", owner, len(byOwner[owner])))
			continue
		}
		keys := byOwner[owner]
		for start := 0; start < len(keys); start += n.config.MigrationBatchSize {
			chunk := keys[start:min(start+n.config.MigrationBatchSize, len(keys))]
			if err := n.handOver(ctx, node, chunk, table.Epoch, batchStray); err != nil {
				errs = append(errs, err)
				break
			}
		}
		Logger.Infof("[%s] handed %d stray keys to %s", n.self.ID, len(keys), owner)
	}
	return errors.Join(errs...)
}

// refreshCache purges the cache and fetches the purged keys again
func (n *Node) refreshCache(ctx context.Context) error {
	keys := n.cache.Purge()
	for _, key := range keys {
		e, _, err := n.GetEntry(ctx, key)
		if err != nil {
			return fmt.Errorf("refresh %q: %w", key, err)
		}
		n.cache.Add(e)
	}
	Logger.Debugf("[%s] refreshed %d cached keys", n.self.ID, len(keys))
	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// heldKeys returns every key with an entry, a tombstone or a lock on this node
func (n *Node) heldKeys() []string {
	seen := make(map[string]struct{})
	n.local.Range(func(e store.Entry) bool {
		seen[e.Key] = struct{}{}
		return true
	})
	for _, key := range n.locks.HeldKeys() {
		seen[key] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortedTargets(m map[cluster.NodeID][]string) []cluster.NodeID {
	ids := make([]cluster.NodeID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
