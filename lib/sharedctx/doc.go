/*
Package sharedctx implements the distributed shared context: one logical key/value
map whose keys are spread over the server nodes of a cluster.

# Nodes and Roles

Every process runs a Node. Server nodes hold the entries of the partitions they are
main for, client nodes hold nothing and forward every operation (optionally keeping
a bounded read cache). The member list comes from a cluster.Membership, which is fed
by the static configuration or by gossip (see lib/cluster/gossip).

# Routing

A key is mapped to a partition by the key distributor and the partition to its main
node by the partition table. Node.Route returns a tagged Route: RouteLocal if this
node owns the key, RouteRemote with the owning node otherwise. Remote operations are
sent to the owner with the Forwarded flag, the owner executes them locally.

While a rehash moves keys, the owner of a key is decided per key:

  - a key that already moved is redirected to its new owner
  - a key that is moving right now waits for the batch and is then redirected
  - a key held locally is served
  - an absent key is served if this node is the next owner and the request
    was redirected here, or if this node is both the current and the next owner
  - otherwise the request is redirected to the current (or next) owner

A redirect is answered with store.ErrNotOwner carrying the owner. Callers follow at
most 8 redirects.

# Locks and Transactions

Locks live in the lock table (lib/lockmgr) of the node that owns the key. Node
implements txn.Store, so transactions from lib/txn run against the whole cluster:

	tx, _ := node.Begin("worker-1", txn.Optimistic)
	_ = tx.Put(ctx, node, "counter", []byte("1"), 0)
	if err := tx.Commit(ctx); err != nil {
		// errors.Is(err, store.ErrTransaction)
	}

# Rehash and Synchronize

Rehash is run by the coordinator (the first server of the view). It computes the
next partition table, lets every server install the migration state, then lets
every server ship its outgoing keys (rate limited, in batches, with version and
lock record) and finally commits the new table on every member. A failure aborts
the epoch and the previous table stays in effect. Each step is recorded in a
durable journal if the node has a data directory.

Synchronize pushes the committed table of the coordinator to every member. Servers
hand over entries they hold but no longer own, clients purge and refill their cache.

# Queries

ExecuteInterpretQuery evaluates a query on every main node with the variable
"context" bound to the local partition data (see LocalView) and merges the per node
results with a second query that sees them as "results".
*/
package sharedctx
