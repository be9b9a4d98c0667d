// Package txn implements transactions over the partitioned shared context.
//
// A transaction is an explicit handle: Manager.Begin returns a *Tx which every
// later call receives, there is no implicit per goroutine binding. A caller id
// can only have one active transaction at a time.
//
// Lock Modes:
//
//   - Pessimistic: every key is locked (with the transaction id as owner) on first
//     access, before it is read or written. Locks are held until commit or rollback.
//
//   - Optimistic: the version of every key is recorded on first access and nothing
//     is locked. Commit locks the write-set in sorted key order, checks that no
//     version advanced and only then applies the writes.
//
// Commit:
//
//	Writes are applied with version conditional puts and removes, so a write that
//	bypassed the locks is detected as a conflict as well. If a write fails after
//	others were applied, the applied ones are undone from their before-images in
//	reverse order. A transaction whose undo fails ends in ROLLBACK_FAILED and needs
//	operator attention: the context may hold a partial write-set.
//
// Usage Example:
//
//	tx, err := manager.Begin("worker-7", txn.Optimistic)
//	v, ok, err := tx.Get(ctx, sc, "counter", time.Second)
//	err = tx.Put(ctx, sc, "counter", next(v), time.Second)
//	if err := tx.Commit(ctx); errors.Is(err, store.ErrConflict) {
//	    // somebody else changed the counter, retry with a new transaction
//	}
package txn
