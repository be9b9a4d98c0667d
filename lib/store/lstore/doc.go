// Package lstore implements the in-memory store.IStore a node uses for the
// partitions it owns. Entries live in a puzpuzpuz/xsync MapOf, and every write is
// a single atomic Compute on the key, so operations on unrelated keys never
// serialize each other.
//
// Implementation Details:
//
//   - Versions: each key carries its own version counter. Removes keep a tombstone
//     with a bumped version. Tombstones are invisible to Get/Keys/Size but are
//     moved by Extract and honored by Ingest.
//
//   - Conditional writes: PutIfVersion and RemoveIfVersion compare the expected
//     version inside the Compute callback, which makes the check-and-set atomic.
//
//   - Ingest: entries received during rehash only replace local entries with a
//     lower version. This makes repeated migrations of the same entries idempotent.
//
// Usage Example:
//
//	s := lstore.NewLocalStore()
//	v := s.Put("session:123", data)
//	_, err := s.PutIfVersion("session:123", newData, v) // succeeds
//	_, err = s.PutIfVersion("session:123", newData, v)  // store.ErrConflict
package lstore
