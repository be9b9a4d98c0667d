// Package persist contains the persistence backends of the shared context and
// the durable rehash journal.
//
// Backends:
//
//   - Bolt: a go.etcd.io/bbolt database with one record per key. Supports saving
//     the whole map as well as single keys.
//
//   - Snapshot: a single binary file that is rewritten on every save. It can only
//     save the whole map, SaveKey fails with store.ErrUnsupportedOperation.
//
// Journal:
//
//	The coordinator writes one record per rehash epoch (preparing, committed or
//	aborted). Migration is idempotent, so an epoch left in the preparing phase
//	after a crash is finished by simply running the rehash again.
package persist
