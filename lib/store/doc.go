// Package store defines the entry model of the shared context, the IStore contract
// for the entries a node holds locally and the error taxonomy used across the whole
// module (including the RPC layer, which transports error codes over the wire).
//
// Key Components:
//
//   - Entry: A versioned value. Versions start at 1 and grow with every successful
//     write. Removes keep a tombstone so the version of a key never decreases, even
//     when the key is written again later. An entry may carry the LockRecord of its
//     key while it migrates between nodes.
//
//   - IStore Interface: The local operations the engine needs on the owning node:
//     plain and version-conditional writes, diff updates via a reconcile.Reconciler,
//     enumeration, and the Extract/Ingest pair used by rehash to move entries.
//
//   - Error System: A structured error type with a RetCode. Errors created on a remote
//     node are rebuilt with the same code on the caller side, so errors.Is works
//     against the sentinels (ErrSend, ErrTimeout, ErrConflict, ...) no matter where
//     the error originated.
//
// Implementations:
//
//	- Local Store (lstore): an in-memory store built on concurrent maps.
//	  Available in the "github.com/ValentinKolb/dCtx/lib/store/lstore" package.
//
// Error kinds:
//
//	ErrSend and ErrTimeout are distinct. A send error means the request
//	never reached its target, while a timeout means it may still be executing remotely.
package store
