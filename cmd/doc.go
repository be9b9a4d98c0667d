// Package cmd implements the command-line interface of dCtx, the distributed
// shared context. It provides a hierarchical command structure with operations
// for running a node and for interacting with a running cluster as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Starts a node and serves its context over the configured transport
//   - ctx: Map operations on a context (get, put, del, keys, size, clear, update)
//   - lock: Lock operations (acquire, release, list)
//   - cluster: Cluster management and introspection (info, owner, stats, health, sync, rehash, query)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Client commands connect to any node of the cluster, the node routes each request
// to the owner of the key. All flags can also be set as environment variables in
// the form DCTX_<flag> (e.g. DCTX_TRANSPORT_ENDPOINTS=localhost:8080), which are
// also read from .env and .env.local.
//
// See dctx -help for a list of all commands.
package cmd
