// Package common provides core data structures and utilities shared across
// the nodes and clients of a shared context. It defines the wire message,
// configuration structures and the logger factory used by other packages.
//
// The package focuses on:
//   - Message protocol definition for node to node and client to node communication
//   - Configuration structures for nodes and clients
//   - Logging implementation integrated with Dragonboat's logger facade
//
// Key Components:
//
//   - Message: Core data structure for all RPC communication. Its fields are
//     used depending on the message type. Cluster operations (sync, rehash,
//     migration batches, queries) carry their payload cbor encoded in Meta.
//     Errors travel as a RetCode plus message and are rebuilt as store.Error
//     on the receiving side, so errors.Is works across the wire.
//
//   - MessageType: Enumeration of all supported operations, categorized into
//     map operations, lock operations and cluster operations.
//
//   - NodeConfig: Configuration of a node: identity and role, static members,
//     partitioning, timeouts, rehash and migration settings, cache, data
//     directory, gossip and the transport to listen on.
//
//   - ClientConfig: Configuration for client transports, controlling endpoints,
//     timeouts, retries and socket options.
//
//   - Logger: Every package obtains its logger with logger.GetLogger(name).
//     InitLoggers installs a zap backed factory (console or json output) and
//     sets the level of all package loggers.
package common
