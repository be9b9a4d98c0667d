// Package rpc provides the messaging layer of the shared context. Nodes use it to
// route requests to the owner of a key, to fan out context wide operations and to
// move entries during a rehash. The command line client uses it to reach any node.
//
// The package is organized into several subpackages:
//
//   - common: Core data structures and utilities used across the RPC system,
//     including the Message protocol, the payload codec, node and client
//     configuration, and logging.
//
//   - transport: Network communication abstractions with pluggable implementations
//     (TCP, Unix sockets, HTTP) and an in-process network used in tests.
//
//   - serializer: Message serialization with multiple format options (Binary, CBOR,
//     JSON, GOB) for converting between Message objects and byte arrays.
//
//   - client: The peer pool nodes use to reach each other, the transport factories
//     and the Invoke helper shared by all callers.
//
//   - server: The RPC server. One server serves any number of contexts, each
//     registered under its name and addressed by a channel derived from it.
package rpc
