// Package transport defines the interfaces and abstractions for RPC communication
// between the nodes (and clients) of a shared context. It provides a common contract
// that all transport implementations must fulfill, enabling protocol-agnostic communication.
//
// The package focuses on:
//   - Defining clear interfaces for client and server transport layers
//   - Supporting channel (subject) based request routing
//   - Enabling multiple transport implementations (HTTP, TCP, Unix sockets, in-process)
//   - Mapping transport failures to the error taxonomy of the store package
//
// Key Components:
//
//   - IRPCClientTransport: Interface for client-side transport implementations that
//     handles connection management and request sending.
//
//   - IRPCServerTransport: Interface for server-side transport implementations that
//     receives requests and routes them to appropriate handlers.
//
//   - ServerHandleFunc: Function type for request handling callbacks.
//
// Error Mapping:
//
//	A request that never reached the peer (dial or write failure, lost connection)
//	fails with store.ErrSend. Only these failures are retried. A request that was
//	sent but not answered before the deadline fails with store.ErrTimeout, since
//	the peer might have executed it.
package transport
