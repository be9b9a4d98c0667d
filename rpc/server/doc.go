// Package server implements the RPC server of a node. One server can serve any
// number of shared contexts; each context is addressed by its channel, the hash
// of the context name, which every frame carries in its header.
//
// The package focuses on:
//   - Decoding requests and encoding responses with the configured serializer
//   - Routing requests by channel to the adapter registered for the context
//   - Request metrics (count per message type, errors per code, latency)
//
// Key Components:
//
//   - IRPCServerAdapter: Interface defining the contract for all server adapters,
//     with the Handle method that processes a decoded request. The engine node
//     of a shared context implements it.
//
//   - NewRPCServer: Factory function creating a configured server with the specified
//     transport and serializer mechanisms.
//
//   - ChannelOf: Maps a context name to its channel. Clients use the same function
//     to address a context.
//
// Usage Example:
//
//	s := server.NewRPCServer(
//	  common.ServerTransportConfig{Endpoint: "0.0.0.0:8080"},
//	  tcp.NewTCPServerTransport(),
//	  serializer.NewBinarySerializer(),
//	)
//	if err := s.Register("orders", node); err != nil {
//	  log.Fatalf("register: %v", err)
//	}
//	if err := s.Serve(); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//
// Thread Safety:
//
//	The server implementation is thread-safe and can handle concurrent requests
//	across multiple connections. Each request is processed independently.
//	Serve blocks and should be called only once.
package server
