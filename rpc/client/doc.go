// Package client implements the sending side of the RPC system. The engine of a
// shared context uses it to talk to its peers, the command line client uses it
// to talk to any node of a cluster.
//
// The package focuses on:
//   - Sending requests through the transport and serialization layers
//   - Rebuilding remote errors as store.Error, so errors.Is works across nodes
//   - Keeping one transport per peer endpoint
//
// Key Components:
//
//   - Invoke: Serializes a request, sends it on the channel of a context and
//     decodes the response. Remote errors are returned together with the
//     decoded response (a NotOwner response carries the redirect target).
//
//   - PeerPool: Lazily connected transports keyed by peer endpoint. Unreachable
//     peers are not cached, so a restarted peer is picked up by the next call.
//
//   - TransportByName / ServerTransportByName: Factories for the tcp, unix and
//     http transports, used by the command line to honour the configured transport.
//
// Usage Example:
//
//	pool := client.NewPeerPool(
//	  server.ChannelOf("orders"),
//	  common.ClientConfig{TimeoutSecond: 5, Transport: common.ClientTransportConfig{RetryCount: 3}},
//	  tcp.NewTCPClientTransport,
//	  serializer.NewBinarySerializer(),
//	)
//	resp, err := pool.Call(ctx, "10.0.0.2:7000", common.NewGetRequest("mykey"))
//
// Performance Considerations:
//
//   - For applications that frequently send large payloads, increasing ConnectionsPerEndpoint
//     can improve throughput by allowing parallel requests.
//
//   - The choice of serializer significantly affects performance. The binary serializer
//     provides the best performance and smallest payload size.
//
// Thread Safety:
//
//	All client implementations are thread-safe and can be used concurrently from
//	multiple goroutines without additional synchronization.
package client
