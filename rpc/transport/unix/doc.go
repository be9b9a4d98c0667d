// Package unix connects nodes that run on the same host through Unix domain
// sockets. An endpoint is the socket path, e.g. /tmp/dctx-node-1.sock.
//
// Only dialing and listening live here. Framing, request correlation, redialing
// and the worker limit per connection come from the base package, so a unix
// endpoint behaves exactly like a tcp one apart from the address format.
//
// The server removes a stale socket file before it listens and again when it
// is closed.
package unix
