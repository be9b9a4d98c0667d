// Package base holds the framed stream transport shared by the tcp and unix
// packages. Those only supply a connector that dials or listens, everything else
// is implemented once here.
//
// A frame is a fixed header (channel, request id, payload length) followed by the
// payload. The channel tells the server which registered context the message is
// for, the request id lets the client match answers to callers, so many requests
// can be in flight on one connection.
//
// The client keeps several connections per endpoint and picks them round robin.
// A connection that breaks fails every request waiting on it and is dialed again
// by the next request that picks it. Dial and write errors are retried on the
// next connection with a growing backoff. A request that was written but not
// answered in time fails with store.ErrTimeout and is never resent, because the
// server may already have applied it.
//
// The server runs one reader goroutine per connection and hands requests to at
// most WorkersPerConn concurrent handlers. Read buffers are pooled.
package base
