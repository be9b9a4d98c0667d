// Package http carries the messages of the shared context over plain HTTP. Each
// request is one POST to /{channel} whose body is the serialized message, the
// response body is the serialized answer.
//
// It is slower than the framed transports but passes through proxies and load
// balancers, and a node can be probed with curl. The client rotates over its
// endpoints, retries requests that could not be sent and reports them as
// store.ErrSend. A request whose context expires fails with store.ErrTimeout.
package http
