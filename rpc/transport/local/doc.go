// Package local implements an in-process transport. Server and client transports
// created from the same Network find each other by endpoint name instead of a
// socket, which lets a whole cluster of nodes run inside one test binary.
//
// The transport keeps the error semantics of the socket transports: an endpoint
// without a listening server or a killed endpoint fails with store.ErrSend, a
// handler that does not answer before the deadline fails with store.ErrTimeout.
// Network.Kill and Network.Revive simulate crashing and restarting nodes.
package local
