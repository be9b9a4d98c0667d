package transport

import (
	"context"

	"github.com/ValentinKolb/dCtx/rpc/common"
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ServerHandleFunc is a function type that handles incoming requests
// This function is called by a server transport layer when a request is received
// It takes the channel (subject) of the request and the request as parameters and returns a response
type ServerHandleFunc func(channel uint64, req []byte) (resp []byte)

// IRPCServerTransport is the interface for the RPC transport layer
// It must accept a ServerTransportConfig as a parameter
type IRPCServerTransport interface {
	// RegisterHandler registers a handler for the transport layer
	// This handler should be called when a request is received
	// The handler is responsible for routing the request to the context registered on the channel
	RegisterHandler(handler ServerHandleFunc)
	// Listen starts the transport layer and listens for incoming requests.
	// It blocks until Close is called (returning nil) or listening fails.
	Listen(config common.ServerTransportConfig) error
	// Close stops listening and closes all open connections
	Close() error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IRPCClientTransport is the interface for the RPC client transport
type IRPCClientTransport interface {
	// Connect initializes the transport with the given configuration
	Connect(config common.ClientConfig) error
	// Send sends a request on a channel and returns the response.
	// A request that could not be delivered fails with store.ErrSend (and is retried
	// according to the configured retry count), a missing response within the deadline of
	// ctx (or the configured timeout) fails with store.ErrTimeout and is never retried.
	Send(ctx context.Context, channel uint64, req []byte) (resp []byte, err error)
	// Close closes the transport connection
	Close() error
}
