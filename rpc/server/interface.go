package server

import (
	"context"

	"github.com/ValentinKolb/dCtx/rpc/common"
)

// IRPCServerAdapter is the interface for all RPC server adapters
// It is responsible for handling requests and responses of one context
type IRPCServerAdapter interface {
	// Handle handles a request and returns a response
	// If an error occurs, it should be set in the response
	Handle(ctx context.Context, req *common.Message) (resp *common.Message)
}

// AdapterFunc adapts a plain function to IRPCServerAdapter
type AdapterFunc func(ctx context.Context, req *common.Message) *common.Message

func (f AdapterFunc) Handle(ctx context.Context, req *common.Message) *common.Message {
	return f(ctx, req)
}
