package client

import (
	"context"

	"github.com/ValentinKolb/dCtx/lib/store"
	"github.com/ValentinKolb/dCtx/rpc/common"
	"github.com/ValentinKolb/dCtx/rpc/serializer"
	"github.com/ValentinKolb/dCtx/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("client")
)

// Invoke is a helper function used by all RPC clients to send requests
// It takes a channel, a request message, a transport layer and a serializer as parameters.
// If the remote side answered with an error, the decoded response is returned together
// with the rebuilt store.Error, so callers can inspect fields like the redirect owner.
func Invoke(ctx context.Context, channel uint64, req *common.Message, t transport.IRPCClientTransport, s serializer.IRPCSerializer) (*common.Message, error) {
	// Serialize the request
	reqBytes, err := s.Serialize(*req)
	if err != nil {
		return nil, store.Errorf(store.RetCSendError, "serialize %s request: %v", req.MsgType, err)
	}

	// Send the request, transport errors are already mapped to ErrSend / ErrTimeout
	respBytes, err := t.Send(ctx, channel, reqBytes)
	if err != nil {
		return nil, err
	}

	// Deserialize the response
	resp := &common.Message{}
	if err := s.Deserialize(respBytes, resp); err != nil {
		return nil, store.Errorf(store.RetCInternalError, "deserialize %s response: %v", req.MsgType, err)
	}

	// Check if the response is an error response
	if err := resp.Error(); err != nil {
		return resp, err
	}

	// Check if the type of the response is the expected type
	if resp.MsgType != req.MsgType {
		return nil, store.Errorf(store.RetCInternalError, "unexpected message type: %s, expected %s", resp.MsgType, req.MsgType)
	}

	return resp, nil
}
