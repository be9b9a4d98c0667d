package server

import (
	"context"
	"fmt"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ValentinKolb/dCtx/lib/store"
	"github.com/ValentinKolb/dCtx/lib/util"
	"github.com/ValentinKolb/dCtx/rpc/common"
	"github.com/ValentinKolb/dCtx/rpc/serializer"
	"github.com/ValentinKolb/dCtx/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("rpc")

// ChannelOf returns the channel (subject) a context with the given name is served on.
func ChannelOf(contextName string) uint64 {
	return util.HashString(contextName, 0)
}

// serverContext is a context registered on the RPC server
type serverContext struct {
	Name    string
	Adapter IRPCServerAdapter
}

// NewRPCServer creates a new RPC server
// It takes a config, transport and serializer as parameters
//
// Usage:
//
//	s := server.NewRPCServer(
//		config.Transport,
//		tcp.NewTCPServerTransport(),
//		serializer.NewBinarySerializer(),
//	)
//	s.Register("orders", node)
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
func NewRPCServer(
	config common.ServerTransportConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
) *RPCServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	return &RPCServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		contexts:   xsync.NewMapOf[uint64, serverContext](),
	}
}

type RPCServer struct {
	config     common.ServerTransportConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer
	contexts   *xsync.MapOf[uint64, serverContext]
}

// Register serves a context under its name. Registering the same name twice fails.
func (s *RPCServer) Register(name string, adapter IRPCServerAdapter) error {
	channel := ChannelOf(name)
	if prev, loaded := s.contexts.LoadOrStore(channel, serverContext{Name: name, Adapter: adapter}); loaded {
		return fmt.Errorf("channel %d already serves context %q", channel, prev.Name)
	}
	Logger.Infof("Serving context %q on channel %d", name, channel)
	return nil
}

// Unregister stops serving a context.
func (s *RPCServer) Unregister(name string) {
	s.contexts.Delete(ChannelOf(name))
}

// Serve registers the request handler and starts the transport layer.
// It blocks until Close is called.
func (s *RPCServer) Serve() error {
	s.transport.RegisterHandler(s.handle)
	return s.transport.Listen(s.config)
}

// Close stops the transport layer.
func (s *RPCServer) Close() error {
	return s.transport.Close()
}

// handle decodes a request, passes it to the context registered on the channel
// and encodes the response
func (s *RPCServer) handle(channel uint64, req []byte) []byte {
	var msg common.Message
	var respMsg *common.Message

	// Get the addressed context
	sc, ok := s.contexts.Load(channel)

	if !ok {
		// Case context does not exist -> error
		respMsg = common.NewErrorResponse(store.Errorf(store.RetCInvalidOperation, "no context on channel %d", channel))
	} else if err := s.serializer.Deserialize(req, &msg); err != nil {
		respMsg = common.NewErrorResponse(store.Errorf(store.RetCInvalidOperation, "failed to deserialize request: %v", err))
	} else {
		// Let the adapter handle the request
		start := time.Now()
		respMsg = sc.Adapter.Handle(context.Background(), &msg)
		if respMsg == nil {
			respMsg = common.NewErrorResponse(store.Errorf(store.RetCInternalError, "no response for %s", msg.MsgType))
		}
		metrics.GetOrCreateCounter(fmt.Sprintf(`dctx_rpc_requests_total{context=%q,type=%q}`, sc.Name, msg.MsgType)).Inc()
		if respMsg.Code != store.RetCSuccess {
			metrics.GetOrCreateCounter(fmt.Sprintf(`dctx_rpc_errors_total{context=%q,code=%q}`, sc.Name, respMsg.Code)).Inc()
		}
		metrics.GetOrCreateHistogram(fmt.Sprintf(`dctx_rpc_request_duration_seconds{context=%q}`, sc.Name)).UpdateDuration(start)
	}

	// Return result
	val, err := s.serializer.Serialize(*respMsg)
	if err != nil {
		Logger.Errorf("Failed to serialize response: %v", err)
		val, _ = s.serializer.Serialize(*common.NewErrorResponse(
			store.Errorf(store.RetCInternalError, "failed to serialize response: %v", err)))
	}
	return val
}
