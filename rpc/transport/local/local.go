package local

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dCtx/rpc/common"
	"github.com/ValentinKolb/dCtx/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Network
// --------------------------------------------------------------------------

// Network connects in-process server and client transports by endpoint name.
// Endpoints can be killed and revived to simulate failing nodes.
type Network struct {
	servers *xsync.MapOf[string, *serverTransport]
	killed  *xsync.MapOf[string, struct{}]
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		servers: xsync.NewMapOf[string, *serverTransport](),
		killed:  xsync.NewMapOf[string, struct{}](),
	}
}

// Kill makes the endpoint unreachable. Requests already being handled still
// complete, but their responses are dropped.
func (n *Network) Kill(endpoint string) {
	n.killed.Store(endpoint, struct{}{})
}

// Revive makes a killed endpoint reachable again.
func (n *Network) Revive(endpoint string) {
	n.killed.Delete(endpoint)
}

// Reachable reports whether a server listens on the endpoint and it is not killed.
func (n *Network) Reachable(endpoint string) bool {
	if _, dead := n.killed.Load(endpoint); dead {
		return false
	}
	_, ok := n.servers.Load(endpoint)
	return ok
}

// NewServerTransport creates a server transport attached to this network.
func (n *Network) NewServerTransport() transport.IRPCServerTransport {
	return &serverTransport{network: n, done: make(chan struct{})}
}

// NewClientTransport creates a client transport attached to this network.
func (n *Network) NewClientTransport() transport.IRPCClientTransport {
	return &clientTransport{network: n}
}

// deliver calls the handler of endpoint and waits for its response
func (n *Network) deliver(ctx context.Context, endpoint string, channel uint64, req []byte) ([]byte, error) {
	if _, dead := n.killed.Load(endpoint); dead {
		return nil, transport.SendError(endpoint, fmt.Errorf("endpoint is down"))
	}
	srv, ok := n.servers.Load(endpoint)
	if !ok {
		return nil, transport.SendError(endpoint, fmt.Errorf("no server listening"))
	}

	// the handler owns its copy of the request, as with a real socket
	in := make([]byte, len(req))
	copy(in, req)

	respCh := make(chan []byte, 1)
	go func() {
		respCh <- srv.handle(channel, in)
	}()

	select {
	case resp := <-respCh:
		if _, dead := n.killed.Load(endpoint); dead {
			return nil, transport.SendError(endpoint, fmt.Errorf("endpoint went down"))
		}
		return resp, nil
	case <-ctx.Done():
		return nil, transport.TimeoutError(endpoint, ctx.Err())
	}
}

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

type serverTransport struct {
	network  *Network
	handler  transport.ServerHandleFunc
	endpoint string
	done     chan struct{}
	once     sync.Once
}

func (s *serverTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	s.handler = handler
}

func (s *serverTransport) Listen(config common.ServerTransportConfig) error {
	if s.handler == nil {
		return fmt.Errorf("no handler registered")
	}
	if _, loaded := s.network.servers.LoadOrStore(config.Endpoint, s); loaded {
		return fmt.Errorf("endpoint %s already in use", config.Endpoint)
	}
	s.endpoint = config.Endpoint

	<-s.done
	s.network.servers.Delete(config.Endpoint)
	return nil
}

func (s *serverTransport) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *serverTransport) handle(channel uint64, req []byte) []byte {
	return s.handler(channel, req)
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

type clientTransport struct {
	network *Network
	config  common.ClientConfig
	counter atomic.Uint64
}

func (c *clientTransport) Connect(config common.ClientConfig) error {
	if len(config.Transport.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}
	c.config = config
	for _, ep := range config.Transport.Endpoints {
		if c.network.Reachable(ep) {
			return nil
		}
	}
	return transport.SendError(fmt.Sprint(config.Transport.Endpoints), fmt.Errorf("failed to connect to any endpoint"))
}

func (c *clientTransport) Send(ctx context.Context, channel uint64, req []byte) ([]byte, error) {
	endpoints := c.config.Transport.Endpoints
	if len(endpoints) == 0 {
		return nil, transport.SendError("local", fmt.Errorf("transport not connected"))
	}

	ctx, cancel := transport.RequestContext(ctx, c.config.Timeout())
	defer cancel()

	endpoint := endpoints[c.counter.Add(1)%uint64(len(endpoints))]
	return c.network.deliver(ctx, endpoint, channel, req)
}

func (c *clientTransport) Close() error {
	c.config.Transport.Endpoints = nil
	return nil
}
