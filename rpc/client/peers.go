package client

import (
	"context"
	"sort"
	"sync"

	"github.com/ValentinKolb/dCtx/rpc/common"
	"github.com/ValentinKolb/dCtx/rpc/serializer"
	"github.com/ValentinKolb/dCtx/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

// TransportFactory creates an unconnected client transport.
type TransportFactory func() transport.IRPCClientTransport

// PeerPool keeps one client transport per peer endpoint and sends requests
// of one context to them. Transports are created on first use; a peer that
// cannot be reached is not cached, so the next call dials again.
type PeerPool struct {
	channel    uint64
	config     common.ClientConfig
	factory    TransportFactory
	serializer serializer.IRPCSerializer
	peers      *xsync.MapOf[string, transport.IRPCClientTransport]
	dialMu     sync.Mutex
}

// NewPeerPool creates a pool for the context on channel. config is used as a
// template, its endpoints are replaced by the endpoint of each peer.
func NewPeerPool(channel uint64, config common.ClientConfig, factory TransportFactory, s serializer.IRPCSerializer) *PeerPool {
	return &PeerPool{
		channel:    channel,
		config:     config,
		factory:    factory,
		serializer: s,
		peers:      xsync.NewMapOf[string, transport.IRPCClientTransport](),
	}
}

// Call sends req to the peer listening on endpoint.
func (p *PeerPool) Call(ctx context.Context, endpoint string, req *common.Message) (*common.Message, error) {
	t, err := p.get(endpoint)
	if err != nil {
		return nil, err
	}
	return Invoke(ctx, p.channel, req, t, p.serializer)
}

// Forget closes and removes the transport of a peer, e.g. after it left the cluster.
func (p *PeerPool) Forget(endpoint string) {
	if t, ok := p.peers.LoadAndDelete(endpoint); ok {
		_ = t.Close()
		Logger.Debugf("Closed transport to %s", endpoint)
	}
}

// Endpoints returns the endpoints with an open transport.
func (p *PeerPool) Endpoints() []string {
	var eps []string
	p.peers.Range(func(ep string, _ transport.IRPCClientTransport) bool {
		eps = append(eps, ep)
		return true
	})
	sort.Strings(eps)
	return eps
}

// Close closes all transports.
func (p *PeerPool) Close() {
	for _, ep := range p.Endpoints() {
		p.Forget(ep)
	}
}

// get returns the transport for endpoint, connecting it if needed
func (p *PeerPool) get(endpoint string) (transport.IRPCClientTransport, error) {
	if t, ok := p.peers.Load(endpoint); ok {
		return t, nil
	}

	// dials are serialized so a peer never gets two transports
	p.dialMu.Lock()
	defer p.dialMu.Unlock()
	if t, ok := p.peers.Load(endpoint); ok {
		return t, nil
	}

	cfg := p.config
	cfg.Transport.Endpoints = []string{endpoint}

	t := p.factory()
	if err := t.Connect(cfg); err != nil {
		Logger.Debugf("Failed to connect to peer %s: %v", endpoint, err)
		return nil, err
	}
	p.peers.Store(endpoint, t)
	Logger.Debugf("Connected to peer %s", endpoint)
	return t, nil
}
