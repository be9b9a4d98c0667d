package sharedctx

import (
	"context"
	"errors"
	"sync"

	"github.com/ValentinKolb/dCtx/lib/cluster"
	"github.com/ValentinKolb/dCtx/lib/store"
	"github.com/ValentinKolb/dCtx/lib/util"
	"github.com/ValentinKolb/dCtx/rpc/common"
)

// --------------------------------------------------------------------------
// Routes
// --------------------------------------------------------------------------

// RouteKind tells where an operation on a key runs.
type RouteKind uint8

const (
	RouteLocal  RouteKind = iota // the local node owns the key
	RouteRemote                  // Route.Node owns the key
)

// String returns the name of the route kind.
func (k RouteKind) String() string {
	if k == RouteLocal {
		return "local"
	}
	return "remote"
}

// Route is the result of resolving a key against the partition table.
type Route struct {
	Kind      RouteKind
	Node      cluster.Node
	Partition int
}

// Route resolves the node that owns key under the current partition table.
// An owner that is no longer a live member fails with store.ErrSend.
func (n *Node) Route(key string) (Route, error) {
	t := n.pmap.Table()
	p, err := t.PartitionOf(n.pmap.Distributor(), key)
	if err != nil {
		return Route{}, err
	}
	owner, err := t.MainOf(p)
	if err != nil {
		return Route{}, err
	}
	if owner == n.self.ID {
		return Route{Kind: RouteLocal, Node: n.self, Partition: p}, nil
	}
	node, ok := n.View().Node(owner)
	if !ok {
		return Route{}, store.Errorf(store.RetCSendError, "owner %s of partition %d is not a live member", owner, p)
	}
	return Route{Kind: RouteRemote, Node: node, Partition: p}, nil
}

// routeTo returns the route to a redirect target
func (n *Node) routeTo(id cluster.NodeID) (Route, error) {
	if id == n.self.ID {
		return Route{Kind: RouteLocal, Node: n.self, Partition: -1}, nil
	}
	node, ok := n.View().Node(id)
	if !ok {
		return Route{}, store.Errorf(store.RetCSendError, "redirect target %s is not a live member", id)
	}
	return Route{Kind: RouteRemote, Node: node, Partition: -1}, nil
}

// do runs a key scoped request on the owner of the key and follows redirects.
// If the owner answered with an error, the response is returned with it.
func (n *Node) do(ctx context.Context, req *common.Message) (*common.Message, error) {
	route, err := n.Route(req.Key)
	if err != nil {
		return nil, err
	}

	for hop := 0; ; hop++ {
		var resp *common.Message
		if route.Kind == RouteLocal {
			resp = n.execute(ctx, req)
			err = resp.Error()
		} else {
			n.metrics.forwarded.Inc()
			resp, err = n.call(ctx, route.Node, req)
		}

		if !errors.Is(err, store.ErrNotOwner) || resp == nil || resp.Owner == "" {
			return resp, err
		}
		if hop+1 >= maxRedirects {
			return nil, store.Errorf(store.RetCNotOwner, "%s %q: no owner found after %d redirects", req.MsgType, req.Key, maxRedirects)
		}

		n.metrics.redirects.Inc()
		Logger.Debugf("[%s] %s %q redirected to %s", n.self.ID, req.MsgType, req.Key, resp.Owner)
		if route, err = n.routeTo(cluster.NodeID(resp.Owner)); err != nil {
			return nil, err
		}
		req.Redirected = true
	}
}

// call sends a peer request to node. Requests to the local node are handled in place.
func (n *Node) call(ctx context.Context, node cluster.Node, req *common.Message) (*common.Message, error) {
	fwd := *req
	fwd.Forwarded = true
	if node.ID == n.self.ID {
		resp := n.Handle(ctx, &fwd)
		return resp, resp.Error()
	}
	return n.peers.Call(ctx, node.Endpoint, &fwd)
}

// --------------------------------------------------------------------------
// Owner decision
// --------------------------------------------------------------------------

// errMigrating seals the locks of keys that are being shipped to another node.
var errMigrating = store.NewError(store.RetCNotOwner, "key is migrating")

// keyGate serializes the start of a key migration with operations on the key.
// Operations hold the read side while they run, a migration takes the write side
// to mark the key as moving.
type keyGate struct {
	stripes [64]sync.RWMutex
}

func (g *keyGate) stripe(key string) *sync.RWMutex {
	return &g.stripes[util.HashString(key, 0)%uint64(len(g.stripes))]
}

// admit decides whether this node serves key. If it does, the read side of the
// key's gate is held until release is called. Otherwise the node to redirect to
// is returned.
func (n *Node) admit(ctx context.Context, key string, redirected bool) (release func(), redirect cluster.NodeID, err error) {
	gate := n.gate.stripe(key)
	for {
		gate.RLock()
		target, wait, err := n.decide(key, redirected)
		if wait == nil {
			if err != nil || target != "" {
				gate.RUnlock()
				return nil, target, err
			}
			return gate.RUnlock, "", nil
		}
		gate.RUnlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, "", store.Errorf(store.RetCTimeout, "key %q is still migrating: %v", key, ctx.Err())
		}
	}
}

// decide returns "" if this node serves key, the node to redirect to, or a channel
// to wait on while the key is moving.
func (n *Node) decide(key string, redirected bool) (cluster.NodeID, <-chan struct{}, error) {
	self := n.self.ID
	dist := n.pmap.Distributor()

	cur, err := n.pmap.Table().OwnerOf(dist, key)
	if err != nil {
		return "", nil, err
	}

	m := n.mig.Load()
	if m == nil {
		if cur == self {
			return "", nil, nil
		}
		return cur, nil, nil
	}

	if to, ok := m.moved.Load(key); ok {
		return to, nil, nil
	}
	if wait, ok := m.moving.Load(key); ok {
		return "", wait, nil
	}
	if n.holds(key) {
		return "", nil, nil
	}

	next, err := m.next.OwnerOf(dist, key)
	if err != nil {
		return "", nil, err
	}
	switch {
	case next == self && (redirected || cur == self):
		return "", nil, nil
	case cur == self:
		return next, nil, nil
	default:
		return cur, nil, nil
	}
}

// holds reports whether the key has an entry (or tombstone) or a lock on this node
func (n *Node) holds(key string) bool {
	if e, _ := n.local.Get(key); e.Version > 0 {
		return true
	}
	_, held := n.locks.Holder(key)
	return held
}
