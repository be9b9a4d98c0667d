package cluster

import (
	"slices"
	"sync"

	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("cluster")

// --------------------------------------------------------------------------
// View
// --------------------------------------------------------------------------

// View is an immutable snapshot of the membership. Members are ordered by
// (Ordinal, ID), which makes the order identical on every node.
type View struct {
	Epoch   uint64 `cbor:"1,keyasint" json:"epoch"`
	Self    NodeID `cbor:"2,keyasint" json:"self"`
	Members []Node `cbor:"3,keyasint" json:"members"`
}

// Servers returns the server members in view order.
func (v View) Servers() []Node {
	out := make([]Node, 0, len(v.Members))
	for _, n := range v.Members {
		if n.IsServer() {
			out = append(out, n)
		}
	}
	return out
}

// Clients returns the client members in view order.
func (v View) Clients() []Node {
	out := make([]Node, 0, len(v.Members))
	for _, n := range v.Members {
		if !n.IsServer() {
			out = append(out, n)
		}
	}
	return out
}

// ServerIDs returns the ids of all server members.
func (v View) ServerIDs() []NodeID {
	return ids(v.Servers())
}

// ClientIDs returns the ids of all client members.
func (v View) ClientIDs() []NodeID {
	return ids(v.Clients())
}

// Node looks up a member by id.
func (v View) Node(id NodeID) (Node, bool) {
	for _, n := range v.Members {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Contains returns whether id is a live member.
func (v View) Contains(id NodeID) bool {
	_, ok := v.Node(id)
	return ok
}

// IndexOf returns the position of id in the member list or -1.
func (v View) IndexOf(id NodeID) int {
	for i, n := range v.Members {
		if n.ID == id {
			return i
		}
	}
	return -1
}

// Coordinator returns the first server of the view. The coordinator runs the
// cluster wide operations (rehash, synchronize).
func (v View) Coordinator() (Node, bool) {
	for _, n := range v.Members {
		if n.IsServer() {
			return n, true
		}
	}
	return Node{}, false
}

// IsCoordinator returns whether the node this view belongs to is the coordinator.
func (v View) IsCoordinator() bool {
	c, ok := v.Coordinator()
	return ok && c.ID == v.Self
}

// SelfNode returns the member entry of the local node.
func (v View) SelfNode() Node {
	n, _ := v.Node(v.Self)
	return n
}

// SameMembers returns whether both views contain the same nodes.
func (v View) SameMembers(o View) bool {
	return slices.Equal(v.Members, o.Members)
}

// --------------------------------------------------------------------------
// Membership
// --------------------------------------------------------------------------

// Membership tracks the live members of the cluster and publishes a new View
// (with a higher epoch) whenever the member list changes. Sources of membership
// information (static config, gossip) push their knowledge with SetMembers, Join
// and Leave.
type Membership struct {
	mu        sync.RWMutex
	notifyMu  sync.Mutex
	self      Node
	view      View
	listeners []func(View)
}

// NewMembership creates a membership that initially contains self and the given members.
func NewMembership(self Node, members ...Node) *Membership {
	m := &Membership{self: self}
	m.view = View{Epoch: 1, Self: self.ID, Members: normalize(self, members)}
	return m
}

// Self returns the local node.
func (m *Membership) Self() Node {
	return m.self
}

// View returns the current view.
func (m *Membership) View() View {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view
}

// OnChange registers a listener that is called with every new view. Listeners run
// sequentially in registration order and must not modify the membership themselves.
func (m *Membership) OnChange(fn func(View)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// SetMembers replaces the member list. The local node is always kept.
// It returns whether the view changed.
func (m *Membership) SetMembers(members []Node) bool {
	return m.apply(func([]Node) []Node { return members })
}

// Join adds (or updates) a member.
func (m *Membership) Join(n Node) bool {
	return m.apply(func(members []Node) []Node {
		out := make([]Node, 0, len(members)+1)
		for _, old := range members {
			if old.ID != n.ID {
				out = append(out, old)
			}
		}
		return append(out, n)
	})
}

// Leave removes a member. The local node can not leave its own membership.
func (m *Membership) Leave(id NodeID) bool {
	return m.apply(func(members []Node) []Node {
		out := make([]Node, 0, len(members))
		for _, old := range members {
			if old.ID != id {
				out = append(out, old)
			}
		}
		return out
	})
}

// apply computes the next member list from the current one and publishes it.
// Changes are serialized, so listeners see the views in epoch order.
func (m *Membership) apply(change func(current []Node) []Node) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	next := normalize(m.self, change(m.View().Members))

	m.mu.Lock()
	if slices.Equal(next, m.view.Members) {
		m.mu.Unlock()
		return false
	}
	m.view = View{Epoch: m.view.Epoch + 1, Self: m.self.ID, Members: next}
	view := m.view
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	Logger.Infof("membership changed (epoch %d): %d servers, %d clients",
		view.Epoch, len(view.Servers()), len(view.Clients()))
	for _, fn := range listeners {
		fn(view)
	}
	return true
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// normalize deduplicates by id (last one wins), adds self and sorts the list.
func normalize(self Node, members []Node) []Node {
	byID := make(map[NodeID]Node, len(members)+1)
	for _, n := range members {
		byID[n.ID] = n
	}
	byID[self.ID] = self

	out := make([]Node, 0, len(byID))
	for _, n := range byID {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b Node) int {
		switch {
		case nodeLess(a, b):
			return -1
		case nodeLess(b, a):
			return 1
		default:
			return 0
		}
	})
	return out
}

func ids(nodes []Node) []NodeID {
	out := make([]NodeID, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}
