// Package gossip is a membership source for the shared context based on
// hashicorp/memberlist. Every node announces its cluster.Node (role, RPC endpoint,
// ordinal) as cbor encoded memberlist metadata; join, leave and update events are
// turned into cluster.Membership updates, which in turn drive table recomputation
// and rehash in the engine.
//
// Usage Example:
//
//	members := cluster.NewMembership(self)
//	src, err := gossip.Start(members, gossip.Config{BindPort: 7946, Seeds: []string{"10.0.0.1:7946"}})
//	defer src.Close(time.Second)
package gossip
