// Package cluster contains the membership model and the partitioning of the
// shared context: which nodes are alive, which of them hold data, and which node
// is the main node of every partition.
//
// Key Components:
//
//   - Membership / View: Membership tracks the live members and publishes immutable
//     Views. Members are ordered by (Ordinal, ID), so every node that sees the same
//     members also sees the same order. The first server in a view is the
//     coordinator of cluster wide operations.
//
//   - IKeyDistributor: maps a key to a partition index. HashDistributor (xxhash) is
//     the default, RankedDistributor assigns keys from an externally ranked list.
//
//   - PartitionTable: the main node of every partition for one epoch. A table is a
//     pure function of the live servers and the partition count:
//     partition p belongs to servers[p mod len(servers)].
//
//   - PartitionMap: the distributor together with the table currently in effect on
//     a node. Answers OwnerOf, IsMain and the introspection questions of the engine.
//
// Membership Sources:
//
//	Membership itself does not detect failures. A static member list can be given
//	at startup, and the gossip sub package feeds memberlist join/leave events into
//	SetMembers.
//
// Usage Example:
//
//	self := cluster.Node{ID: "n1", Role: cluster.RoleServer, Endpoint: "10.0.0.1:8080", Ordinal: 1}
//	members := cluster.NewMembership(self, peers...)
//
//	table, err := cluster.NewPartitionTable(members.View(), 0)
//	pm := cluster.NewPartitionMap(cluster.NewHashDistributor(0))
//	pm.SetTable(table, members.View())
//
//	owner, err := pm.OwnerOf("session:123")
package cluster
