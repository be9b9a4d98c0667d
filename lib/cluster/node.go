package cluster

import (
	"fmt"
	"strings"
)

// NodeID identifies a member of the cluster. It is opaque and comparable.
type NodeID string

// Role tells whether a node holds partitions (server) or only proxies requests (client).
type Role uint8

const (
	RoleServer Role = iota
	RoleClient
)

// String returns the name of the role.
func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return "unknown"
	}
}

// ParseRole converts the name of a role (as used in configs and the CLI) into a Role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "server", "":
		return RoleServer, nil
	case "client":
		return RoleClient, nil
	default:
		return RoleServer, fmt.Errorf("unknown role %q (expected server or client)", s)
	}
}

// Node is a member of the cluster. Liveness is presence in the current View.
type Node struct {
	ID       NodeID `cbor:"1,keyasint" json:"id"`
	Role     Role   `cbor:"2,keyasint" json:"role"`
	Endpoint string `cbor:"3,keyasint" json:"endpoint"`
	Ordinal  uint64 `cbor:"4,keyasint" json:"ordinal"`
}

// IsServer returns whether the node holds partitions.
func (n Node) IsServer() bool {
	return n.Role == RoleServer
}

// String returns a human readable representation of the node.
func (n Node) String() string {
	return fmt.Sprintf("%s(%s,#%d,%s)", n.ID, n.Role, n.Ordinal, n.Endpoint)
}

// nodeLess orders nodes by ordinal, ties are broken by id.
func nodeLess(a, b Node) bool {
	if a.Ordinal != b.Ordinal {
		return a.Ordinal < b.Ordinal
	}
	return a.ID < b.ID
}
