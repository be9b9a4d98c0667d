package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Socket options shared by client and server transports
// --------------------------------------------------------------------------

// SocketConf holds buffer sizes applied to every connection (0 keeps the OS default)
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
}

// TCPConf holds tcp specific connection options
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
}

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// ServerTransportConfig configures the listening side of a transport.
type ServerTransportConfig struct {
	// Endpoint is the address the transport listens on (host:port or a socket path)
	Endpoint string
	// WorkersPerConn limits the concurrently processed requests per connection
	WorkersPerConn int
	// BufferSize is the size of the pooled read buffers
	BufferSize int
	// TimeoutSecond bounds reads and writes on idle connections (0 disables it)
	TimeoutSecond int64

	SocketConf
	TCPConf
}

// MemberConfig is an entry of the static member list.
type MemberConfig struct {
	ID       string
	Role     string
	Endpoint string
	Ordinal  uint64
}

// ParseMember parses a member in the form id=endpoint[,role[,ordinal]]
func ParseMember(s string) (MemberConfig, error) {
	id, rest, ok := strings.Cut(s, "=")
	if !ok || id == "" || rest == "" {
		return MemberConfig{}, fmt.Errorf("invalid member %q, expected id=endpoint[,role[,ordinal]]", s)
	}
	parts := strings.Split(rest, ",")
	m := MemberConfig{ID: id, Endpoint: parts[0], Role: "server"}
	if len(parts) > 1 && parts[1] != "" {
		m.Role = parts[1]
	}
	if len(parts) > 2 {
		ord, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			return MemberConfig{}, fmt.Errorf("invalid ordinal in member %q: %v", s, err)
		}
		m.Ordinal = ord
	}
	if len(parts) > 3 {
		return MemberConfig{}, fmt.Errorf("invalid member %q, too many fields", s)
	}
	return m, nil
}

// GossipConfig configures the memberlist based membership source. An empty
// BindAddr disables gossip and the static member list is used instead.
type GossipConfig struct {
	BindAddr  string
	BindPort  int
	Advertise string
	Seeds     []string
}

// Enabled reports whether gossip membership is configured.
func (g GossipConfig) Enabled() bool {
	return g.BindAddr != ""
}

// NodeConfig holds all configuration parameters of a node.
type NodeConfig struct {
	// Node identity
	NodeID      string
	Role        string
	Ordinal     uint64
	ContextName string
	Members     []MemberConfig

	// Partitioning
	PartitionCount int
	Seed           uint64

	// Timing
	TimeoutSecond        int64
	ConnectTimeoutSecond int64
	WaitForAll           bool

	// Rehash and migration
	RehashEnabled      bool
	AutoRehash         bool
	MigrationBatchSize int
	MigrationRate      float64 // batches per second, 0 means unlimited

	// Client read cache (0 disables it)
	CacheSize int

	// Durable rehash journal and persistence (empty disables both)
	DataDir string

	// Membership via gossip
	Gossip GossipConfig

	// RPC settings
	TransportType  string
	SerializerType string
	Transport      ServerTransportConfig

	// Observability
	MetricsEndpoint string
	LogLevel        string
	LogFormat       string
}

// Timeout returns the default timeout of blocking operations.
func (c *NodeConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// ConnectTimeout returns how long a starting node waits for its peers.
func (c *NodeConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSecond) * time.Second
}

// Validate checks the configuration for obvious mistakes.
func (c *NodeConfig) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node id must not be empty")
	}
	if c.Role != "server" && c.Role != "client" {
		return fmt.Errorf("invalid role %q, must be server or client", c.Role)
	}
	if c.ContextName == "" {
		return fmt.Errorf("context name must not be empty")
	}
	if c.PartitionCount < 0 {
		return fmt.Errorf("partition count must not be negative")
	}
	if c.MigrationBatchSize <= 0 {
		return fmt.Errorf("migration batch size must be positive")
	}
	if c.Transport.Endpoint == "" {
		return fmt.Errorf("endpoint must not be empty")
	}
	seen := make(map[string]bool, len(c.Members))
	for _, m := range c.Members {
		if seen[m.ID] {
			return fmt.Errorf("duplicate member %q", m.ID)
		}
		seen[m.ID] = true
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *NodeConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// Node Identity
	addSection("Node Identity")
	addField("Node ID", c.NodeID)
	addField("Role", c.Role)
	addField("Ordinal", strconv.FormatUint(c.Ordinal, 10))
	addField("Context", c.ContextName)

	// RPC settings
	addSection("RPC Server")
	addField("Endpoint", c.Transport.Endpoint)
	addField("Transport", c.TransportType)
	addField("Serializer", c.SerializerType)
	addField("Workers Per Conn", strconv.Itoa(c.Transport.WorkersPerConn))
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Connect Timeout", fmt.Sprintf("%d sec", c.ConnectTimeoutSecond))
	addField("Wait For All", strconv.FormatBool(c.WaitForAll))

	// Partitioning
	addSection("Partitioning")
	if c.PartitionCount == 0 {
		addField("Partition Count", "dynamic")
	} else {
		addField("Partition Count", strconv.Itoa(c.PartitionCount))
	}
	addField("Seed", strconv.FormatUint(c.Seed, 10))
	addField("Rehash Enabled", strconv.FormatBool(c.RehashEnabled))
	addField("Auto Rehash", strconv.FormatBool(c.AutoRehash))
	addField("Migration Batch", strconv.Itoa(c.MigrationBatchSize))
	if c.MigrationRate > 0 {
		addField("Migration Rate", fmt.Sprintf("%.1f batches/sec", c.MigrationRate))
	} else {
		addField("Migration Rate", "unlimited")
	}

	// Storage
	addSection("Storage")
	addField("Cache Size", strconv.Itoa(c.CacheSize))
	if c.DataDir == "" {
		addField("Data Directory", "(in-memory only)")
	} else {
		addField("Data Directory", c.DataDir)
	}

	// Logging and metrics
	addSection("Observability")
	addField("Log Level", c.LogLevel)
	addField("Log Format", c.LogFormat)
	if c.MetricsEndpoint != "" {
		addField("Metrics", c.MetricsEndpoint)
	}

	// Membership
	addSection("Membership")
	if c.Gossip.Enabled() {
		addField("Gossip Bind", fmt.Sprintf("%s:%d", c.Gossip.BindAddr, c.Gossip.BindPort))
		if c.Gossip.Advertise != "" {
			addField("Gossip Advertise", c.Gossip.Advertise)
		}
		addField("Gossip Seeds", strings.Join(c.Gossip.Seeds, ", "))
	}
	for _, m := range c.Members {
		addField(m.ID, fmt.Sprintf("%s (%s, ordinal %d)", m.Endpoint, m.Role, m.Ordinal))
	}

	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

// ClientTransportConfig configures the dialing side of a transport.
type ClientTransportConfig struct {
	Endpoints              []string
	RetryCount             int
	ConnectionsPerEndpoint int

	SocketConf
	TCPConf
}

type ClientConfig struct {
	TimeoutSecond int
	Transport     ClientTransportConfig
}

// Timeout returns the request timeout, 0 means no timeout.
func (c *ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.Transport.RetryCount))
	addField("Connections Per Endpoint", strconv.Itoa(max(1, c.Transport.ConnectionsPerEndpoint)))

	// Endpoints
	addSection("Endpoints")
	for i, endpoint := range c.Transport.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
