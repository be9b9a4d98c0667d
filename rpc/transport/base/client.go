package base

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dCtx/rpc/common"
	"github.com/ValentinKolb/dCtx/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("transport")

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes a single connection based on the provided configuration
	Connect(ctx context.Context, endpoint string) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.ClientConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// errConnectionLost is returned to requests waiting on a connection that broke
var errConnectionLost = errors.New("connection lost")

// responseResult contains the result of a request
type responseResult struct {
	data []byte
	err  error
}

// retryable marks a failure that happened before the request left this process
type retryable struct {
	err error
}

func (r retryable) Error() string { return r.err.Error() }
func (r retryable) Unwrap() error { return r.err }

// clientConnection represents a single net connection that is redialed on demand
type clientConnection struct {
	conn         net.Conn
	endpoint     string
	requestChans *xsync.MapOf[uint64, chan responseResult]
	connMu       sync.Mutex // Protects the connection itself
	writeMu      sync.Mutex // Serializes frame writes
	parent       *clientTransport
}

// clientTransport implements the core client transport functionality
// independent of the specific transport medium (unix, tcp, etc.)
type clientTransport struct {
	connector     IClientConnector
	config        common.ClientConfig
	connections   []*clientConnection
	connectionsMu sync.RWMutex
	nextConnIndex uint64 // Atomic counter for Round Robin
	nextRequestID uint64 // Atomic counter for unique request IDs
	stopping      atomic.Bool
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseClientTransport creates a new base client transport with the specified connector
func NewBaseClientTransport(connector IClientConnector) transport.IRPCClientTransport {
	return &clientTransport{
		connector:     connector,
		nextRequestID: 1, // Start from 1
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) Connect(config common.ClientConfig) error {
	if len(config.Transport.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}

	// Close all existing connections
	t.closeConnections()

	// Store the config
	t.config = config
	t.stopping.Store(false)

	// Set default value for ConnectionsPerEndpoint
	connectionsPerEP := max(1, config.Transport.ConnectionsPerEndpoint)

	connections := make([]*clientConnection, 0, len(config.Transport.Endpoints)*connectionsPerEP)
	connected := 0

	// Initialize client connections
	for _, endpoint := range config.Transport.Endpoints {
		// Create multiple connections per endpoint
		for i := 0; i < connectionsPerEP; i++ {
			clientConn := &clientConnection{
				endpoint:     endpoint,
				requestChans: xsync.NewMapOf[uint64, chan responseResult](),
				parent:       t,
			}
			connections = append(connections, clientConn)

			// Establish the initial connection, failed ones are redialed on first use
			if _, err := clientConn.ensureConnected(context.Background()); err != nil {
				Logger.Warningf("Failed to connect to %s (connection %d/%d): %v", endpoint, i+1, connectionsPerEP, err)
				continue
			}
			connected++
			Logger.Debugf("Connected to %s (connection %d/%d)", endpoint, i+1, connectionsPerEP)
		}
	}

	t.connectionsMu.Lock()
	t.connections = connections
	t.connectionsMu.Unlock()

	// Check if we have at least one connection
	if connected == 0 {
		t.closeConnections()
		return transport.SendError(fmt.Sprint(config.Transport.Endpoints), fmt.Errorf("failed to connect to any endpoint"))
	}

	Logger.Debugf("Connected %d out of %d connections to %d endpoints using %s transport",
		connected, len(connections), len(config.Transport.Endpoints), t.connector.GetName())

	return nil
}

func (t *clientTransport) Send(ctx context.Context, channel uint64, req []byte) ([]byte, error) {
	ctx, cancel := transport.RequestContext(ctx, t.config.Timeout())
	defer cancel()

	// We always try at least once, and up to RetryCount times
	maxRetries := max(1, t.config.Transport.RetryCount)

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		conn := t.getNextConnection()
		if conn == nil {
			return nil, transport.SendError(t.connector.GetName(), fmt.Errorf("no active connections available"))
		}

		// Try with this connection
		data, err := conn.send(ctx, channel, req)
		if err == nil {
			return data, nil
		}

		// Only failures before the request was written are safe to retry
		var r retryable
		if !errors.As(err, &r) {
			return nil, err
		}

		lastErr = r.err
		Logger.Debugf("Request attempt %d/%d to %s failed: %v", i+1, maxRetries, conn.endpoint, r.err)

		if i+1 < maxRetries && !transport.Backoff(ctx, i) {
			break
		}
	}

	// All attempts failed
	return nil, lastErr
}

func (t *clientTransport) Close() error {
	t.stopping.Store(true)
	t.closeConnections()
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// getNextConnection selects the next connection via Round Robin
func (t *clientTransport) getNextConnection() *clientConnection {
	t.connectionsMu.RLock()
	defer t.connectionsMu.RUnlock()

	if len(t.connections) == 0 || t.stopping.Load() {
		return nil
	}

	// Simple Round Robin algorithm
	var index uint64
	if len(t.connections) > 1 {
		index = atomic.AddUint64(&t.nextConnIndex, 1) % uint64(len(t.connections))
	}
	return t.connections[index]
}

// closeConnections closes all active connections
func (t *clientTransport) closeConnections() {
	t.connectionsMu.Lock()
	connections := t.connections
	t.connections = nil
	t.connectionsMu.Unlock()

	for _, c := range connections {
		c.connMu.Lock()
		if c.conn != nil {
			// the reader goroutine exits on the read error
			_ = c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()
	}
}

// send writes one request and waits for its response
func (c *clientConnection) send(ctx context.Context, channel uint64, req []byte) ([]byte, error) {
	conn, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, retryable{transport.SendError(c.endpoint, err)}
	}

	// Generate a unique request ID
	requestID := atomic.AddUint64(&c.parent.nextRequestID, 1)

	// Create a channel for the response and register the request
	respCh := make(chan responseResult, 1)
	c.requestChans.Store(requestID, respCh)
	defer c.requestChans.Delete(requestID)

	// Lock the connection only for writing
	c.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	err = writeFrame(conn, channel, requestID, req)
	c.writeMu.Unlock()

	if err != nil {
		c.drop(conn, err)
		return nil, retryable{transport.SendError(c.endpoint, err)}
	}

	// Wait for response or timeout
	select {
	case result := <-respCh:
		if result.err != nil {
			return nil, transport.SendError(c.endpoint, result.err)
		}
		return result.data, nil
	case <-ctx.Done():
		return nil, transport.TimeoutError(c.endpoint, ctx.Err())
	}
}

// ensureConnected returns the open connection or dials a new one
func (c *clientConnection) ensureConnected(ctx context.Context) (net.Conn, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		return c.conn, nil
	}
	if c.parent.stopping.Load() {
		return nil, fmt.Errorf("transport is closed")
	}

	// Connect to the endpoint
	conn, err := c.parent.connector.Connect(ctx, c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %v", c.endpoint, err)
	}

	// Upgrade the connection with protocol-specific settings
	if err := c.parent.connector.UpgradeConnection(conn, c.parent.config); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to upgrade connection to %s: %v", c.endpoint, err)
	}

	c.conn = conn

	// Start the response reader
	go c.readResponses(conn)
	return conn, nil
}

// drop closes conn if it is still the current connection and fails all waiting requests
func (c *clientConnection) drop(conn net.Conn, cause error) {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
	_ = conn.Close()

	c.requestChans.Range(func(id uint64, ch chan responseResult) bool {
		select {
		case ch <- responseResult{err: fmt.Errorf("%w: %v", errConnectionLost, cause)}:
		default:
		}
		return true
	})
}

// readResponses reads responses in a loop and distributes them to waiting requests
func (c *clientConnection) readResponses(conn net.Conn) {
	for {
		// Read the response frame
		channel, requestID, data, err := readFrame(conn, nil)
		if err != nil {
			if !c.parent.stopping.Load() {
				Logger.Debugf("Connection to %s closed: %v", c.endpoint, err)
			}
			c.drop(conn, err)
			return
		}

		// Find the corresponding request channel
		respCh, found := c.requestChans.Load(requestID)
		if !found {
			// The request already timed out
			Logger.Debugf("Received response for unknown request ID %d on channel %d", requestID, channel)
			continue
		}

		select {
		case respCh <- responseResult{data, nil}:
		default:
		}
	}
}
