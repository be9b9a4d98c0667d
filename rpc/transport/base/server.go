package base

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/dCtx/rpc/common"
	"github.com/ValentinKolb/dCtx/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

const defaultWorkersPerConn = 32

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IServerConnector defines the interface for transport-specific server operations
type IServerConnector interface {
	// Listen creates a listener and returns it
	Listen(config common.ServerTransportConfig) (net.Listener, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// DefaultBufferSize returns the read buffer size used if none is configured
	DefaultBufferSize() int

	// UpgradeConnection applies protocol-specific settings to an accepted connection
	UpgradeConnection(conn net.Conn, config common.ServerTransportConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// serverTransport implements the core server transport functionality
type serverTransport struct {
	connector         IServerConnector
	handler           transport.ServerHandleFunc
	config            common.ServerTransportConfig
	listener          net.Listener
	listenerMu        sync.Mutex
	closed            bool
	conns             *xsync.MapOf[net.Conn, struct{}]
	bufferPool        *sync.Pool
	maxWorkersPerConn int
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseServerTransport creates a new base server transport with per-connection worker pool
func NewBaseServerTransport(connector IServerConnector) transport.IRPCServerTransport {
	return &serverTransport{
		connector: connector,
		conns:     xsync.NewMapOf[net.Conn, struct{}](),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (t *serverTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	t.handler = handler
}

func (t *serverTransport) Listen(config common.ServerTransportConfig) error {
	if t.handler == nil {
		return fmt.Errorf("no handler registered")
	}
	t.config = config

	// minimum one worker per connection
	t.maxWorkersPerConn = defaultWorkersPerConn
	if config.WorkersPerConn > 0 {
		t.maxWorkersPerConn = config.WorkersPerConn
	}

	bufferSize := t.connector.DefaultBufferSize()
	if config.BufferSize > 0 {
		bufferSize = config.BufferSize
	}
	t.bufferPool = &sync.Pool{
		New: func() interface{} {
			return make([]byte, bufferSize)
		},
	}

	// Create listener using the connector
	listener, err := t.connector.Listen(config)
	if err != nil {
		return fmt.Errorf("failed to create listener: %v", err)
	}

	t.listenerMu.Lock()
	if t.closed {
		t.listenerMu.Unlock()
		_ = listener.Close()
		return nil
	}
	t.listener = listener
	t.listenerMu.Unlock()

	Logger.Infof("Starting %s server on %s with %d workers per connection",
		t.connector.GetName(), config.Endpoint, t.maxWorkersPerConn)

	// Accept connections
	for {
		conn, err := listener.Accept()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		if err != nil {
			Logger.Errorf("Accept error: %v", err)
			continue
		}

		if err := t.connector.UpgradeConnection(conn, config); err != nil {
			Logger.Warningf("Failed to upgrade connection from %s: %v", conn.RemoteAddr(), err)
		}

		// Handle the connection in a goroutine
		t.conns.Store(conn, struct{}{})
		go t.handleConnection(conn)
	}
}

func (t *serverTransport) Close() error {
	t.listenerMu.Lock()
	t.closed = true
	listener := t.listener
	t.listenerMu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
	}

	t.conns.Range(func(conn net.Conn, _ struct{}) bool {
		_ = conn.Close()
		return true
	})
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// handleConnection handles incoming requests for one connection
func (t *serverTransport) handleConnection(conn net.Conn) {
	defer func() {
		t.conns.Delete(conn)
		_ = conn.Close()
	}()

	// Idle timeout in seconds (0 disables it)
	timeout := time.Duration(t.config.TimeoutSecond) * time.Second

	// Create a semaphore to limit concurrent workers for this connection
	// The buffered channel acts as a counting semaphore
	workerSemaphore := make(chan struct{}, t.maxWorkersPerConn)

	// Create a wait group to wait for all workers to finish
	var wg sync.WaitGroup

	// Create a mutex to protect writes to the connection
	var connMutex sync.Mutex

	// Handler function that processes requests in worker goroutines
	handleResponse := func(channel, requestID uint64, data []byte) {
		// Process the request
		start := time.Now()
		resp := t.handler(channel, data)
		Logger.Debugf("Processed request %d on channel %d in %s", requestID, channel, time.Since(start))

		// Protect writes to the connection with a mutex
		connMutex.Lock()
		defer connMutex.Unlock()

		if timeout > 0 {
			if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
				Logger.Errorf("Failed to set write deadline: %v", err)
				return
			}
		}

		// Write the response with the same requestID
		if err := writeFrame(conn, channel, requestID, resp); err != nil {
			Logger.Debugf("Failed to write response: %v", err)
		}
	}

	// Function to handle incoming requests
	handleRequest := func() error {
		if timeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
				return fmt.Errorf("failed to set read deadline: %v", err)
			}
		}

		// Get a buffer from the pool
		buf := t.bufferPool.Get().([]byte)

		// Read the frame with requestID
		channel, requestID, data, err := readFrame(conn, buf)

		// Error reading frame
		if err != nil {
			t.bufferPool.Put(buf)
			return err
		}

		// Acquire a slot in the semaphore (blocks if maxWorkersPerConn is reached)
		workerSemaphore <- struct{}{}
		wg.Add(1)

		// Process in a goroutine
		go func() {
			defer func() {
				t.bufferPool.Put(buf)
				<-workerSemaphore // Release semaphore slot
				wg.Done()
			}()
			handleResponse(channel, requestID, data)
		}()

		return nil
	}

	// Handle requests in a loop
	for {
		err := handleRequest()

		// Case EOF or closed: Connection closed by client or by Close
		if err == io.EOF || errors.Is(err, net.ErrClosed) {
			Logger.Debugf("Connection closed")
			break
		}

		// Case error: log and close connection
		if err != nil {
			Logger.Warningf("Error handling request: %v", err)
			break
		}
	}

	// Wait for all workers to finish before closing the connection
	wg.Wait()
}
