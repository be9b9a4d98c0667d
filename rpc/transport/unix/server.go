package unix

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/ValentinKolb/dCtx/rpc/common"
	"github.com/ValentinKolb/dCtx/rpc/transport"
	"github.com/ValentinKolb/dCtx/rpc/transport/base"
)

// local traffic is small and frequent, a smaller buffer than tcp is enough
const defaultBufferSize = 64 * 1024

// serverConnector listens on a socket path
type serverConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IServerConnector)
// --------------------------------------------------------------------------

func (c *serverConnector) GetName() string {
	return "unix"
}

func (c *serverConnector) DefaultBufferSize() int {
	return defaultBufferSize
}

func (c *serverConnector) Listen(config common.ServerTransportConfig) (net.Listener, error) {
	path := config.Endpoint

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("cannot create socket directory: %w", err)
	}

	// a socket left behind by a crashed node is replaced, any other file is not touched
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("%s exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("cannot remove stale socket %s: %w", path, err)
		}
	}

	// the listener unlinks the socket file on close
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("cannot listen on %s: %w", path, err)
	}
	return l, nil
}

func (c *serverConnector) UpgradeConnection(net.Conn, common.ServerTransportConfig) error {
	return nil
}

// NewUnixServerTransport creates a server transport listening on a unix socket
func NewUnixServerTransport() transport.IRPCServerTransport {
	return base.NewBaseServerTransport(&serverConnector{})
}
