package client

import (
	"fmt"

	"github.com/ValentinKolb/dCtx/rpc/transport"
	"github.com/ValentinKolb/dCtx/rpc/transport/http"
	"github.com/ValentinKolb/dCtx/rpc/transport/tcp"
	"github.com/ValentinKolb/dCtx/rpc/transport/unix"
)

// TransportByName returns the factory of the client transport registered under name (tcp, unix or http).
func TransportByName(name string) (TransportFactory, error) {
	switch name {
	case "tcp":
		return tcp.NewTCPClientTransport, nil
	case "unix":
		return unix.NewUnixClientTransport, nil
	case "http":
		return http.NewHttpClientTransport, nil
	default:
		return nil, fmt.Errorf("unknown transport %q, must be one of tcp, unix, http", name)
	}
}

// ServerTransportByName returns a server transport registered under name (tcp, unix or http).
func ServerTransportByName(name string) (transport.IRPCServerTransport, error) {
	switch name {
	case "tcp":
		return tcp.NewTCPServerTransport(), nil
	case "unix":
		return unix.NewUnixServerTransport(), nil
	case "http":
		return http.NewHttpServerTransport(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q, must be one of tcp, unix, http", name)
	}
}
