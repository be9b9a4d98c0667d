package unix

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dCtx/lib/store"
	"github.com/ValentinKolb/dCtx/rpc/common"
	"github.com/ValentinKolb/dCtx/rpc/transport"
)

func startServer(t *testing.T, handler transport.ServerHandleFunc) (string, transport.IRPCServerTransport) {
	socket := filepath.Join(t.TempDir(), "dctx.sock")
	srv := NewUnixServerTransport()
	srv.RegisterHandler(handler)

	go func() {
		if err := srv.Listen(common.ServerTransportConfig{Endpoint: socket, WorkersPerConn: 4}); err != nil {
			t.Errorf("Listen failed: %v", err)
		}
	}()
	t.Cleanup(func() { _ = srv.Close() })
	return socket, srv
}

func connect(t *testing.T, socket string) transport.IRPCClientTransport {
	c := NewUnixClientTransport()
	cfg := common.ClientConfig{
		TimeoutSecond: 2,
		Transport: common.ClientTransportConfig{
			Endpoints:              []string{socket},
			RetryCount:             3,
			ConnectionsPerEndpoint: 2,
		},
	}

	// the listener comes up asynchronously
	var err error
	for i := 0; i < 100; i++ {
		if err = c.Connect(cfg); err == nil {
			t.Cleanup(func() { _ = c.Close() })
			return c
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Failed to connect: %v", err)
	return nil
}

func TestRoundTrip(t *testing.T) {
	socket, _ := startServer(t, func(channel uint64, req []byte) []byte {
		return append([]byte{byte(channel)}, req...)
	})
	c := connect(t, socket)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := []byte{byte(i), byte(i + 1)}
			resp, err := c.Send(context.Background(), uint64(i%7), payload)
			if err != nil {
				t.Errorf("Expected no error, got %v", err)
				return
			}
			if len(resp) != 3 || resp[0] != byte(i%7) || resp[1] != byte(i) {
				t.Errorf("Expected response for request %d, got %v", i, resp)
			}
		}(i)
	}
	wg.Wait()
}

func TestResponseTimeout(t *testing.T) {
	socket, _ := startServer(t, func(channel uint64, req []byte) []byte {
		time.Sleep(300 * time.Millisecond)
		return req
	})
	c := connect(t, socket)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Send(ctx, 1, []byte("x")); !errors.Is(err, store.ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
}

func TestServerGone(t *testing.T) {
	socket, srv := startServer(t, func(channel uint64, req []byte) []byte {
		return req
	})
	c := connect(t, socket)

	if _, err := c.Send(context.Background(), 1, []byte("x")); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	_ = srv.Close()
	time.Sleep(20 * time.Millisecond)

	if _, err := c.Send(context.Background(), 1, []byte("x")); !errors.Is(err, store.ErrSend) {
		t.Errorf("Expected ErrSend after the server closed, got %v", err)
	}
}
