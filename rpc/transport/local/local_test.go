package local

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ValentinKolb/dCtx/lib/store"
	"github.com/ValentinKolb/dCtx/rpc/common"
)

func startEcho(t *testing.T, n *Network, endpoint string, delay time.Duration) func() {
	srv := n.NewServerTransport()
	srv.RegisterHandler(func(channel uint64, req []byte) []byte {
		time.Sleep(delay)
		return append([]byte{byte(channel)}, req...)
	})
	go func() {
		if err := srv.Listen(common.ServerTransportConfig{Endpoint: endpoint}); err != nil {
			t.Errorf("Expected no error, got %v", err)
		}
	}()
	deadline := time.Now().Add(time.Second)
	for !n.Reachable(endpoint) {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %s to become reachable", endpoint)
		}
		time.Sleep(time.Millisecond)
	}
	return func() { _ = srv.Close() }
}

func connect(t *testing.T, n *Network, endpoint string) *clientTransport {
	c := n.NewClientTransport().(*clientTransport)
	if err := c.Connect(common.ClientConfig{
		TimeoutSecond: 1,
		Transport:     common.ClientTransportConfig{Endpoints: []string{endpoint}},
	}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	return c
}

func TestSendReceive(t *testing.T) {
	n := NewNetwork()
	defer startEcho(t, n, "a", 0)()

	c := connect(t, n, "a")
	resp, err := c.Send(context.Background(), 7, []byte("hi"))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if string(resp) != "\x07hi" {
		t.Errorf("Expected echo with channel prefix, got %q", resp)
	}
}

func TestKillAndRevive(t *testing.T) {
	n := NewNetwork()
	defer startEcho(t, n, "a", 0)()
	c := connect(t, n, "a")

	n.Kill("a")
	if _, err := c.Send(context.Background(), 1, nil); !errors.Is(err, store.ErrSend) {
		t.Errorf("Expected ErrSend, got %v", err)
	}

	n.Revive("a")
	if _, err := c.Send(context.Background(), 1, nil); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
}

func TestTimeout(t *testing.T) {
	n := NewNetwork()
	defer startEcho(t, n, "slow", 200*time.Millisecond)()
	c := connect(t, n, "slow")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Send(ctx, 1, nil); !errors.Is(err, store.ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
}

func TestNoServer(t *testing.T) {
	n := NewNetwork()
	c := n.NewClientTransport()
	err := c.Connect(common.ClientConfig{Transport: common.ClientTransportConfig{Endpoints: []string{"nowhere"}}})
	if !errors.Is(err, store.ErrSend) {
		t.Errorf("Expected ErrSend, got %v", err)
	}
}
