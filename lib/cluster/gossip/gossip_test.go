package gossip

import (
	"testing"
	"time"

	"github.com/ValentinKolb/dCtx/lib/cluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGossipMembership(t *testing.T) {
	if testing.Short() {
		t.Skip("opens network listeners")
	}

	m1 := cluster.NewMembership(cluster.Node{ID: "n1", Role: cluster.RoleServer, Endpoint: "127.0.0.1:9001", Ordinal: 1})
	m2 := cluster.NewMembership(cluster.Node{ID: "n2", Role: cluster.RoleClient, Endpoint: "127.0.0.1:9002", Ordinal: 2})

	s1, err := Start(m1, Config{BindAddr: "127.0.0.1"})
	require.NoError(t, err)
	defer s1.Close(0)

	s2, err := Start(m2, Config{BindAddr: "127.0.0.1", Seeds: []string{s1.Addr()}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(m1.View().Members) == 2 && len(m2.View().Members) == 2
	}, 5*time.Second, 20*time.Millisecond)

	peer, ok := m1.View().Node("n2")
	require.True(t, ok)
	assert.Equal(t, cluster.RoleClient, peer.Role)
	assert.Equal(t, "127.0.0.1:9002", peer.Endpoint)

	require.NoError(t, s2.Close(time.Second))
	require.Eventually(t, func() bool {
		return len(m1.View().Members) == 1
	}, 5*time.Second, 20*time.Millisecond)
}
