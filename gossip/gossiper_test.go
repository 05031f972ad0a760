package gossip

import (
	"testing"
	"time"

	"github.com/squareup/topologycoord/topology"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSetApplicationStatePropagatesToPeer(t *testing.T) {
	logger := zap.NewNop()

	a := NewTCPGossiper(logger, topology.NodeID("a"), "127.0.0.1:0", nil)
	require.NoError(t, a.Start())
	defer a.Stop()
	aAddr := a.listener.Addr().String()

	b := NewTCPGossiper(logger, topology.NodeID("b"), "127.0.0.1:0", map[topology.NodeID]string{
		topology.NodeID("a"): aAddr,
	})
	require.NoError(t, b.Start())
	defer b.Stop()

	require.NoError(t, b.SetApplicationState("rpc_address", "10.0.0.2:9042"))

	require.Eventually(t, func() bool {
		addr, ok := a.AddressOf(topology.NodeID("b"))
		return ok && addr == "10.0.0.2:9042"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAddressOfUnknownNodeNotOK(t *testing.T) {
	g := NewTCPGossiper(zap.NewNop(), topology.NodeID("a"), "127.0.0.1:0", nil)
	_, ok := g.AddressOf(topology.NodeID("nowhere"))
	require.False(t, ok)
}
