package server

import (
	"context"
	"testing"
	"time"

	"github.com/squareup/topologycoord/conf"
	"github.com/squareup/topologycoord/topology"
	"github.com/stretchr/testify/require"
)

func testConfig() conf.Config {
	return conf.Config{
		NodeID:                     0,
		TestServer:                 true,
		NotifListenAddresses:       []string{"127.0.0.1:0"},
		CoordRPCListenAddresses:    []string{"127.0.0.1:0"},
		ReadinessHeartbeatInterval: 5 * time.Second,
		BarrierTimeout:             time.Second,
	}
}

func TestNewServerRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.BarrierTimeout = 0
	_, err := NewServer(cfg)
	require.Error(t, err)
}

func TestServerStartStopLifecycle(t *testing.T) {
	s, err := NewServer(testConfig())
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer func() { require.NoError(t, s.Stop()) }()

	require.NotNil(t, s.GetCoordinator())
	require.NotNil(t, s.GetApplier())
}

func TestServerDrivesSubmittedJoin(t *testing.T) {
	s, err := NewServer(testConfig())
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer func() { require.NoError(t, s.Stop()) }()

	require.NoError(t, s.GetCoordinator().AddNode(context.Background(), "n1", "dc1", "rack1", "1.0.0", 4, 12, nil))
	require.NoError(t, s.GetCoordinator().SubmitJoin(context.Background(), "n1", 4))

	require.Eventually(t, func() bool {
		snap := s.GetApplier().Snapshot()
		rs, ok := snap.NormalNodes["n1"]
		return ok && rs.State == topology.NodeStateNormal
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerStopIsIdempotent(t *testing.T) {
	s, err := NewServer(testConfig())
	require.NoError(t, err)
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}
