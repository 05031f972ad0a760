package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/squareup/topologycoord/coordrpc"
	"github.com/squareup/topologycoord/fencing"
	"github.com/squareup/topologycoord/topology"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	gotRanges  []topology.TokenRange
	gotSession string
}

func (f *fakeHandler) Barrier(context.Context, uint64) error         { return nil }
func (f *fakeHandler) BarrierAndDrain(context.Context, uint64) error { return nil }
func (f *fakeHandler) StreamRanges(_ context.Context, ranges []topology.TokenRange, sessionID string) error {
	f.gotRanges = ranges
	f.gotSession = sessionID
	return nil
}
func (f *fakeHandler) WaitForIP(context.Context, topology.NodeID) (string, bool, error) {
	return "", false, nil
}
func (f *fakeHandler) PullTopologySnapshot(context.Context) ([]byte, error) { return nil, nil }

type staticResolver map[topology.NodeID]string

func (r staticResolver) AddressOf(id topology.NodeID) (string, bool) {
	addr, ok := r[id]
	return addr, ok
}

func TestCoordRPCStreamerDialsResolvedAddress(t *testing.T) {
	h := &fakeHandler{}
	srv := coordrpc.NewServer("127.0.0.1:0", h, nil, time.Second)
	require.NoError(t, srv.Start())
	defer func() { _ = srv.Stop() }()

	resolver := staticResolver{topology.NodeID("n2"): addrOf(t, srv)}
	client := coordrpc.NewClient()
	defer client.Stop()

	streamer := NewCoordRPCStreamer(client, resolver, fencing.Token(0))
	ranges := []topology.TokenRange{{Start: 0, End: 50}}
	require.NoError(t, streamer.Stream(context.Background(), ranges, topology.NodeID("n2"), "sess"))
	require.Equal(t, ranges, h.gotRanges)
	require.Equal(t, "sess", h.gotSession)
}

func TestCoordRPCStreamerUnresolvedTarget(t *testing.T) {
	client := coordrpc.NewClient()
	defer client.Stop()
	streamer := NewCoordRPCStreamer(client, staticResolver{}, fencing.Token(0))
	err := streamer.Stream(context.Background(), nil, topology.NodeID("ghost"), "sess")
	require.Error(t, err)
}

func addrOf(t *testing.T, srv *coordrpc.Server) string {
	t.Helper()
	return srv.Addr()
}
