package coordrpc

import (
	"context"
	"testing"
	"time"

	"github.com/squareup/topologycoord/fencing"
	"github.com/squareup/topologycoord/topology"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	barrierVersion   uint64
	drainVersion     uint64
	streamedRanges   []topology.TokenRange
	streamedSession  string
	addresses        map[topology.NodeID]string
	snapshot         []byte
}

func (f *fakeHandler) Barrier(_ context.Context, version uint64) error {
	f.barrierVersion = version
	return nil
}

func (f *fakeHandler) BarrierAndDrain(_ context.Context, version uint64) error {
	f.drainVersion = version
	return nil
}

func (f *fakeHandler) StreamRanges(_ context.Context, ranges []topology.TokenRange, sessionID string) error {
	f.streamedRanges = ranges
	f.streamedSession = sessionID
	return nil
}

func (f *fakeHandler) WaitForIP(_ context.Context, id topology.NodeID) (string, bool, error) {
	addr, ok := f.addresses[id]
	return addr, ok, nil
}

func (f *fakeHandler) PullTopologySnapshot(_ context.Context) ([]byte, error) {
	return f.snapshot, nil
}

func startTestServer(t *testing.T, h Handler, registry *fencing.Registry) (string, *Server) {
	s := NewServer("127.0.0.1:0", h, registry, time.Second)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return s.listener.Addr().String(), s
}

func TestBarrierAndBarrierAndDrainRoundTrip(t *testing.T) {
	h := &fakeHandler{addresses: map[topology.NodeID]string{}}
	addr, _ := startTestServer(t, h, nil)
	c := NewClient()
	defer c.Stop()

	require.NoError(t, c.Barrier(context.Background(), addr, fencing.Token(0), 7))
	require.Equal(t, uint64(7), h.barrierVersion)

	require.NoError(t, c.BarrierAndDrain(context.Background(), addr, fencing.Token(0), 9))
	require.Equal(t, uint64(9), h.drainVersion)
}

func TestStreamRangesRoundTrip(t *testing.T) {
	h := &fakeHandler{addresses: map[topology.NodeID]string{}}
	addr, _ := startTestServer(t, h, nil)
	c := NewClient()
	defer c.Stop()

	ranges := []topology.TokenRange{{Start: 1, End: 100}, {Start: 200, End: 300}}
	require.NoError(t, c.StreamRanges(context.Background(), addr, fencing.Token(0), ranges, "session-1"))
	require.Equal(t, ranges, h.streamedRanges)
	require.Equal(t, "session-1", h.streamedSession)
}

func TestWaitForIPRoundTrip(t *testing.T) {
	h := &fakeHandler{addresses: map[topology.NodeID]string{topology.NodeID("n1"): "10.0.0.1:9042"}}
	addr, _ := startTestServer(t, h, nil)
	c := NewClient()
	defer c.Stop()

	ip, found, err := c.WaitForIP(context.Background(), addr, fencing.Token(0), topology.NodeID("n1"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "10.0.0.1:9042", ip)

	_, found, err = c.WaitForIP(context.Background(), addr, fencing.Token(0), topology.NodeID("nowhere"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestPullTopologySnapshotRoundTrip(t *testing.T) {
	h := &fakeHandler{snapshot: []byte{1, 2, 3, 4}}
	addr, _ := startTestServer(t, h, nil)
	c := NewClient()
	defer c.Stop()

	snap, err := c.PullTopologySnapshot(context.Background(), addr, fencing.Token(0))
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, snap)
}

func TestStaleFencingTokenRejected(t *testing.T) {
	h := &fakeHandler{addresses: map[topology.NodeID]string{}}
	registry := fencing.NewRegistry(10, 10)
	addr, _ := startTestServer(t, h, registry)
	c := NewClient()
	defer c.Stop()

	err := c.Barrier(context.Background(), addr, fencing.Token(5), 1)
	require.Error(t, err)
}
