package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/squareup/topologycoord/coordrpc"
	"github.com/squareup/topologycoord/errors"
	"github.com/squareup/topologycoord/fencing"
	"github.com/squareup/topologycoord/gossip"
	"github.com/squareup/topologycoord/topology"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeLog is a single-process stand-in for consensus.Log: it applies every entry through a real
// topology.Applier synchronously and always reports itself as leader, so driveStep's "commit
// before RPC" ordering can be exercised without a real raft group.
type fakeLog struct {
	mu      sync.Mutex
	applier *topology.Applier
	leader  bool
}

func newFakeLog(applier *topology.Applier) *fakeLog {
	return &fakeLog{applier: applier, leader: true}
}

func (l *fakeLog) Append(_ context.Context, entry []byte) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.leader {
		return false, nil
	}
	decoded, err := topology.Decode(entry)
	if err != nil {
		return false, err
	}
	if _, err := l.applier.Apply(decoded); err != nil {
		return false, err
	}
	return true, nil
}

func (l *fakeLog) IsLeader() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leader
}

func (l *fakeLog) setLeader(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.leader = v
}

// fakeGossiper is an in-memory Gossiper that already knows every address handed to it at
// construction time, so waitForIP never blocks in tests.
type fakeGossiper struct {
	mu        sync.Mutex
	addresses map[topology.NodeID]string
	state     map[string]string
}

func newFakeGossiper(addresses map[topology.NodeID]string) *fakeGossiper {
	return &fakeGossiper{addresses: addresses, state: make(map[string]string)}
}

func (g *fakeGossiper) SetApplicationState(key, value string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state[key] = value
	return nil
}

func (g *fakeGossiper) AddressOf(id topology.NodeID) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	addr, ok := g.addresses[id]
	return addr, ok
}

var _ gossip.Gossiper = (*fakeGossiper)(nil)

// fakeStreamer records every stream_ranges call it is asked to perform and always succeeds,
// unless the target is listed in failTargets.
type fakeStreamer struct {
	mu          sync.Mutex
	calls       []streamCall
	failTargets map[topology.NodeID]bool
}

type streamCall struct {
	target    topology.NodeID
	ranges    []topology.TokenRange
	sessionID string
}

func (s *fakeStreamer) Stream(_ context.Context, ranges []topology.TokenRange, target topology.NodeID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, streamCall{target: target, ranges: ranges, sessionID: sessionID})
	if s.failTargets[target] {
		return fmt.Errorf("simulated unreachable target %s", target)
	}
	return nil
}

// fakeRPCHandler answers every coordrpc call immediately, recording barrier calls so tests can
// assert barrierAll reached every expected target.
type fakeRPCHandler struct {
	mu             sync.Mutex
	barriers       []uint64
	barrierDrains  []uint64
}

func (h *fakeRPCHandler) Barrier(_ context.Context, version uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.barriers = append(h.barriers, version)
	return nil
}

func (h *fakeRPCHandler) BarrierAndDrain(_ context.Context, version uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.barrierDrains = append(h.barrierDrains, version)
	return nil
}

func (h *fakeRPCHandler) StreamRanges(context.Context, []topology.TokenRange, string) error {
	return nil
}

func (h *fakeRPCHandler) WaitForIP(context.Context, topology.NodeID) (string, bool, error) {
	return "", false, nil
}

func (h *fakeRPCHandler) PullTopologySnapshot(context.Context) ([]byte, error) {
	return nil, nil
}

// fakeRequestRecorder records every topology_requests row saved through it, keyed by request id.
type fakeRequestRecorder struct {
	mu   sync.Mutex
	rows map[string]topology.RequestRecord
}

func (r *fakeRequestRecorder) SaveTopologyRequestRow(requestID string, encoded []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rows == nil {
		r.rows = make(map[string]topology.RequestRecord)
	}
	r.rows[requestID] = topology.DecodeRequestRecord(encoded)
	return nil
}

// newTestCoordinator wires a Coordinator against a real topology.Applier and a real coordrpc
// server/client pair, so barrierAll exercises actual wire round trips.
func newTestCoordinator(t *testing.T, initial *topology.Topology) (*Coordinator, *fakeLog, *fakeGossiper, *fakeStreamer, func()) {
	t.Helper()
	applier := topology.NewApplier(initial)
	log := newFakeLog(applier)

	handler := &fakeRPCHandler{}
	srv := coordrpc.NewServer("127.0.0.1:0", handler, nil, time.Second)
	require.NoError(t, srv.Start())

	addresses := make(map[topology.NodeID]string)
	for id := range initial.NormalNodes {
		addresses[id] = srv.Addr()
	}
	for id := range initial.NewNodes {
		addresses[id] = srv.Addr()
	}
	gossiper := newFakeGossiper(addresses)
	streamer := &fakeStreamer{}
	client := coordrpc.NewClient()

	c := New(Params{
		Log:            log,
		Applier:        applier,
		Fencing:        fencing.NewRegistry(initial.Version, initial.FenceVersion),
		RPC:            client,
		Gossiper:       gossiper,
		Streamer:       streamer,
		Logger:         zap.NewNop(),
		BarrierTimeout: time.Second,
		RPCPollPeriod:  10 * time.Millisecond,
	})
	cleanup := func() {
		client.Stop()
		srv.Stop()
	}
	return c, log, gossiper, streamer, cleanup
}

// driveUntilIdle repeatedly calls driveStep until it reports no progress, bounding the loop so a
// stuck state machine fails the test instead of hanging it.
func driveUntilIdle(t *testing.T, c *Coordinator) {
	t.Helper()
	for i := 0; i < 200; i++ {
		progressed, err := c.driveStep(context.Background())
		require.NoError(t, err)
		if !progressed {
			return
		}
	}
	t.Fatal("driveStep never became idle")
}

func TestSubmitJoinDrivesNodeToNormal(t *testing.T) {
	initial := topology.NewTopology()
	initial.NewNodes["n1"] = &topology.ReplicaState{State: topology.NodeStateNone}

	c, _, _, streamer, cleanup := newTestCoordinator(t, initial)
	defer cleanup()

	require.NoError(t, c.SubmitJoin(context.Background(), "n1", 4))
	driveUntilIdle(t, c)

	snap := c.applier.Snapshot()
	rs, ok := snap.NormalNodes["n1"]
	require.True(t, ok)
	require.Equal(t, topology.NodeStateNormal, rs.State)
	require.Equal(t, 4, rs.Ring.Len())
	require.Nil(t, snap.TState)
	require.True(t, snap.Contains("n1"))
	require.NotEmpty(t, streamer.calls)
	// A join always mints a CDC generation on its way to normal; it must end up published rather
	// than stuck in UnpublishedCDCGenerations forever.
	require.NotNil(t, snap.CurrentCDCGenerationID)
	require.Empty(t, snap.UnpublishedCDCGenerations)
}

func TestSubmitLeaveRemovesNode(t *testing.T) {
	initial := topology.NewTopology()
	initial.NormalNodes["n1"] = &topology.ReplicaState{State: topology.NodeStateNormal, Ring: topology.NewRingSlice(10, 20, 30)}
	initial.NormalNodes["n2"] = &topology.ReplicaState{State: topology.NodeStateNormal, Ring: topology.NewRingSlice(40, 50, 60)}

	c, _, _, streamer, cleanup := newTestCoordinator(t, initial)
	defer cleanup()
	recorder := &fakeRequestRecorder{}
	c.requests = recorder

	require.NoError(t, c.SubmitLeave(context.Background(), "n1"))
	driveUntilIdle(t, c)

	snap := c.applier.Snapshot()
	_, found := snap.Find("n1")
	require.False(t, found)
	_, left := snap.LeftNodes["n1"]
	require.True(t, left)
	require.Nil(t, snap.TState)
	require.NotEmpty(t, streamer.calls)

	require.Len(t, recorder.rows, 1)
	for _, row := range recorder.rows {
		require.Equal(t, topology.NodeID("n1"), row.NodeID)
		require.Equal(t, topology.RequestLeave, row.Kind)
		require.True(t, row.Done)
		require.Empty(t, row.Error)
	}
}

func TestSubmitLeaveRollsBackOnStreamFailure(t *testing.T) {
	initial := topology.NewTopology()
	initial.NormalNodes["n1"] = &topology.ReplicaState{State: topology.NodeStateNormal, Ring: topology.NewRingSlice(10, 20, 30)}
	initial.NormalNodes["n2"] = &topology.ReplicaState{State: topology.NodeStateNormal, Ring: topology.NewRingSlice(40, 50, 60)}

	c, _, _, streamer, cleanup := newTestCoordinator(t, initial)
	defer cleanup()
	streamer.failTargets = map[topology.NodeID]bool{"n2": true}
	recorder := &fakeRequestRecorder{}
	c.requests = recorder

	require.NoError(t, c.SubmitLeave(context.Background(), "n1"))

	var rolledBack bool
	for i := 0; i < 200; i++ {
		progressed, err := c.driveStep(context.Background())
		if err != nil {
			var pe errors.PranaError
			require.True(t, errors.As(err, &pe))
			require.Equal(t, errors.RolledBack, pe.Code)
			rolledBack = true
		}
		if !progressed {
			break
		}
	}
	require.True(t, rolledBack, "expected the rollback step to report a rolled-back error")

	snap := c.applier.Snapshot()
	rs, ok := snap.NormalNodes["n1"]
	require.True(t, ok)
	require.Equal(t, topology.NodeStateNormal, rs.State)
	require.Equal(t, []uint64{10, 20, 30}, rs.Ring.Tokens())
	require.Nil(t, snap.TState)
	require.True(t, snap.Contains("n1"))

	require.Len(t, recorder.rows, 1)
	for _, row := range recorder.rows {
		require.Equal(t, topology.NodeID("n1"), row.NodeID)
		require.Equal(t, topology.RequestLeave, row.Kind)
		require.True(t, row.Done)
		require.NotEmpty(t, row.Error)
	}
}

func TestSubmitRebuildRestreamsWithoutChangingRing(t *testing.T) {
	initial := topology.NewTopology()
	initial.NormalNodes["n1"] = &topology.ReplicaState{State: topology.NodeStateNormal, Ring: topology.NewRingSlice(10, 20)}
	initial.NormalNodes["n2"] = &topology.ReplicaState{State: topology.NodeStateNormal, Ring: topology.NewRingSlice(30, 40)}

	c, _, _, streamer, cleanup := newTestCoordinator(t, initial)
	defer cleanup()

	require.NoError(t, c.SubmitRebuild(context.Background(), "n1", ""))
	driveUntilIdle(t, c)

	snap := c.applier.Snapshot()
	rs := snap.NormalNodes["n1"]
	require.Equal(t, topology.NodeStateNormal, rs.State)
	require.Equal(t, []uint64{10, 20}, rs.Ring.Tokens())
	require.Len(t, streamer.calls, 1)
	require.Equal(t, topology.NodeID("n1"), streamer.calls[0].target)
}

func TestSubmitNewCDCGenerationCommitsAndClears(t *testing.T) {
	initial := topology.NewTopology()
	initial.NormalNodes["n1"] = &topology.ReplicaState{State: topology.NodeStateNormal, Ring: topology.NewRingSlice(1)}

	c, _, _, _, cleanup := newTestCoordinator(t, initial)
	defer cleanup()

	require.NoError(t, c.SubmitNewCDCGeneration(context.Background()))
	driveUntilIdle(t, c)

	snap := c.applier.Snapshot()
	require.Nil(t, snap.GlobalRequest)
	require.Nil(t, snap.TState)
	require.NotNil(t, snap.CurrentCDCGenerationID)
	// Every normal node barriers past the new generation before it is published, so it does not
	// linger in UnpublishedCDCGenerations once the request retires.
	require.Empty(t, snap.UnpublishedCDCGenerations)
}

func TestSubmitReplaceTakesOverReplacedRingSlice(t *testing.T) {
	initial := topology.NewTopology()
	initial.NormalNodes["n1"] = &topology.ReplicaState{State: topology.NodeStateNormal, Ring: topology.NewRingSlice(10, 20, 30)}
	initial.NewNodes["n4"] = &topology.ReplicaState{State: topology.NodeStateNone}

	c, _, _, streamer, cleanup := newTestCoordinator(t, initial)
	defer cleanup()

	require.NoError(t, c.SubmitReplace(context.Background(), "n4", "n1", nil))
	driveUntilIdle(t, c)

	snap := c.applier.Snapshot()
	_, stillNormal := snap.NormalNodes["n1"]
	require.False(t, stillNormal)
	_, left := snap.LeftNodes["n1"]
	require.True(t, left)

	rs, ok := snap.NormalNodes["n4"]
	require.True(t, ok)
	require.Equal(t, topology.NodeStateNormal, rs.State)
	require.Equal(t, []uint64{10, 20, 30}, rs.Ring.Tokens())
	require.Nil(t, snap.TState)
	require.NotEmpty(t, streamer.calls)
}

func TestSubmitCleanupCyclesEveryNormalNode(t *testing.T) {
	initial := topology.NewTopology()
	initial.NormalNodes["n1"] = &topology.ReplicaState{State: topology.NodeStateNormal, Ring: topology.NewRingSlice(1)}
	initial.NormalNodes["n2"] = &topology.ReplicaState{State: topology.NodeStateNormal, Ring: topology.NewRingSlice(2)}

	c, _, _, _, cleanup := newTestCoordinator(t, initial)
	defer cleanup()

	// Neither node starts out cleanup_needed; SubmitCleanup's own kickoff step must mark both.
	require.Equal(t, topology.CleanupClean, initial.NormalNodes["n1"].Cleanup)
	require.Equal(t, topology.CleanupClean, initial.NormalNodes["n2"].Cleanup)

	require.NoError(t, c.SubmitCleanup(context.Background()))
	driveUntilIdle(t, c)

	snap := c.applier.Snapshot()
	require.Nil(t, snap.GlobalRequest)
	require.Nil(t, snap.TState)
	require.Equal(t, topology.CleanupClean, snap.NormalNodes["n1"].Cleanup)
	require.Equal(t, topology.CleanupClean, snap.NormalNodes["n2"].Cleanup)
}

func TestSubmitCleanupWithNoNormalNodesRetiresImmediately(t *testing.T) {
	initial := topology.NewTopology()

	c, _, _, _, cleanup := newTestCoordinator(t, initial)
	defer cleanup()

	require.NoError(t, c.SubmitCleanup(context.Background()))
	driveUntilIdle(t, c)

	snap := c.applier.Snapshot()
	require.Nil(t, snap.GlobalRequest)
	require.Nil(t, snap.TState)
}

func TestSubmitJoinRejectsUnknownNode(t *testing.T) {
	initial := topology.NewTopology()
	c, _, _, _, cleanup := newTestCoordinator(t, initial)
	defer cleanup()

	err := c.SubmitJoin(context.Background(), "ghost", 4)
	require.Error(t, err)
}

func TestSubmitJoinRejectsWhileRequestPending(t *testing.T) {
	initial := topology.NewTopology()
	initial.NewNodes["n1"] = &topology.ReplicaState{State: topology.NodeStateNone}
	c, _, _, _, cleanup := newTestCoordinator(t, initial)
	defer cleanup()

	require.NoError(t, c.SubmitJoin(context.Background(), "n1", 4))
	err := c.SubmitJoin(context.Background(), "n1", 4)
	require.Error(t, err)
}

func TestWaitForIPRespectsContextCancellation(t *testing.T) {
	initial := topology.NewTopology()
	c, _, gossiper, _, cleanup := newTestCoordinator(t, initial)
	defer cleanup()
	delete(gossiper.addresses, "never-arrives")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.waitForIP(ctx, "never-arrives")
	require.Error(t, err)
}

func TestStartStopIdempotent(t *testing.T) {
	initial := topology.NewTopology()
	c, _, _, _, cleanup := newTestCoordinator(t, initial)
	defer cleanup()

	c.Start()
	c.Start() // second Start is a no-op, not a deadlock
	time.Sleep(20 * time.Millisecond)
	c.Stop()
	c.Stop() // second Stop is also a no-op
}
