package topology

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestApplyAddNodeThenPromoteToNormal(t *testing.T) {
	a := NewApplier(NewTopology())

	_, err := a.Apply(LogEntry{Kind: EntryAddNode, AddNode: &AddNodePayload{
		ID:                "n1",
		SupportedFeatures: supportedSet("a"),
	}})
	require.NoError(t, err)

	topo := a.Snapshot()
	rs, ok := topo.Find("n1")
	require.True(t, ok)
	require.Equal(t, NodeStateNone, rs.State)

	_, err = a.Apply(LogEntry{Kind: EntryPromoteToNormal, PromoteToNormal: &PromoteToNormalPayload{
		ID:   "n1",
		Ring: NewRingSlice(1, 2, 3),
	}})
	require.NoError(t, err)

	topo = a.Snapshot()
	rs, ok = topo.NormalNodes["n1"]
	require.True(t, ok)
	require.Equal(t, NodeStateNormal, rs.State)
	require.Equal(t, 3, rs.Ring.Len())
}

func TestVersionStrictlyIncreasesAndFenceNeverExceedsVersion(t *testing.T) {
	a := NewApplier(NewTopology())
	startVersion := a.Snapshot().Version

	topo, err := a.Apply(LogEntry{Kind: EntryAddNode, AddNode: &AddNodePayload{ID: "n1"}})
	require.NoError(t, err)
	require.Greater(t, topo.Version, startVersion)
	require.LessOrEqual(t, topo.FenceVersion, topo.Version)

	topo, err = a.Apply(LogEntry{Kind: EntryBumpFenceVersion})
	require.NoError(t, err)
	require.Equal(t, topo.Version, topo.FenceVersion)
}

func TestApplyRejectsDuplicateAddNode(t *testing.T) {
	a := NewApplier(NewTopology())
	_, err := a.Apply(LogEntry{Kind: EntryAddNode, AddNode: &AddNodePayload{ID: "n1"}})
	require.NoError(t, err)

	_, err = a.Apply(LogEntry{Kind: EntryAddNode, AddNode: &AddNodePayload{ID: "n1"}})
	require.Error(t, err)
}

func TestApplyRejectsRequestForUnknownNode(t *testing.T) {
	a := NewApplier(NewTopology())
	_, err := a.Apply(LogEntry{Kind: EntrySetRequest, SetRequest: &SetRequestPayload{
		ID:    "ghost",
		Kind:  RequestJoin,
		Param: RequestParam{Kind: RequestJoin, Join: &JoinParam{NumTokens: 16}},
	}})
	require.Error(t, err)
}

func TestCommitCDCGenerationRequiresInFlightUUID(t *testing.T) {
	a := NewApplier(NewTopology())
	_, err := a.Apply(LogEntry{Kind: EntryCommitCDCGeneration, CommitCDCGeneration: &CommitCDCGenerationPayload{
		ID: CDCGenerationID{Timestamp: 1, UUID: "g1"},
	}})
	require.Error(t, err)

	_, err = a.Apply(LogEntry{Kind: EntrySetNewCDCGenerationDataUUID, SetNewCDCGenerationDataUUID: &SetNewCDCGenerationDataUUIDPayload{UUID: "inflight"}})
	require.NoError(t, err)

	topo, err := a.Apply(LogEntry{Kind: EntryCommitCDCGeneration, CommitCDCGeneration: &CommitCDCGenerationPayload{
		ID: CDCGenerationID{Timestamp: 1, UUID: "g1"},
	}})
	require.NoError(t, err)
	require.Equal(t, "g1", topo.CurrentCDCGenerationID.UUID)
	require.Empty(t, topo.NewCDCGenerationDataUUID)
	require.Len(t, topo.UnpublishedCDCGenerations, 1)
}

// TestCrashRecoveryIdempotence reproduces the same prefix of committed entries against a second,
// independent Applier and checks the resulting Topology matches: resuming after a coordinator
// crash is just re-applying (or resuming from) the same committed log.
func TestCrashRecoveryIdempotence(t *testing.T) {
	joinState := JoinGroup0
	entries := []LogEntry{
		{Kind: EntryAddNode, AddNode: &AddNodePayload{ID: "n1", SupportedFeatures: supportedSet("a")}},
		{Kind: EntrySetRequest, SetRequest: &SetRequestPayload{
			ID: "n1", Kind: RequestJoin, Param: RequestParam{Kind: RequestJoin, Join: &JoinParam{NumTokens: 16}},
		}},
		{Kind: EntryMoveToTransition, MoveToTransition: &MoveToTransitionPayload{ID: "n1", NewState: NodeStateBootstrapping, NewTState: &joinState}},
		{Kind: EntryPromoteToNormal, PromoteToNormal: &PromoteToNormalPayload{ID: "n1", Ring: NewRingSlice(1, 2)}},
		{Kind: EntryAdvanceTransition, AdvanceTransition: &AdvanceTransitionPayload{State: nil}},
	}

	a1 := NewApplier(NewTopology())
	for _, e := range entries {
		_, err := a1.Apply(e)
		require.NoError(t, err)
	}

	a2 := NewApplier(NewTopology())
	for _, e := range entries {
		_, err := a2.Apply(e)
		require.NoError(t, err)
	}

	require.Equal(t, a1.Snapshot(), a2.Snapshot())
}

func TestWaitForVersionUnblocksOnApply(t *testing.T) {
	a := NewApplier(NewTopology())
	done := make(chan bool, 1)
	go func() {
		_, reached := a.WaitForVersion(2, 2*time.Second)
		done <- reached
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := a.Apply(LogEntry{Kind: EntryAddNode, AddNode: &AddNodePayload{ID: "n1"}})
	require.NoError(t, err)

	select {
	case reached := <-done:
		require.True(t, reached)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForVersion did not unblock")
	}
}

func TestWaitForVersionTimesOut(t *testing.T) {
	a := NewApplier(NewTopology())
	_, reached := a.WaitForVersion(100, 30*time.Millisecond)
	require.False(t, reached)
}
