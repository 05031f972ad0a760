package topology

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTripsEveryEntryKind(t *testing.T) {
	ts := WriteBothReadOld
	entries := []LogEntry{
		{Kind: EntryAddNode, AddNode: &AddNodePayload{
			ID: "n1", Datacenter: "dc1", Rack: "r1", ReleaseVersion: "1.0", ShardCount: 4,
			IgnoreMSB: 12, SupportedFeatures: map[string]struct{}{"a": {}, "b": {}},
		}},
		{Kind: EntrySetRequest, SetRequest: &SetRequestPayload{
			ID: "n1", Kind: RequestJoin, Param: RequestParam{Kind: RequestJoin, Join: &JoinParam{NumTokens: 8}},
			RequestID: "req-1",
		}},
		{Kind: EntrySetRequest, SetRequest: &SetRequestPayload{
			ID: "n1", Kind: RequestReplace, Param: RequestParam{Kind: RequestReplace, Replace: &ReplaceParam{
				ReplacedID: "n0", IgnoredIDs: map[NodeID]struct{}{"n2": {}},
			}},
			RequestID: "req-2",
		}},
		{Kind: EntryClearRequest, ClearRequest: &ClearRequestPayload{ID: "n1"}},
		{Kind: EntrySetGlobalRequest, SetGlobalRequest: &SetGlobalRequestPayload{Kind: GlobalRequestCleanup, NewTState: GlobalCleanup}},
		{Kind: EntryClearGlobalRequest},
		{Kind: EntryAdvanceTransition, AdvanceTransition: &AdvanceTransitionPayload{State: &ts}},
		{Kind: EntryAdvanceTransition, AdvanceTransition: &AdvanceTransitionPayload{State: nil}},
		{Kind: EntryPromoteToNormal, PromoteToNormal: &PromoteToNormalPayload{ID: "n1", Ring: NewRingSlice(1, 2, 3)}},
		{Kind: EntryMoveToTransition, MoveToTransition: &MoveToTransitionPayload{ID: "n1", NewState: NodeStateBootstrapping, NewTState: &ts}},
		{Kind: EntryMoveToTransition, MoveToTransition: &MoveToTransitionPayload{ID: "n1", NewState: NodeStateRebuilding}},
		{Kind: EntrySetNewCDCGenerationDataUUID, SetNewCDCGenerationDataUUID: &SetNewCDCGenerationDataUUIDPayload{UUID: "uuid-1"}},
		{Kind: EntryCommitCDCGeneration, CommitCDCGeneration: &CommitCDCGenerationPayload{ID: CDCGenerationID{Timestamp: 42, UUID: "uuid-2"}}},
		{Kind: EntryPublishCDCGenerations, PublishCDCGenerations: &PublishCDCGenerationsPayload{UpTo: CDCGenerationID{Timestamp: 43, UUID: "uuid-3"}}},
		{Kind: EntrySetEnabledFeatures, SetEnabledFeatures: &SetEnabledFeaturesPayload{Features: map[string]struct{}{"x": {}}}},
		{Kind: EntrySetSessionID, SetSessionID: &SetSessionIDPayload{SessionID: "sess-1"}},
		{Kind: EntryDeleteNode, DeleteNode: &DeleteNodePayload{ID: "n1"}},
		{Kind: EntryBumpFenceVersion},
		{Kind: EntrySetCleanupStatus, SetCleanupStatus: &SetCleanupStatusPayload{ID: "n1", Status: CleanupRunning}},
		{Kind: EntrySetTabletBalancingEnabled, SetTabletBalancingEnabled: &SetTabletBalancingEnabledPayload{Enabled: true}},
	}

	for _, e := range entries {
		buff := Encode(e)
		decoded, err := Decode(buff)
		require.NoError(t, err)
		require.Equal(t, e.Kind, decoded.Kind)
		switch e.Kind {
		case EntryAddNode:
			require.Equal(t, e.AddNode, decoded.AddNode)
		case EntrySetRequest:
			require.Equal(t, e.SetRequest, decoded.SetRequest)
		case EntryPromoteToNormal:
			require.Equal(t, e.PromoteToNormal.ID, decoded.PromoteToNormal.ID)
			require.Equal(t, e.PromoteToNormal.Ring.Tokens(), decoded.PromoteToNormal.Ring.Tokens())
		case EntrySetGlobalRequest:
			require.Equal(t, e.SetGlobalRequest, decoded.SetGlobalRequest)
		case EntryMoveToTransition:
			require.Equal(t, e.MoveToTransition, decoded.MoveToTransition)
		}
	}
}
