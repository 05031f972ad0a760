package topology

import (
	"github.com/squareup/topologycoord/common"
	"github.com/squareup/topologycoord/errors"
)

// Encode serializes a LogEntry into the wire format that consensus.Log carries as its opaque
// entry payload, using common.AppendXxxToBuffer helpers rather than a generated protobuf message
// (see DESIGN.md). The entry kind and other uint16 enum tags are big-endian; everything else is
// little-endian.
func Encode(entry LogEntry) []byte {
	buff := make([]byte, 0, 64)
	buff = common.AppendUint16ToBufferBE(buff, uint16(entry.Kind))
	switch entry.Kind {
	case EntryAddNode:
		p := entry.AddNode
		buff = appendNodeID(buff, p.ID)
		buff = common.AppendStringToBufferLE(buff, p.Datacenter)
		buff = common.AppendStringToBufferLE(buff, p.Rack)
		buff = common.AppendStringToBufferLE(buff, p.ReleaseVersion)
		buff = common.AppendUint32ToBufferLE(buff, uint32(p.ShardCount))
		buff = append(buff, p.IgnoreMSB)
		buff = appendStringSet(buff, p.SupportedFeatures)
	case EntrySetRequest:
		p := entry.SetRequest
		buff = appendNodeID(buff, p.ID)
		buff = common.AppendUint16ToBufferBE(buff, uint16(p.Kind))
		buff = appendRequestParam(buff, p.Param)
		buff = common.AppendStringToBufferLE(buff, p.RequestID)
	case EntryClearRequest:
		buff = appendNodeID(buff, entry.ClearRequest.ID)
	case EntrySetGlobalRequest:
		p := entry.SetGlobalRequest
		buff = common.AppendUint16ToBufferBE(buff, uint16(p.Kind))
		buff = common.AppendUint16ToBufferBE(buff, uint16(p.NewTState))
	case EntryClearGlobalRequest:
		// no payload
	case EntryAdvanceTransition:
		buff = appendNilableTransitionState(buff, entry.AdvanceTransition.State)
	case EntryPromoteToNormal:
		p := entry.PromoteToNormal
		buff = appendNodeID(buff, p.ID)
		buff = appendRingSlice(buff, p.Ring)
	case EntryMoveToTransition:
		p := entry.MoveToTransition
		buff = appendNodeID(buff, p.ID)
		buff = common.AppendUint16ToBufferBE(buff, uint16(p.NewState))
		buff = appendNilableTransitionState(buff, p.NewTState)
	case EntrySetNewCDCGenerationDataUUID:
		buff = common.AppendStringToBufferLE(buff, entry.SetNewCDCGenerationDataUUID.UUID)
	case EntryCommitCDCGeneration:
		buff = appendCDCGenerationID(buff, entry.CommitCDCGeneration.ID)
	case EntryPublishCDCGenerations:
		buff = appendCDCGenerationID(buff, entry.PublishCDCGenerations.UpTo)
	case EntrySetEnabledFeatures:
		buff = appendStringSet(buff, entry.SetEnabledFeatures.Features)
	case EntrySetSessionID:
		buff = common.AppendStringToBufferLE(buff, entry.SetSessionID.SessionID)
	case EntryDeleteNode:
		buff = appendNodeID(buff, entry.DeleteNode.ID)
	case EntryBumpFenceVersion:
		// no payload
	case EntrySetCleanupStatus:
		p := entry.SetCleanupStatus
		buff = appendNodeID(buff, p.ID)
		buff = common.AppendUint16ToBufferBE(buff, uint16(p.Status))
	case EntrySetTabletBalancingEnabled:
		buff = appendBool(buff, entry.SetTabletBalancingEnabled.Enabled)
	}
	return buff
}

// Decode is the inverse of Encode. It returns a Fatal error for a buffer shorter than 2 bytes or
// an unknown entry kind, and panics on a payload truncated after a valid kind: entries are
// written by this same process and read back by the on-disk state machine, so a corrupt entry
// means a storage-layer bug, not a recoverable condition.
func Decode(buff []byte) (LogEntry, error) {
	if len(buff) < 2 {
		return LogEntry{}, errors.NewFatalError("log entry buffer too short to hold a kind")
	}
	kindU, off := common.ReadUint16FromBufferBE(buff, 0)
	kind := EntryKind(kindU)
	entry := LogEntry{Kind: kind}
	switch kind {
	case EntryAddNode:
		var id NodeID
		var dc, rack, rv string
		var shardCount uint32
		id, off = readNodeID(buff, off)
		dc, off = common.ReadStringFromBufferLE(buff, off)
		rack, off = common.ReadStringFromBufferLE(buff, off)
		rv, off = common.ReadStringFromBufferLE(buff, off)
		shardCount, off = common.ReadUint32FromBufferLE(buff, off)
		ignoreMSB := buff[off]
		off++
		features, _ := readStringSet(buff, off)
		entry.AddNode = &AddNodePayload{
			ID: id, Datacenter: dc, Rack: rack, ReleaseVersion: rv,
			ShardCount: int(shardCount), IgnoreMSB: ignoreMSB, SupportedFeatures: features,
		}
	case EntrySetRequest:
		var id NodeID
		id, off = readNodeID(buff, off)
		kU, o2 := common.ReadUint16FromBufferBE(buff, off)
		off = o2
		param, paramOff := readRequestParam(buff, off, RequestKind(kU))
		requestID, _ := common.ReadStringFromBufferLE(buff, paramOff)
		entry.SetRequest = &SetRequestPayload{ID: id, Kind: RequestKind(kU), Param: param, RequestID: requestID}
	case EntryClearRequest:
		id, _ := readNodeID(buff, off)
		entry.ClearRequest = &ClearRequestPayload{ID: id}
	case EntrySetGlobalRequest:
		kU, o2 := common.ReadUint16FromBufferBE(buff, off)
		off = o2
		tsU, _ := common.ReadUint16FromBufferBE(buff, off)
		entry.SetGlobalRequest = &SetGlobalRequestPayload{Kind: GlobalRequestKind(kU), NewTState: TransitionState(tsU)}
	case EntryClearGlobalRequest:
		// no payload
	case EntryAdvanceTransition:
		state, _ := readNilableTransitionState(buff, off)
		entry.AdvanceTransition = &AdvanceTransitionPayload{State: state}
	case EntryPromoteToNormal:
		var id NodeID
		id, off = readNodeID(buff, off)
		ring, _ := readRingSlice(buff, off)
		entry.PromoteToNormal = &PromoteToNormalPayload{ID: id, Ring: ring}
	case EntryMoveToTransition:
		var id NodeID
		id, off = readNodeID(buff, off)
		sU, o2 := common.ReadUint16FromBufferBE(buff, off)
		off = o2
		newTState, _ := readNilableTransitionState(buff, off)
		entry.MoveToTransition = &MoveToTransitionPayload{ID: id, NewState: NodeState(sU), NewTState: newTState}
	case EntrySetNewCDCGenerationDataUUID:
		u, _ := common.ReadStringFromBufferLE(buff, off)
		entry.SetNewCDCGenerationDataUUID = &SetNewCDCGenerationDataUUIDPayload{UUID: u}
	case EntryCommitCDCGeneration:
		id, _ := readCDCGenerationID(buff, off)
		entry.CommitCDCGeneration = &CommitCDCGenerationPayload{ID: id}
	case EntryPublishCDCGenerations:
		id, _ := readCDCGenerationID(buff, off)
		entry.PublishCDCGenerations = &PublishCDCGenerationsPayload{UpTo: id}
	case EntrySetEnabledFeatures:
		features, _ := readStringSet(buff, off)
		entry.SetEnabledFeatures = &SetEnabledFeaturesPayload{Features: features}
	case EntrySetSessionID:
		sid, _ := common.ReadStringFromBufferLE(buff, off)
		entry.SetSessionID = &SetSessionIDPayload{SessionID: sid}
	case EntryDeleteNode:
		id, _ := readNodeID(buff, off)
		entry.DeleteNode = &DeleteNodePayload{ID: id}
	case EntryBumpFenceVersion:
		// no payload
	case EntrySetCleanupStatus:
		var id NodeID
		id, off = readNodeID(buff, off)
		sU, _ := common.ReadUint16FromBufferBE(buff, off)
		entry.SetCleanupStatus = &SetCleanupStatusPayload{ID: id, Status: CleanupStatus(sU)}
	case EntrySetTabletBalancingEnabled:
		entry.SetTabletBalancingEnabled = &SetTabletBalancingEnabledPayload{Enabled: buff[off] != 0}
	default:
		return LogEntry{}, errors.NewFatalError("unknown log entry kind in buffer")
	}
	return entry, nil
}

func appendNodeID(buff []byte, id NodeID) []byte {
	return common.AppendStringToBufferLE(buff, string(id))
}

func readNodeID(buff []byte, offset int) (NodeID, int) {
	s, off := common.ReadStringFromBufferLE(buff, offset)
	return NodeID(s), off
}

func appendBool(buff []byte, b bool) []byte {
	if b {
		return append(buff, 1)
	}
	return append(buff, 0)
}

func appendStringSet(buff []byte, set map[string]struct{}) []byte {
	buff = common.AppendUint32ToBufferLE(buff, uint32(len(set)))
	for s := range set {
		buff = common.AppendStringToBufferLE(buff, s)
	}
	return buff
}

func readStringSet(buff []byte, offset int) (map[string]struct{}, int) {
	n, off := common.ReadUint32FromBufferLE(buff, offset)
	set := make(map[string]struct{}, n)
	for i := uint32(0); i < n; i++ {
		var s string
		s, off = common.ReadStringFromBufferLE(buff, off)
		set[s] = struct{}{}
	}
	return set, off
}

func appendNilableTransitionState(buff []byte, state *TransitionState) []byte {
	if state == nil {
		return append(buff, 0)
	}
	buff = append(buff, 1)
	return common.AppendUint16ToBufferBE(buff, uint16(*state))
}

func readNilableTransitionState(buff []byte, offset int) (*TransitionState, int) {
	present := buff[offset]
	offset++
	if present == 0 {
		return nil, offset
	}
	u, off := common.ReadUint16FromBufferBE(buff, offset)
	state := TransitionState(u)
	return &state, off
}

func appendRingSlice(buff []byte, rs *RingSlice) []byte {
	if rs == nil {
		return common.AppendUint32ToBufferLE(buff, 0)
	}
	tokens := rs.Tokens()
	buff = common.AppendUint32ToBufferLE(buff, uint32(len(tokens)))
	for _, t := range tokens {
		buff = common.AppendUint64ToBufferLE(buff, t)
	}
	return buff
}

func readRingSlice(buff []byte, offset int) (*RingSlice, int) {
	n, off := common.ReadUint32FromBufferLE(buff, offset)
	tokens := make([]uint64, n)
	for i := range tokens {
		tokens[i], off = common.ReadUint64FromBufferLE(buff, off)
	}
	return NewRingSlice(tokens...), off
}

func appendCDCGenerationID(buff []byte, id CDCGenerationID) []byte {
	buff = common.AppendUint64ToBufferLE(buff, uint64(id.Timestamp))
	return common.AppendStringToBufferLE(buff, id.UUID)
}

func readCDCGenerationID(buff []byte, offset int) (CDCGenerationID, int) {
	ts, off := common.ReadUint64FromBufferLE(buff, offset)
	uuidStr, off2 := common.ReadStringFromBufferLE(buff, off)
	return CDCGenerationID{Timestamp: int64(ts), UUID: uuidStr}, off2
}

func appendRequestParam(buff []byte, p RequestParam) []byte {
	switch p.Kind {
	case RequestJoin:
		buff = common.AppendUint32ToBufferLE(buff, p.Join.NumTokens)
	case RequestRebuild:
		buff = common.AppendStringToBufferLE(buff, p.Rebuild.SourceDC)
	case RequestRemove:
		buff = appendNodeIDSet(buff, p.Remove.IgnoredIDs)
	case RequestReplace:
		buff = appendNodeID(buff, p.Replace.ReplacedID)
		buff = appendNodeIDSet(buff, p.Replace.IgnoredIDs)
	case RequestLeave:
		// no payload
	}
	return buff
}

// readRequestParam reads the per-kind request parameter body that follows a SetRequestPayload's
// Kind field in the wire format.
func readRequestParam(buff []byte, offset int, kind RequestKind) (RequestParam, int) {
	param := RequestParam{Kind: kind}
	switch kind {
	case RequestJoin:
		n, off := common.ReadUint32FromBufferLE(buff, offset)
		param.Join = &JoinParam{NumTokens: n}
		return param, off
	case RequestRebuild:
		dc, off := common.ReadStringFromBufferLE(buff, offset)
		param.Rebuild = &RebuildParam{SourceDC: dc}
		return param, off
	case RequestRemove:
		ids, off := readNodeIDSet(buff, offset)
		param.Remove = &RemoveParam{IgnoredIDs: ids}
		return param, off
	case RequestReplace:
		replaced, off := readNodeID(buff, offset)
		ids, off2 := readNodeIDSet(buff, off)
		param.Replace = &ReplaceParam{ReplacedID: replaced, IgnoredIDs: ids}
		return param, off2
	default:
		return param, offset
	}
}

func appendNodeIDSet(buff []byte, set map[NodeID]struct{}) []byte {
	buff = common.AppendUint32ToBufferLE(buff, uint32(len(set)))
	for id := range set {
		buff = appendNodeID(buff, id)
	}
	return buff
}

func readNodeIDSet(buff []byte, offset int) (map[NodeID]struct{}, int) {
	n, off := common.ReadUint32FromBufferLE(buff, offset)
	set := make(map[NodeID]struct{}, n)
	for i := uint32(0); i < n; i++ {
		var id NodeID
		id, off = readNodeID(buff, off)
		set[id] = struct{}{}
	}
	return set, off
}
