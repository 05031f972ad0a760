package topology

import (
	"github.com/squareup/topologycoord/common"
)

// EncodeSnapshot serializes a full Topology value (as opposed to a single LogEntry) for
// dragonboat snapshot transfer and pebble persistence, using the same little-endian primitives as
// Encode/Decode.
func EncodeSnapshot(t *Topology) []byte {
	buff := make([]byte, 0, 256)
	buff = appendNilableTransitionState(buff, t.TState)
	buff = common.AppendUint64ToBufferLE(buff, t.Version)
	buff = common.AppendUint64ToBufferLE(buff, t.FenceVersion)

	buff = appendReplicaMap(buff, t.NormalNodes)
	buff = appendReplicaMap(buff, t.NewNodes)
	buff = appendReplicaMap(buff, t.TransitionNodes)
	buff = appendNodeIDSet(buff, t.LeftNodes)

	buff = common.AppendUint32ToBufferLE(buff, uint32(len(t.Requests)))
	for id, kind := range t.Requests {
		buff = appendNodeID(buff, id)
		buff = common.AppendUint16ToBufferBE(buff, uint16(kind))
	}
	buff = common.AppendUint32ToBufferLE(buff, uint32(len(t.ReqParam)))
	for id, param := range t.ReqParam {
		buff = appendNodeID(buff, id)
		buff = common.AppendUint16ToBufferBE(buff, uint16(param.Kind))
		buff = appendRequestParam(buff, param)
	}

	if t.GlobalRequest == nil {
		buff = append(buff, 0)
	} else {
		buff = append(buff, 1)
		buff = common.AppendUint16ToBufferBE(buff, uint16(*t.GlobalRequest))
	}

	if t.CurrentCDCGenerationID == nil {
		buff = append(buff, 0)
	} else {
		buff = append(buff, 1)
		buff = appendCDCGenerationID(buff, *t.CurrentCDCGenerationID)
	}
	buff = common.AppendStringToBufferLE(buff, t.NewCDCGenerationDataUUID)
	buff = common.AppendUint32ToBufferLE(buff, uint32(len(t.UnpublishedCDCGenerations)))
	for _, id := range t.UnpublishedCDCGenerations {
		buff = appendCDCGenerationID(buff, id)
	}

	buff = appendStringSet(buff, t.EnabledFeatures)
	buff = common.AppendStringToBufferLE(buff, t.SessionID)
	buff = appendBool(buff, t.TabletBalancingEnabled)
	return buff
}

// DecodeSnapshot is the inverse of EncodeSnapshot.
func DecodeSnapshot(buff []byte) (*Topology, error) {
	off := 0
	t := &Topology{}
	t.TState, off = readNilableTransitionState(buff, off)
	t.Version, off = common.ReadUint64FromBufferLE(buff, off)
	t.FenceVersion, off = common.ReadUint64FromBufferLE(buff, off)

	t.NormalNodes, off = readReplicaMap(buff, off)
	t.NewNodes, off = readReplicaMap(buff, off)
	t.TransitionNodes, off = readReplicaMap(buff, off)
	t.LeftNodes, off = readNodeIDSet(buff, off)

	var n uint32
	n, off = common.ReadUint32FromBufferLE(buff, off)
	t.Requests = make(map[NodeID]RequestKind, n)
	for i := uint32(0); i < n; i++ {
		var id NodeID
		id, off = readNodeID(buff, off)
		var kU uint16
		kU, off = common.ReadUint16FromBufferBE(buff, off)
		t.Requests[id] = RequestKind(kU)
	}
	n, off = common.ReadUint32FromBufferLE(buff, off)
	t.ReqParam = make(map[NodeID]RequestParam, n)
	for i := uint32(0); i < n; i++ {
		var id NodeID
		id, off = readNodeID(buff, off)
		var kU uint16
		kU, off = common.ReadUint16FromBufferBE(buff, off)
		var param RequestParam
		param, off = readRequestParam(buff, off, RequestKind(kU))
		t.ReqParam[id] = param
	}

	hasGlobal := buff[off]
	off++
	if hasGlobal != 0 {
		var kU uint16
		kU, off = common.ReadUint16FromBufferBE(buff, off)
		kind := GlobalRequestKind(kU)
		t.GlobalRequest = &kind
	}

	hasGen := buff[off]
	off++
	if hasGen != 0 {
		var id CDCGenerationID
		id, off = readCDCGenerationID(buff, off)
		t.CurrentCDCGenerationID = &id
	}
	t.NewCDCGenerationDataUUID, off = common.ReadStringFromBufferLE(buff, off)
	n, off = common.ReadUint32FromBufferLE(buff, off)
	t.UnpublishedCDCGenerations = make([]CDCGenerationID, n)
	for i := uint32(0); i < n; i++ {
		t.UnpublishedCDCGenerations[i], off = readCDCGenerationID(buff, off)
	}

	t.EnabledFeatures, off = readStringSet(buff, off)
	t.SessionID, off = common.ReadStringFromBufferLE(buff, off)
	t.TabletBalancingEnabled = buff[off] != 0
	return t, nil
}

func appendReplicaMap(buff []byte, m map[NodeID]*ReplicaState) []byte {
	buff = common.AppendUint32ToBufferLE(buff, uint32(len(m)))
	for id, rs := range m {
		buff = appendNodeID(buff, id)
		buff = appendReplicaState(buff, rs)
	}
	return buff
}

func readReplicaMap(buff []byte, offset int) (map[NodeID]*ReplicaState, int) {
	n, off := common.ReadUint32FromBufferLE(buff, offset)
	m := make(map[NodeID]*ReplicaState, n)
	for i := uint32(0); i < n; i++ {
		var id NodeID
		id, off = readNodeID(buff, off)
		var rs *ReplicaState
		rs, off = readReplicaState(buff, off)
		m[id] = rs
	}
	return m, off
}

func appendReplicaState(buff []byte, rs *ReplicaState) []byte {
	buff = common.AppendUint16ToBufferBE(buff, uint16(rs.State))
	buff = common.AppendStringToBufferLE(buff, rs.Datacenter)
	buff = common.AppendStringToBufferLE(buff, rs.Rack)
	buff = common.AppendStringToBufferLE(buff, rs.ReleaseVersion)
	buff = appendRingSlice(buff, rs.Ring)
	buff = common.AppendUint32ToBufferLE(buff, uint32(rs.ShardCount))
	buff = append(buff, rs.IgnoreMSB)
	buff = appendStringSet(buff, rs.SupportedFeatures)
	buff = common.AppendUint16ToBufferBE(buff, uint16(rs.Cleanup))
	buff = common.AppendStringToBufferLE(buff, rs.RequestID)
	return buff
}

func readReplicaState(buff []byte, offset int) (*ReplicaState, int) {
	rs := &ReplicaState{}
	var stateU, cleanupU uint16
	stateU, offset = common.ReadUint16FromBufferBE(buff, offset)
	rs.State = NodeState(stateU)
	rs.Datacenter, offset = common.ReadStringFromBufferLE(buff, offset)
	rs.Rack, offset = common.ReadStringFromBufferLE(buff, offset)
	rs.ReleaseVersion, offset = common.ReadStringFromBufferLE(buff, offset)
	rs.Ring, offset = readRingSlice(buff, offset)
	var shardCount uint32
	shardCount, offset = common.ReadUint32FromBufferLE(buff, offset)
	rs.ShardCount = int(shardCount)
	rs.IgnoreMSB = buff[offset]
	offset++
	rs.SupportedFeatures, offset = readStringSet(buff, offset)
	cleanupU, offset = common.ReadUint16FromBufferBE(buff, offset)
	rs.Cleanup = CleanupStatus(cleanupU)
	rs.RequestID, offset = common.ReadStringFromBufferLE(buff, offset)
	return rs, offset
}
