package topology

import "github.com/squareup/topologycoord/common"

// RequestRecord is the row persisted to the topology_requests table once a per-node request
// reaches a terminal outcome, so an operator (or a future resubmission of the same request id)
// can look up what actually happened to a request that is no longer visible in the live Requests
// map. Grounded on EncodeSnapshot/DecodeSnapshot's row-encoding conventions.
type RequestRecord struct {
	RequestID string
	NodeID    NodeID
	Kind      RequestKind
	Done      bool
	Error     string
}

// EncodeRequestRecord serializes r for storage.Store.SaveTopologyRequestRow.
func EncodeRequestRecord(r RequestRecord) []byte {
	var buff []byte
	buff = common.AppendStringToBufferLE(buff, r.RequestID)
	buff = appendNodeID(buff, r.NodeID)
	buff = common.AppendUint16ToBufferBE(buff, uint16(r.Kind))
	buff = appendBool(buff, r.Done)
	buff = common.AppendStringToBufferLE(buff, r.Error)
	return buff
}

// DecodeRequestRecord deserializes a row produced by EncodeRequestRecord.
func DecodeRequestRecord(buff []byte) RequestRecord {
	var r RequestRecord
	off := 0
	r.RequestID, off = common.ReadStringFromBufferLE(buff, off)
	r.NodeID, off = readNodeID(buff, off)
	var kindU uint16
	kindU, off = common.ReadUint16FromBufferBE(buff, off)
	r.Kind = RequestKind(kindU)
	r.Done = buff[off] == 1
	off++
	r.Error, _ = common.ReadStringFromBufferLE(buff, off)
	return r
}
