// Package coordrpc is the coordinator RPC surface: barrier, barrier_and_drain, stream_ranges,
// wait_for_ip, and the follower-to-leader pull_topology_snapshot. It is adapted directly from
// remoting/server.go + remoting/connection.go + remoting/client.go's length-prefixed framed TCP
// protocol and per-connection read loop, but with the message payload switched from a
// protobuf-backed envelope to the small hand-rolled little-endian wire format below, since
// no .proto/.pb.go source exists anywhere in the retrieved pack (see DESIGN.md).
package coordrpc

import (
	"github.com/squareup/topologycoord/common"
	"github.com/squareup/topologycoord/errors"
	"github.com/squareup/topologycoord/fencing"
	"github.com/squareup/topologycoord/topology"
)

// rpcType identifies which of the five coordinator RPCs a request frame carries.
type rpcType byte

const (
	rpcBarrier              rpcType = 1
	rpcBarrierAndDrain      rpcType = 2
	rpcStreamRanges         rpcType = 3
	rpcWaitForIP            rpcType = 4
	rpcPullTopologySnapshot rpcType = 5
)

const (
	messageHeaderSize = 5 // 1 byte frame type (request/response), 4 bytes LE payload length
	readBuffSize      = 8 * 1024
)

// frameKind distinguishes a request frame from a response frame on the wire, analogous to
// remoting's heartbeatMessageType/responseMessageType split.
type frameKind byte

const (
	frameRequest  frameKind = 1
	frameResponse frameKind = 2
)

// request is the decoded form of every request frame. The payload is the 8-byte sequence, the
// 1-byte rpc type, then the 8-byte fencing token (common.AppendUint64ToBufferLE), then the body.
type request struct {
	sequence uint64
	token    fencing.Token
	typ      rpcType
	body     []byte
}

func (r *request) serialize() []byte {
	buff := common.AppendUint64ToBufferLE(nil, r.sequence)
	buff = append(buff, byte(r.typ))
	buff = common.AppendUint64ToBufferLE(buff, uint64(r.token))
	buff = append(buff, r.body...)
	return buff
}

func deserializeRequest(buff []byte) *request {
	r := &request{}
	off := 0
	r.sequence, off = common.ReadUint64FromBufferLE(buff, off)
	r.typ = rpcType(buff[off])
	off++
	var tok uint64
	tok, off = common.ReadUint64FromBufferLE(buff, off)
	r.token = fencing.Token(tok)
	r.body = buff[off:]
	return r
}

// response is the decoded form of every response frame.
type response struct {
	sequence uint64
	ok       bool
	errMsg   string
	body     []byte
}

func (r *response) serialize() []byte {
	buff := common.AppendUint64ToBufferLE(nil, r.sequence)
	if r.ok {
		buff = append(buff, 1)
	} else {
		buff = append(buff, 0)
	}
	if r.ok {
		buff = append(buff, r.body...)
	} else {
		buff = common.AppendStringToBufferLE(buff, r.errMsg)
	}
	return buff
}

func deserializeResponse(buff []byte) *response {
	r := &response{}
	off := 0
	r.sequence, off = common.ReadUint64FromBufferLE(buff, off)
	r.ok = buff[off] != 0
	off++
	if r.ok {
		r.body = buff[off:]
	} else {
		r.errMsg, _ = common.ReadStringFromBufferLE(buff, off)
	}
	return r
}

func writeFrame(kind frameKind, payload []byte, writeFunc func([]byte) error) error {
	frame := make([]byte, 0, messageHeaderSize+len(payload))
	frame = append(frame, byte(kind))
	frame = common.AppendUint32ToBufferLE(frame, uint32(len(payload)))
	frame = append(frame, payload...)
	return writeFunc(frame)
}

// barrierBody is the payload shared by Barrier and BarrierAndDrain: the version the caller must
// have applied before responding.
type barrierBody struct {
	version uint64
}

func (b barrierBody) serialize() []byte {
	return common.AppendUint64ToBufferLE(nil, b.version)
}

func deserializeBarrierBody(buff []byte) barrierBody {
	v, _ := common.ReadUint64FromBufferLE(buff, 0)
	return barrierBody{version: v}
}

type streamRangesBody struct {
	ranges    []topology.TokenRange
	sessionID string
}

func (b streamRangesBody) serialize() []byte {
	buff := common.AppendUint32ToBufferLE(nil, uint32(len(b.ranges)))
	for _, r := range b.ranges {
		buff = common.AppendUint64ToBufferLE(buff, r.Start)
		buff = common.AppendUint64ToBufferLE(buff, r.End)
	}
	buff = common.AppendStringToBufferLE(buff, b.sessionID)
	return buff
}

func deserializeStreamRangesBody(buff []byte) streamRangesBody {
	n, off := common.ReadUint32FromBufferLE(buff, 0)
	ranges := make([]topology.TokenRange, n)
	for i := uint32(0); i < n; i++ {
		var start, end uint64
		start, off = common.ReadUint64FromBufferLE(buff, off)
		end, off = common.ReadUint64FromBufferLE(buff, off)
		ranges[i] = topology.TokenRange{Start: start, End: end}
	}
	sessionID, _ := common.ReadStringFromBufferLE(buff, off)
	return streamRangesBody{ranges: ranges, sessionID: sessionID}
}

type waitForIPBody struct {
	id topology.NodeID
}

func (b waitForIPBody) serialize() []byte {
	return common.AppendStringToBufferLE(nil, string(b.id))
}

func deserializeWaitForIPBody(buff []byte) waitForIPBody {
	s, _ := common.ReadStringFromBufferLE(buff, 0)
	return waitForIPBody{id: topology.NodeID(s)}
}

type waitForIPResponseBody struct {
	address string
	found   bool
}

func (b waitForIPResponseBody) serialize() []byte {
	buff := common.AppendStringToBufferLE(nil, b.address)
	if b.found {
		buff = append(buff, 1)
	} else {
		buff = append(buff, 0)
	}
	return buff
}

func deserializeWaitForIPResponseBody(buff []byte) waitForIPResponseBody {
	addr, off := common.ReadStringFromBufferLE(buff, 0)
	return waitForIPResponseBody{address: addr, found: buff[off] != 0}
}

// errToFrameErr converts a handler error into the string carried back on a failure response,
// matching how remoting's ClusterResponse.errMsg carries errRef strings over the wire.
func errToFrameErr(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var errConnectionClosed = errors.New("coordrpc: connection closed")
