package errors

import (
	"fmt"
)

type ErrorCode int

const (
	InternalError ErrorCode = iota

	// StaleTopology is returned when a caller's fencing token is behind the callee's fence
	// version, or is ahead of the callee's version and the callee does not catch up in time.
	StaleTopology
	// NotLeader is returned by coordinator RPCs and proposals when the receiving node does not
	// hold the raft leadership for the topology group.
	NotLeader
	// Busy is returned when a request targets a node that already has a pending request, or a
	// global request is submitted while another global request is pending.
	Busy
	// InvalidRequest is returned when a request's parameters fail validation, or conflict with
	// the current topology (e.g. requesting join for a node already in normal_nodes).
	InvalidRequest
	// StreamFailed is returned when range streaming to or from a node could not complete.
	StreamFailed
	// BarrierFailed is returned when a barrier or barrier_and_drain RPC could not be
	// acknowledged by every required replica before the deadline.
	BarrierFailed
	// RolledBack is returned when a leave or remove could not stream its ranges off the node and
	// was rolled back, returning the node to normal; the request is no longer in effect.
	RolledBack
	// Fatal is returned when the topology state machine detects an invariant violation it
	// cannot safely recover from.
	Fatal
)

func NewInternalError(errRef string) PranaError {
	return NewPranaErrorf(InternalError, "Internal error - reference %s, please consult server logs for details", errRef)
}

func NewStaleTopologyError(token int64, requiredFence int64) PranaError {
	return NewPranaErrorf(StaleTopology, "stale topology: token %d is older than required fence version %d", token, requiredFence)
}

func NewNotLeaderError() PranaError {
	return NewPranaErrorf(NotLeader, "this node is not the topology coordinator leader")
}

func NewBusyError(msg string) PranaError {
	return NewPranaErrorf(Busy, "topology coordinator busy: %s", msg)
}

func NewInvalidRequestError(msg string) PranaError {
	return NewPranaErrorf(InvalidRequest, "invalid topology request: %s", msg)
}

func NewStreamFailedError(nodeID string, msg string) PranaError {
	return NewPranaErrorf(StreamFailed, "range streaming to/from node %s failed: %s", nodeID, msg)
}

func NewBarrierFailedError(nodeID string, msg string) PranaError {
	return NewPranaErrorf(BarrierFailed, "barrier failed waiting on node %s: %s", nodeID, msg)
}

func NewRolledBackError(nodeID string) PranaError {
	return NewPranaErrorf(RolledBack, "request for node %s was rolled back", nodeID)
}

func NewFatalError(msg string) PranaError {
	return NewPranaErrorf(Fatal, "fatal topology invariant violation: %s", msg)
}

func NewPranaErrorf(errorCode ErrorCode, msgFormat string, args ...interface{}) PranaError {
	msg := fmt.Sprintf(fmt.Sprintf("PDB%04d - %s", errorCode, msgFormat), args...)
	return PranaError{Code: errorCode, Msg: msg}
}

func NewPranaError(errorCode ErrorCode, msg string) PranaError {
	return PranaError{Code: errorCode, Msg: msg}
}

func Error(msg string) error {
	return New(msg)
}

// PranaError is any kind of error that is exposed to the user via external interfaces like the CLI
// or the coordinator RPC surface.
type PranaError struct {
	Code ErrorCode
	Msg  string
}

func (u PranaError) Error() string {
	return u.Msg
}

func ErrorEqual(err1 error, err2 error) bool {
	return err1 == err2
}
