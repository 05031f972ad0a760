package server

import (
	"context"
	"time"

	"github.com/squareup/topologycoord/errors"
	"github.com/squareup/topologycoord/gossip"
	"github.com/squareup/topologycoord/topology"
)

// defaultBarrierWait bounds how long Barrier/BarrierAndDrain will wait for the local Applier to
// catch up to the caller's version when the incoming context carries no deadline of its own.
const defaultBarrierWait = 30 * time.Second

// coordinatorHandler answers the five coordinator RPCs on behalf of this node. Each RPC is a
// query against the callee's own locally-applied Topology: none of them mutate anything, they
// only wait for or report local state.
type coordinatorHandler struct {
	applier  *topology.Applier
	gossiper *gossip.TCPGossiper
}

func waitTimeout(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			return remaining
		}
		return 0
	}
	return defaultBarrierWait
}

// Barrier blocks until this node's Applier has caught up to version: wait until my local topology
// is at least this fresh.
func (h *coordinatorHandler) Barrier(ctx context.Context, version uint64) error {
	if _, reached := h.applier.WaitForVersion(version, waitTimeout(ctx)); !reached {
		return errors.NewBarrierFailedError("local", "timed out waiting to reach topology version")
	}
	return nil
}

// BarrierAndDrain additionally waits for in-flight writes against the previous topology to drain
// before returning. This module carries no data plane of its own, so draining is a no-op once
// the version barrier above is satisfied.
func (h *coordinatorHandler) BarrierAndDrain(ctx context.Context, version uint64) error {
	return h.Barrier(ctx, version)
}

// StreamRanges would move owned data for ranges to the caller under sessionID. Actual byte
// movement is explicitly out of scope for this module (no persistence engine), so this reports
// success immediately; the ranges and sessionID are accepted purely so the wire shape matches the
// real RPC a byte-moving implementation would need.
func (h *coordinatorHandler) StreamRanges(_ context.Context, _ []topology.TokenRange, _ string) error {
	return nil
}

// WaitForIP resolves id's gossip address from this node's own view of the cluster.
func (h *coordinatorHandler) WaitForIP(_ context.Context, id topology.NodeID) (string, bool, error) {
	addr, ok := h.gossiper.AddressOf(id)
	return addr, ok, nil
}

// PullTopologySnapshot returns this node's locally-applied Topology, encoded the same way the
// consensus snapshot machinery encodes it.
func (h *coordinatorHandler) PullTopologySnapshot(_ context.Context) ([]byte, error) {
	return topology.EncodeSnapshot(h.applier.Snapshot()), nil
}
