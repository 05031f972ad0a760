package coordinator

import (
	"context"

	"github.com/squareup/topologycoord/errors"
	"github.com/squareup/topologycoord/topology"
	"github.com/twinj/uuid"
)

// AddNode registers a brand-new node in NodeStateNone, the entry point every node goes through
// before any per-node request (join, replace, ...) can target it. A node runs this once, on
// first contact with the cluster.
func (c *Coordinator) AddNode(ctx context.Context, id topology.NodeID, datacenter, rack, releaseVersion string, shardCount int, ignoreMSB uint8, supportedFeatures map[string]struct{}) error {
	return c.proposeEntry(ctx, topology.LogEntry{
		Kind: topology.EntryAddNode,
		AddNode: &topology.AddNodePayload{
			ID:                id,
			Datacenter:        datacenter,
			Rack:              rack,
			ReleaseVersion:    releaseVersion,
			ShardCount:        shardCount,
			IgnoreMSB:         ignoreMSB,
			SupportedFeatures: supportedFeatures,
		},
	})
}

// submitRequest commits a per-node request, to be picked up by topology.SelectNext on a future
// driveStep. It does not itself drive the request; the running leader's driver loop does that.
// It mints a fresh request id and stamps it onto the node's ReplicaState, so the topology_requests
// row this request eventually produces (see driver.go's recordRequestOutcome) can be correlated
// back to this call.
func (c *Coordinator) submitRequest(ctx context.Context, id topology.NodeID, kind topology.RequestKind, param topology.RequestParam) error {
	snap := c.applier.Snapshot()
	if !snap.Contains(id) {
		return errors.NewInvalidRequestError("unknown node " + string(id))
	}
	if _, pending := snap.Requests[id]; pending {
		return errors.NewBusyError(string(id))
	}
	param.Kind = kind
	return c.proposeEntry(ctx, topology.LogEntry{
		Kind:       topology.EntrySetRequest,
		SetRequest: &topology.SetRequestPayload{ID: id, Kind: kind, Param: param, RequestID: uuid.NewV4().String()},
	})
}

// SubmitJoin requests that id bootstrap into the ring, claiming numTokens tokens.
func (c *Coordinator) SubmitJoin(ctx context.Context, id topology.NodeID, numTokens uint32) error {
	return c.submitRequest(ctx, id, topology.RequestJoin, topology.RequestParam{Join: &topology.JoinParam{NumTokens: numTokens}})
}

// SubmitReplace requests that id take over replacedID's ring slice, excluding ignoredIDs from
// quorum/barrier calculations while the replacement is in flight.
func (c *Coordinator) SubmitReplace(ctx context.Context, id, replacedID topology.NodeID, ignoredIDs map[topology.NodeID]struct{}) error {
	return c.submitRequest(ctx, id, topology.RequestReplace, topology.RequestParam{Replace: &topology.ReplaceParam{ReplacedID: replacedID, IgnoredIDs: ignoredIDs}})
}

// SubmitRemove requests that id be forcibly evicted from the ring (the node is presumed dead or
// unreachable), excluding ignoredIDs from barrier calculations.
func (c *Coordinator) SubmitRemove(ctx context.Context, id topology.NodeID, ignoredIDs map[topology.NodeID]struct{}) error {
	return c.submitRequest(ctx, id, topology.RequestRemove, topology.RequestParam{Remove: &topology.RemoveParam{IgnoredIDs: ignoredIDs}})
}

// SubmitLeave requests that id decommission itself gracefully.
func (c *Coordinator) SubmitLeave(ctx context.Context, id topology.NodeID) error {
	return c.submitRequest(ctx, id, topology.RequestLeave, topology.RequestParam{})
}

// SubmitRebuild requests that id re-stream its existing ring slice from sourceDC (or any
// datacenter, if sourceDC is empty), without changing ring ownership.
func (c *Coordinator) SubmitRebuild(ctx context.Context, id topology.NodeID, sourceDC string) error {
	return c.submitRequest(ctx, id, topology.RequestRebuild, topology.RequestParam{Rebuild: &topology.RebuildParam{SourceDC: sourceDC}})
}

// submitGlobalRequest commits a cluster-wide request. driveStep drives a pending global request as
// soon as no node is in TransitionNodes, ahead of any per-node request still waiting in Requests;
// per-node requests do not drain first. The kickoff transition
// state is committed in the same entry as the request itself (the Applier derives cleanup's
// per-node cleanup_needed marks from its own NormalNodes at apply time), so there is no window
// where a global request is pending with no transition state driving it.
func (c *Coordinator) submitGlobalRequest(ctx context.Context, kind topology.GlobalRequestKind) error {
	snap := c.applier.Snapshot()
	if snap.GlobalRequest != nil {
		return errors.NewBusyError("a global request is already pending")
	}
	tstate := topology.CommitCDCGeneration
	if kind == topology.GlobalRequestCleanup {
		tstate = topology.GlobalCleanup
	}
	return c.proposeEntry(ctx, topology.LogEntry{
		Kind:             topology.EntrySetGlobalRequest,
		SetGlobalRequest: &topology.SetGlobalRequestPayload{Kind: kind, NewTState: tstate},
	})
}

// SubmitNewCDCGeneration requests that the cluster mint and commit a new CDC generation.
func (c *Coordinator) SubmitNewCDCGeneration(ctx context.Context) error {
	return c.submitGlobalRequest(ctx, topology.GlobalRequestNewCDCGeneration)
}

// SubmitCleanup requests a cluster-wide cleanup pass over every normal node.
func (c *Coordinator) SubmitCleanup(ctx context.Context) error {
	return c.submitGlobalRequest(ctx, topology.GlobalRequestCleanup)
}
