package coordinator

import (
	"context"
	"time"

	"github.com/squareup/topologycoord/errors"
	"github.com/squareup/topologycoord/topology"
	"github.com/twinj/uuid"
)

// driveStep advances the current operation by one step of its state machine and reports whether
// it made progress. A step usually commits one proposeEntry, but may first run an RPC round
// (bounded by retry), and the finishing and rollback steps commit several entries in sequence.
// The caller loops this until it returns false, at which point there is nothing left to drive
// until new work arrives.
func (c *Coordinator) driveStep(ctx context.Context) (bool, error) {
	snap := c.applier.Snapshot()

	for id, rs := range snap.TransitionNodes {
		return true, c.driveNodeTransition(ctx, snap, id, rs)
	}

	if snap.GlobalRequest != nil {
		// submitGlobalRequest commits the kickoff transition state in the same entry as the
		// request itself, so there is no separate "not yet started" case to dispatch on here.
		return true, c.driveGlobalRequest(ctx, snap, *snap.GlobalRequest)
	}

	sel, ok := topology.SelectNext(snap)
	if !ok {
		return false, nil
	}
	return true, c.startNodeRequest(ctx, snap, sel.NodeID, sel.Kind)
}

func advanceTo(state topology.TransitionState) topology.LogEntry {
	s := state
	return topology.LogEntry{Kind: topology.EntryAdvanceTransition, AdvanceTransition: &topology.AdvanceTransitionPayload{State: &s}}
}

func clearTransition() topology.LogEntry {
	return topology.LogEntry{Kind: topology.EntryAdvanceTransition, AdvanceTransition: &topology.AdvanceTransitionPayload{State: nil}}
}

// startNodeRequest begins driving the next selected per-node request's kickoff step. Join and
// replace start with wait_for_ip (no log entry yet, so a crash
// before the first commit just re-runs this harmlessly); leave, remove and rebuild move the node
// into transition_nodes immediately since they need no address reachability check.
func (c *Coordinator) startNodeRequest(ctx context.Context, snap *topology.Topology, id topology.NodeID, kind topology.RequestKind) error {
	switch kind {
	case topology.RequestJoin, topology.RequestReplace:
		if err := c.waitForIP(ctx, id); err != nil {
			return err
		}
		newState := topology.NodeStateBootstrapping
		if kind == topology.RequestReplace {
			newState = topology.NodeStateReplacing
		}
		tstate := topology.JoinGroup0
		return c.proposeEntry(ctx, topology.LogEntry{Kind: topology.EntryMoveToTransition, MoveToTransition: &topology.MoveToTransitionPayload{ID: id, NewState: newState, NewTState: &tstate}})
	case topology.RequestRemove, topology.RequestLeave:
		newState := topology.NodeStateDecommissioning
		if kind == topology.RequestRemove {
			newState = topology.NodeStateRemoving
		}
		tstate := topology.WriteBothReadOld
		return c.proposeEntry(ctx, topology.LogEntry{Kind: topology.EntryMoveToTransition, MoveToTransition: &topology.MoveToTransitionPayload{ID: id, NewState: newState, NewTState: &tstate}})
	case topology.RequestRebuild:
		return c.proposeEntry(ctx, topology.LogEntry{Kind: topology.EntryMoveToTransition, MoveToTransition: &topology.MoveToTransitionPayload{ID: id, NewState: topology.NodeStateRebuilding}})
	default:
		return errors.NewFatalError("unknown request kind")
	}
}

// driveNodeTransition advances the single node currently mid-operation by one step. A nil TState
// with a node present in TransitionNodes only ever happens for rebuild, which needs no
// transition-state phases of its own: ownership is unchanged, so no fence_version bump is needed
// either. Every other per-node request moves the node into TransitionNodes and sets its kickoff
// TState in the same startNodeRequest commit, so a non-rebuild node can never legitimately reach
// here with TState still nil - seeing one is the Applier's own invariant check (validate's
// needsTState) having been bypassed, which is a fatal bug, not a state to route around.
func (c *Coordinator) driveNodeTransition(ctx context.Context, snap *topology.Topology, id topology.NodeID, rs *topology.ReplicaState) error {
	if snap.TState == nil {
		if rs.State != topology.NodeStateRebuilding {
			return errors.NewFatalError("node in transition_nodes with no transition state driving it")
		}
		return c.driveRebuild(ctx, snap, id, rs)
	}
	switch *snap.TState {
	case topology.JoinGroup0:
		// Adding the node to consensus membership is a consensus-layer operation outside the
		// Log contract this package depends on (Append/IsLeader only);
		// membership changes are assumed handled by the operator driving the underlying raft
		// group directly. Proceed straight to minting the CDC generation for this operation.
		return c.proposeEntry(ctx, advanceTo(topology.CommitCDCGeneration))
	case topology.CommitCDCGeneration:
		done, err := c.mintOrCommitCDCGeneration(ctx, snap)
		if err != nil || !done {
			return err
		}
		return c.proposeEntry(ctx, advanceTo(topology.TabletDraining))
	case topology.TabletDraining:
		if err := c.barrierAll(ctx, snap, snap.Version, true); err != nil {
			return err
		}
		// Every normal node has now drained past the CDC generation committed two steps ago in
		// commit_cdc_generation, so it is safe to stop tracking it as unpublished.
		if err := c.publishCurrentCDCGeneration(ctx, snap); err != nil {
			return err
		}
		return c.proposeEntry(ctx, advanceTo(topology.WriteBothReadOld))
	case topology.WriteBothReadOld:
		return c.driveWriteBothReadOld(ctx, snap, id, rs)
	case topology.WriteBothReadNew:
		return c.driveWriteBothReadNew(ctx, snap, id, rs)
	case topology.TabletMigration:
		// The tablet load balancer is an external collaborator out of scope for this package;
		// there is nothing further to drive here, so move straight on.
		return c.finishNodeTransition(ctx, snap, id, rs)
	case topology.LeftTokenRing:
		return c.finishLeave(ctx, snap, id)
	default:
		return errors.NewFatalError("unexpected transition state for node-driven operation")
	}
}

// mintOrCommitCDCGeneration mints and commits a new CDC generation, shared by the per-node
// join/replace path and the new_cdc_generation global request: mint a data UUID if none is in flight (returns
// done=false, so the caller waits for the next driveStep call), otherwise commit it as the new
// generation and report done=true so the caller can advance past this phase.
func (c *Coordinator) mintOrCommitCDCGeneration(ctx context.Context, snap *topology.Topology) (bool, error) {
	if snap.NewCDCGenerationDataUUID == "" {
		return false, c.proposeEntry(ctx, topology.LogEntry{
			Kind:                        topology.EntrySetNewCDCGenerationDataUUID,
			SetNewCDCGenerationDataUUID: &topology.SetNewCDCGenerationDataUUIDPayload{UUID: uuid.NewV4().String()},
		})
	}
	genID := topology.CDCGenerationID{Timestamp: time.Now().UnixNano(), UUID: snap.NewCDCGenerationDataUUID}
	err := c.proposeEntry(ctx, topology.LogEntry{Kind: topology.EntryCommitCDCGeneration, CommitCDCGeneration: &topology.CommitCDCGenerationPayload{ID: genID}})
	return err == nil, err
}

// publishCurrentCDCGeneration drops snap.CurrentCDCGenerationID from UnpublishedCDCGenerations.
// The caller is responsible for only calling this once every node is known to have already
// observed the generation (via a preceding barrier), so it is a no-op rather than an error if
// there is nothing unpublished: driveGlobalRequest's new_cdc_generation branch and
// driveNodeTransition's tablet_draining branch both fall through here even when no generation was
// just committed on this particular pass.
func (c *Coordinator) publishCurrentCDCGeneration(ctx context.Context, snap *topology.Topology) error {
	if snap.CurrentCDCGenerationID == nil || len(snap.UnpublishedCDCGenerations) == 0 {
		return nil
	}
	return c.proposeEntry(ctx, topology.LogEntry{
		Kind:                  topology.EntryPublishCDCGenerations,
		PublishCDCGenerations: &topology.PublishCDCGenerationsPayload{UpTo: *snap.CurrentCDCGenerationID},
	})
}

func (c *Coordinator) driveWriteBothReadOld(ctx context.Context, snap *topology.Topology, id topology.NodeID, rs *topology.ReplicaState) error {
	if err := c.barrierAll(ctx, snap, snap.Version, false); err != nil {
		return err
	}
	switch rs.State {
	case topology.NodeStateBootstrapping, topology.NodeStateReplacing:
		if err := c.streamInNewNode(ctx, snap, id, rs); err != nil {
			return err
		}
	case topology.NodeStateDecommissioning, topology.NodeStateRemoving:
		if err := c.streamOffLeavingNode(ctx, snap, id, rs); err != nil {
			if isUnrecoverable(err) {
				return c.rollbackToNormal(ctx, id, rs)
			}
			return err
		}
	default:
		return errors.NewFatalError("unexpected node state in write_both_read_old")
	}
	return c.proposeEntry(ctx, advanceTo(topology.WriteBothReadNew))
}

// isUnrecoverable reports whether err is the kind of failure that cannot be fixed by simply
// retrying driveStep: specifically a failed stream, which (unlike a barrier timeout, already
// covered by withRetry's own retry loop) means a successor is permanently unreachable rather than
// merely slow.
func isUnrecoverable(err error) bool {
	var pe errors.PranaError
	return errors.As(err, &pe) && pe.Code == errors.StreamFailed
}

// rollbackToNormal abandons a leave/decommission/remove that failed to stream its ranges off to
// successors, putting the node straight back to normal with the ring slice it never stopped
// owning. This is the only place NodeStateRollbackToNormal is ever set: it exists purely to make
// the abandonment visible in TransitionNodes for the moment it takes to commit the two entries
// below, rather than jumping the node from decommissioning/removing straight back to normal_nodes
// with no record a rollback happened at all.
func (c *Coordinator) rollbackToNormal(ctx context.Context, id topology.NodeID, rs *topology.ReplicaState) error {
	requestID := rs.RequestID
	snap := c.applier.Snapshot()
	kind := snap.Requests[id]
	rolledBack := errors.NewRolledBackError(string(id))
	if err := c.proposeEntry(ctx, topology.LogEntry{Kind: topology.EntryMoveToTransition, MoveToTransition: &topology.MoveToTransitionPayload{ID: id, NewState: topology.NodeStateRollbackToNormal}}); err != nil {
		return err
	}
	if err := c.proposeEntry(ctx, topology.LogEntry{Kind: topology.EntryPromoteToNormal, PromoteToNormal: &topology.PromoteToNormalPayload{ID: id, Ring: rs.Ring}}); err != nil {
		return err
	}
	if err := c.proposeEntry(ctx, clearTransition()); err != nil {
		return err
	}
	c.recordRequestOutcome(requestID, id, kind, rolledBack)
	return rolledBack
}

func (c *Coordinator) driveWriteBothReadNew(ctx context.Context, snap *topology.Topology, id topology.NodeID, rs *topology.ReplicaState) error {
	if err := c.proposeEntry(ctx, topology.LogEntry{Kind: topology.EntryBumpFenceVersion}); err != nil {
		return err
	}
	post := c.applier.Snapshot()
	if err := c.barrierAll(ctx, post, post.Version, false); err != nil {
		return err
	}
	switch rs.State {
	case topology.NodeStateBootstrapping, topology.NodeStateReplacing:
		return c.finishNodeTransition(ctx, post, id, rs)
	case topology.NodeStateDecommissioning, topology.NodeStateRemoving:
		return c.proposeEntry(ctx, advanceTo(topology.LeftTokenRing))
	default:
		return errors.NewFatalError("unexpected node state in write_both_read_new")
	}
}

// finishNodeTransition promotes a joining/replacing node to normal with its assigned ring slice,
// clearing the transition. A join's tokens are recomputed deterministically from the node id so a
// coordinator that crashed and was re-elected assigns the exact same ring slice it already
// streamed, rather than persisting a separate "assigned tokens" field. A replace instead takes
// over the replaced node's existing RingSlice outright and tombstones the replaced node, so
// ownership moves atomically from the dead node to its replacement rather than landing on a
// second, disjoint slice while the dead node stays stuck in normal_nodes forever.
func (c *Coordinator) finishNodeTransition(ctx context.Context, snap *topology.Topology, id topology.NodeID, rs *topology.ReplicaState) error {
	param, _ := snap.GetRequestParam(id)
	var ring *topology.RingSlice
	if param.Replace != nil {
		replaced, ok := snap.NormalNodes[param.Replace.ReplacedID]
		if !ok || replaced.Ring == nil {
			return errors.NewFatalError("replace: replaced node has no ring slice to take over")
		}
		ring = replaced.Ring
	} else {
		numTokens := defaultNumTokens
		if param.Join != nil {
			numTokens = int(param.Join.NumTokens)
		}
		ring = topology.NewRingSlice(assignTokens(id, snap.NormalNodes, numTokens)...)
	}
	requestID := rs.RequestID
	kind := snap.Requests[id]
	if err := c.proposeEntry(ctx, topology.LogEntry{Kind: topology.EntryPromoteToNormal, PromoteToNormal: &topology.PromoteToNormalPayload{ID: id, Ring: ring}}); err != nil {
		return err
	}
	if param.Replace != nil {
		if err := c.proposeEntry(ctx, topology.LogEntry{Kind: topology.EntryDeleteNode, DeleteNode: &topology.DeleteNodePayload{ID: param.Replace.ReplacedID}}); err != nil {
			return err
		}
	}
	if err := c.proposeEntry(ctx, clearTransition()); err != nil {
		return err
	}
	c.recordRequestOutcome(requestID, id, kind, nil)
	return nil
}

// finishLeave removes the departing node from consensus membership (see the JoinGroup0 case
// comment: membership changes are delegated to the operator driving the raft group) and
// tombstones it, clearing the transition and its request.
func (c *Coordinator) finishLeave(ctx context.Context, snap *topology.Topology, id topology.NodeID) error {
	rs, _ := snap.Find(id)
	var requestID string
	if rs != nil {
		requestID = rs.RequestID
	}
	kind := snap.Requests[id]
	if err := c.proposeEntry(ctx, topology.LogEntry{Kind: topology.EntryDeleteNode, DeleteNode: &topology.DeleteNodePayload{ID: id}}); err != nil {
		return err
	}
	if err := c.proposeEntry(ctx, clearTransition()); err != nil {
		return err
	}
	c.recordRequestOutcome(requestID, id, kind, nil)
	return nil
}

// driveRebuild streams a rebuilding node's existing ranges back in from the rest of the ring and
// promotes it straight back to normal; no fence_version bump and no tstate are needed since
// ownership of the ring does not change.
func (c *Coordinator) driveRebuild(ctx context.Context, snap *topology.Topology, id topology.NodeID, rs *topology.ReplicaState) error {
	ranges := rangesForNewTokens(snap.NormalNodes, rs.Ring.Tokens())
	sessionID := snap.SessionID
	if err := c.streamer.Stream(ctx, ranges, id, sessionID); err != nil {
		return errors.NewStreamFailedError(string(id), err.Error())
	}
	requestID := rs.RequestID
	kind := snap.Requests[id]
	if err := c.proposeEntry(ctx, topology.LogEntry{Kind: topology.EntryPromoteToNormal, PromoteToNormal: &topology.PromoteToNormalPayload{ID: id, Ring: rs.Ring}}); err != nil {
		return err
	}
	c.recordRequestOutcome(requestID, id, kind, nil)
	return nil
}

// recordRequestOutcome writes a topology_requests row for the request that just reached a
// terminal outcome, if a recorder was configured and the request carried an id (older snapshots
// restored before this field existed leave it empty; there is nothing to correlate for those).
// Logged rather than returned on failure: a dropped audit row must never block the state machine
// from advancing past a request that has already committed its real outcome to the topology log.
func (c *Coordinator) recordRequestOutcome(requestID string, id topology.NodeID, kind topology.RequestKind, outcome error) {
	if c.requests == nil || requestID == "" {
		return
	}
	rec := topology.RequestRecord{RequestID: requestID, NodeID: id, Kind: kind, Done: true}
	if outcome != nil {
		rec.Error = outcome.Error()
	}
	if err := c.requests.SaveTopologyRequestRow(requestID, topology.EncodeRequestRecord(rec)); err != nil {
		c.logger.Sugar().Warnf("coordinator: failed to record outcome for request %s: %+v", requestID, err)
	}
}

const defaultNumTokens = 256

func (c *Coordinator) streamInNewNode(ctx context.Context, snap *topology.Topology, id topology.NodeID, rs *topology.ReplicaState) error {
	tokens, err := targetTokensFor(snap, id)
	if err != nil {
		return err
	}
	ranges := rangesForNewTokens(snap.NormalNodes, tokens)
	if err := c.streamer.Stream(ctx, ranges, id, snap.SessionID); err != nil {
		return errors.NewStreamFailedError(string(id), err.Error())
	}
	return nil
}

// targetTokensFor returns the token set id will own once it reaches normal. A replace takes over
// the replaced node's existing ring slice verbatim, so the new node inherits exactly the ranges
// the dead node owned rather than a disjoint, freshly-hashed slice; a join is assigned a fresh
// slice, sized by the request's num_tokens if given.
func targetTokensFor(snap *topology.Topology, id topology.NodeID) ([]uint64, error) {
	param, _ := snap.GetRequestParam(id)
	if param.Replace != nil {
		replaced, ok := snap.NormalNodes[param.Replace.ReplacedID]
		if !ok || replaced.Ring == nil {
			return nil, errors.NewFatalError("replace: replaced node has no ring slice to take over")
		}
		return replaced.Ring.Tokens(), nil
	}
	numTokens := defaultNumTokens
	if param.Join != nil {
		numTokens = int(param.Join.NumTokens)
	}
	return assignTokens(id, snap.NormalNodes, numTokens), nil
}

func (c *Coordinator) streamOffLeavingNode(ctx context.Context, snap *topology.Topology, id topology.NodeID, rs *topology.ReplicaState) error {
	bySuccessor := rangesBySuccessor(snap.NormalNodes, rs)
	for target, ranges := range bySuccessor {
		if err := c.streamer.Stream(ctx, ranges, target, snap.SessionID); err != nil {
			return errors.NewStreamFailedError(string(target), err.Error())
		}
	}
	return nil
}

// driveGlobalRequest advances a cluster-wide request by one step. submitGlobalRequest already
// committed the kickoff TState atomically with GlobalRequest itself (and, for cleanup, marked
// every normal node cleanup_needed in that same entry), so there is no separate kickoff call here
// to dispatch to. new_cdc_generation reuses the per-node commit_cdc_generation machinery with no
// node target: mint/commit the generation, then clear the global request. cleanup cycles each
// normal node's cleanup_status needed -> running -> clean; the actual compaction work that status
// represents belongs to the storage data plane, outside this package, so only the status itself is
// tracked and retired.
func (c *Coordinator) driveGlobalRequest(ctx context.Context, snap *topology.Topology, kind topology.GlobalRequestKind) error {
	switch kind {
	case topology.GlobalRequestNewCDCGeneration:
		if snap.TState != nil && *snap.TState == topology.CommitCDCGeneration {
			done, err := c.mintOrCommitCDCGeneration(ctx, snap)
			if err != nil || !done {
				return err
			}
			// Barrier every normal node past the generation just committed before publishing it,
			// so a node cannot be told to stop tracking a generation it has not yet observed.
			post := c.applier.Snapshot()
			if err := c.barrierAll(ctx, post, post.Version, false); err != nil {
				return err
			}
			if err := c.publishCurrentCDCGeneration(ctx, post); err != nil {
				return err
			}
		}
		// EntryClearGlobalRequest commits before clearTransition() so a crash between the two
		// leaves GlobalRequest already nil: the next driveStep falls through driveGlobalRequest
		// entirely instead of re-entering commit_cdc_generation and re-minting a generation that
		// already finished. The stale non-nil TState left behind is inert - nothing dispatches on
		// it once GlobalRequest is nil - and is overwritten wholesale by the next request's own
		// atomic kickoff commit.
		if err := c.proposeEntry(ctx, topology.LogEntry{Kind: topology.EntryClearGlobalRequest}); err != nil {
			return err
		}
		return c.proposeEntry(ctx, clearTransition())
	case topology.GlobalRequestCleanup:
		return c.driveCleanup(ctx, snap)
	default:
		return errors.NewFatalError("unknown global request kind")
	}
}

// driveCleanup is only reached once submitGlobalRequest's atomic kickoff has already marked every
// normal node cleanup_needed, so an all-clean snapshot here always means the cycle has finished,
// never that it hasn't started.
func (c *Coordinator) driveCleanup(ctx context.Context, snap *topology.Topology) error {
	for id, rs := range snap.NormalNodes {
		if rs.Cleanup == topology.CleanupNeeded {
			return c.proposeEntry(ctx, topology.LogEntry{Kind: topology.EntrySetCleanupStatus, SetCleanupStatus: &topology.SetCleanupStatusPayload{ID: id, Status: topology.CleanupRunning}})
		}
	}
	for id, rs := range snap.NormalNodes {
		if rs.Cleanup == topology.CleanupRunning {
			return c.proposeEntry(ctx, topology.LogEntry{Kind: topology.EntrySetCleanupStatus, SetCleanupStatus: &topology.SetCleanupStatusPayload{ID: id, Status: topology.CleanupClean}})
		}
	}
	// Same ordering reasoning as driveGlobalRequest's new_cdc_generation finish: clear the request
	// before the transition state so a crash in between cannot resurrect a finished cleanup cycle.
	if err := c.proposeEntry(ctx, topology.LogEntry{Kind: topology.EntryClearGlobalRequest}); err != nil {
		return err
	}
	return c.proposeEntry(ctx, clearTransition())
}
