package topology

import (
	"sync"
	"time"

	"github.com/squareup/topologycoord/errors"
)

// Applier deterministically applies committed consensus entries to a Topology. It is the only
// component allowed to mutate a Topology; every other component only reads Snapshot()'d copies.
// Apply is pure in the sense that, given the same starting Topology and the same entry, it always
// produces the same resulting Topology or the same fatal error - it performs no I/O of its own.
type Applier struct {
	mu    sync.Mutex
	cond  *sync.Cond
	topo  *Topology

	// subscribers are called, in order, with a fresh snapshot of the Topology after every
	// successful Apply or Restore, outside the lock. The local fencing.Registry and readiness
	// tracking both subscribe through this so neither ever falls behind the Applier's own live
	// Topology.
	subscribers []func(*Topology)
}

// NewApplier wraps initial, which becomes the Applier's live, mutable Topology.
func NewApplier(initial *Topology) *Applier {
	a := &Applier{topo: initial}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// Subscribe registers f to be called with a snapshot of the Topology after every successful
// Apply or Restore. Call before the Applier starts taking writes; subscribers are not removable.
func (a *Applier) Subscribe(f func(*Topology)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscribers = append(a.subscribers, f)
}

// Snapshot returns a point-in-time copy of the top-level Topology collections. Each ReplicaState
// is copied by value; the Ring and SupportedFeatures it holds are shared, since the Applier only
// ever replaces them and never mutates them in place.
func (a *Applier) Snapshot() *Topology {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneTopology(a.topo)
}

func cloneTopology(t *Topology) *Topology {
	c := *t
	c.NormalNodes = copyReplicaMap(t.NormalNodes)
	c.NewNodes = copyReplicaMap(t.NewNodes)
	c.TransitionNodes = copyReplicaMap(t.TransitionNodes)
	c.LeftNodes = make(map[NodeID]struct{}, len(t.LeftNodes))
	for id := range t.LeftNodes {
		c.LeftNodes[id] = struct{}{}
	}
	c.Requests = make(map[NodeID]RequestKind, len(t.Requests))
	for id, k := range t.Requests {
		c.Requests[id] = k
	}
	c.ReqParam = make(map[NodeID]RequestParam, len(t.ReqParam))
	for id, p := range t.ReqParam {
		c.ReqParam[id] = p
	}
	c.EnabledFeatures = make(map[string]struct{}, len(t.EnabledFeatures))
	for f := range t.EnabledFeatures {
		c.EnabledFeatures[f] = struct{}{}
	}
	c.UnpublishedCDCGenerations = append([]CDCGenerationID(nil), t.UnpublishedCDCGenerations...)
	if t.TState != nil {
		s := *t.TState
		c.TState = &s
	}
	if t.GlobalRequest != nil {
		g := *t.GlobalRequest
		c.GlobalRequest = &g
	}
	return &c
}

func copyReplicaMap(m map[NodeID]*ReplicaState) map[NodeID]*ReplicaState {
	out := make(map[NodeID]*ReplicaState, len(m))
	for id, rs := range m {
		c := *rs
		out[id] = &c
	}
	return out
}

// Restore replaces the Applier's live Topology wholesale, used when installing a snapshot
// received from the leader (first boot, or after falling too far behind the log).
func (a *Applier) Restore(snapshot *Topology) {
	a.mu.Lock()
	a.topo = snapshot
	a.cond.Broadcast()
	subs := a.subscribers
	notified := cloneTopology(snapshot)
	a.mu.Unlock()
	for _, f := range subs {
		f(notified)
	}
}

// WaitForVersion blocks until the Applier's live Topology has reached at least version, or
// timeout elapses. It returns the observed version and whether it reached the target.
func (a *Applier) WaitForVersion(version uint64, timeout time.Duration) (uint64, bool) {
	deadline := time.Now().Add(timeout)
	a.mu.Lock()
	defer a.mu.Unlock()
	for a.topo.Version < version {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return a.topo.Version, false
		}
		a.waitWithTimeout(remaining)
	}
	return a.topo.Version, true
}

// waitWithTimeout wakes the Cond.Wait after remaining elapses even if nothing else signals,
// since sync.Cond has no native timeout support.
func (a *Applier) waitWithTimeout(remaining time.Duration) {
	timer := time.AfterFunc(remaining, func() {
		a.mu.Lock()
		a.cond.Broadcast()
		a.mu.Unlock()
	})
	a.cond.Wait()
	timer.Stop()
}

// Apply applies a single committed log entry, mutating the live Topology and signalling every
// waiter on success. An entry that would violate a Topology invariant is a fatal programming
// bug: Apply returns a Fatal error and leaves the Topology in its pre-apply state, since the
// mutating switch below only commits the mutation after validate() passes. The consensus layer
// must never deliver unordered entries; there is no recovery path for a fatal error other than
// process abort by the caller.
func (a *Applier) Apply(entry LogEntry) (*Topology, error) {
	a.mu.Lock()

	next := cloneTopology(a.topo)
	if err := applyMutation(next, entry); err != nil {
		a.mu.Unlock()
		return nil, err
	}
	next.Version++
	if err := validate(next); err != nil {
		a.mu.Unlock()
		return nil, err
	}

	a.topo = next
	a.cond.Broadcast()
	subs := a.subscribers
	notified := cloneTopology(next)
	a.mu.Unlock()
	for _, f := range subs {
		f(notified)
	}
	return cloneTopology(next), nil
}

func applyMutation(t *Topology, entry LogEntry) error { //nolint:gocyclo
	switch entry.Kind {
	case EntryAddNode:
		p := entry.AddNode
		if t.Contains(p.ID) {
			return errors.NewFatalError("add_node: node already known")
		}
		t.NewNodes[p.ID] = &ReplicaState{
			State:             NodeStateNone,
			Datacenter:        p.Datacenter,
			Rack:              p.Rack,
			ReleaseVersion:    p.ReleaseVersion,
			ShardCount:        p.ShardCount,
			IgnoreMSB:         p.IgnoreMSB,
			SupportedFeatures: p.SupportedFeatures,
		}
	case EntrySetRequest:
		p := entry.SetRequest
		rs, ok := t.Find(p.ID)
		if !ok {
			return errors.NewFatalError("set_request: unknown node")
		}
		if p.Param.Kind != p.Kind {
			return errors.NewFatalError("set_request: param kind mismatch")
		}
		t.Requests[p.ID] = p.Kind
		t.ReqParam[p.ID] = p.Param
		rs.RequestID = p.RequestID
	case EntryClearRequest:
		p := entry.ClearRequest
		delete(t.Requests, p.ID)
		delete(t.ReqParam, p.ID)
	case EntrySetGlobalRequest:
		if t.GlobalRequest != nil {
			return errors.NewFatalError("set_global_request: a global request is already pending")
		}
		p := entry.SetGlobalRequest
		k := p.Kind
		t.GlobalRequest = &k
		ts := p.NewTState
		t.TState = &ts
		if k == GlobalRequestCleanup {
			for _, rs := range t.NormalNodes {
				rs.Cleanup = CleanupNeeded
			}
		}
	case EntryClearGlobalRequest:
		t.GlobalRequest = nil
	case EntryAdvanceTransition:
		t.TState = entry.AdvanceTransition.State
	case EntryPromoteToNormal:
		p := entry.PromoteToNormal
		rs, ok := removeFromCollections(t, p.ID)
		if !ok {
			return errors.NewFatalError("promote_to_normal: unknown node")
		}
		rs.State = NodeStateNormal
		rs.Ring = p.Ring
		t.NormalNodes[p.ID] = rs
		delete(t.Requests, p.ID)
		delete(t.ReqParam, p.ID)
	case EntryMoveToTransition:
		p := entry.MoveToTransition
		rs, ok := removeFromCollections(t, p.ID)
		if !ok {
			return errors.NewFatalError("move_to_transition: unknown node")
		}
		rs.State = p.NewState
		t.TransitionNodes[p.ID] = rs
		if p.NewTState != nil {
			t.TState = p.NewTState
		}
	case EntrySetNewCDCGenerationDataUUID:
		t.NewCDCGenerationDataUUID = entry.SetNewCDCGenerationDataUUID.UUID
	case EntryCommitCDCGeneration:
		p := entry.CommitCDCGeneration
		if t.NewCDCGenerationDataUUID == "" {
			return errors.NewFatalError("commit_cdc_generation: no in-flight generation data uuid")
		}
		id := p.ID
		t.CurrentCDCGenerationID = &id
		t.UnpublishedCDCGenerations = append(t.UnpublishedCDCGenerations, p.ID)
		t.NewCDCGenerationDataUUID = ""
	case EntryPublishCDCGenerations:
		upTo := entry.PublishCDCGenerations.UpTo
		remaining := t.UnpublishedCDCGenerations[:0]
		published := true
		for _, g := range t.UnpublishedCDCGenerations {
			if published {
				if g == upTo {
					published = false
				}
				continue
			}
			remaining = append(remaining, g)
		}
		t.UnpublishedCDCGenerations = remaining
	case EntrySetEnabledFeatures:
		t.EnabledFeatures = entry.SetEnabledFeatures.Features
	case EntrySetSessionID:
		t.SessionID = entry.SetSessionID.SessionID
	case EntryDeleteNode:
		p := entry.DeleteNode
		if _, ok := removeFromCollections(t, p.ID); !ok {
			return errors.NewFatalError("delete_node: unknown node")
		}
		t.LeftNodes[p.ID] = struct{}{}
		delete(t.Requests, p.ID)
		delete(t.ReqParam, p.ID)
	case EntryBumpFenceVersion:
		t.FenceVersion = t.Version + 1 // +1: this entry's own version bump has not applied yet
	case EntrySetCleanupStatus:
		p := entry.SetCleanupStatus
		rs, ok := t.Find(p.ID)
		if !ok {
			return errors.NewFatalError("set_cleanup_status: unknown node")
		}
		rs.Cleanup = p.Status
	case EntrySetTabletBalancingEnabled:
		t.TabletBalancingEnabled = entry.SetTabletBalancingEnabled.Enabled
	default:
		return errors.NewFatalError("unknown log entry kind")
	}
	return nil
}

// removeFromCollections deletes id from whichever of NewNodes/TransitionNodes/NormalNodes holds
// it and returns its ReplicaState.
func removeFromCollections(t *Topology, id NodeID) (*ReplicaState, bool) {
	if rs, ok := t.NewNodes[id]; ok {
		delete(t.NewNodes, id)
		return rs, true
	}
	if rs, ok := t.TransitionNodes[id]; ok {
		delete(t.TransitionNodes, id)
		return rs, true
	}
	if rs, ok := t.NormalNodes[id]; ok {
		delete(t.NormalNodes, id)
		return rs, true
	}
	return nil, false
}

// validate checks every structural invariant that must hold after a committed entry is applied.
func validate(t *Topology) error { //nolint:gocyclo
	seen := make(map[NodeID]struct{})
	for _, coll := range []map[NodeID]*ReplicaState{t.NormalNodes, t.NewNodes, t.TransitionNodes} {
		for id := range coll {
			if _, dup := seen[id]; dup {
				return errors.NewFatalError("node id present in more than one collection")
			}
			seen[id] = struct{}{}
		}
	}
	for id := range t.LeftNodes {
		if _, dup := seen[id]; dup {
			return errors.NewFatalError("node id present in left_nodes and a non-left collection")
		}
	}

	if t.TState != nil && *t.TState == CommitCDCGeneration && t.NewCDCGenerationDataUUID == "" {
		return errors.NewFatalError("commit_cdc_generation transition requires an in-flight generation data uuid")
	}

	if len(t.NormalNodes) > 0 {
		for f := range t.EnabledFeatures {
			if !allSupport(t.NormalNodes, f) {
				return errors.NewFatalError("enabled feature not supported by every normal node")
			}
		}
	}

	if t.FenceVersion > t.Version {
		return errors.NewFatalError("fence_version must not exceed version")
	}

	for id, rs := range t.NormalNodes {
		if rs.Ring == nil {
			return errors.NewFatalError("normal node missing ring slice: " + string(id))
		}
	}

	for id, kind := range t.Requests {
		rp, ok := t.ReqParam[id]
		if !ok || rp.Kind != kind {
			return errors.NewFatalError("request without matching req_param: " + string(id))
		}
	}

	if t.TState == nil && needsTState(t) {
		return errors.NewFatalError("transition in progress without a transition state")
	}

	return nil
}

// needsTState reports whether some operation in progress requires a non-nil TState to drive it.
// Rebuild is excluded deliberately: it moves a node into TransitionNodes but never sets or reads
// a transition state of its own. A global request always needs one (set atomically with
// GlobalRequest by EntrySetGlobalRequest), but only while it is still pending - once
// EntryClearGlobalRequest lands, a stale non-nil TState left over from a not-yet-committed
// clearTransition() is a harmless leftover, not a violation, so this only checks the direction
// that actually indicates lost state: busy with nothing driving it.
func needsTState(t *Topology) bool {
	for _, rs := range t.TransitionNodes {
		if rs.State != NodeStateRebuilding {
			return true
		}
	}
	return t.GlobalRequest != nil
}

func allSupport(nodes map[NodeID]*ReplicaState, feature string) bool {
	for _, rs := range nodes {
		if _, ok := rs.SupportedFeatures[feature]; !ok {
			return false
		}
	}
	return true
}
