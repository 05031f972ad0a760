package topology

// Find returns the replica record for id if it is in any non-left collection.
func (t *Topology) Find(id NodeID) (*ReplicaState, bool) {
	if rs, ok := t.NormalNodes[id]; ok {
		return rs, true
	}
	if rs, ok := t.TransitionNodes[id]; ok {
		return rs, true
	}
	if rs, ok := t.NewNodes[id]; ok {
		return rs, true
	}
	return nil, false
}

// Contains reports whether id appears anywhere, including LeftNodes.
func (t *Topology) Contains(id NodeID) bool {
	if _, ok := t.NormalNodes[id]; ok {
		return true
	}
	if _, ok := t.TransitionNodes[id]; ok {
		return true
	}
	if _, ok := t.NewNodes[id]; ok {
		return true
	}
	_, ok := t.LeftNodes[id]
	return ok
}

// Size returns the number of non-left nodes.
func (t *Topology) Size() int {
	return len(t.NormalNodes) + len(t.TransitionNodes) + len(t.NewNodes)
}

// IsEmpty reports whether there are any non-left nodes.
func (t *Topology) IsEmpty() bool {
	return t.Size() == 0
}

// IsBusy reports whether the coordinator must refuse to begin a new operation: a transition
// state is in progress, a node is mid-operation, or a global request is pending.
func (t *Topology) IsBusy() bool {
	return t.TState != nil || len(t.TransitionNodes) > 0 || t.GlobalRequest != nil
}

// GetRequestParam returns the request parameter bundle for id, if any.
func (t *Topology) GetRequestParam(id NodeID) (RequestParam, bool) {
	rp, ok := t.ReqParam[id]
	return rp, ok
}

// parseReplacedNode extracts the replaced node id from a replace request's parameters, if rp is
// a replace parameter bundle.
func parseReplacedNode(rp RequestParam, ok bool) (NodeID, bool) {
	if !ok || rp.Replace == nil {
		return "", false
	}
	return rp.Replace.ReplacedID, true
}

// parseIgnoreNodes extracts the ignored-node set from a remove or replace request's parameters.
func parseIgnoreNodes(rp RequestParam, ok bool) map[NodeID]struct{} {
	if !ok {
		return nil
	}
	if rp.Remove != nil {
		return rp.Remove.IgnoredIDs
	}
	if rp.Replace != nil {
		return rp.Replace.IgnoredIDs
	}
	return nil
}

// excludedNodesFor computes the excluded-node set that a barrier targeting id must not wait for,
// given id's pending request kind (if any) and parameter bundle.
func excludedNodesFor(id NodeID, req RequestKind, hasReq bool, rp RequestParam, hasParam bool) map[NodeID]struct{} {
	result := make(map[NodeID]struct{})
	for ignored := range parseIgnoreNodes(rp, hasParam) {
		result[ignored] = struct{}{}
	}
	if replaced, ok := parseReplacedNode(rp, hasParam); ok {
		result[replaced] = struct{}{}
	}
	if hasReq && req == RequestRemove {
		result[id] = struct{}{}
	}
	return result
}

// ExcludedNodes returns the set of nodes a barrier must not wait for: nodes being removed, the
// node being replaced, and any id explicitly declared in a request's ignored-node set.
func (t *Topology) ExcludedNodes() map[NodeID]struct{} {
	result := make(map[NodeID]struct{})
	for id, rs := range t.TransitionNodes {
		req, hasReq := t.Requests[id]
		rp, hasParam := t.ReqParam[id]
		if rs.State == NodeStateRemoving {
			result[id] = struct{}{}
		}
		for excluded := range excludedNodesFor(id, req, hasReq, rp, hasParam) {
			result[excluded] = struct{}{}
		}
	}
	return result
}

// calculateNotYetEnabledFeatures intersects the given per-node supported-feature sets and
// subtracts the already-enabled set, matching the free function of the same name in the source:
// the result is the intersection of every node's supported features, minus what is enabled
// already. An empty node list yields an empty result.
func calculateNotYetEnabledFeatures(enabled map[string]struct{}, supportedPerNode []map[string]struct{}) map[string]struct{} {
	toEnable := make(map[string]struct{})
	first := true
	for _, supported := range supportedPerNode {
		if !first && len(toEnable) == 0 {
			break
		}
		if first {
			for f := range supported {
				if _, isEnabled := enabled[f]; !isEnabled {
					toEnable[f] = struct{}{}
				}
			}
			first = false
			continue
		}
		for f := range toEnable {
			if _, stillSupported := supported[f]; !stillSupported {
				delete(toEnable, f)
			}
		}
	}
	return toEnable
}

// NotYetEnabledFeatures returns the features supported by every normal node but not yet part of
// EnabledFeatures.
func (t *Topology) NotYetEnabledFeatures() map[string]struct{} {
	supported := make([]map[string]struct{}, 0, len(t.NormalNodes))
	for _, rs := range t.NormalNodes {
		supported = append(supported, rs.SupportedFeatures)
	}
	return calculateNotYetEnabledFeatures(t.EnabledFeatures, supported)
}
