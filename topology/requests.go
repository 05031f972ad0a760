package topology

import "sort"

// SelectedRequest is the next pending request chosen by SelectNext, in priority order.
type SelectedRequest struct {
	// NodeID and Kind are set when a per-node request was selected.
	NodeID NodeID
	Kind   RequestKind
	// Global is set when no per-node request was pending and a global request was selected
	// instead.
	Global *GlobalRequestKind
}

// SelectNext picks the next pending request the coordinator should start driving, following the
// fixed priority order replace > join > remove > leave > rebuild, falling back to a global
// request if no per-node request is pending. Ties among nodes at the same priority are broken by
// node id order. Returns ok=false if nothing is pending.
func SelectNext(t *Topology) (SelectedRequest, bool) {
	for _, kind := range requestPriority {
		var candidates []NodeID
		for id, k := range t.Requests {
			if k == kind {
				candidates = append(candidates, id)
			}
		}
		if len(candidates) == 0 {
			continue
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })
		return SelectedRequest{NodeID: candidates[0], Kind: kind}, true
	}
	if t.GlobalRequest != nil {
		g := *t.GlobalRequest
		return SelectedRequest{Global: &g}, true
	}
	return SelectedRequest{}, false
}
