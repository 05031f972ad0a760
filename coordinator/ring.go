package coordinator

import (
	"hash/fnv"
	"sort"

	"github.com/squareup/topologycoord/topology"
)

// ringEntry pairs an owned token with the node that owns it, used to compute range boundaries
// across the whole cluster rather than one node's RingSlice in isolation.
type ringEntry struct {
	token uint64
	owner topology.NodeID
}

// flattenRing returns every token owned by a normal node, sorted ascending, tagged with its
// owner. Streaming decisions (which ranges move where) are a coordinator-level concern, not part
// of the replicated Topology model itself, so this lives here rather than in topology/ring.go.
func flattenRing(normal map[topology.NodeID]*topology.ReplicaState) []ringEntry {
	var entries []ringEntry
	for id, rs := range normal {
		if rs.Ring == nil {
			continue
		}
		for _, t := range rs.Ring.Tokens() {
			entries = append(entries, ringEntry{token: t, owner: id})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].token < entries[j].token })
	return entries
}

// assignTokens deterministically derives numTokens tokens for id from a hash of its node id and
// an index, avoiding collisions with already-owned tokens by linear probing. Determinism (rather
// than true randomness) matters here: the coordinator holds no durable state of its own, so a
// re-elected coordinator must recompute the exact same ring slice it already streamed data for,
// not a new one. Real ring assignment (load-aware, rack/DC-aware) belongs to a tablet or
// partitioner subsystem outside this package; this is the simplest assignment that is both
// structurally valid and reproducible.
func assignTokens(id topology.NodeID, normal map[topology.NodeID]*topology.ReplicaState, numTokens int) []uint64 {
	existing := make(map[uint64]struct{})
	for _, rs := range normal {
		if rs.Ring == nil {
			continue
		}
		for _, t := range rs.Ring.Tokens() {
			existing[t] = struct{}{}
		}
	}
	out := make([]uint64, 0, numTokens)
	for i := 0; len(out) < numTokens; i++ {
		h := fnv.New64a()
		_, _ = h.Write([]byte(id))
		_, _ = h.Write([]byte{byte(i), byte(i >> 8), byte(i >> 16)})
		t := h.Sum64()
		for {
			if _, dup := existing[t]; !dup {
				break
			}
			t++
		}
		existing[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// rangesForNewTokens computes the half-open (predecessor, token] range each of newTokens takes
// over from whichever existing node currently owns that slice of the ring. An empty ring (first
// node to join) yields one range per token covering the whole key space, (token, token].
func rangesForNewTokens(normal map[topology.NodeID]*topology.ReplicaState, newTokens []uint64) []topology.TokenRange {
	entries := flattenRing(normal)
	ranges := make([]topology.TokenRange, 0, len(newTokens))
	for _, t := range newTokens {
		pred := predecessorOf(entries, t)
		ranges = append(ranges, topology.TokenRange{Start: pred, End: t})
	}
	return ranges
}

// predecessorOf returns the largest token in entries strictly less than t, wrapping to the
// largest token overall if none is smaller (the ring wraps at the maximum uint64).
func predecessorOf(entries []ringEntry, t uint64) uint64 {
	if len(entries) == 0 {
		return t
	}
	var pred uint64
	found := false
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].token < t {
			pred = entries[i].token
			found = true
			break
		}
	}
	if found {
		return pred
	}
	return entries[len(entries)-1].token
}

// successorOwner returns the node that owns the smallest token in entries strictly greater than
// t, wrapping to the smallest token overall. The node being evicted from the ring is not
// considered only because the caller has already filtered its entries out.
func successorOwner(entries []ringEntry, t uint64) (topology.NodeID, bool) {
	if len(entries) == 0 {
		return "", false
	}
	for _, e := range entries {
		if e.token > t {
			return e.owner, true
		}
	}
	return entries[0].owner, true
}

// rangesBySuccessor computes, for a node leaving the ring, the set of ranges each remaining
// normal node inherits. Every token the leaving node owned becomes a range (predecessor, token]
// handed to whichever remaining node now owns the next token clockwise.
func rangesBySuccessor(normal map[topology.NodeID]*topology.ReplicaState, leaving *topology.ReplicaState) map[topology.NodeID][]topology.TokenRange {
	remaining := make(map[topology.NodeID]*topology.ReplicaState, len(normal))
	for id, rs := range normal {
		remaining[id] = rs
	}
	entries := flattenRing(remaining)

	result := make(map[topology.NodeID][]topology.TokenRange)
	if leaving.Ring == nil {
		return result
	}
	for _, t := range leaving.Ring.Tokens() {
		owner, ok := successorOwner(entries, t)
		if !ok {
			continue
		}
		pred := predecessorOf(entries, t)
		result[owner] = append(result[owner], topology.TokenRange{Start: pred, End: t})
	}
	return result
}
