// Package topology holds the replicated cluster topology: which nodes exist, what role each
// plays in the ring, what token ranges they own, and which cluster-wide reconfiguration, if any,
// is currently in progress. Everything in this file is pure data; mutation only happens through
// the Applier (see applier.go).
package topology

import "github.com/google/btree"

// NodeID is the stable identifier a node is assigned the first time it joins consensus.
type NodeID string

// NodeState is the per-node lifecycle state.
type NodeState uint16

const (
	NodeStateNone NodeState = iota
	NodeStateBootstrapping
	NodeStateDecommissioning
	NodeStateRemoving
	NodeStateReplacing
	NodeStateRebuilding
	NodeStateNormal
	NodeStateLeft
	NodeStateRollbackToNormal
)

var nodeStateNames = map[NodeState]string{
	NodeStateNone:             "none",
	NodeStateBootstrapping:    "bootstrapping",
	NodeStateDecommissioning:  "decommissioning",
	NodeStateRemoving:         "removing",
	NodeStateReplacing:        "replacing",
	NodeStateRebuilding:       "rebuilding",
	NodeStateNormal:           "normal",
	NodeStateLeft:             "left",
	NodeStateRollbackToNormal: "rollback_to_normal",
}

func (s NodeState) String() string {
	name, ok := nodeStateNames[s]
	if !ok {
		return "unknown"
	}
	return name
}

// TransitionState is one of the named phases a cluster passes through while a per-node or
// global reconfiguration is in progress. The zero value is JoinGroup0; Topology.TState is a
// pointer so "no transition in progress" is represented by a nil pointer.
type TransitionState uint16

const (
	JoinGroup0 TransitionState = iota
	CommitCDCGeneration
	TabletDraining
	WriteBothReadOld
	WriteBothReadNew
	TabletMigration
	LeftTokenRing
	GlobalCleanup
)

var transitionStateNames = map[TransitionState]string{
	JoinGroup0:           "join group0",
	CommitCDCGeneration:  "commit cdc generation",
	TabletDraining:       "tablet draining",
	WriteBothReadOld:     "write both read old",
	WriteBothReadNew:     "write both read new",
	TabletMigration:      "tablet migration",
	LeftTokenRing:         "left token ring",
	GlobalCleanup:         "global cleanup",
}

func (s TransitionState) String() string {
	name, ok := transitionStateNames[s]
	if !ok {
		return "unknown"
	}
	return name
}

// RequestKind is a per-node request. The ordering of the constants is the priority order the
// coordinator selects pending requests in: replace, then join, then remove, then leave, then
// rebuild. This order is documented upstream only as "minimizes cleanup work" and is preserved
// verbatim rather than re-derived.
type RequestKind uint16

const (
	RequestReplace RequestKind = iota
	RequestJoin
	RequestRemove
	RequestLeave
	RequestRebuild
)

// requestPriority orders RequestKind values from highest to lowest priority.
var requestPriority = []RequestKind{RequestReplace, RequestJoin, RequestRemove, RequestLeave, RequestRebuild}

var requestKindNames = map[RequestKind]string{
	RequestReplace: "replace",
	RequestJoin:    "join",
	RequestRemove:  "remove",
	RequestLeave:   "leave",
	RequestRebuild: "rebuild",
}

func (k RequestKind) String() string {
	name, ok := requestKindNames[k]
	if !ok {
		return "unknown"
	}
	return name
}

// GlobalRequestKind is a cluster-wide request not tied to any one node.
type GlobalRequestKind uint16

const (
	GlobalRequestNewCDCGeneration GlobalRequestKind = iota
	GlobalRequestCleanup
)

var globalRequestKindNames = map[GlobalRequestKind]string{
	GlobalRequestNewCDCGeneration: "new_cdc_generation",
	GlobalRequestCleanup:          "cleanup",
}

func (k GlobalRequestKind) String() string {
	name, ok := globalRequestKindNames[k]
	if !ok {
		return "unknown"
	}
	return name
}

// CleanupStatus tracks a node's progress through a global cleanup request.
type CleanupStatus uint16

const (
	CleanupClean CleanupStatus = iota
	CleanupNeeded
	CleanupRunning
)

var cleanupStatusNames = map[CleanupStatus]string{
	CleanupClean:   "clean",
	CleanupNeeded:  "needed",
	CleanupRunning: "running",
}

func (s CleanupStatus) String() string {
	name, ok := cleanupStatusNames[s]
	if !ok {
		return "unknown"
	}
	return name
}

// tokenItem adapts a plain uint64 token to btree.Item so RingSlice can answer
// successor queries (used by stream_ranges source selection) in O(log n) instead
// of a linear scan over a slice.
type tokenItem uint64

func (t tokenItem) Less(than btree.Item) bool {
	return t < than.(tokenItem)
}

// RingSlice is the set of partition tokens a node owns, held in a btree so range
// and successor lookups stay logarithmic as a node's share of the ring grows.
type RingSlice struct {
	tree *btree.BTree
}

// NewRingSlice builds a RingSlice from a list of tokens.
func NewRingSlice(tokens ...uint64) *RingSlice {
	rs := &RingSlice{tree: btree.New(32)}
	for _, t := range tokens {
		rs.tree.ReplaceOrInsert(tokenItem(t))
	}
	return rs
}

// Len returns the number of tokens owned.
func (r *RingSlice) Len() int {
	if r == nil || r.tree == nil {
		return 0
	}
	return r.tree.Len()
}

// Contains reports whether token is owned by this ring slice.
func (r *RingSlice) Contains(token uint64) bool {
	if r == nil || r.tree == nil {
		return false
	}
	return r.tree.Get(tokenItem(token)) != nil
}

// Tokens returns the owned tokens in ascending order.
func (r *RingSlice) Tokens() []uint64 {
	if r == nil || r.tree == nil {
		return nil
	}
	out := make([]uint64, 0, r.tree.Len())
	r.tree.Ascend(func(i btree.Item) bool {
		out = append(out, uint64(i.(tokenItem)))
		return true
	})
	return out
}

// Successor returns the smallest owned token strictly greater than token, wrapping
// around to the smallest owned token if token is greater than every owned token.
// Used by stream_ranges to pick the next range boundary when streaming data onto a
// newly joined or replacing node.
func (r *RingSlice) Successor(token uint64) (uint64, bool) {
	if r == nil || r.tree == nil || r.tree.Len() == 0 {
		return 0, false
	}
	var found uint64
	ok := false
	r.tree.AscendGreaterOrEqual(tokenItem(token+1), func(i btree.Item) bool {
		found = uint64(i.(tokenItem))
		ok = true
		return false
	})
	if ok {
		return found, true
	}
	min := r.tree.Min()
	return uint64(min.(tokenItem)), true
}

// TokenRange is a half-open range of the token ring, (Start, End], streamed as a unit by
// stream_ranges. A joiner's newly assigned ranges and a leaver's disowned ranges are both
// expressed this way.
type TokenRange struct {
	Start uint64
	End   uint64
}

// JoinParam is the request parameter bundle for a join request.
type JoinParam struct {
	NumTokens uint32
}

// RebuildParam is the request parameter bundle for a rebuild request.
type RebuildParam struct {
	SourceDC string
}

// RemoveParam is the request parameter bundle for a remove request.
type RemoveParam struct {
	IgnoredIDs map[NodeID]struct{}
}

// ReplaceParam is the request parameter bundle for a replace request.
type ReplaceParam struct {
	ReplacedID NodeID
	IgnoredIDs map[NodeID]struct{}
}

// RequestParam is a tagged union over the four per-node request parameter shapes. Exactly one of
// Join, Rebuild, Remove, Replace is non-nil, matching Kind.
type RequestParam struct {
	Kind    RequestKind
	Join    *JoinParam
	Rebuild *RebuildParam
	Remove  *RemoveParam
	Replace *ReplaceParam
}

// ReplicaState is the per-node record kept for every node that has not yet been tombstoned into
// LeftNodes.
type ReplicaState struct {
	State           NodeState
	Datacenter      string
	Rack            string
	ReleaseVersion  string
	Ring            *RingSlice // engaged only once the node owns a slice of the ring
	ShardCount      int
	IgnoreMSB       uint8 // partitioner tuning integer
	SupportedFeatures map[string]struct{}
	Cleanup         CleanupStatus
	RequestID       string // id of the current request driving this node, or the last one
}

// CDCGenerationID identifies a committed change-data-capture generation.
type CDCGenerationID struct {
	Timestamp int64
	UUID      string
}

// Topology is the singleton replicated root of the cluster topology state machine.
type Topology struct {
	// TState is nil when no per-node or global transition is in progress.
	TState *TransitionState

	Version      uint64
	FenceVersion uint64

	NormalNodes     map[NodeID]*ReplicaState
	NewNodes        map[NodeID]*ReplicaState
	TransitionNodes map[NodeID]*ReplicaState
	LeftNodes       map[NodeID]struct{}

	Requests map[NodeID]RequestKind
	ReqParam map[NodeID]RequestParam

	GlobalRequest *GlobalRequestKind

	CurrentCDCGenerationID   *CDCGenerationID
	NewCDCGenerationDataUUID string // empty means none in flight
	UnpublishedCDCGenerations []CDCGenerationID

	EnabledFeatures map[string]struct{}

	SessionID string

	TabletBalancingEnabled bool
}

// NewTopology returns an empty Topology at the initial version, matching the source's
// initial_version of 1.
func NewTopology() *Topology {
	return &Topology{
		Version:                1,
		FenceVersion:           1,
		NormalNodes:            make(map[NodeID]*ReplicaState),
		NewNodes:               make(map[NodeID]*ReplicaState),
		TransitionNodes:        make(map[NodeID]*ReplicaState),
		LeftNodes:              make(map[NodeID]struct{}),
		Requests:               make(map[NodeID]RequestKind),
		ReqParam:               make(map[NodeID]RequestParam),
		EnabledFeatures:        make(map[string]struct{}),
		TabletBalancingEnabled: true,
	}
}
