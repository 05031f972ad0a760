package topology

// EntryKind identifies which mutation a LogEntry performs. Every committed consensus entry the
// Applier consumes carries exactly one of these.
type EntryKind uint16

const (
	EntryAddNode EntryKind = iota
	EntrySetRequest
	EntryClearRequest
	EntrySetGlobalRequest
	EntryClearGlobalRequest
	EntryAdvanceTransition
	EntryPromoteToNormal
	EntryMoveToTransition
	EntrySetNewCDCGenerationDataUUID
	EntryCommitCDCGeneration
	EntryPublishCDCGenerations
	EntrySetEnabledFeatures
	EntrySetSessionID
	EntryDeleteNode
	EntryBumpFenceVersion
	EntrySetCleanupStatus
	EntrySetTabletBalancingEnabled
)

// AddNodePayload adds a node to NewNodes in NodeStateNone, the state every node starts in when
// it first joins consensus.
type AddNodePayload struct {
	ID                NodeID
	Datacenter        string
	Rack              string
	ReleaseVersion    string
	ShardCount        int
	IgnoreMSB         uint8
	SupportedFeatures map[string]struct{}
}

// SetRequestPayload records a pending per-node request and its typed parameter bundle.
// RequestID is a caller-minted correlation id, stamped onto the node's ReplicaState so a
// topology_requests row recording this request's eventual outcome can be tied back to it.
type SetRequestPayload struct {
	ID        NodeID
	Kind      RequestKind
	Param     RequestParam
	RequestID string
}

// ClearRequestPayload drops id's pending request and parameter bundle.
type ClearRequestPayload struct {
	ID NodeID
}

// SetGlobalRequestPayload starts a cluster-wide request. NewTState is committed atomically with
// Kind for the same reason MoveToTransitionPayload.NewTState is: without it, a coordinator crash
// between "set global_request" and "the next driveStep sets tstate" would leave tstate nil with a
// global request pending, and cleanup's kickoff (marking every normal node cleanup_needed) would
// have to be a separate commit too. Both are folded into this one entry: the Applier derives which
// nodes need marking from its own NormalNodes at apply time, so there is nothing left to commit
// after this entry lands.
type SetGlobalRequestPayload struct {
	Kind      GlobalRequestKind
	NewTState TransitionState
}

// AdvanceTransitionPayload sets or clears the current transition state. A nil State clears it.
type AdvanceTransitionPayload struct {
	State *TransitionState
}

// PromoteToNormalPayload moves a node out of NewNodes/TransitionNodes into NormalNodes, assigns
// its ring slice, and clears its request bookkeeping.
type PromoteToNormalPayload struct {
	ID   NodeID
	Ring *RingSlice
}

// MoveToTransitionPayload moves a node into TransitionNodes with a new per-node state. NewTState,
// if non-nil, is committed atomically with the per-node move so a coordinator crash between "move
// the node" and "advance tstate" can never happen — there is only ever one entry to commit, not
// two. A nil NewTState leaves the current tstate untouched (used by rebuild, which needs no
// transition state of its own, and by a leave/remove rollback, which moves the node to
// rollback_to_normal without disturbing the write_both_read_old tstate still in progress around it).
type MoveToTransitionPayload struct {
	ID        NodeID
	NewState  NodeState
	NewTState *TransitionState
}

// SetNewCDCGenerationDataUUIDPayload sets or clears (empty string) the in-flight CDC generation
// data UUID minted while tstate == CommitCDCGeneration.
type SetNewCDCGenerationDataUUIDPayload struct {
	UUID string
}

// CommitCDCGenerationPayload commits a CDC generation: it becomes CurrentCDCGenerationID and is
// pushed onto UnpublishedCDCGenerations.
type CommitCDCGenerationPayload struct {
	ID CDCGenerationID
}

// PublishCDCGenerationsPayload publishes (removes from UnpublishedCDCGenerations) every
// generation committed up to and including UpTo.
type PublishCDCGenerationsPayload struct {
	UpTo CDCGenerationID
}

// SetEnabledFeaturesPayload replaces the cluster-wide enabled feature set.
type SetEnabledFeaturesPayload struct {
	Features map[string]struct{}
}

// SetSessionIDPayload replaces the session id used to mint fencing tokens for streaming.
type SetSessionIDPayload struct {
	SessionID string
}

// DeleteNodePayload tombstones a node: it is dropped from whichever non-left collection holds it
// and recorded only by id in LeftNodes.
type DeleteNodePayload struct {
	ID NodeID
}

// SetCleanupStatusPayload records a node's progress through a global cleanup request.
type SetCleanupStatusPayload struct {
	ID     NodeID
	Status CleanupStatus
}

// SetTabletBalancingEnabledPayload toggles whether the tablet load balancer may rebalance.
type SetTabletBalancingEnabledPayload struct {
	Enabled bool
}

// LogEntry is a single committed consensus entry the Applier consumes. It is a tagged union:
// exactly the field matching Kind is populated. Sum types over class hierarchies keeps dispatch
// total and makes the wire encoding (see codec.go) a flat switch.
type LogEntry struct {
	Kind EntryKind

	AddNode                   *AddNodePayload
	SetRequest                *SetRequestPayload
	ClearRequest              *ClearRequestPayload
	SetGlobalRequest          *SetGlobalRequestPayload
	AdvanceTransition         *AdvanceTransitionPayload
	PromoteToNormal           *PromoteToNormalPayload
	MoveToTransition          *MoveToTransitionPayload
	SetNewCDCGenerationDataUUID *SetNewCDCGenerationDataUUIDPayload
	CommitCDCGeneration       *CommitCDCGenerationPayload
	PublishCDCGenerations     *PublishCDCGenerationsPayload
	SetEnabledFeatures        *SetEnabledFeaturesPayload
	SetSessionID              *SetSessionIDPayload
	DeleteNode                *DeleteNodePayload
	SetCleanupStatus          *SetCleanupStatusPayload
	SetTabletBalancingEnabled *SetTabletBalancingEnabledPayload
}
