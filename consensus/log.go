// Package consensus defines the collaborator contract the coordinator and the Applier need from
// the replicated log, and an adapter over lni/dragonboat/v3 that satisfies it.
package consensus

import "context"

// Log is the replicated command log the coordinator proposes topology.LogEntry values onto and
// the Applier subscribes to for committed entries. Grounded on cluster/dragon/dragon.go's
// SyncPropose/SyncRead/leadership-check shape, generalized from a sharded query engine to a
// single cluster-wide log.
type Log interface {
	// Append proposes entry (an encoded topology.LogEntry) to the log and blocks until it is
	// either committed or ctx's deadline elapses. committed is false only if the proposal was
	// dropped without committing (e.g. lost leadership mid-flight); err is non-nil for any
	// transport- or consensus-level failure.
	Append(ctx context.Context, entry []byte) (committed bool, err error)
	// Subscribe registers cb to be invoked, in commit order, with every entry this replica's log
	// applies, including ones originally proposed on another node.
	Subscribe(cb func(entry []byte))
	// SnapshotInstall replaces this replica's on-disk state wholesale with bytes, used when a
	// follower falls far enough behind that the leader ships a full snapshot instead of a log
	// suffix.
	SnapshotInstall(bytes []byte) error
	// IsLeader reports whether this replica currently holds leadership of the topology cluster.
	// The coordinator only drives state transitions while this is true.
	IsLeader() bool
}
