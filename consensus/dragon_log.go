package consensus

import (
	"context"
	"path/filepath"

	"github.com/lni/dragonboat/v3"
	"github.com/lni/dragonboat/v3/client"
	"github.com/lni/dragonboat/v3/config"
	"github.com/lni/dragonboat/v3/logger"
	"github.com/lni/dragonboat/v3/statemachine"
	"github.com/squareup/topologycoord/conf"
	"github.com/squareup/topologycoord/errors"
	"github.com/squareup/topologycoord/storage"
)

// topologyClusterID is the single dragonboat raft cluster id used for the whole topology log.
// The topology core is a singleton — exactly one logical row, replicated cluster-wide — so it
// needs exactly one raft group rather than one cluster id per data shard.
const topologyClusterID uint64 = 1

// DragonLog adapts lni/dragonboat/v3 to the consensus.Log contract, grounded on
// cluster/dragon/dragon.go's NewDragon/Start/proposeWithRetry shape, generalized from a
// many-shard data plane to the coordinator's single replicated topology log.
type DragonLog struct {
	nh       *dragonboat.NodeHost
	session  *client.Session
	selfRaft uint64
}

// NewDragonLog brings up a dragonboat NodeHost and joins the topology raft cluster, hosting sm as
// the on-disk state machine for this replica.
func NewDragonLog(cnf conf.Config, sm *TopologyStateMachine) (*DragonLog, error) {
	logger.GetLogger("raft").SetLevel(logger.WARNING)

	datadir := filepath.Join(cnf.DataDir, "node-dragon")
	nhc := config.NodeHostConfig{
		DeploymentID:   cnf.ClusterID,
		WALDir:         datadir,
		NodeHostDir:    datadir,
		RTTMillisecond: uint64(cnf.RaftRTTMs),
		RaftAddress:    cnf.RaftAddresses[cnf.NodeID],
		EnableMetrics:  cnf.EnableMetrics,
	}
	nh, err := dragonboat.NewNodeHost(nhc)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	rc := config.Config{
		NodeID:             uint64(cnf.NodeID + 1),
		ElectionRTT:        uint64(cnf.RaftElectionRTT),
		HeartbeatRTT:       uint64(cnf.RaftHeartbeatRTT),
		CheckQuorum:        true,
		SnapshotEntries:    uint64(cnf.TopologySnapshotEntries),
		CompactionOverhead: uint64(cnf.TopologyCompactionOverhead),
		ClusterID:          topologyClusterID,
	}
	initialMembers := make(map[uint64]string, len(cnf.RaftAddresses))
	for i, addr := range cnf.RaftAddresses {
		initialMembers[uint64(i+1)] = addr
	}

	factory := func(_ uint64, _ uint64) statemachine.IOnDiskStateMachine { return sm }
	if err := nh.StartOnDiskCluster(initialMembers, false, factory, rc); err != nil {
		return nil, errors.WithStack(err)
	}

	return &DragonLog{
		nh:       nh,
		session:  nh.GetNoOPSession(topologyClusterID),
		selfRaft: rc.NodeID,
	}, nil
}

func (d *DragonLog) Append(ctx context.Context, entry []byte) (bool, error) {
	res, err := d.nh.SyncPropose(ctx, d.session, entry)
	if err != nil {
		return false, errors.WithStack(err)
	}
	return res.Value != 0, nil
}

// Subscribe is not needed by DragonLog: the TopologyStateMachine wired into StartOnDiskCluster
// already observes every committed entry directly via Update, which is how the Applier learns
// about entries proposed on other nodes. A pub/sub layer on top would just duplicate that path.
func (d *DragonLog) Subscribe(_ func(entry []byte)) {}

func (d *DragonLog) SnapshotInstall(_ []byte) error {
	// dragonboat drives snapshot installation itself via TopologyStateMachine.RecoverFromSnapshot;
	// there is no separate out-of-band install path for this adapter.
	return nil
}

func (d *DragonLog) IsLeader() bool {
	leaderID, ok, err := d.nh.GetLeaderID(topologyClusterID)
	if err != nil || !ok {
		return false
	}
	return leaderID == d.selfRaft
}

func (d *DragonLog) Stop() {
	d.nh.Stop()
}

// storeFor opens the pebble-backed storage.Store for cnf's data directory and node id.
func storeFor(cnf conf.Config) (*storage.Store, error) {
	return storage.Open(cnf.DataDir, cnf.NodeID, cnf.DisableFsync)
}
