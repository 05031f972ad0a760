package conf

import (
	"testing"
	"time"

	"github.com/squareup/topologycoord/perrors"
	"github.com/stretchr/testify/require"
)

type configPair struct {
	errMsg string
	conf   Config
}

func invalidNodeIDConf() Config {
	cnf := confAllFields
	cnf.NodeID = -1
	return cnf
}

func invalidDatadirConf() Config {
	cnf := confAllFields
	cnf.DataDir = ""
	return cnf
}

func invalidReplicationFactorConfig() Config {
	cnf := confAllFields
	cnf.ReplicationFactor = 2
	return cnf
}

func invalidRaftAddressesConfig() Config {
	cnf := confAllFields
	cnf.RaftAddresses = cnf.RaftAddresses[1:]
	return cnf
}

func raftAndNotifListenerAddressedDifferentLengthConfig() Config {
	cnf := confAllFields
	cnf.NotifListenAddresses = append(cnf.NotifListenAddresses, "someotheraddresss")
	return cnf
}

func raftAndCoordRPCAddressedDifferentLengthConfig() Config {
	cnf := confAllFields
	cnf.CoordRPCListenAddresses = append(cnf.CoordRPCListenAddresses, "someotheraddresss")
	return cnf
}

func invalidTopologySnapshotEntries() Config {
	cnf := confAllFields
	cnf.TopologySnapshotEntries = 9
	return cnf
}

func invalidTopologyCompactionOverhead() Config {
	cnf := confAllFields
	cnf.TopologyCompactionOverhead = 4
	return cnf
}

func invalidReadinessHeartbeatInterval() Config {
	cnf := confAllFields
	cnf.ReadinessHeartbeatInterval = time.Second - 1
	return cnf
}

func invalidBarrierTimeout() Config {
	cnf := confAllFields
	cnf.BarrierTimeout = time.Second - 1
	return cnf
}

var invalidConfigs = []configPair{
	{"PDB0001 - Invalid configuration: NodeID must be >= 0", invalidNodeIDConf()},
	{"PDB0001 - Invalid configuration: DataDir must be specified", invalidDatadirConf()},
	{"PDB0001 - Invalid configuration: ReplicationFactor must be >= 3", invalidReplicationFactorConfig()},
	{"PDB0001 - Invalid configuration: Number of RaftAddresses must be >= ReplicationFactor", invalidRaftAddressesConfig()},
	{"PDB0001 - Invalid configuration: Number of RaftAddresses must be same as number of NotifListenAddresses", raftAndNotifListenerAddressedDifferentLengthConfig()},
	{"PDB0001 - Invalid configuration: Number of RaftAddresses must be same as number of CoordRPCListenAddresses", raftAndCoordRPCAddressedDifferentLengthConfig()},
	{"PDB0001 - Invalid configuration: TopologySnapshotEntries must be >= 10", invalidTopologySnapshotEntries()},
	{"PDB0001 - Invalid configuration: TopologyCompactionOverhead must be >= 5", invalidTopologyCompactionOverhead()},
	{"PDB0001 - Invalid configuration: ReadinessHeartbeatInterval must be >= 1s", invalidReadinessHeartbeatInterval()},
	{"PDB0001 - Invalid configuration: BarrierTimeout must be >= 1s", invalidBarrierTimeout()},
}

func TestValidate(t *testing.T) {
	for _, cp := range invalidConfigs {
		err := cp.conf.Validate()
		require.Error(t, err)
		pe, ok := err.(perrors.PranaError)
		require.True(t, ok)
		require.Equal(t, perrors.InvalidConfiguration, int(pe.Code))
		require.Equal(t, cp.errMsg, pe.Msg)
	}
}

var confAllFields = Config{
	NodeID:                     0,
	ClusterID:                  12345,
	RaftAddresses:              []string{"addr1", "addr2", "addr3"},
	NotifListenAddresses:       []string{"addr4", "addr5", "addr6"},
	CoordRPCListenAddresses:    []string{"addr7", "addr8", "addr9"},
	ReplicationFactor:          3,
	DataDir:                    "foo/bar/baz",
	TestServer:                 false,
	RaftRTTMs:                  50,
	RaftElectionRTT:            20,
	RaftHeartbeatRTT:           2,
	TopologySnapshotEntries:    1001,
	TopologyCompactionOverhead: 501,
	ReadinessHeartbeatInterval: 76 * time.Second,
	BarrierTimeout:             41 * time.Second,
	Debug:                      true,
}
