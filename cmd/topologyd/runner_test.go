package main

import (
	"encoding/json"
	"io/fs"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/squareup/topologycoord/conf"
	"github.com/stretchr/testify/require"
)

func TestRunnerConfigAllFieldsSpecified(t *testing.T) {
	cnf := createConfigWithAllFields()
	b, err := json.MarshalIndent(cnf, " ", " ")
	require.NoError(t, err)
	testRunner(t, b, cnf)
}

func TestParseConfigWithComments(t *testing.T) {
	jsonWithComments := `
	{
	  // NodeID is overridden by -node below, so whatever's here is irrelevant to the assertion.
	  "cluster_id": 12345,
	  "raft_addresses": [
	   "addr1",
	   "addr2",
	   "addr3"
	  ],
	  "notif_listen_addresses": [
	   "addr4",
	   "addr5",
	   "addr6"
	  ],
	  "coord_rpc_listen_addresses": [
	   "addr7",
	   "addr8",
	   "addr9"
	  ],
	  "replication_factor": 3,
	  "data_dir": "foo/bar/baz",
	  "test_server": true,
	  "topology_snapshot_entries": 1001,
	  "topology_compaction_overhead": 501,
	  "debug": true,
	  "readiness_heartbeat_interval": 6000000000,
	  "barrier_timeout": 41000000000
	 }
`
	cnf := createConfigWithAllFields()
	cnf.ReadinessHeartbeatInterval = 6 * time.Second
	cnf.BarrierTimeout = 41 * time.Second
	testRunner(t, []byte(jsonWithComments), cnf)
}

func testRunner(t *testing.T, b []byte, cnf conf.Config) {
	t.Helper()
	dataDir, err := ioutil.TempDir("", "runner-test")
	require.NoError(t, err)
	defer removeDataDir(t, dataDir)

	fName := filepath.Join(dataDir, "json1.conf")
	err = ioutil.WriteFile(fName, b, fs.ModePerm)
	require.NoError(t, err)

	r := &runner{}
	args := []string{"-conf", fName, "-node", "1"}
	require.NoError(t, r.run(args, false))

	actualConfig := r.getServer().GetConfig()
	cnf.NodeID = 1
	require.Equal(t, cnf, actualConfig)
}

func removeDataDir(t *testing.T, dataDir string) {
	t.Helper()
	require.NoError(t, os.RemoveAll(dataDir))
}

func createConfigWithAllFields() conf.Config {
	return conf.Config{
		ClusterID:                  12345,
		RaftAddresses:              []string{"addr1", "addr2", "addr3"},
		NotifListenAddresses:       []string{"addr4", "addr5", "addr6"},
		CoordRPCListenAddresses:    []string{"addr7", "addr8", "addr9"},
		ReplicationFactor:          3,
		DataDir:                   "foo/bar/baz",
		TestServer:                 true,
		TopologySnapshotEntries:     1001,
		TopologyCompactionOverhead:  501,
		Debug:                      true,
		ReadinessHeartbeatInterval: 5 * time.Second,
		BarrierTimeout:             30 * time.Second,
	}
}
