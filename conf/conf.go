package conf

import (
	"time"

	"github.com/squareup/topologycoord/perrors"
)

const (
	DefaultTopologySnapshotEntries    = 1000
	DefaultTopologyCompactionOverhead = 250
	DefaultRaftRTTMs                  = 50
	DefaultRaftElectionRTT            = 20
	DefaultRaftHeartbeatRTT           = 2
	DefaultReadinessHeartbeatInterval = 5 * time.Second
	DefaultBarrierTimeout             = 30 * time.Second

	DefaultStartupEndpointPath = "/started"
	DefaultReadyEndpointPath   = "/ready"
	DefaultLiveEndpointPath    = "/live"
)

// Config is the per-node configuration for the topology coordinator. A node is identified by its
// NodeID, which is also its index into RaftAddresses and NotifListenAddresses.
type Config struct {
	NodeID    int    `json:"node_id,omitempty"`
	ClusterID uint64 `json:"cluster_id,omitempty"` // All nodes in a cluster must share the same ClusterID

	// RaftAddresses is the list of addresses, one per node, of the raft transport used to
	// replicate the topology log.
	RaftAddresses []string `json:"raft_addresses,omitempty"`
	// NotifListenAddresses is the list of addresses, one per node, of the readiness/gossip
	// broadcast listener.
	NotifListenAddresses []string `json:"notif_listen_addresses,omitempty"`
	// CoordRPCListenAddresses is the list of addresses, one per node, of the coordinator RPC
	// surface (barrier, barrier_and_drain, stream_ranges, wait_for_ip, pull_topology_snapshot).
	CoordRPCListenAddresses []string `json:"coord_rpc_listen_addresses,omitempty"`

	ReplicationFactor int  `json:"replication_factor,omitempty"`
	DataDir           string `json:"data_dir,omitempty"`
	TestServer        bool `json:"test_server,omitempty"`

	RaftRTTMs        int  `json:"raft_rtt_ms,omitempty"`
	RaftElectionRTT  int  `json:"raft_election_rtt,omitempty"`
	RaftHeartbeatRTT int  `json:"raft_heartbeat_rtt,omitempty"`
	EnableMetrics    bool `json:"enable_metrics,omitempty"`
	// MetricsHTTPListenAddr is where the prometheus metrics.Factory exports /metrics when
	// EnableMetrics is set. Defaults to "localhost:2112" when empty.
	MetricsHTTPListenAddr string `json:"metrics_http_listen_addr,omitempty"`
	DisableFsync          bool   `json:"disable_fsync,omitempty"`

	TopologySnapshotEntries    int `json:"topology_snapshot_entries,omitempty"`
	TopologyCompactionOverhead int `json:"topology_compaction_overhead,omitempty"`

	ReadinessHeartbeatInterval time.Duration `json:"readiness_heartbeat_interval,omitempty"`
	BarrierTimeout             time.Duration `json:"barrier_timeout,omitempty"`

	Debug bool `json:"debug,omitempty"`

	// LogFile is the path to write logs to; "" or "-" logs to the process's own stderr.
	LogFile string `json:"log_file,omitempty"`
	// LogLevel is a logrus level name (e.g. "info", "debug"); "" leaves logrus's default.
	LogLevel string `json:"log_level,omitempty"`
	// LogFormat is "text" (default) or "json".
	LogFormat string `json:"log_format,omitempty"`

	TLS TLSConfig `json:"tls,omitempty"`

	// LifecycleEndpointEnabled turns on the k8s startup/readiness/liveness HTTP endpoints served
	// by the lifecycle package.
	LifecycleEndpointEnabled bool   `json:"lifecycle_endpoint_enabled,omitempty"`
	LifeCycleListenAddress   string `json:"lifecycle_listen_address,omitempty"`
	StartupEndpointPath      string `json:"startup_endpoint_path,omitempty"`
	ReadyEndpointPath        string `json:"ready_endpoint_path,omitempty"`
	LiveEndpointPath         string `json:"live_endpoint_path,omitempty"`
}

// TLSConfig configures transport security for the coordinator RPC surface.
type TLSConfig struct {
	Enabled         bool   `json:"enabled,omitempty"`
	CertPath        string `json:"cert_path,omitempty"`
	KeyPath         string `json:"key_path,omitempty"`
	ClientCertsPath string `json:"client_certs_path,omitempty"`
	ClientAuth      string `json:"client_auth,omitempty"`
}

const (
	ClientAuthModeUnspecified                = ""
	ClientAuthModeNoClientCert                = "NoClientCert"
	ClientAuthModeRequestClientCert           = "RequestClientCert"
	ClientAuthModeRequireAnyClientCert         = "RequireAnyClientCert"
	ClientAuthModeVerifyClientCertIfGiven      = "VerifyClientCertIfGiven"
	ClientAuthModeRequireAndVerifyClientCert   = "RequireAndVerifyClientCert"
)

func (c *Config) Validate() error { //nolint:gocyclo
	if c.NodeID < 0 {
		return perrors.NewInvalidConfigurationError("NodeID must be >= 0")
	}
	if !c.TestServer {
		if c.NodeID >= len(c.RaftAddresses) {
			return perrors.NewInvalidConfigurationError("NodeID must be in the range 0 (inclusive) to len(RaftAddresses) (exclusive)")
		}
		if c.DataDir == "" {
			return perrors.NewInvalidConfigurationError("DataDir must be specified")
		}
		if c.ReplicationFactor < 3 {
			return perrors.NewInvalidConfigurationError("ReplicationFactor must be >= 3")
		}
		if len(c.RaftAddresses) < c.ReplicationFactor {
			return perrors.NewInvalidConfigurationError("Number of RaftAddresses must be >= ReplicationFactor")
		}
		if len(c.NotifListenAddresses) != len(c.RaftAddresses) {
			return perrors.NewInvalidConfigurationError("Number of RaftAddresses must be same as number of NotifListenAddresses")
		}
		if len(c.CoordRPCListenAddresses) != len(c.RaftAddresses) {
			return perrors.NewInvalidConfigurationError("Number of RaftAddresses must be same as number of CoordRPCListenAddresses")
		}
		if c.TopologySnapshotEntries < 10 {
			return perrors.NewInvalidConfigurationError("TopologySnapshotEntries must be >= 10")
		}
		if c.TopologyCompactionOverhead < 5 {
			return perrors.NewInvalidConfigurationError("TopologyCompactionOverhead must be >= 5")
		}
		if c.TopologyCompactionOverhead > c.TopologySnapshotEntries {
			return perrors.NewInvalidConfigurationError("TopologySnapshotEntries must be >= TopologyCompactionOverhead")
		}
	}
	if c.ReadinessHeartbeatInterval < 1*time.Second {
		return perrors.NewInvalidConfigurationError("ReadinessHeartbeatInterval must be >= 1s")
	}
	if c.BarrierTimeout < 1*time.Second {
		return perrors.NewInvalidConfigurationError("BarrierTimeout must be >= 1s")
	}
	return nil
}

func NewDefaultConfig() *Config {
	return &Config{
		RaftRTTMs:                  DefaultRaftRTTMs,
		RaftElectionRTT:             DefaultRaftElectionRTT,
		RaftHeartbeatRTT:            DefaultRaftHeartbeatRTT,
		TopologySnapshotEntries:     DefaultTopologySnapshotEntries,
		TopologyCompactionOverhead:  DefaultTopologyCompactionOverhead,
		ReadinessHeartbeatInterval:  DefaultReadinessHeartbeatInterval,
		BarrierTimeout:              DefaultBarrierTimeout,
		StartupEndpointPath:         DefaultStartupEndpointPath,
		ReadyEndpointPath:           DefaultReadyEndpointPath,
		LiveEndpointPath:            DefaultLiveEndpointPath,
	}
}

func NewTestConfig() *Config {
	return &Config{
		RaftRTTMs:                 DefaultRaftRTTMs,
		RaftElectionRTT:            DefaultRaftElectionRTT,
		RaftHeartbeatRTT:           DefaultRaftHeartbeatRTT,
		ReadinessHeartbeatInterval: DefaultReadinessHeartbeatInterval,
		BarrierTimeout:             DefaultBarrierTimeout,
		NodeID:                     0,
		TestServer:                 true,
	}
}
