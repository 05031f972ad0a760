// Package server wires together one node's full collaborator graph: storage, the replicated
// topology log, the fencing registry, the gossip and coordinator RPC transports, the leader-only
// coordinator driver, and the k8s lifecycle endpoints.
package server

import (
	"fmt"
	"net/http"         //nolint:stylecheck
	_ "net/http/pprof" //nolint:stylecheck,gosec
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/squareup/topologycoord/conf"
	"github.com/squareup/topologycoord/consensus"
	"github.com/squareup/topologycoord/coordinator"
	"github.com/squareup/topologycoord/coordrpc"
	"github.com/squareup/topologycoord/fencing"
	"github.com/squareup/topologycoord/gossip"
	"github.com/squareup/topologycoord/lifecycle"
	"github.com/squareup/topologycoord/metrics"
	"github.com/squareup/topologycoord/metrics/prometheus"
	"github.com/squareup/topologycoord/readiness"
	"github.com/squareup/topologycoord/storage"
	"github.com/squareup/topologycoord/streaming"
	"github.com/squareup/topologycoord/topology"
	"go.uber.org/zap"
)

// service is anything the server starts and stops as a unit.
type service interface {
	Start() error
	Stop() error
}

// topologyLog is the Log plus lifecycle this Server needs, satisfied by both the real
// *consensus.DragonLog and, for TestServer mode, *consensus.FakeLog.
type topologyLog interface {
	coordinator.Log
	Stop()
}

// Server owns one node's full collaborator graph for the lifetime of the process.
type Server struct {
	lock sync.RWMutex

	conf conf.Config

	store       *storage.Store
	applier     *topology.Applier
	raftLog     topologyLog
	metrics     metrics.Factory
	fencing     *fencing.Registry
	gossiper    *gossip.TCPGossiper
	rpcClient   *coordrpc.Client
	rpcServer   *coordrpc.Server
	readiness   *readiness.Publisher
	readyTrack  *selfReadinessTracker
	coordinator *coordinator.Coordinator
	lifecycle   *lifecycle.Endpoints

	services []service

	started     bool
	debugServer *http.Server
}

// NewServer validates cfg and constructs every collaborator in dependency order: storage before
// the log that persists through it, the log before the coordinator that proposes onto it,
// transports before the coordinator that uses them.
func NewServer(cfg conf.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var store *storage.Store
	var raftLog topologyLog
	initial := topology.NewTopology()

	if cfg.TestServer {
		// TestServer mode swaps the real pebble-backed, dragonboat-replicated log for an
		// in-process equivalent — no disk, no raft group, single node is always leader.
		applier := topology.NewApplier(initial)
		raftLog = consensus.NewFakeLog(applier)
		s := newServerShell(cfg, nil, applier, raftLog)
		return s, nil
	}

	var err error
	store, err = storage.Open(cfg.DataDir, cfg.NodeID, cfg.DisableFsync)
	if err != nil {
		return nil, err
	}
	persisted, err := store.LoadTopologyRow()
	if err != nil {
		return nil, err
	}
	if persisted != nil {
		snap, err := topology.DecodeSnapshot(persisted)
		if err != nil {
			return nil, err
		}
		initial = snap
	}
	applier := topology.NewApplier(initial)

	sm := consensus.NewTopologyStateMachine(store, applier)
	dragonLog, err := consensus.NewDragonLog(cfg, sm)
	if err != nil {
		return nil, err
	}
	raftLog = dragonLog

	return newServerShell(cfg, store, applier, raftLog), nil
}

// newServerShell finishes wiring the collaborators that don't differ between TestServer and real
// mode: fencing, gossip, coordinator RPC, streaming, readiness, the coordinator driver, and the
// lifecycle endpoints.
func newServerShell(cfg conf.Config, store *storage.Store, applier *topology.Applier, raftLog topologyLog) *Server {
	initial := applier.Snapshot()
	fencingRegistry := fencing.NewRegistry(initial.Version, initial.FenceVersion)
	// Every committed entry must republish the registry's version/fence pair, or fencing decisions
	// made against it would stay frozen at startup forever.
	applier.Subscribe(func(snap *topology.Topology) { fencingRegistry.Advance(snap.Version, snap.FenceVersion) })

	// Metrics must be started before any counter is minted, so (unlike every other collaborator
	// here) the factory is started eagerly at construction time rather than from Server.Start;
	// Server.Stop stops it symmetrically.
	var metricsFactory metrics.Factory
	var stepCounter metrics.Counter
	if cfg.EnableMetrics {
		metricsFactory = prometheus.NewFactory(cfg)
		if err := metricsFactory.Start(); err != nil {
			log.Errorf("failed to start metrics factory: %v", err)
			metricsFactory = nil
		} else if counter, err := metricsFactory.CreateCounter("topology_driver_steps_total", "completed coordinator driver steps"); err != nil {
			log.Errorf("failed to create driver step counter: %v", err)
		} else {
			stepCounter = counter
		}
	}

	selfID := nodeIDFor(cfg.NodeID)
	peerAddresses := make(map[topology.NodeID]string, len(cfg.NotifListenAddresses))
	for i, addr := range cfg.NotifListenAddresses {
		if i == cfg.NodeID {
			continue
		}
		peerAddresses[nodeIDFor(i)] = addr
	}
	gossiper := gossip.NewTCPGossiper(zap.NewNop(), selfID, cfg.NotifListenAddresses[cfg.NodeID], peerAddresses)

	rpcClient := coordrpc.NewClient()
	streamer := streaming.NewCoordRPCStreamer(rpcClient, gossiper, 0)
	readinessPublisher := readiness.NewPublisher(gossiper)
	readinessTracker := &selfReadinessTracker{id: selfID, publisher: readinessPublisher}
	applier.Subscribe(readinessTracker.onAdvance)

	var recorder coordinator.RequestRecorder
	if store != nil {
		recorder = store
	}
	coord := coordinator.New(coordinator.Params{
		Log:            raftLog,
		Applier:        applier,
		Fencing:        fencingRegistry,
		RPC:            rpcClient,
		Gossiper:       gossiper,
		Streamer:       streamer,
		Requests:       recorder,
		Logger:         zap.NewNop(),
		BarrierTimeout: cfg.BarrierTimeout,
		StepCounter:    stepCounter,
	})

	handler := &coordinatorHandler{applier: applier, gossiper: gossiper}
	rpcServer := coordrpc.NewServer(cfg.CoordRPCListenAddresses[cfg.NodeID], handler, fencingRegistry, cfg.BarrierTimeout)

	lifecycleEndpoints := lifecycle.NewLifecycleEndpoints(cfg)

	s := &Server{
		conf:        cfg,
		store:       store,
		applier:     applier,
		raftLog:     raftLog,
		metrics:     metricsFactory,
		fencing:     fencingRegistry,
		gossiper:    gossiper,
		rpcClient:   rpcClient,
		rpcServer:   rpcServer,
		readiness:   readinessPublisher,
		readyTrack:  readinessTracker,
		coordinator: coord,
		lifecycle:   lifecycleEndpoints,
		services: []service{
			rpcServer,
			lifecycleEndpoints,
		},
	}
	return s
}

// nodeIDFor derives the stable topology.NodeID this module assigns each configured node: its
// index into RaftAddresses/NotifListenAddresses/CoordRPCListenAddresses.
func nodeIDFor(index int) topology.NodeID {
	return topology.NodeID(fmt.Sprintf("n%d", index))
}

// selfReadinessTracker watches this node's own ReplicaState across Applier updates and flips the
// CQL-readiness gossip bit exactly when this node crosses into or out of NodeStateNormal, rather
// than unconditionally at process start/stop.
type selfReadinessTracker struct {
	mu        sync.Mutex
	id        topology.NodeID
	publisher *readiness.Publisher
	wasNormal bool
}

func (t *selfReadinessTracker) onAdvance(snap *topology.Topology) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, isNormal := snap.NormalNodes[t.id]
	if isNormal == t.wasNormal {
		return
	}
	t.publish(isNormal)
}

// publishCurrent republishes the readiness bit for whatever state the node is in right now,
// needed because gossip state does not survive a process restart: a node that was already normal
// before restarting would otherwise stay marked not-ready until its next topology change.
func (t *selfReadinessTracker) publishCurrent(snap *topology.Topology) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, isNormal := snap.NormalNodes[t.id]
	t.wasNormal = !isNormal // force publish regardless of the last-seen value
	t.publish(isNormal)
}

func (t *selfReadinessTracker) publish(isNormal bool) {
	t.wasNormal = isNormal
	if isNormal {
		if err := t.publisher.MarkReady(); err != nil {
			log.Warnf("failed to mark node ready: %v", err)
		}
	} else if err := t.publisher.MarkNotReady(); err != nil {
		log.Warnf("failed to mark node not ready: %v", err)
	}
}

func (s *Server) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return nil
	}

	if s.conf.Debug {
		addr := fmt.Sprintf("localhost:%d", 6676+s.conf.NodeID)
		s.debugServer = &http.Server{Addr: addr}
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("debug server failed to listen %v", err)
			}
		}(s.debugServer)
	}

	if err := s.gossiper.Start(); err != nil {
		return err
	}
	s.readyTrack.publishCurrent(s.applier.Snapshot())
	for _, svc := range s.services {
		if err := svc.Start(); err != nil {
			return err
		}
	}
	s.coordinator.Start()
	s.lifecycle.SetActive(true)

	s.started = true
	log.Infof("topology coordinator node %d started", s.conf.NodeID)
	return nil
}

func (s *Server) Stop() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.started {
		return nil
	}

	s.lifecycle.SetActive(false)
	s.coordinator.Stop()
	s.rpcClient.Stop()
	s.gossiper.Stop()
	s.raftLog.Stop()
	if s.metrics != nil {
		if err := s.metrics.Stop(); err != nil {
			log.Warnf("failed to stop metrics factory: %v", err)
		}
	}

	if s.debugServer != nil {
		if err := s.debugServer.Close(); err != nil {
			return err
		}
	}
	for i := len(s.services) - 1; i >= 0; i-- {
		if err := s.services[i].Stop(); err != nil {
			return err
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	s.started = false
	return nil
}

func (s *Server) GetCoordinator() *coordinator.Coordinator { return s.coordinator }
func (s *Server) GetApplier() *topology.Applier            { return s.applier }
func (s *Server) GetConfig() conf.Config                   { return s.conf }
