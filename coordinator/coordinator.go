// Package coordinator implements the leader-only driver of cluster topology transitions: it
// selects the next pending request, advances the transition state machine, issues node-directed
// RPCs, and commits every state advance through the consensus log before acting on it. Grounded
// on lifecycle.Endpoints's start/stop pattern (Start/Stop) and cluster/dragon/dragon.go's
// executeWithRetry/proposeWithRetry retry-loop shape (withRetry).
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/squareup/topologycoord/coordrpc"
	"github.com/squareup/topologycoord/errors"
	"github.com/squareup/topologycoord/fencing"
	"github.com/squareup/topologycoord/gossip"
	"github.com/squareup/topologycoord/metrics"
	"github.com/squareup/topologycoord/streaming"
	"github.com/squareup/topologycoord/topology"
	"go.uber.org/zap"
)

// Log is the subset of consensus.Log the Coordinator depends on, declared locally so this
// package has no import-time dependency on the dragonboat-specific consensus package.
type Log interface {
	Append(ctx context.Context, entry []byte) (committed bool, err error)
	IsLeader() bool
}

// RequestRecorder persists topology_requests rows. Satisfied by *storage.Store; declared locally
// so this package has no import-time dependency on the pebble-specific storage package.
type RequestRecorder interface {
	SaveTopologyRequestRow(requestID string, encoded []byte) error
}

// Coordinator is the leader-only driver of cluster topology transitions. It holds no durable
// state of its own: every field below is either a collaborator handle or derived afresh from the
// replicated Topology on every step, so a newly elected coordinator resumes correctly just by
// reading Topology.
type Coordinator struct {
	log      Log
	applier  *topology.Applier
	fencing  *fencing.Registry
	rpc      *coordrpc.Client
	gossiper gossip.Gossiper
	streamer streaming.Streamer
	requests RequestRecorder
	logger   *zap.Logger

	barrierTimeout time.Duration
	rpcPollPeriod  time.Duration

	// stepCounter counts completed driveStep calls when metrics are enabled; nil otherwise.
	stepCounter metrics.Counter

	// startStopLock is a single-flight semaphore guarding stopCh/stoppedCh: only one driver loop
	// may run at a time.
	startStopLock sync.Mutex
	stopCh        chan struct{}
	stoppedCh     chan struct{}
}

// Params bundles the Coordinator's collaborators.
type Params struct {
	Log            Log
	Applier        *topology.Applier
	Fencing        *fencing.Registry
	RPC            *coordrpc.Client
	Gossiper       gossip.Gossiper
	Streamer       streaming.Streamer
	// Requests, if non-nil, is written a topology_requests row recording (done, error) whenever a
	// per-node request reaches a terminal outcome.
	Requests RequestRecorder
	Logger   *zap.Logger
	BarrierTimeout time.Duration
	// RPCPollPeriod governs how often an idle driver loop rechecks leadership and pending work.
	RPCPollPeriod time.Duration
	// StepCounter, if non-nil, is incremented once per successfully completed driveStep.
	StepCounter metrics.Counter
}

// New constructs a Coordinator. It does not start the driver loop; call Start for that.
func New(p Params) *Coordinator {
	if p.RPCPollPeriod == 0 {
		p.RPCPollPeriod = 200 * time.Millisecond
	}
	return &Coordinator{
		log:            p.Log,
		applier:        p.Applier,
		fencing:        p.Fencing,
		rpc:            p.RPC,
		gossiper:       p.Gossiper,
		streamer:       p.Streamer,
		requests:       p.Requests,
		logger:         p.Logger,
		barrierTimeout: p.BarrierTimeout,
		rpcPollPeriod:  p.RPCPollPeriod,
		stepCounter:    p.StepCounter,
	}
}

// Start begins the driver loop in a background goroutine. Calling Start again while the loop is
// already running is a no-op.
func (c *Coordinator) Start() {
	c.startStopLock.Lock()
	defer c.startStopLock.Unlock()
	if c.stopCh != nil {
		return
	}
	c.stopCh = make(chan struct{})
	c.stoppedCh = make(chan struct{})
	go c.runLoop()
}

// Stop halts the driver loop and waits for the in-flight step, if any, to finish.
func (c *Coordinator) Stop() {
	c.startStopLock.Lock()
	defer c.startStopLock.Unlock()
	if c.stopCh == nil {
		return
	}
	close(c.stopCh)
	<-c.stoppedCh
	c.stopCh = nil
}

func (c *Coordinator) runLoop() {
	defer close(c.stoppedCh)
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		if !c.log.IsLeader() {
			c.sleep(c.rpcPollPeriod)
			continue
		}
		progressed, err := c.driveStep(context.Background())
		if err != nil {
			c.logger.Sugar().Warnf("coordinator: step failed, will retry: %+v", err)
		}
		if progressed && c.stepCounter != nil {
			c.stepCounter.Inc()
		}
		if !progressed {
			c.sleep(c.rpcPollPeriod)
		}
	}
}

func (c *Coordinator) sleep(d time.Duration) {
	select {
	case <-c.stopCh:
	case <-time.After(d):
	}
}

// proposeEntry encodes and commits entry through the consensus log, enforcing a "commit before
// RPC" ordering rule: every caller must finish this call before issuing any RPC that assumes the
// resulting state.
func (c *Coordinator) proposeEntry(ctx context.Context, entry topology.LogEntry) error {
	committed, err := c.log.Append(ctx, topology.Encode(entry))
	if err != nil {
		return errors.WithStack(err)
	}
	if !committed {
		return errors.NewNotLeaderError()
	}
	return nil
}

// withRetry retries op with exponential backoff, bounded by ctx rather than a fixed timeout so
// callers can supply their own deadline.
func (c *Coordinator) withRetry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0 // bounded by ctx instead
	return backoff.Retry(func() error {
		if !c.log.IsLeader() {
			// Loss of leadership aborts the in-flight step; the driver loop retries once re-elected.
			return backoff.Permanent(errors.NewNotLeaderError())
		}
		select {
		case <-ctx.Done():
			return backoff.Permanent(errors.WithStack(ctx.Err()))
		default:
		}
		return op()
	}, b)
}
