package coordinator

import (
	"context"
	"time"

	"github.com/squareup/topologycoord/errors"
	"github.com/squareup/topologycoord/fencing"
	"github.com/squareup/topologycoord/topology"
)

// waitForIPPollInterval governs how often waitForIP rechecks the gossiper while a joining node's
// address is not yet known.
const waitForIPPollInterval = 200 * time.Millisecond

// waitForIP blocks until the gossiper reports a reachable address for id, polling until a
// joining node's address becomes known through the gossip address map.
func (c *Coordinator) waitForIP(ctx context.Context, id topology.NodeID) error {
	for {
		if _, ok := c.gossiper.AddressOf(id); ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-time.After(waitForIPPollInterval):
		}
	}
}

// barrierTargets returns every node a barrier at the current transition must wait for: every
// normal and transition node, minus Topology.ExcludedNodes().
func barrierTargets(snap *topology.Topology) []topology.NodeID {
	excluded := snap.ExcludedNodes()
	var targets []topology.NodeID
	for id := range snap.NormalNodes {
		if _, ex := excluded[id]; !ex {
			targets = append(targets, id)
		}
	}
	for id := range snap.TransitionNodes {
		if _, ex := excluded[id]; !ex {
			targets = append(targets, id)
		}
	}
	return targets
}

// barrierAll issues a barrier (or barrier_and_drain) RPC to every barrier target at version,
// retrying each with exponential backoff until every target acknowledges or the coordinator loses
// leadership. A barrier target is every normal or transition node not in ExcludedNodes().
func (c *Coordinator) barrierAll(ctx context.Context, snap *topology.Topology, version uint64, drain bool) error {
	for _, id := range barrierTargets(snap) {
		id := id
		if err := c.withRetry(ctx, func() error {
			addr, ok := c.gossiper.AddressOf(id)
			if !ok {
				return errors.NewBarrierFailedError(string(id), "no known address")
			}
			if drain {
				return c.rpc.BarrierAndDrain(ctx, addr, fencing.Token(version), version)
			}
			return c.rpc.Barrier(ctx, addr, fencing.Token(version), version)
		}); err != nil {
			return err
		}
	}
	return nil
}
