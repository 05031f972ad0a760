// Package readiness publishes whether this node is ready to accept CQL client traffic, grounded
// on notifier.Client's BroadcastOneway shape generalized from a "DDL statement" payload to a
// single boolean application-state key carried over gossip.Gossiper.
package readiness

import (
	"github.com/squareup/topologycoord/gossip"
)

// CQLReadyKey is the application-state key the rest of the cluster watches to learn whether this
// node is serving CQL traffic.
const CQLReadyKey = "cql_ready"

// Publisher is a thin adapter over a gossip.Gossiper: it flips CQLReadyKey on entering normal and
// clears it on leaving normal.
type Publisher struct {
	gossiper gossip.Gossiper
}

// NewPublisher wraps gossiper.
func NewPublisher(gossiper gossip.Gossiper) *Publisher {
	return &Publisher{gossiper: gossiper}
}

// MarkReady publishes that this node is now serving CQL traffic. The server calls it when the
// node enters normal_nodes, and at server start if the node is already there.
func (p *Publisher) MarkReady() error {
	return p.gossiper.SetApplicationState(CQLReadyKey, "true")
}

// MarkNotReady clears the ready bit. The server calls it when the node leaves normal_nodes, and at
// server start if the node is not in normal_nodes.
func (p *Publisher) MarkNotReady() error {
	return p.gossiper.SetApplicationState(CQLReadyKey, "false")
}
