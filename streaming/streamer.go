// Package streaming defines the Streamer collaborator contract the coordinator's stream_ranges
// step depends on, and a coordrpc-backed implementation.
package streaming

import (
	"context"

	"github.com/squareup/topologycoord/coordrpc"
	"github.com/squareup/topologycoord/errors"
	"github.com/squareup/topologycoord/fencing"
	"github.com/squareup/topologycoord/topology"
)

// Streamer is the external collaborator the coordinator's stream_ranges step depends on: stream
// the owned data for ranges to target under sessionID, and report success or failure once the
// transfer completes.
type Streamer interface {
	Stream(ctx context.Context, ranges []topology.TokenRange, target topology.NodeID, sessionID string) error
}

// AddressResolver maps a NodeID to the coordrpc address to dial, typically gossip.Gossiper.AddressOf.
type AddressResolver interface {
	AddressOf(id topology.NodeID) (string, bool)
}

// CoordRPCStreamer issues stream_ranges over coordrpc to whichever node currently owns target,
// grounded on coordrpc.Client.StreamRanges (itself adapted from remoting/client.go).
type CoordRPCStreamer struct {
	client    *coordrpc.Client
	resolver  AddressResolver
	token     fencing.Token
}

// NewCoordRPCStreamer constructs a Streamer that dials addresses resolved via resolver, tagging
// every RPC with token.
func NewCoordRPCStreamer(client *coordrpc.Client, resolver AddressResolver, token fencing.Token) *CoordRPCStreamer {
	return &CoordRPCStreamer{client: client, resolver: resolver, token: token}
}

func (s *CoordRPCStreamer) Stream(ctx context.Context, ranges []topology.TokenRange, target topology.NodeID, sessionID string) error {
	addr, ok := s.resolver.AddressOf(target)
	if !ok {
		return errors.NewStreamFailedError(string(target), "no known address for stream_ranges target")
	}
	return s.client.StreamRanges(ctx, addr, s.token, ranges, sessionID)
}
