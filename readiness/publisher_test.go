package readiness

import (
	"testing"

	"github.com/squareup/topologycoord/topology"
	"github.com/stretchr/testify/require"
)

type fakeGossiper struct {
	state map[string]string
}

func newFakeGossiper() *fakeGossiper {
	return &fakeGossiper{state: make(map[string]string)}
}

func (f *fakeGossiper) SetApplicationState(key, value string) error {
	f.state[key] = value
	return nil
}

func (f *fakeGossiper) AddressOf(topology.NodeID) (string, bool) {
	return "", false
}

func TestMarkReadyAndNotReady(t *testing.T) {
	g := newFakeGossiper()
	p := NewPublisher(g)

	require.NoError(t, p.MarkReady())
	require.Equal(t, "true", g.state[CQLReadyKey])

	require.NoError(t, p.MarkNotReady())
	require.Equal(t, "false", g.state[CQLReadyKey])
}
