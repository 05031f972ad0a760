package topology

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func supportedSet(features ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(features))
	for _, f := range features {
		s[f] = struct{}{}
	}
	return s
}

func TestFindContainsSizeIsEmpty(t *testing.T) {
	topo := NewTopology()
	topo.NewNodes["n1"] = &ReplicaState{State: NodeStateNone}
	topo.NormalNodes["n2"] = &ReplicaState{State: NodeStateNormal, Ring: NewRingSlice(1, 2)}
	topo.LeftNodes["n3"] = struct{}{}

	rs, ok := topo.Find("n1")
	require.True(t, ok)
	require.Equal(t, NodeStateNone, rs.State)

	_, ok = topo.Find("n3")
	require.False(t, ok, "left nodes are not returned by Find")

	require.True(t, topo.Contains("n3"))
	require.True(t, topo.Contains("n1"))
	require.False(t, topo.Contains("unknown"))

	require.Equal(t, 2, topo.Size())
	require.False(t, topo.IsEmpty())
}

func TestIsBusy(t *testing.T) {
	topo := NewTopology()
	require.False(t, topo.IsBusy())

	topo.TransitionNodes["n1"] = &ReplicaState{State: NodeStateBootstrapping}
	require.True(t, topo.IsBusy())

	topo2 := NewTopology()
	g := GlobalRequestCleanup
	topo2.GlobalRequest = &g
	require.True(t, topo2.IsBusy())

	topo3 := NewTopology()
	ts := JoinGroup0
	topo3.TState = &ts
	require.True(t, topo3.IsBusy())
}

func TestExcludedNodesForRemove(t *testing.T) {
	topo := NewTopology()
	topo.TransitionNodes["n1"] = &ReplicaState{State: NodeStateRemoving}
	topo.Requests["n1"] = RequestRemove
	topo.ReqParam["n1"] = RequestParam{Kind: RequestRemove, Remove: &RemoveParam{IgnoredIDs: map[NodeID]struct{}{"n9": {}}}}

	excluded := topo.ExcludedNodes()
	require.Contains(t, excluded, NodeID("n1"))
	require.Contains(t, excluded, NodeID("n9"))
}

func TestExcludedNodesForReplace(t *testing.T) {
	topo := NewTopology()
	topo.TransitionNodes["n4"] = &ReplicaState{State: NodeStateReplacing}
	topo.Requests["n4"] = RequestReplace
	topo.ReqParam["n4"] = RequestParam{Kind: RequestReplace, Replace: &ReplaceParam{
		ReplacedID: "n1",
		IgnoredIDs: map[NodeID]struct{}{"n1": {}},
	}}

	excluded := topo.ExcludedNodes()
	require.Contains(t, excluded, NodeID("n1"))
	require.NotContains(t, excluded, NodeID("n4"), "the joining node itself is not excluded")
}

func TestNotYetEnabledFeatures(t *testing.T) {
	topo := NewTopology()
	topo.NormalNodes["n1"] = &ReplicaState{State: NodeStateNormal, Ring: NewRingSlice(1), SupportedFeatures: supportedSet("a", "b", "c")}
	topo.NormalNodes["n2"] = &ReplicaState{State: NodeStateNormal, Ring: NewRingSlice(2), SupportedFeatures: supportedSet("a", "b")}
	topo.EnabledFeatures = supportedSet("a")

	notYet := topo.NotYetEnabledFeatures()
	require.Equal(t, map[string]struct{}{"b": {}}, notYet)
}

func TestSelectNextPriorityOrder(t *testing.T) {
	topo := NewTopology()
	topo.Requests["A"] = RequestJoin
	topo.Requests["B"] = RequestReplace
	topo.Requests["C"] = RequestRebuild
	topo.Requests["D"] = RequestLeave

	sel, ok := SelectNext(topo)
	require.True(t, ok)
	require.Equal(t, NodeID("B"), sel.NodeID)
	require.Equal(t, RequestReplace, sel.Kind)

	delete(topo.Requests, "B")
	sel, ok = SelectNext(topo)
	require.True(t, ok)
	require.Equal(t, NodeID("A"), sel.NodeID)

	delete(topo.Requests, "A")
	sel, ok = SelectNext(topo)
	require.True(t, ok)
	require.Equal(t, NodeID("D"), sel.NodeID)

	delete(topo.Requests, "D")
	sel, ok = SelectNext(topo)
	require.True(t, ok)
	require.Equal(t, NodeID("C"), sel.NodeID)
}

func TestSelectNextFallsBackToGlobalRequest(t *testing.T) {
	topo := NewTopology()
	g := GlobalRequestCleanup
	topo.GlobalRequest = &g

	sel, ok := SelectNext(topo)
	require.True(t, ok)
	require.NotNil(t, sel.Global)
	require.Equal(t, GlobalRequestCleanup, *sel.Global)
}

func TestSelectNextNothingPending(t *testing.T) {
	topo := NewTopology()
	_, ok := SelectNext(topo)
	require.False(t, ok)
}
