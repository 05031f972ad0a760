package consensus

import (
	"context"
	"sync"

	"github.com/squareup/topologycoord/errors"
	"github.com/squareup/topologycoord/topology"
)

// FakeLog is an in-process stand-in for DragonLog, grounded on notifier.FakeNotifier's shape:
// a single-node, always-leader collaborator for TestServer-mode config, so a unit test can build
// a full Server without a real multi-raft group. Every Append applies synchronously against its
// own Applier and always succeeds.
type FakeLog struct {
	mu      sync.Mutex
	applier *topology.Applier
}

// NewFakeLog constructs a FakeLog that applies directly onto applier.
func NewFakeLog(applier *topology.Applier) *FakeLog {
	return &FakeLog{applier: applier}
}

func (f *FakeLog) Append(_ context.Context, entry []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	decoded, err := topology.Decode(entry)
	if err != nil {
		return false, errors.WithStack(err)
	}
	if _, err := f.applier.Apply(decoded); err != nil {
		return false, errors.WithStack(err)
	}
	return true, nil
}

func (f *FakeLog) Subscribe(func(entry []byte)) {}

func (f *FakeLog) SnapshotInstall([]byte) error { return nil }

func (f *FakeLog) IsLeader() bool { return true }

func (f *FakeLog) Stop() {}
