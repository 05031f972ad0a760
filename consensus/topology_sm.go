package consensus

import (
	"io"

	"github.com/lni/dragonboat/v3/statemachine"
	"github.com/squareup/topologycoord/common"
	"github.com/squareup/topologycoord/errors"
	"github.com/squareup/topologycoord/storage"
	"github.com/squareup/topologycoord/topology"
)

const topologyStateMachineUpdatedOK uint64 = 1

// TopologyStateMachine hosts a topology.Applier inside a dragonboat on-disk state machine,
// grounded directly on cluster/dragon/sequence_odsm.go's Open/Update/PrepareSnapshot/
// SaveSnapshot/RecoverFromSnapshot shape: every dragonboat log entry decodes to a
// topology.LogEntry via topology.Decode, is applied to the in-process Applier, and the resulting
// Topology snapshot is persisted to pebble in the same batch.
type TopologyStateMachine struct {
	store   *storage.Store
	applier *topology.Applier
}

// NewTopologyStateMachine constructs the state machine. applier must already hold whatever
// Topology was last persisted (or topology.NewTopology() on first boot); the caller loads it from
// store before wiring this up.
func NewTopologyStateMachine(store *storage.Store, applier *topology.Applier) *TopologyStateMachine {
	return &TopologyStateMachine{store: store, applier: applier}
}

func (s *TopologyStateMachine) Open(_ <-chan struct{}) (uint64, error) {
	return s.store.LoadAppliedIndex()
}

func (s *TopologyStateMachine) Update(entries []statemachine.Entry) ([]statemachine.Entry, error) {
	for i, entry := range entries {
		logEntry, err := topology.Decode(entry.Cmd)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		// An entry that fails to apply violates a topology invariant, which per the Applier's
		// contract is a fatal programming bug, not a recoverable condition: the consensus layer
		// must never deliver unordered entries, and every proposer checks preconditions against
		// a Snapshot() before proposing. Abort rather than let replicas silently diverge.
		if _, err := s.applier.Apply(logEntry); err != nil {
			panic(err)
		}
		entries[i].Result.Value = topologyStateMachineUpdatedOK
	}
	snap := s.applier.Snapshot()
	encoded := topology.EncodeSnapshot(snap)
	lastIndex := entries[len(entries)-1].Index
	if err := s.store.SaveTopologyRow(encoded, lastIndex); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *TopologyStateMachine) Lookup(_ interface{}) (interface{}, error) {
	return topology.EncodeSnapshot(s.applier.Snapshot()), nil
}

func (s *TopologyStateMachine) Sync() error {
	return nil
}

func (s *TopologyStateMachine) PrepareSnapshot() (interface{}, error) {
	return s.applier.Snapshot(), nil
}

func (s *TopologyStateMachine) SaveSnapshot(i interface{}, w io.Writer, _ <-chan struct{}) error {
	snap, ok := i.(*topology.Topology)
	if !ok {
		panic("not a topology snapshot")
	}
	encoded := topology.EncodeSnapshot(snap)
	buff := common.AppendUint32ToBufferLE(nil, uint32(len(encoded)))
	buff = append(buff, encoded...)
	_, err := w.Write(buff)
	return errors.WithStack(err)
}

func (s *TopologyStateMachine) RecoverFromSnapshot(r io.Reader, _ <-chan struct{}) error {
	lenBuff := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuff); err != nil {
		return errors.WithStack(err)
	}
	l, _ := common.ReadUint32FromBufferLE(lenBuff, 0)
	encoded := make([]byte, l)
	if _, err := io.ReadFull(r, encoded); err != nil {
		return errors.WithStack(err)
	}
	snap, err := topology.DecodeSnapshot(encoded)
	if err != nil {
		return err
	}
	s.applier.Restore(snap)
	return s.store.SaveTopologyRow(encoded, 0)
}

func (s *TopologyStateMachine) Close() error {
	return nil
}
