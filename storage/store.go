// Package storage persists the three logical tables the topology coordinator owns — topology,
// cdc_generations, and topology_requests — over cockroachdb/pebble, grounded on
// cluster/dragon/dragon.go's pebble.Open/NewBatch usage. Because the topology core has exactly
// one logical shard cluster-wide (a single replicated row), keys here are plain table-id-prefixed
// byte strings rather than a shard-scoped key-prefix scheme.
package storage

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/cockroachdb/pebble"
	"github.com/squareup/topologycoord/common"
	"github.com/squareup/topologycoord/errors"
)

const (
	tableTopology         byte = 1
	tableCDCGenerations   byte = 2
	tableTopologyRequests byte = 3
	tableRaftAppliedIndex byte = 4
)

var syncWriteOptions = &pebble.WriteOptions{Sync: true}
var nosyncWriteOptions = &pebble.WriteOptions{Sync: false}

// Store is the pebble-backed persistence layer for one replica's topology state machine.
type Store struct {
	db *pebble.DB
}

// Open opens (creating if necessary) the pebble database rooted at dataDir/node-<nodeID>/pebble.
func Open(dataDir string, nodeID int, disableFsync bool) (*Store, error) {
	dir := filepath.Join(dataDir, "node-"+strconv.Itoa(nodeID), "pebble")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.WithStack(err)
	}
	opts := &pebble.Options{}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	s := &Store{db: db}
	if disableFsync {
		syncWriteOptions = nosyncWriteOptions
	}
	return s, nil
}

func (s *Store) Close() error {
	return errors.WithStack(s.db.Close())
}

// SaveTopologyRow persists the single canonical Topology row, encoded by the caller (topology
// package owns the wire format via topology.EncodeSnapshot).
func (s *Store) SaveTopologyRow(encoded []byte, appliedIndex uint64) error {
	batch := s.db.NewBatch()
	if err := batch.Set(key(tableTopology, nil), encoded, nil); err != nil {
		return errors.WithStack(err)
	}
	if err := s.writeAppliedIndex(batch, appliedIndex); err != nil {
		return err
	}
	return errors.WithStack(s.db.Apply(batch, nosyncWriteOptions))
}

// LoadTopologyRow returns the persisted canonical Topology row, or nil if none has been written
// yet (first boot).
func (s *Store) LoadTopologyRow() ([]byte, error) {
	v, closer, err := s.db.Get(key(tableTopology, nil))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer common.InvokeCloser(closer)
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// SaveCDCGenerationRow persists one CDC generation row keyed by its data UUID.
func (s *Store) SaveCDCGenerationRow(uuid string, encoded []byte) error {
	return errors.WithStack(s.db.Set(key(tableCDCGenerations, []byte(uuid)), encoded, nosyncWriteOptions))
}

// ScanCDCGenerationRows returns every persisted CDC generation row.
func (s *Store) ScanCDCGenerationRows() ([][]byte, error) {
	return s.scanTable(tableCDCGenerations)
}

// SaveTopologyRequestRow persists one topology_requests row keyed by its request id.
func (s *Store) SaveTopologyRequestRow(requestID string, encoded []byte) error {
	return errors.WithStack(s.db.Set(key(tableTopologyRequests, []byte(requestID)), encoded, nosyncWriteOptions))
}

// ScanTopologyRequestRows returns every persisted topology_requests row.
func (s *Store) ScanTopologyRequestRows() ([][]byte, error) {
	return s.scanTable(tableTopologyRequests)
}

// LoadAppliedIndex returns the last raft log index this replica has applied, or 0 if none.
func (s *Store) LoadAppliedIndex() (uint64, error) {
	v, closer, err := s.db.Get(key(tableRaftAppliedIndex, nil))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, errors.WithStack(err)
	}
	defer common.InvokeCloser(closer)
	idx, _ := common.ReadUint64FromBufferLE(v, 0)
	return idx, nil
}

func (s *Store) writeAppliedIndex(batch *pebble.Batch, index uint64) error {
	vb := common.AppendUint64ToBufferLE(nil, index)
	return errors.WithStack(batch.Set(key(tableRaftAppliedIndex, nil), vb, nil))
}

func (s *Store) scanTable(table byte) ([][]byte, error) {
	lower := key(table, nil)
	upper := common.IncrementBytesBigEndian(append([]byte{}, lower...))
	iter := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	defer func() { _ = iter.Close() }()
	var rows [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		v := iter.Value()
		cp := make([]byte, len(v))
		copy(cp, v)
		rows = append(rows, cp)
	}
	return rows, errors.WithStack(iter.Error())
}

func key(table byte, suffix []byte) []byte {
	k := make([]byte, 0, 1+len(suffix))
	k = append(k, table)
	k = append(k, suffix...)
	return k
}
