package storage

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	dir, err := ioutil.TempDir("", "topologycoord-storage-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	s, err := Open(dir, 0, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTopologyRowRoundTrip(t *testing.T) {
	s := tempStore(t)

	row, err := s.LoadTopologyRow()
	require.NoError(t, err)
	require.Nil(t, row)

	require.NoError(t, s.SaveTopologyRow([]byte("encoded-topology"), 7))

	row, err = s.LoadTopologyRow()
	require.NoError(t, err)
	require.Equal(t, []byte("encoded-topology"), row)

	idx, err := s.LoadAppliedIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(7), idx)
}

func TestCDCGenerationRowsScan(t *testing.T) {
	s := tempStore(t)

	require.NoError(t, s.SaveCDCGenerationRow("gen-1", []byte("row-1")))
	require.NoError(t, s.SaveCDCGenerationRow("gen-2", []byte("row-2")))

	rows, err := s.ScanCDCGenerationRows()
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestTopologyRequestRowsScan(t *testing.T) {
	s := tempStore(t)

	require.NoError(t, s.SaveTopologyRequestRow("req-1", []byte("row-1")))

	rows, err := s.ScanTopologyRequestRows()
	require.NoError(t, err)
	require.Len(t, rows, 1)
}
