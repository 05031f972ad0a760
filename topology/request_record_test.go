package topology

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestRecordRoundTrip(t *testing.T) {
	for _, r := range []RequestRecord{
		{RequestID: "req-1", NodeID: "n1", Kind: RequestJoin, Done: true},
		{RequestID: "req-2", NodeID: "n2", Kind: RequestLeave, Done: true, Error: "range streaming to/from node n2 failed: simulated"},
	} {
		decoded := DecodeRequestRecord(EncodeRequestRecord(r))
		require.Equal(t, r, decoded)
	}
}
