package fencing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcceptsRejectsStaleToken(t *testing.T) {
	r := NewRegistry(10, 10)

	err := r.Accepts(Token(9), time.Second)
	require.Error(t, err)

	err = r.Accepts(Token(10), time.Second)
	require.NoError(t, err)
}

func TestAcceptsZeroTokenAlwaysOptsOut(t *testing.T) {
	r := NewRegistry(10, 10)
	require.NoError(t, r.Accepts(Token(0), time.Millisecond))
}

func TestAcceptsBlocksUntilApplierCatchesUp(t *testing.T) {
	r := NewRegistry(10, 10)

	done := make(chan error, 1)
	go func() {
		done <- r.Accepts(Token(11), 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	r.Advance(11, 10)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Accepts did not unblock after Advance")
	}
}

func TestAcceptsTimesOutWaitingForVersion(t *testing.T) {
	r := NewRegistry(10, 10)
	err := r.Accepts(Token(100), 30*time.Millisecond)
	require.Error(t, err)
}

func TestScenarioS3StaleRejectedCurrentAcceptedAheadBlocks(t *testing.T) {
	// Scenario S3: at (version=10, fence=10), token=9 rejected, token=10 accepted, and
	// token=11 blocks until the registry advances to 11.
	r := NewRegistry(10, 10)
	require.Error(t, r.Accepts(Token(9), time.Millisecond))
	require.NoError(t, r.Accepts(Token(10), time.Millisecond))

	go func() {
		time.Sleep(10 * time.Millisecond)
		r.Advance(11, 10)
	}()
	require.NoError(t, r.Accepts(Token(11), 2*time.Second))
}
