// Package fencing implements the per-replica fencing token registry: the gate every data-plane
// RPC handler consults before acting on a request that names a topology version.
package fencing

import (
	"sync"
	"time"

	"github.com/squareup/topologycoord/errors"
)

// Token is the fencing token carried by every data-plane RPC: a single topology_version integer.
// A zero Token means the caller opted out of fencing (legacy or bootstrapping callers).
type Token uint64

// OptedOut reports whether t represents a caller that opted out of fencing.
func (t Token) OptedOut() bool {
	return t == 0
}

// Registry holds the last-applied topology version and fence version for one replica. It is
// written only by the Applier (via Advance) and read by every data-plane request handler.
type Registry struct {
	mu      sync.Mutex
	cond    *sync.Cond
	version uint64
	fence   uint64
}

// NewRegistry returns a Registry starting at the given version/fence pair, matching whatever the
// local Applier's Topology snapshot reports at startup.
func NewRegistry(version uint64, fence uint64) *Registry {
	r := &Registry{version: version, fence: fence}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Advance is called by the local Applier after every committed entry to publish the new
// version/fence pair and wake any bounded waiter.
func (r *Registry) Advance(version uint64, fence uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.version = version
	r.fence = fence
	r.cond.Broadcast()
}

// Versions returns the currently published version and fence version.
func (r *Registry) Versions() (version uint64, fence uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version, r.fence
}

// Accepts implements the fencing policy:
//   - token >= fence_version locally: accepted.
//   - token < fence_version: rejected with StaleTopology.
//   - token > version locally: the callee waits (bounded by timeout) for its Applier to catch up.
//
// A zero token always passes (opt-out).
func (r *Registry) Accepts(token Token, timeout time.Duration) error {
	if token.OptedOut() {
		return nil
	}
	deadline := time.Now().Add(timeout)
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if uint64(token) < r.fence {
			return errors.NewStaleTopologyError(int64(token), int64(r.fence))
		}
		if uint64(token) <= r.version {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errors.NewPranaErrorf(errors.StaleTopology, "stale topology: timed out waiting for local version %d to reach token %d", r.version, uint64(token))
		}
		r.waitWithTimeout(remaining)
	}
}

func (r *Registry) waitWithTimeout(remaining time.Duration) {
	timer := time.AfterFunc(remaining, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	r.cond.Wait()
	timer.Stop()
}
