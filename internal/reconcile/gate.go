package reconcile

import (
	"fmt"
	"sync"
)

// ErrBusy is returned when a core operation is requested while another
// reconcile/import/export is already in flight. These operations are not
// re-entrant and are mutually exclusive with each other.
var ErrBusy = fmt.Errorf("another core operation is in progress")

// Gate is the process-local mutual-exclusion gate shared by the
// reconciler and the snapshot service. It never blocks: a second caller
// gets ErrBusy instead of queueing, because the orchestrator is
// single-threaded by contract and a queued duplicate would only re-do
// work the first caller already did.
type Gate struct {
	mu sync.Mutex
}

// Acquire takes the gate, or returns ErrBusy with an operation name for
// the caller's error message.
func (g *Gate) Acquire(op string) (release func(), err error) {
	if !g.mu.TryLock() {
		return nil, fmt.Errorf("%s: %w", op, ErrBusy)
	}
	return g.mu.Unlock, nil
}
