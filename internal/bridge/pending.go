package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"famlink/internal/clock"
)

var ErrDuplicateRequest = errors.New("request ID already pending")

// Result settles a pending request
type Result struct {
	Payload json.RawMessage
	Err     error
}

type pendingEntry struct {
	result   chan Result
	timer    *clock.Timer
	deadline time.Time
}

// PendingRegistry tracks requests awaiting a response. Every entry is
// settled exactly once: it is removed under the lock before its result is
// delivered, so a late response, a duplicate or a racing timer finds nothing.
type PendingRegistry struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]*pendingEntry
}

// NewPendingRegistry creates an empty registry
func NewPendingRegistry(clk clock.Clock) *PendingRegistry {
	if clk == nil {
		clk = clock.Real{}
	}
	return &PendingRegistry{
		clock:   clk,
		entries: make(map[string]*pendingEntry),
	}
}

// Register adds a pending request that is rejected with ErrTimeout after
// timeout. A zero timeout never expires. The returned channel receives
// exactly one Result.
func (r *PendingRegistry) Register(id string, timeout time.Duration) (<-chan Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, id)
	}

	entry := &pendingEntry{result: make(chan Result, 1)}
	if timeout > 0 {
		entry.deadline = r.clock.Now().Add(timeout)
		entry.timer = r.clock.AfterFunc(timeout, func() {
			r.settle(id, Result{Err: Wrap(CodeTimeout, fmt.Sprintf("request %s unanswered after %s", id, timeout), nil)})
		})
	}
	r.entries[id] = entry
	return entry.result, nil
}

// Resolve settles id with a payload. Returns false when id is not pending.
func (r *PendingRegistry) Resolve(id string, payload json.RawMessage) bool {
	return r.settle(id, Result{Payload: payload})
}

// Reject settles id with err. Returns false when id is not pending.
func (r *PendingRegistry) Reject(id string, err error) bool {
	return r.settle(id, Result{Err: err})
}

// Has reports whether id is pending
func (r *PendingRegistry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// Deadline returns when id times out
func (r *PendingRegistry) Deadline(id string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return time.Time{}, false
	}
	return entry.deadline, true
}

// Len returns the number of pending requests
func (r *PendingRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// RejectAll settles every pending request with err
func (r *PendingRegistry) RejectAll(err error) int {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	n := 0
	for _, id := range ids {
		if r.settle(id, Result{Err: err}) {
			n++
		}
	}
	return n
}

// settle removes the entry, delivers the result, then stops the timer
func (r *PendingRegistry) settle(id string, res Result) bool {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	entry.result <- res
	if entry.timer != nil {
		entry.timer.Stop()
	}
	return true
}
