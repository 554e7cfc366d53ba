package core

import (
	"errors"
	"time"
)

// LifecycleState is the engine's local view of a grant
type LifecycleState string

const (
	StatePending LifecycleState = "pending"
	StateActive  LifecycleState = "active"
	StateExpired LifecycleState = "expired"
	StateRevoked LifecycleState = "revoked"
	StateFailed  LifecycleState = "failed"
)

var ErrRecordNotFound = errors.New("grant record not found")

// Priority orders states for the stale-event guard.
// Revoked = Expired > Active > Pending = Failed.
func (s LifecycleState) Priority() int {
	switch s {
	case StateRevoked, StateExpired:
		return 3
	case StateActive:
		return 2
	case StatePending, StateFailed:
		return 1
	default:
		return 0
	}
}

// IsTerminal reports whether no transition may leave s
func (s LifecycleState) IsTerminal() bool {
	return s == StateRevoked || s == StateExpired
}

// Valid reports whether s is a known state
func (s LifecycleState) Valid() bool {
	return s.Priority() > 0
}

// StateForStatus maps a server status to the state it drives toward
func StateForStatus(status GrantStatus) LifecycleState {
	switch status {
	case GrantStatusRevoked:
		return StateRevoked
	case GrantStatusExpired:
		return StateExpired
	default:
		return StateActive
	}
}

// GrantRecord is the engine's bookkeeping for one grant
type GrantRecord struct {
	Grant       Grant
	State       LifecycleState
	Fingerprint string // fingerprint of the grant last applied to enforcement
	LastError   string
	Attempts    int  // apply attempts since the last success
	Local       bool // created on this device; the authority has never seen it
	UpdatedAt   time.Time
}

// ChildUserID is shorthand for r.Grant.ChildUserID
func (r *GrantRecord) ChildUserID() string {
	return r.Grant.ChildUserID
}

// Clone returns a deep copy of the record
func (r *GrantRecord) Clone() *GrantRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Grant = r.Grant.Clone()
	return &c
}
