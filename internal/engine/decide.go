// Package engine turns grant change events into enforcement actions.
//
// Events for one child are handled strictly one at a time. Delivery order is
// not trusted: a lower-priority event arriving after a higher-priority one is
// discarded, so a late "active" can never re-enable a revoked grant.
package engine

import (
	"time"

	"famlink/internal/codec"
	"famlink/internal/core"
)

// Action is what the engine must do for an incoming grant version
type Action string

const (
	ActionApply       Action = "apply"
	ActionUpdate      Action = "update"
	ActionRevoke      Action = "revoke"
	ActionExpire      Action = "expire"
	ActionIgnoreStale Action = "ignore-stale"
	ActionNone        Action = "none"
)

// Calls reports whether the action reaches the enforcement bridge
func (a Action) Calls() bool {
	switch a {
	case ActionApply, ActionUpdate, ActionRevoke, ActionExpire:
		return true
	}
	return false
}

// Decision is the result of Decide
type Decision struct {
	Action Action
	Target core.LifecycleState
	Reason string
}

// Decide computes the action for incoming given the current record (nil when
// the grant has never been seen). It has no side effects.
func Decide(record *core.GrantRecord, incoming core.Grant, now time.Time) Decision {
	target := core.StateForStatus(incoming.Status)
	if target == core.StateActive && incoming.IsExpiredAt(now) {
		target = core.StateExpired
	}

	if record == nil {
		switch target {
		case core.StateRevoked:
			return Decision{Action: ActionRevoke, Target: core.StateRevoked, Reason: "first seen revoked"}
		case core.StateExpired:
			return Decision{Action: ActionExpire, Target: core.StateExpired, Reason: "first seen expired"}
		default:
			return Decision{Action: ActionApply, Target: core.StateActive, Reason: "new grant"}
		}
	}

	current := record.State

	if target.Priority() < current.Priority() {
		return Decision{Action: ActionIgnoreStale, Target: current, Reason: "lower priority than " + string(current)}
	}

	if current.IsTerminal() {
		// A terminal grant whose revoke failed gets another attempt when the
		// server touches it again.
		if record.LastError != "" && target.IsTerminal() {
			return Decision{Action: terminalAction(current), Target: current, Reason: "retry failed " + string(current)}
		}
		return Decision{Action: ActionNone, Target: current, Reason: "already " + string(current)}
	}

	if target.IsTerminal() {
		return Decision{Action: terminalAction(target), Target: target, Reason: string(incoming.Status)}
	}

	if incoming.Version < record.Grant.Version {
		return Decision{Action: ActionIgnoreStale, Target: current, Reason: "older version"}
	}

	if current == core.StateActive {
		fp, err := codec.Fingerprint(&incoming)
		if err == nil && fp == record.Fingerprint {
			return Decision{Action: ActionNone, Target: current, Reason: "duplicate"}
		}
		return Decision{Action: ActionUpdate, Target: core.StateActive, Reason: "grant changed"}
	}

	// Pending or Failed
	return Decision{Action: ActionApply, Target: core.StateActive, Reason: "apply from " + string(current)}
}

func terminalAction(state core.LifecycleState) Action {
	if state == core.StateExpired {
		return ActionExpire
	}
	return ActionRevoke
}
