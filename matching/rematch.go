// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

package matching

import "fmt"

// Action is the orchestrator's next move after a decline or expiry.
type Action int

const (
	// ActionNoOp: enough matches remain live, nothing to do.
	ActionNoOp Action = iota
	// ActionRematch: run a new selection round.
	ActionRematch
	// ActionFail: attempts are exhausted, transition to FAILED.
	ActionFail
)

func (a Action) String() string {
	switch a {
	case ActionNoOp:
		return "no_op"
	case ActionRematch:
		return "rematch"
	case ActionFail:
		return "fail"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Decision is the outcome of evaluating a decline. NextAttempt is
// meaningful only for ActionRematch; Reason only for ActionFail.
type Decision struct {
	Action      Action
	NextAttempt int
	Reason      string
}

// Decide returns the orchestrator's next action after a match leaves
// PENDING. Pure function of its inputs, no side effects: the
// decline-handling branch of the state machine is kept here so it is
// independently testable.
//
// remaining is the request's current PENDING count, minAgents the
// season-adjusted minimum, attempt the current rematch counter.
func Decide(remaining, minAgents, attempt, maxAttempts int) Decision {
	if remaining >= minAgents {
		return Decision{Action: ActionNoOp}
	}
	if attempt >= maxAttempts {
		return Decision{Action: ActionFail, Reason: "max_attempts_exhausted"}
	}
	return Decision{Action: ActionRematch, NextAttempt: attempt + 1}
}
