// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

package matching

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Admin override actions.
const (
	OverrideForceMatch     = "force_match"
	OverrideRemoveAgent    = "remove_agent"
	OverrideExtendDeadline = "extend_deadline"
)

// OverrideRequest is a manual intervention on a live matching request.
// Every override requires an operator identity and a free-text reason;
// both land verbatim in the override event and the audit log.
type OverrideRequest struct {
	RequestID string `cbor:"request_id"`

	// Action travels as override_action on the wire: the admin socket
	// header already claims the "action" key for handler dispatch.
	Action      string `cbor:"override_action"`
	AgentID     string `cbor:"agent_id,omitempty"`
	MatchID     string `cbor:"match_id,omitempty"`
	Reason      string `cbor:"reason"`
	AdminUserID string `cbor:"admin_user_id"`

	// ExtendBySeconds applies to extend_deadline only.
	ExtendBySeconds int `cbor:"extend_by_seconds,omitempty"`
}

// adminOp threads an override through the request's lane so it
// serializes against inbound events like any other transition.
type adminOp struct {
	id   string
	run  func(ctx context.Context)
	done chan struct{}
}

func (a adminOp) RequestID() string { return a.id }
func (adminOp) inboundEvent()       {}

// Override applies a manual intervention and returns the resulting
// state snapshot. The override event is published before Override
// returns, so a success reply always implies the event is out.
func (o *Orchestrator) Override(ctx context.Context, req OverrideRequest, minReasonLength int) (StateSnapshot, error) {
	if err := validateOverride(req, minReasonLength); err != nil {
		return StateSnapshot{}, err
	}

	var (
		opErr  error
		result StateSnapshot
	)
	op := adminOp{
		id:   req.RequestID,
		done: make(chan struct{}),
		run: func(laneCtx context.Context) {
			opErr = o.applyOverride(laneCtx, req)
			if opErr != nil {
				return
			}
			result, opErr = o.Snapshot(laneCtx, req.RequestID)
		},
	}
	o.Dispatch(ctx, op)

	select {
	case <-op.done:
		return result, opErr
	case <-ctx.Done():
		return StateSnapshot{}, ctx.Err()
	}
}

func validateOverride(req OverrideRequest, minReasonLength int) error {
	if req.RequestID == "" {
		return fmt.Errorf("matching: override: request_id is required")
	}
	if req.AdminUserID == "" {
		return fmt.Errorf("matching: override: admin_user_id is required")
	}
	if len(req.Reason) < minReasonLength {
		return fmt.Errorf("matching: override: reason must be at least %d characters", minReasonLength)
	}
	switch req.Action {
	case OverrideForceMatch, OverrideRemoveAgent:
		if req.AgentID == "" && req.MatchID == "" {
			return fmt.Errorf("matching: override: %s needs agent_id or match_id", req.Action)
		}
	case OverrideExtendDeadline:
		if req.MatchID == "" && req.AgentID == "" {
			return fmt.Errorf("matching: override: extend_deadline needs agent_id or match_id")
		}
		if req.ExtendBySeconds <= 0 {
			return fmt.Errorf("matching: override: extend_by_seconds must be positive")
		}
	default:
		return fmt.Errorf("matching: override: unknown action %q", req.Action)
	}
	return nil
}

// applyOverride runs inside the request's lane.
func (o *Orchestrator) applyOverride(ctx context.Context, req OverrideRequest) error {
	state, err := o.store.GetState(ctx, req.RequestID)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("matching: override: unknown request %q", req.RequestID)
	}
	if err != nil {
		return fmt.Errorf("matching: override: reading state: %w", err)
	}
	if state.Status.Terminal() {
		return fmt.Errorf("matching: override: request %s is %s", req.RequestID, state.Status)
	}

	match, err := o.locateMatch(ctx, req.RequestID, req.AgentID, req.MatchID)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("matching: override: no pending match for agent %q on request %q", req.AgentID, req.RequestID)
	}
	if err != nil {
		return fmt.Errorf("matching: override: locating match: %w", err)
	}

	meta := o.metaFor(ctx, req.RequestID, "", req.AdminUserID)

	switch req.Action {
	case OverrideForceMatch:
		err = o.forceMatch(ctx, meta, state, match)
	case OverrideRemoveAgent:
		err = o.removeAgent(ctx, meta, state, match, req.Reason)
	case OverrideExtendDeadline:
		err = o.extendDeadline(ctx, meta, state, match, time.Duration(req.ExtendBySeconds)*time.Second)
	}
	if err != nil {
		return err
	}

	// Synchronous with the mutation: a publish failure surfaces as an
	// override failure even though the state change stuck, and the
	// operator retries against the new state.
	if err := o.publisher.Publish(ctx, TopicAdminOverride, AdminOverrideEvent{
		RequestID:   req.RequestID,
		Action:      req.Action,
		AgentID:     match.AgentID,
		MatchID:     match.MatchID,
		Reason:      req.Reason,
		AdminUserID: req.AdminUserID,
	}, meta); err != nil {
		return fmt.Errorf("matching: override: publishing override event: %w", err)
	}
	return nil
}

// forceMatch accepts a pending match on the operator's authority,
// following the same supersede-and-finalize path as an agent
// confirmation.
func (o *Orchestrator) forceMatch(ctx context.Context, meta Meta, state MatchingState, match AgentMatch) error {
	if match.Status != MatchPending {
		return fmt.Errorf("matching: override: match %s is not pending", match.MatchID)
	}

	// Audit precedes the mutation, like every other transition.
	o.audit(ctx, meta, AuditEntry{
		RequestID: state.RequestID,
		Action:    "admin_force_match",
		Detail:    match.AgentID,
		Attempt:   state.Attempt,
	})

	accepted, err := o.store.TransitionMatch(ctx, match.MatchID, MatchPending, MatchAccepted)
	if err != nil {
		return fmt.Errorf("matching: override: accepting match: %w", err)
	}
	if !accepted {
		return fmt.Errorf("matching: override: match %s is not pending", match.MatchID)
	}

	o.scheduler.Cancel(match.MatchID)
	retired, err := o.store.SupersedePending(ctx, state.RequestID, match.MatchID)
	if err != nil {
		return fmt.Errorf("matching: override: superseding siblings: %w", err)
	}
	for _, sibling := range retired {
		o.scheduler.Cancel(sibling.MatchID)
	}

	if err := o.store.SetStatus(ctx, state.RequestID, StatusMatched, state.Attempt, o.clock.Now().UTC()); err != nil {
		return fmt.Errorf("matching: override: setting status: %w", err)
	}
	o.publishStatusChange(ctx, meta, state.RequestID, state.Status, StatusMatched, state.Attempt)
	o.publisher.Broadcast(ctx, BroadcastNewMatch, map[string]string{
		"request_id": state.RequestID,
		"agent_id":   match.AgentID,
		"match_id":   match.MatchID,
	}, meta)
	return nil
}

// removeAgent retires one pending match without triggering a rematch
// round. The operator decides what happens to the request next.
func (o *Orchestrator) removeAgent(ctx context.Context, meta Meta, state MatchingState, match AgentMatch, reason string) error {
	if match.Status != MatchPending {
		return fmt.Errorf("matching: override: match %s is not pending", match.MatchID)
	}

	o.audit(ctx, meta, AuditEntry{
		RequestID: state.RequestID,
		Action:    "admin_remove_agent",
		Detail:    fmt.Sprintf("%s: %s", match.AgentID, reason),
		Attempt:   state.Attempt,
	})

	changed, err := o.store.TransitionMatch(ctx, match.MatchID, MatchPending, MatchSuperseded)
	if err != nil {
		return fmt.Errorf("matching: override: retiring match: %w", err)
	}
	if !changed {
		return fmt.Errorf("matching: override: match %s is not pending", match.MatchID)
	}
	o.scheduler.Cancel(match.MatchID)
	return nil
}

// extendDeadline pushes a pending match's expiry out and re-arms its
// timer.
func (o *Orchestrator) extendDeadline(ctx context.Context, meta Meta, state MatchingState, match AgentMatch, extendBy time.Duration) error {
	if match.Status != MatchPending {
		return fmt.Errorf("matching: override: match %s is not pending", match.MatchID)
	}
	newExpiry := match.ExpiresAt.Add(extendBy)

	o.audit(ctx, meta, AuditEntry{
		RequestID: state.RequestID,
		Action:    "admin_extend_deadline",
		Detail:    fmt.Sprintf("%s until %s", match.MatchID, newExpiry.UTC().Format(time.RFC3339)),
		Attempt:   state.Attempt,
	})

	changed, err := o.store.UpdateMatchExpiry(ctx, match.MatchID, newExpiry)
	if err != nil {
		return fmt.Errorf("matching: override: updating expiry: %w", err)
	}
	if !changed {
		return fmt.Errorf("matching: override: match %s is not pending", match.MatchID)
	}
	o.scheduler.Arm(match.RequestID, match.AgentID, match.MatchID, newExpiry)
	return nil
}
