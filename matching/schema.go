// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

package matching

import "time"

// RequestStatus is the lifecycle state of a request's matching
// process. Owned exclusively by the Orchestrator; nothing else mutates
// it.
type RequestStatus string

const (
	// StatusMatching is the initial state: a selection round is in
	// progress.
	StatusMatching RequestStatus = "MATCHING"
	// StatusAgentsMatched means a round completed and matched agents
	// are being waited on.
	StatusAgentsMatched RequestStatus = "AGENTS_MATCHED"
	// StatusRematching means too many agents declined or expired and
	// a new round is running.
	StatusRematching RequestStatus = "REMATCHING"
	// StatusMatched is terminal: an agent accepted.
	StatusMatched RequestStatus = "MATCHED"
	// StatusFailed is terminal: candidates or attempts ran out.
	StatusFailed RequestStatus = "FAILED"
	// StatusCancelled is terminal: the requester cancelled.
	StatusCancelled RequestStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s RequestStatus) Terminal() bool {
	return s == StatusMatched || s == StatusFailed || s == StatusCancelled
}

// MatchStatus is the lifecycle state of one agent match.
type MatchStatus string

const (
	// MatchPending means the agent has been matched and not yet
	// responded.
	MatchPending MatchStatus = "PENDING"
	// MatchAccepted means the agent confirmed the request.
	MatchAccepted MatchStatus = "ACCEPTED"
	// MatchDeclined means the agent declined.
	MatchDeclined MatchStatus = "DECLINED"
	// MatchExpired means the agent's response window elapsed.
	MatchExpired MatchStatus = "EXPIRED"
	// MatchSuperseded means the match was retired without an agent
	// response: another agent accepted, an admin removed it, or the
	// request was cancelled.
	MatchSuperseded MatchStatus = "SUPERSEDED"
)

// Tier classifies a matched agent within a round.
type Tier string

const (
	// TierStar marks the single top-ranked agent of a round.
	TierStar Tier = "STAR"
	// TierBench marks the remaining ranked agents of a round.
	TierBench Tier = "BENCH"
)

// TripRequest is the engine's read-only projection of a travel
// request. The requests service owns the source of truth; the engine
// snapshots this at intake and scores against the snapshot.
type TripRequest struct {
	RequestID    string    `cbor:"request_id"`
	Destinations []string  `cbor:"destinations"`
	TripStart    time.Time `cbor:"trip_start"`
	TripEnd      time.Time `cbor:"trip_end"`
	BudgetMin    int64     `cbor:"budget_min"`
	BudgetMax    int64     `cbor:"budget_max"`
	TravelStyle  string    `cbor:"travel_style"`
	Languages    []string  `cbor:"languages"`
}

// AgentCandidate is an immutable snapshot of one agent from the
// directory at scoring time.
type AgentCandidate struct {
	AgentID         string   `cbor:"agent_id"`
	Specializations []string `cbor:"specializations"`
	Languages       []string `cbor:"languages"`
	Destinations    []string `cbor:"destinations"`
	Rating          float64  `cbor:"rating"`
	ResponseP50     int      `cbor:"response_p50_minutes"`
	ResponseP90     int      `cbor:"response_p90_minutes"`
	Available       bool     `cbor:"available"`
	StarEligible    bool     `cbor:"star_eligible"`
}

// MatchingState is the per-request matching record. One row per
// request; created on first intake, kept after terminal transitions as
// the audit record.
type MatchingState struct {
	RequestID string        `cbor:"request_id"`
	Status    RequestStatus `cbor:"status"`

	// Attempt counts rematch rounds: 0 for the initial round,
	// incremented once per rematch, capped by configuration.
	Attempt int `cbor:"attempt"`

	CreatedAt time.Time `cbor:"created_at"`
	UpdatedAt time.Time `cbor:"updated_at"`
}

// AgentMatch is one agent's participation in one round. Rows are
// never deleted; retired rows carry a non-PENDING status.
//
// Invariant: for a (requestID, agentID) pair, at most one row is
// PENDING or ACCEPTED at any time, and an agent that has ever reached
// DECLINED or EXPIRED for a request never appears in a later round.
type AgentMatch struct {
	MatchID   string      `cbor:"match_id"`
	RequestID string      `cbor:"request_id"`
	AgentID   string      `cbor:"agent_id"`
	Tier      Tier        `cbor:"tier"`
	Score     float64     `cbor:"score"`
	Reasons   []string    `cbor:"reasons"`
	Status    MatchStatus `cbor:"status"`

	// Attempt is the selection round this match was created in.
	Attempt int `cbor:"attempt"`

	ExpiresAt time.Time `cbor:"expires_at"`
	CreatedAt time.Time `cbor:"created_at"`
}

// AgentDecline is an append-only record of a decline or forced
// expiry.
type AgentDecline struct {
	MatchID    string    `cbor:"match_id"`
	AgentID    string    `cbor:"agent_id"`
	RequestID  string    `cbor:"request_id"`
	Reason     string    `cbor:"reason"`
	DeclinedAt time.Time `cbor:"declined_at"`
}

// DeclineReasonTimeout marks a system-forced expiry rather than an
// agent action.
const DeclineReasonTimeout = "timeout"

// PeakSeasonInfo is the derived policy adjustment for one request at
// one instant. Never persisted; recomputed per invocation.
type PeakSeasonInfo struct {
	IsPeakSeason  bool          `cbor:"is_peak_season"`
	ActivePeriods []string      `cbor:"active_periods,omitempty"`
	MinAgents     int           `cbor:"min_agents"`
	Timeout       time.Duration `cbor:"timeout_ns"`
}

// StateSnapshot is the admin-facing view of a request: its state row
// plus the full match history, superseded rows included.
type StateSnapshot struct {
	State   MatchingState `cbor:"state"`
	Matches []AgentMatch  `cbor:"matches"`
}
