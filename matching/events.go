// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

package matching

import (
	"fmt"
	"time"

	"github.com/wayfare-travel/wayfare/bus"
	"github.com/wayfare-travel/wayfare/lib/codec"
)

// Inbound topics consumed from collaborators.
const (
	TopicRequestCreated   = "request.created"
	TopicRequestUpdated   = "request.updated"
	TopicRequestCancelled = "request.cancelled"
	TopicAgentConfirmed   = "agent.confirmed"
	TopicAgentDeclined    = "agent.declined"
)

// Published topics.
const (
	TopicAgentsMatched  = "agents.matched"
	TopicMatchingFailed = "matching.failed"
	TopicStatusChanged  = "matching.status_changed"
	TopicRematchStarted = "rematch.initiated"
	TopicAdminOverride  = "admin.override.applied"
	TopicAuditLog       = "matching.audit.log"
)

// Best-effort UI broadcast kinds. These ride a separate channel and
// are outside the durability contract.
const (
	BroadcastNewMatch         = "new_match"
	BroadcastRequestUpdate    = "request_update"
	BroadcastMatchExpired     = "match_expired"
	BroadcastProposalReceived = "proposal_received"
)

// InboundEvent is the closed set of events the orchestrator consumes.
// The orchestrator dispatches on the concrete type; adding a variant
// without extending the dispatch switch is a compile-time-silent bug
// caught by the default branch's anomaly log, so keep the set here and
// the switch in sync.
type InboundEvent interface {
	// RequestID returns the request this event belongs to. It is the
	// per-request serialization key.
	RequestID() string

	inboundEvent()
}

// RequestCreated starts matching for a new request.
type RequestCreated struct {
	Request       TripRequest
	CorrelationID string
	TraceID       string
}

// RequestUpdated signals a change to a request the engine may already
// be matching.
type RequestUpdated struct {
	Request       TripRequest
	CorrelationID string
	TraceID       string
}

// RequestCancelled aborts matching for a request.
type RequestCancelled struct {
	ID            string
	Reason        string
	CorrelationID string
	TraceID       string
}

// AgentConfirmed is an agent accepting a pending match.
type AgentConfirmed struct {
	ID      string // request ID
	AgentID string
	MatchID string
	TraceID string
}

// AgentDeclined is an agent declining a pending match.
type AgentDeclined struct {
	ID      string // request ID
	AgentID string
	MatchID string
	Reason  string
	TraceID string
}

// matchExpired is the scheduler's synthetic decline. Never arrives
// from the bus.
type matchExpired struct {
	ID      string // request ID
	AgentID string
	MatchID string
}

func (e RequestCreated) RequestID() string   { return e.Request.RequestID }
func (e RequestUpdated) RequestID() string   { return e.Request.RequestID }
func (e RequestCancelled) RequestID() string { return e.ID }
func (e AgentConfirmed) RequestID() string   { return e.ID }
func (e AgentDeclined) RequestID() string    { return e.ID }
func (e matchExpired) RequestID() string     { return e.ID }

func (RequestCreated) inboundEvent()   {}
func (RequestUpdated) inboundEvent()   {}
func (RequestCancelled) inboundEvent() {}
func (AgentConfirmed) inboundEvent()   {}
func (AgentDeclined) inboundEvent()    {}
func (matchExpired) inboundEvent()     {}

// requestEventPayload is the wire payload of request.* topics.
type requestEventPayload struct {
	Request TripRequest `cbor:"request"`
	Reason  string      `cbor:"reason,omitempty"`
}

// agentResponsePayload is the wire payload of agent.confirmed and
// agent.declined.
type agentResponsePayload struct {
	RequestID string `cbor:"request_id"`
	AgentID   string `cbor:"agent_id"`
	MatchID   string `cbor:"match_id"`
	Reason    string `cbor:"reason,omitempty"`
}

// DecodeInbound converts a bus envelope into a typed inbound event.
// Unknown topics and malformed payloads return an error; the consume
// loop logs and skips them without touching state.
func DecodeInbound(envelope bus.Envelope) (InboundEvent, error) {
	switch envelope.Topic {
	case TopicRequestCreated, TopicRequestUpdated:
		var payload requestEventPayload
		if err := codec.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil, fmt.Errorf("matching: decoding %s: %w", envelope.Topic, err)
		}
		if payload.Request.RequestID == "" {
			return nil, fmt.Errorf("matching: %s: missing request_id", envelope.Topic)
		}
		if envelope.Topic == TopicRequestCreated {
			return RequestCreated{Request: payload.Request, CorrelationID: envelope.CorrelationID, TraceID: envelope.TraceID}, nil
		}
		return RequestUpdated{Request: payload.Request, CorrelationID: envelope.CorrelationID, TraceID: envelope.TraceID}, nil

	case TopicRequestCancelled:
		var payload requestEventPayload
		if err := codec.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil, fmt.Errorf("matching: decoding %s: %w", envelope.Topic, err)
		}
		if payload.Request.RequestID == "" {
			return nil, fmt.Errorf("matching: %s: missing request_id", envelope.Topic)
		}
		return RequestCancelled{ID: payload.Request.RequestID, Reason: payload.Reason, CorrelationID: envelope.CorrelationID, TraceID: envelope.TraceID}, nil

	case TopicAgentConfirmed, TopicAgentDeclined:
		var payload agentResponsePayload
		if err := codec.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil, fmt.Errorf("matching: decoding %s: %w", envelope.Topic, err)
		}
		if payload.RequestID == "" || payload.AgentID == "" {
			return nil, fmt.Errorf("matching: %s: missing request_id or agent_id", envelope.Topic)
		}
		if envelope.Topic == TopicAgentConfirmed {
			return AgentConfirmed{ID: payload.RequestID, AgentID: payload.AgentID, MatchID: payload.MatchID, TraceID: envelope.TraceID}, nil
		}
		return AgentDeclined{ID: payload.RequestID, AgentID: payload.AgentID, MatchID: payload.MatchID, Reason: payload.Reason, TraceID: envelope.TraceID}, nil

	default:
		return nil, fmt.Errorf("matching: unknown topic %q", envelope.Topic)
	}
}

// MatchSummary is the per-agent slice of an agents.matched payload.
type MatchSummary struct {
	MatchID   string    `cbor:"match_id"`
	AgentID   string    `cbor:"agent_id"`
	Tier      Tier      `cbor:"tier"`
	Score     float64   `cbor:"score"`
	Reasons   []string  `cbor:"reasons"`
	ExpiresAt time.Time `cbor:"expires_at"`
}

// AgentsMatchedEvent is the payload of agents.matched.
type AgentsMatchedEvent struct {
	RequestID     string         `cbor:"request_id"`
	Attempt       int            `cbor:"attempt"`
	Matches       []MatchSummary `cbor:"matches"`
	CandidatePool int            `cbor:"candidate_pool"`
	ElapsedMS     int64          `cbor:"elapsed_ms"`
	PeakSeason    bool           `cbor:"peak_season"`
	ActivePeriods []string       `cbor:"active_periods,omitempty"`
}

// AgentDeclinedEvent is the payload of the published agent.declined.
type AgentDeclinedEvent struct {
	RequestID        string `cbor:"request_id"`
	AgentID          string `cbor:"agent_id"`
	MatchID          string `cbor:"match_id"`
	Reason           string `cbor:"reason"`
	RemainingMatches int    `cbor:"remaining_matches"`
}

// MatchingFailedEvent is the payload of matching.failed.
type MatchingFailedEvent struct {
	RequestID            string `cbor:"request_id"`
	Reason               string `cbor:"reason"`
	AttemptsMade         int    `cbor:"attempts_made"`
	TotalAgentsEvaluated int    `cbor:"total_agents_evaluated"`
}

// StatusChangedEvent is the payload of matching.status_changed.
type StatusChangedEvent struct {
	RequestID string        `cbor:"request_id"`
	From      RequestStatus `cbor:"from"`
	To        RequestStatus `cbor:"to"`
	Attempt   int           `cbor:"attempt"`
}

// RematchInitiatedEvent is the payload of rematch.initiated.
type RematchInitiatedEvent struct {
	RequestID      string   `cbor:"request_id"`
	Attempt        int      `cbor:"attempt"`
	ExcludedAgents []string `cbor:"excluded_agents"`
	Trigger        string   `cbor:"trigger"`
}

// AdminOverrideEvent is the payload of admin.override.applied.
type AdminOverrideEvent struct {
	RequestID   string `cbor:"request_id"`
	Action      string `cbor:"action"`
	AgentID     string `cbor:"agent_id,omitempty"`
	MatchID     string `cbor:"match_id,omitempty"`
	Reason      string `cbor:"reason"`
	AdminUserID string `cbor:"admin_user_id"`
}

// AuditEntry is the payload of matching.audit.log, emitted before any
// other side effect of a transition completes.
type AuditEntry struct {
	RequestID string `cbor:"request_id"`
	Action    string `cbor:"action"`
	Detail    string `cbor:"detail,omitempty"`
	Attempt   int    `cbor:"attempt"`

	// Anomaly marks business-rule no-ops: late events after
	// cancellation, declines for non-pending matches.
	Anomaly bool `cbor:"anomaly,omitempty"`
}
