// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"time"

	"github.com/wayfare-travel/wayfare/lib/codec"
)

// Envelope is the wire form of one bus event. The payload is opaque
// CBOR; consumers decode it once they have routed on Topic.
type Envelope struct {
	// EventID uniquely identifies this publication. Re-publishing the
	// same EventID is the bus-side dedup signal for retried sends.
	EventID string `cbor:"event_id"`

	// Topic is the event type, e.g. "agents.matched".
	Topic string `cbor:"topic"`

	// CorrelationID ties all events of one request lifecycle together.
	CorrelationID string `cbor:"correlation_id"`

	// TraceID propagates the distributed trace, when present.
	TraceID string `cbor:"trace_id,omitempty"`

	// ActorID identifies the acting principal for events caused by a
	// person (agent responses, admin overrides).
	ActorID string `cbor:"actor_id,omitempty"`

	// OccurredAt is when the producing service observed the event.
	OccurredAt time.Time `cbor:"occurred_at"`

	// Payload is the topic-specific body.
	Payload codec.RawMessage `cbor:"payload"`
}

// ConsumeRequest parameterizes one long-poll read.
type ConsumeRequest struct {
	// Group is the consumer group; the bus tracks one cursor per
	// group.
	Group string

	// Cursor resumes reading after a previously returned position.
	// Empty means the group's server-side position.
	Cursor string

	// Wait is the long-poll window. The call returns earlier if
	// events arrive.
	Wait time.Duration
}

// ConsumeResponse carries one long-poll batch.
type ConsumeResponse struct {
	Events []Envelope `cbor:"events"`
	Cursor string     `cbor:"cursor"`
}
