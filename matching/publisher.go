// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

package matching

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wayfare-travel/wayfare/bus"
	"github.com/wayfare-travel/wayfare/lib/clock"
	"github.com/wayfare-travel/wayfare/lib/codec"
)

// Transport publishes one envelope. Implemented by *bus.Client; tests
// substitute a capture.
type Transport interface {
	Publish(ctx context.Context, event bus.Envelope) error
}

// Meta carries the cross-cutting identifiers stamped on every
// published event.
type Meta struct {
	CorrelationID string
	TraceID       string
	ActorID       string
}

// RetryPolicy bounds the canonical-publish retry loop.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, first included.
	MaxAttempts int
	// BaseDelay is the delay before the second try; it doubles per
	// attempt.
	BaseDelay time.Duration
	// MaxDelay caps the per-attempt delay.
	MaxDelay time.Duration
}

// DefaultRetryPolicy is tuned for a bus that recovers within seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Publisher serializes and publishes domain events. Canonical and
// audit events retry with bounded backoff and surface an error when
// the bus stays down — they are never silently dropped. UI broadcast
// events are best-effort: a transport failure is logged and swallowed
// and must never fail the underlying state transition.
type Publisher struct {
	transport Transport
	broadcast Transport
	clock     clock.Clock
	logger    *slog.Logger
	retry     RetryPolicy
}

// PublisherConfig holds the parameters for creating a Publisher.
type PublisherConfig struct {
	// Transport carries canonical domain and audit events. Required.
	Transport Transport

	// Broadcast carries best-effort UI events. If nil, broadcasts are
	// dropped with a debug log.
	Broadcast Transport

	// Clock paces the retry backoff.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger

	// Retry bounds the canonical retry loop. Zero value means
	// DefaultRetryPolicy.
	Retry RetryPolicy
}

// NewPublisher creates a Publisher.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("matching: publisher: Transport is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("matching: publisher: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy()
	}
	return &Publisher{
		transport: cfg.Transport,
		broadcast: cfg.Broadcast,
		clock:     cfg.Clock,
		logger:    logger,
		retry:     retry,
	}, nil
}

// Publish sends one canonical domain event, retrying transport
// failures with exponential backoff. The envelope keeps the same
// EventID across retries so the bus can collapse duplicates.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any, meta Meta) error {
	encoded, err := codec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("matching: encoding %s payload: %w", topic, err)
	}

	envelope := bus.Envelope{
		EventID:       uuid.NewString(),
		Topic:         topic,
		CorrelationID: meta.CorrelationID,
		TraceID:       meta.TraceID,
		ActorID:       meta.ActorID,
		OccurredAt:    p.clock.Now().UTC(),
		Payload:       encoded,
	}

	delay := p.retry.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= p.retry.MaxAttempts; attempt++ {
		lastErr = p.transport.Publish(ctx, envelope)
		if lastErr == nil {
			return nil
		}
		if !bus.Retryable(lastErr) {
			return fmt.Errorf("matching: publishing %s: %w", topic, lastErr)
		}
		if attempt == p.retry.MaxAttempts {
			break
		}

		p.logger.Warn("publish failed, retrying",
			"topic", topic,
			"attempt", attempt,
			"delay", delay,
			"error", lastErr,
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("matching: publishing %s: %w", topic, ctx.Err())
		case <-p.clock.After(delay):
		}
		delay *= 2
		if delay > p.retry.MaxDelay {
			delay = p.retry.MaxDelay
		}
	}
	return fmt.Errorf("matching: publishing %s after %d attempts: %w", topic, p.retry.MaxAttempts, lastErr)
}

// Audit publishes one matching.audit.log entry. Same durability
// contract as Publish: every state-affecting action must land an
// audit record.
func (p *Publisher) Audit(ctx context.Context, entry AuditEntry, meta Meta) error {
	return p.Publish(ctx, TopicAuditLog, entry, meta)
}

// Broadcast sends one best-effort UI event. Failures are logged and
// swallowed.
func (p *Publisher) Broadcast(ctx context.Context, kind string, payload any, meta Meta) {
	if p.broadcast == nil {
		p.logger.Debug("broadcast transport not configured, dropping", "kind", kind)
		return
	}

	encoded, err := codec.Marshal(payload)
	if err != nil {
		p.logger.Warn("broadcast payload encoding failed", "kind", kind, "error", err)
		return
	}

	err = p.broadcast.Publish(ctx, bus.Envelope{
		EventID:       uuid.NewString(),
		Topic:         kind,
		CorrelationID: meta.CorrelationID,
		TraceID:       meta.TraceID,
		OccurredAt:    p.clock.Now().UTC(),
		Payload:       encoded,
	})
	if err != nil {
		p.logger.Warn("broadcast publish failed", "kind", kind, "error", err)
	}
}
