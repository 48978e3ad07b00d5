// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

package matching

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wayfare-travel/wayfare/bus"
	"github.com/wayfare-travel/wayfare/lib/clock"
)

// captureTransport records published envelopes, optionally failing
// the first failures calls. onPublish, when set, observes each
// accepted envelope before it is recorded; tests use it to check
// store state at publish time.
type captureTransport struct {
	mu        sync.Mutex
	events    []bus.Envelope
	failures  int
	err       error
	onPublish func(event bus.Envelope)
}

func (c *captureTransport) Publish(ctx context.Context, event bus.Envelope) error {
	c.mu.Lock()
	if c.failures > 0 {
		c.failures--
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.events = append(c.events, event)
	hook := c.onPublish
	c.mu.Unlock()

	if hook != nil {
		hook(event)
	}
	return nil
}

func (c *captureTransport) published() []bus.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.Envelope(nil), c.events...)
}

func newTestPublisher(t *testing.T, transport, broadcast Transport, clk clock.Clock) *Publisher {
	t.Helper()
	publisher, err := NewPublisher(PublisherConfig{
		Transport: transport,
		Broadcast: broadcast,
		Clock:     clk,
		Retry: RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    10 * time.Millisecond,
		},
	})
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	return publisher
}

func TestPublishStampsEnvelope(t *testing.T) {
	transport := &captureTransport{}
	clk := clock.Fake(time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC))
	publisher := newTestPublisher(t, transport, nil, clk)

	meta := Meta{CorrelationID: "corr-1", TraceID: "trace-1", ActorID: "agent-a"}
	if err := publisher.Publish(context.Background(), TopicAgentsMatched, AgentsMatchedEvent{RequestID: "req-1"}, meta); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	events := transport.published()
	if len(events) != 1 {
		t.Fatalf("published %d events, want 1", len(events))
	}
	event := events[0]
	if event.Topic != TopicAgentsMatched {
		t.Errorf("Topic = %q, want %q", event.Topic, TopicAgentsMatched)
	}
	if event.CorrelationID != "corr-1" || event.TraceID != "trace-1" || event.ActorID != "agent-a" {
		t.Errorf("meta not stamped: %+v", event)
	}
	if event.EventID == "" {
		t.Errorf("EventID is empty")
	}
	if !event.OccurredAt.Equal(clk.Now().UTC()) {
		t.Errorf("OccurredAt = %v, want %v", event.OccurredAt, clk.Now().UTC())
	}
}

func TestPublishRetriesTransientKeepingEventID(t *testing.T) {
	transport := &captureTransport{
		failures: 2,
		err:      &bus.Error{Code: "UNAVAILABLE", Message: "bus restarting", StatusCode: 503},
	}
	clk := clock.Fake(time.Now())
	publisher := newTestPublisher(t, transport, nil, clk)

	done := make(chan error, 1)
	go func() {
		done <- publisher.Publish(context.Background(), TopicStatusChanged, StatusChangedEvent{RequestID: "req-1"}, Meta{})
	}()

	// Two failures mean two backoff sleeps.
	clk.WaitForTimers(1)
	clk.Advance(time.Millisecond)
	clk.WaitForTimers(1)
	clk.Advance(2 * time.Millisecond)

	if err := <-done; err != nil {
		t.Fatalf("Publish after retries: %v", err)
	}
	events := transport.published()
	if len(events) != 1 {
		t.Fatalf("published %d events, want 1", len(events))
	}
	if events[0].EventID == "" {
		t.Errorf("EventID is empty after retries")
	}
}

func TestPublishDoesNotRetryClientErrors(t *testing.T) {
	transport := &captureTransport{
		failures: 100,
		err:      &bus.Error{Code: "TOPIC_UNKNOWN", Message: "no such topic", StatusCode: 404},
	}
	publisher := newTestPublisher(t, transport, nil, clock.Fake(time.Now()))

	err := publisher.Publish(context.Background(), "bogus.topic", StatusChangedEvent{}, Meta{})
	if err == nil {
		t.Fatalf("Publish succeeded, want error")
	}
	if !bus.IsCode(err, "TOPIC_UNKNOWN") {
		t.Errorf("error = %v, want TOPIC_UNKNOWN", err)
	}
	transport.mu.Lock()
	remaining := transport.failures
	transport.mu.Unlock()
	if remaining != 99 {
		t.Errorf("transport called %d times, want 1", 100-remaining)
	}
}

func TestPublishGivesUpAfterMaxAttempts(t *testing.T) {
	transport := &captureTransport{
		failures: 100,
		err:      errors.New("connection refused"),
	}
	clk := clock.Fake(time.Now())
	publisher := newTestPublisher(t, transport, nil, clk)

	done := make(chan error, 1)
	go func() {
		done <- publisher.Publish(context.Background(), TopicMatchingFailed, MatchingFailedEvent{}, Meta{})
	}()

	for i := 0; i < 2; i++ {
		clk.WaitForTimers(1)
		clk.Advance(20 * time.Millisecond)
	}

	err := <-done
	if err == nil {
		t.Fatalf("Publish succeeded, want exhaustion error")
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("error = %v, want attempt count", err)
	}
}

func TestBroadcastSwallowsFailures(t *testing.T) {
	broadcast := &captureTransport{
		failures: 1,
		err:      errors.New("websocket gateway down"),
	}
	publisher := newTestPublisher(t, &captureTransport{}, broadcast, clock.Fake(time.Now()))

	// Must not panic or surface an error.
	publisher.Broadcast(context.Background(), BroadcastNewMatch, map[string]string{"request_id": "req-1"}, Meta{})
}

func TestBroadcastWithoutTransportIsDropped(t *testing.T) {
	publisher := newTestPublisher(t, &captureTransport{}, nil, clock.Fake(time.Now()))
	publisher.Broadcast(context.Background(), BroadcastRequestUpdate, map[string]string{}, Meta{})
}
