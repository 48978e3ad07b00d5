// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

package matching

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/wayfare-travel/wayfare/bus"
	"github.com/wayfare-travel/wayfare/lib/clock"
	"github.com/wayfare-travel/wayfare/lib/codec"
	"github.com/wayfare-travel/wayfare/lib/config"
)

// harness wires an orchestrator against an in-memory store, a static
// candidate pool, capture transports, and a fake clock. Tests drive
// the state machine synchronously through handle; Dispatch's lane
// behavior has its own tests.
type harness struct {
	orch      *Orchestrator
	store     *Store
	clock     *clock.FakeClock
	canonical *captureTransport
	broadcast *captureTransport
	repo      *FixedRepository
}

type harnessConfig struct {
	minAgents   int
	maxAttempts int
	seasons     []config.SeasonWindow

	// store overrides the default fresh test store; tests that close
	// and reopen a database manage its lifecycle themselves.
	store *Store
}

func newHarness(t *testing.T, candidates []AgentCandidate, cfg harnessConfig) *harness {
	t.Helper()
	if cfg.minAgents == 0 {
		cfg.minAgents = 3
	}
	if cfg.maxAttempts == 0 {
		cfg.maxAttempts = 3
	}

	clk := clock.Fake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	store := cfg.store
	if store == nil {
		store = openTestStore(t)
	}

	seasons, err := NewSeasonPolicy(cfg.seasons, clk)
	if err != nil {
		t.Fatalf("NewSeasonPolicy: %v", err)
	}

	canonical := &captureTransport{}
	broadcast := &captureTransport{}
	publisher, err := NewPublisher(PublisherConfig{
		Transport: canonical,
		Broadcast: broadcast,
		Clock:     clk,
	})
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}

	repo := &FixedRepository{Candidates: candidates}
	orch, err := NewOrchestrator(OrchestratorConfig{
		Store:         store,
		Candidates:    repo,
		Scorer:        NewScorer(config.Default().Matching.Weights),
		Seasons:       seasons,
		Publisher:     publisher,
		Clock:         clk,
		BaseMinAgents: cfg.minAgents,
		BaseTimeout:   24 * time.Hour,
		MaxAttempts:   cfg.maxAttempts,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	return &harness{
		orch:      orch,
		store:     store,
		clock:     clk,
		canonical: canonical,
		broadcast: broadcast,
		repo:      repo,
	}
}

func (h *harness) intake(t *testing.T, requestID string) {
	t.Helper()
	h.orch.handle(context.Background(), RequestCreated{
		Request:       testRequest(requestID),
		CorrelationID: "corr-" + requestID,
	})
}

func (h *harness) eventsFor(topic string) []bus.Envelope {
	var out []bus.Envelope
	for _, event := range h.canonical.published() {
		if event.Topic == topic {
			out = append(out, event)
		}
	}
	return out
}

func decodePayload[T any](t *testing.T, envelope bus.Envelope) T {
	t.Helper()
	var payload T
	if err := codec.Unmarshal(envelope.Payload, &payload); err != nil {
		t.Fatalf("decoding %s payload: %v", envelope.Topic, err)
	}
	return payload
}

// goaPool is five available agents serving Goa, with strictly
// descending quality so ranking is unambiguous.
func goaPool(n int) []AgentCandidate {
	pool := make([]AgentCandidate, 0, n)
	for i := 0; i < n; i++ {
		pool = append(pool, AgentCandidate{
			AgentID:         fmt.Sprintf("agent-%c", 'a'+i),
			Destinations:    []string{"Goa, India"},
			Specializations: []string{"beach"},
			Languages:       []string{"en"},
			Rating:          5.0 - 0.2*float64(i),
			ResponseP50:     30 * (i + 1),
			Available:       true,
			StarEligible:    i == 0,
		})
	}
	return pool
}

func TestIntakeRunsSelectionRound(t *testing.T) {
	h := newHarness(t, goaPool(5), harnessConfig{})
	h.intake(t, "req-1")

	snapshot, err := h.orch.Snapshot(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snapshot.State.Status != StatusAgentsMatched {
		t.Errorf("status = %s, want AGENTS_MATCHED", snapshot.State.Status)
	}
	if len(snapshot.Matches) != 3 {
		t.Fatalf("matches = %d, want 3", len(snapshot.Matches))
	}
	for i, match := range snapshot.Matches {
		wantAgent := fmt.Sprintf("agent-%c", 'a'+i)
		if match.AgentID != wantAgent {
			t.Errorf("match %d agent = %s, want %s", i, match.AgentID, wantAgent)
		}
		wantTier := TierBench
		if i == 0 {
			wantTier = TierStar
		}
		if match.Tier != wantTier {
			t.Errorf("match %d tier = %s, want %s", i, match.Tier, wantTier)
		}
		if match.Status != MatchPending {
			t.Errorf("match %d status = %s, want PENDING", i, match.Status)
		}
		if want := h.clock.Now().Add(24 * time.Hour); !match.ExpiresAt.Equal(want) {
			t.Errorf("match %d expires %v, want %v", i, match.ExpiresAt, want)
		}
	}

	if pending := h.orch.scheduler.Pending(); pending != 3 {
		t.Errorf("scheduler entries = %d, want 3", pending)
	}

	matched := h.eventsFor(TopicAgentsMatched)
	if len(matched) != 1 {
		t.Fatalf("agents.matched events = %d, want 1", len(matched))
	}
	payload := decodePayload[AgentsMatchedEvent](t, matched[0])
	if payload.CandidatePool != 5 || payload.Attempt != 0 || payload.PeakSeason {
		t.Errorf("payload = %+v, want pool 5, attempt 0, off-season", payload)
	}
	if len(payload.Matches) != 3 {
		t.Errorf("payload matches = %d, want 3", len(payload.Matches))
	}

	// The audit trail lands before the domain event it explains.
	var order []string
	for _, event := range h.canonical.published() {
		if event.Topic == TopicAuditLog {
			order = append(order, "audit:"+decodePayload[AuditEntry](t, event).Action)
			continue
		}
		order = append(order, event.Topic)
	}
	started := slices.Index(order, "audit:matching_started")
	roundAudit := slices.Index(order, "audit:agents_matched")
	roundEvent := slices.Index(order, TopicAgentsMatched)
	if started == -1 || roundAudit == -1 || roundEvent == -1 ||
		started > roundAudit || roundAudit > roundEvent {
		t.Errorf("event order = %v, want matching_started < agents_matched audit < agents.matched", order)
	}
}

func TestIntakeWithNoCandidatesFails(t *testing.T) {
	h := newHarness(t, nil, harnessConfig{})
	h.intake(t, "req-1")

	state, err := h.store.GetState(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state.Status != StatusFailed {
		t.Errorf("status = %s, want FAILED", state.Status)
	}

	failed := h.eventsFor(TopicMatchingFailed)
	if len(failed) != 1 {
		t.Fatalf("matching.failed events = %d, want 1", len(failed))
	}
	payload := decodePayload[MatchingFailedEvent](t, failed[0])
	if payload.Reason != "no_candidates" {
		t.Errorf("reason = %q, want no_candidates", payload.Reason)
	}
}

func TestIntakeRedeliveryIsDeduplicated(t *testing.T) {
	h := newHarness(t, goaPool(5), harnessConfig{})
	h.intake(t, "req-1")
	h.intake(t, "req-1")

	matches, err := h.store.ListMatches(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("ListMatches: %v", err)
	}
	if len(matches) != 3 {
		t.Errorf("matches after redelivery = %d, want 3", len(matches))
	}
	if rounds := h.eventsFor(TopicAgentsMatched); len(rounds) != 1 {
		t.Errorf("agents.matched events = %d, want 1", len(rounds))
	}
}

func TestAcceptSupersedesSiblingsAndFinalizes(t *testing.T) {
	h := newHarness(t, goaPool(5), harnessConfig{})
	h.intake(t, "req-1")

	// agent-b accepts without naming the match ID.
	h.orch.handle(context.Background(), AgentConfirmed{ID: "req-1", AgentID: "agent-b"})

	snapshot, err := h.orch.Snapshot(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snapshot.State.Status != StatusMatched {
		t.Errorf("status = %s, want MATCHED", snapshot.State.Status)
	}
	for _, match := range snapshot.Matches {
		want := MatchSuperseded
		if match.AgentID == "agent-b" {
			want = MatchAccepted
		}
		if match.Status != want {
			t.Errorf("agent %s status = %s, want %s", match.AgentID, match.Status, want)
		}
	}
	if pending := h.orch.scheduler.Pending(); pending != 0 {
		t.Errorf("scheduler entries = %d, want 0 after accept", pending)
	}
}

func TestDeclineBelowThresholdTriggersRematch(t *testing.T) {
	h := newHarness(t, goaPool(6), harnessConfig{})
	h.intake(t, "req-1")

	h.orch.handle(context.Background(), AgentDeclined{ID: "req-1", AgentID: "agent-a", Reason: "fully booked"})

	snapshot, err := h.orch.Snapshot(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snapshot.State.Status != StatusAgentsMatched {
		t.Errorf("status = %s, want AGENTS_MATCHED after rematch round", snapshot.State.Status)
	}
	if snapshot.State.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", snapshot.State.Attempt)
	}

	// The declined agent never reappears; the new round drew from the
	// unmatched remainder of the pool.
	var newRound []string
	for _, match := range snapshot.Matches {
		if match.Attempt == 1 {
			newRound = append(newRound, match.AgentID)
		}
		if match.AgentID == "agent-a" && match.Status != MatchDeclined {
			t.Errorf("agent-a status = %s, want DECLINED", match.Status)
		}
	}
	slices.Sort(newRound)
	if !slices.Equal(newRound, []string{"agent-d", "agent-e", "agent-f"}) {
		t.Errorf("rematch round agents = %v, want [agent-d agent-e agent-f]", newRound)
	}

	rematches := h.eventsFor(TopicRematchStarted)
	if len(rematches) != 1 {
		t.Fatalf("rematch.initiated events = %d, want 1", len(rematches))
	}
	payload := decodePayload[RematchInitiatedEvent](t, rematches[0])
	if payload.Attempt != 1 {
		t.Errorf("rematch attempt = %d, want 1", payload.Attempt)
	}
	slices.Sort(payload.ExcludedAgents)
	if !slices.Equal(payload.ExcludedAgents, []string{"agent-a", "agent-b", "agent-c"}) {
		t.Errorf("excluded = %v, want the full first round", payload.ExcludedAgents)
	}

	declines := h.eventsFor(TopicAgentDeclined)
	if len(declines) != 1 {
		t.Fatalf("agent.declined events = %d, want 1", len(declines))
	}
	declinePayload := decodePayload[AgentDeclinedEvent](t, declines[0])
	if declinePayload.Reason != "fully booked" || declinePayload.RemainingMatches != 2 {
		t.Errorf("decline payload = %+v, want reason and remaining 2", declinePayload)
	}
}

func TestMaxAttemptsExhaustedFails(t *testing.T) {
	h := newHarness(t, goaPool(6), harnessConfig{maxAttempts: 1})
	h.intake(t, "req-1")
	ctx := context.Background()

	// First shortfall burns the only rematch attempt.
	h.orch.handle(ctx, AgentDeclined{ID: "req-1", AgentID: "agent-a", Reason: "fully booked"})

	// Declines while enough matches remain are no-ops.
	h.orch.handle(ctx, AgentDeclined{ID: "req-1", AgentID: "agent-b", Reason: "fully booked"})
	h.orch.handle(ctx, AgentDeclined{ID: "req-1", AgentID: "agent-c", Reason: "fully booked"})
	state, err := h.store.GetState(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state.Status != StatusAgentsMatched {
		t.Fatalf("status = %s, want AGENTS_MATCHED while 3 matches remain", state.Status)
	}

	// The next shortfall cannot rematch again.
	h.orch.handle(ctx, AgentDeclined{ID: "req-1", AgentID: "agent-d", Reason: "fully booked"})

	state, err = h.store.GetState(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state.Status != StatusFailed {
		t.Errorf("status = %s, want FAILED", state.Status)
	}

	failed := h.eventsFor(TopicMatchingFailed)
	if len(failed) != 1 {
		t.Fatalf("matching.failed events = %d, want 1", len(failed))
	}
	payload := decodePayload[MatchingFailedEvent](t, failed[0])
	if payload.Reason != "max_attempts_exhausted" {
		t.Errorf("reason = %q, want max_attempts_exhausted", payload.Reason)
	}
	if payload.AttemptsMade != 1 {
		t.Errorf("attemptsMade = %d, want 1", payload.AttemptsMade)
	}
	if payload.TotalAgentsEvaluated != 6 {
		t.Errorf("totalAgentsEvaluated = %d, want 6", payload.TotalAgentsEvaluated)
	}
}

func TestCancellationSupersedesAndIgnoresLateEvents(t *testing.T) {
	h := newHarness(t, goaPool(5), harnessConfig{})
	h.intake(t, "req-1")
	ctx := context.Background()

	h.orch.handle(ctx, RequestCancelled{ID: "req-1", Reason: "plans changed"})

	snapshot, err := h.orch.Snapshot(ctx, "req-1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snapshot.State.Status != StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", snapshot.State.Status)
	}
	for _, match := range snapshot.Matches {
		if match.Status != MatchSuperseded {
			t.Errorf("agent %s status = %s, want SUPERSEDED", match.AgentID, match.Status)
		}
	}
	if pending := h.orch.scheduler.Pending(); pending != 0 {
		t.Errorf("scheduler entries = %d, want 0 after cancel", pending)
	}

	// A decline arriving after cancellation changes nothing and is
	// audit-logged as an anomaly.
	before := len(h.canonical.published())
	h.orch.handle(ctx, AgentDeclined{ID: "req-1", AgentID: "agent-a", Reason: "too late"})

	after, err := h.orch.Snapshot(ctx, "req-1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if after.State.Status != StatusCancelled {
		t.Errorf("late decline moved status to %s", after.State.Status)
	}
	for _, match := range after.Matches {
		if match.Status != MatchSuperseded {
			t.Errorf("late decline moved agent %s to %s", match.AgentID, match.Status)
		}
	}

	audits := h.canonical.published()[before:]
	foundAnomaly := false
	for _, event := range audits {
		if event.Topic != TopicAuditLog {
			t.Errorf("late decline published %s, want audit only", event.Topic)
			continue
		}
		entry := decodePayload[AuditEntry](t, event)
		if entry.Anomaly {
			foundAnomaly = true
		}
	}
	if !foundAnomaly {
		t.Errorf("late decline left no anomaly audit entry")
	}
}

func TestConfirmAfterAcceptIsAnomaly(t *testing.T) {
	h := newHarness(t, goaPool(5), harnessConfig{})
	h.intake(t, "req-1")
	ctx := context.Background()

	h.orch.handle(ctx, AgentConfirmed{ID: "req-1", AgentID: "agent-a"})
	h.orch.handle(ctx, AgentConfirmed{ID: "req-1", AgentID: "agent-b"})

	snapshot, err := h.orch.Snapshot(ctx, "req-1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	for _, match := range snapshot.Matches {
		if match.AgentID == "agent-b" && match.Status != MatchSuperseded {
			t.Errorf("second confirm flipped agent-b to %s", match.Status)
		}
	}
}

func TestExpiryIsSyntheticTimeoutDecline(t *testing.T) {
	h := newHarness(t, goaPool(3), harnessConfig{minAgents: 1, maxAttempts: 1})
	h.intake(t, "req-1")
	ctx := context.Background()

	snapshot, err := h.orch.Snapshot(ctx, "req-1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snapshot.Matches) != 1 {
		t.Fatalf("matches = %d, want 1 with minAgents 1", len(snapshot.Matches))
	}
	match := snapshot.Matches[0]

	h.orch.handle(ctx, matchExpired{ID: "req-1", AgentID: match.AgentID, MatchID: match.MatchID})

	got, err := h.store.GetMatch(ctx, match.MatchID)
	if err != nil {
		t.Fatalf("GetMatch: %v", err)
	}
	if got.Status != MatchExpired {
		t.Errorf("status = %s, want EXPIRED", got.Status)
	}

	declines := h.eventsFor(TopicAgentDeclined)
	if len(declines) != 1 {
		t.Fatalf("agent.declined events = %d, want 1", len(declines))
	}
	payload := decodePayload[AgentDeclinedEvent](t, declines[0])
	if payload.Reason != DeclineReasonTimeout {
		t.Errorf("reason = %q, want %q", payload.Reason, DeclineReasonTimeout)
	}

	// minAgents 1: the shortfall triggers a rematch with the next
	// candidate rather than a failure.
	state, err := h.store.GetState(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state.Status != StatusAgentsMatched || state.Attempt != 1 {
		t.Errorf("state = %s attempt %d, want AGENTS_MATCHED attempt 1", state.Status, state.Attempt)
	}
}

func TestPeakSeasonAdjustsRound(t *testing.T) {
	seasons := []config.SeasonWindow{{
		Name:             "diwali",
		Start:            "10-15",
		End:              "11-15",
		Regions:          []string{"india"},
		TimeoutHours:     48,
		AllowSingleAgent: true,
	}}
	// testRequest trips run Nov 10-20, inside the window.
	h := newHarness(t, goaPool(5), harnessConfig{seasons: seasons})
	h.intake(t, "req-1")

	snapshot, err := h.orch.Snapshot(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snapshot.Matches) != 1 {
		t.Fatalf("matches = %d, want 1 in single-agent window", len(snapshot.Matches))
	}
	if want := h.clock.Now().Add(48 * time.Hour); !snapshot.Matches[0].ExpiresAt.Equal(want) {
		t.Errorf("expiry = %v, want %v (48h window timeout)", snapshot.Matches[0].ExpiresAt, want)
	}

	matched := h.eventsFor(TopicAgentsMatched)
	if len(matched) != 1 {
		t.Fatalf("agents.matched events = %d, want 1", len(matched))
	}
	payload := decodePayload[AgentsMatchedEvent](t, matched[0])
	if !payload.PeakSeason || !slices.Contains(payload.ActivePeriods, "diwali") {
		t.Errorf("payload = %+v, want peak season with diwali active", payload)
	}
}

func TestRedeliveredDeclineAfterRematchIsNoOp(t *testing.T) {
	h := newHarness(t, goaPool(6), harnessConfig{})
	h.intake(t, "req-1")
	ctx := context.Background()

	decline := AgentDeclined{ID: "req-1", AgentID: "agent-a", Reason: "fully booked"}
	h.orch.handle(ctx, decline)
	h.orch.handle(ctx, decline)

	state, err := h.store.GetState(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state.Attempt != 1 {
		t.Errorf("attempt = %d, want 1 (redelivery must not rematch again)", state.Attempt)
	}
	if declines := h.eventsFor(TopicAgentDeclined); len(declines) != 1 {
		t.Errorf("agent.declined events = %d, want 1", len(declines))
	}
}

func TestDispatchSerializesPerRequest(t *testing.T) {
	h := newHarness(t, goaPool(6), harnessConfig{})
	ctx := context.Background()

	h.orch.Dispatch(ctx, RequestCreated{Request: testRequest("req-1"), CorrelationID: "corr-1"})
	h.orch.Dispatch(ctx, AgentDeclined{ID: "req-1", AgentID: "agent-a", Reason: "fully booked"})
	h.orch.Dispatch(ctx, RequestCreated{Request: testRequest("req-2"), CorrelationID: "corr-2"})
	h.orch.Wait()

	one, err := h.store.GetState(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetState(req-1): %v", err)
	}
	// The decline was queued behind the intake and saw its matches.
	if one.Attempt != 1 {
		t.Errorf("req-1 attempt = %d, want 1", one.Attempt)
	}
	two, err := h.store.GetState(ctx, "req-2")
	if err != nil {
		t.Fatalf("GetState(req-2): %v", err)
	}
	if two.Status != StatusAgentsMatched {
		t.Errorf("req-2 status = %s, want AGENTS_MATCHED", two.Status)
	}
}

func TestRecoverRearmsAndExpires(t *testing.T) {
	h := newHarness(t, goaPool(5), harnessConfig{})
	h.intake(t, "req-1")
	ctx := context.Background()

	// Simulate a restart: forget the armed entries, make one match
	// overdue, then recover.
	snapshot, err := h.orch.Snapshot(ctx, "req-1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	for _, match := range snapshot.Matches {
		h.orch.scheduler.Cancel(match.MatchID)
	}
	overdue := snapshot.Matches[0]
	if _, err := h.store.UpdateMatchExpiry(ctx, overdue.MatchID, h.clock.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("UpdateMatchExpiry: %v", err)
	}

	if err := h.orch.recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	h.orch.Wait()

	got, err := h.store.GetMatch(ctx, overdue.MatchID)
	if err != nil {
		t.Fatalf("GetMatch: %v", err)
	}
	if got.Status != MatchExpired {
		t.Errorf("overdue match status = %s, want EXPIRED", got.Status)
	}

	// The expiry left 2 of 3 matches live, so recovery also ran a
	// rematch round: 2 re-armed plus 2 fresh from the remaining pool.
	state, err := h.store.GetState(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", state.Attempt)
	}
	if pending := h.orch.scheduler.Pending(); pending != 4 {
		t.Errorf("scheduler entries = %d, want 4", pending)
	}
}

func TestDeclineAuditPrecedesMatchMutation(t *testing.T) {
	h := newHarness(t, goaPool(5), harnessConfig{})
	h.intake(t, "req-1")
	ctx := context.Background()

	match, err := h.store.FindPendingMatch(ctx, "req-1", "agent-a")
	if err != nil {
		t.Fatalf("FindPendingMatch: %v", err)
	}

	// Observe the match's stored status at the moment the decline
	// audit entry reaches the transport.
	var statusAtAudit MatchStatus
	h.canonical.onPublish = func(event bus.Envelope) {
		if event.Topic != TopicAuditLog {
			return
		}
		entry := decodePayload[AuditEntry](t, event)
		if entry.Action != "agent_declined" {
			return
		}
		current, err := h.store.GetMatch(ctx, match.MatchID)
		if err != nil {
			t.Errorf("GetMatch at audit time: %v", err)
			return
		}
		statusAtAudit = current.Status
	}

	h.orch.handle(ctx, AgentDeclined{ID: "req-1", AgentID: "agent-a", MatchID: match.MatchID, Reason: "fully booked"})

	if statusAtAudit != MatchPending {
		t.Errorf("match status when audit published = %q, want PENDING", statusAtAudit)
	}
	final, err := h.store.GetMatch(ctx, match.MatchID)
	if err != nil {
		t.Fatalf("GetMatch: %v", err)
	}
	if final.Status != MatchDeclined {
		t.Errorf("final match status = %s, want DECLINED", final.Status)
	}
}

func TestAcceptAuditPrecedesMatchMutation(t *testing.T) {
	h := newHarness(t, goaPool(5), harnessConfig{})
	h.intake(t, "req-1")
	ctx := context.Background()

	match, err := h.store.FindPendingMatch(ctx, "req-1", "agent-b")
	if err != nil {
		t.Fatalf("FindPendingMatch: %v", err)
	}

	var statusAtAudit MatchStatus
	h.canonical.onPublish = func(event bus.Envelope) {
		if event.Topic != TopicAuditLog {
			return
		}
		entry := decodePayload[AuditEntry](t, event)
		if entry.Action != "agent_accepted" {
			return
		}
		current, err := h.store.GetMatch(ctx, match.MatchID)
		if err != nil {
			t.Errorf("GetMatch at audit time: %v", err)
			return
		}
		statusAtAudit = current.Status
	}

	h.orch.handle(ctx, AgentConfirmed{ID: "req-1", AgentID: "agent-b", MatchID: match.MatchID})

	if statusAtAudit != MatchPending {
		t.Errorf("match status when audit published = %q, want PENDING", statusAtAudit)
	}
	final, err := h.store.GetMatch(ctx, match.MatchID)
	if err != nil {
		t.Fatalf("GetMatch: %v", err)
	}
	if final.Status != MatchAccepted {
		t.Errorf("final match status = %s, want ACCEPTED", final.Status)
	}
}

func TestIntakeRedeliveredAfterStoreFailureStillMatches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matching.db")

	// First delivery lands on a store whose pool is already closed,
	// so nothing is written.
	closed, err := OpenStore(StoreConfig{Path: path, PoolSize: 1})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	if err := closed.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	h1 := newHarness(t, goaPool(5), harnessConfig{store: closed})
	h1.intake(t, "req-1")
	if rounds := h1.eventsFor(TopicAgentsMatched); len(rounds) != 0 {
		t.Fatalf("agents.matched on a closed store = %d events", len(rounds))
	}

	// The bus redelivers after the store recovers; the failed first
	// attempt must not have consumed the event.
	h2 := newHarness(t, goaPool(5), harnessConfig{store: openTestStoreAt(t, path)})
	h2.intake(t, "req-1")

	state, err := h2.store.GetState(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("GetState after redelivery: %v", err)
	}
	if state.Status != StatusAgentsMatched {
		t.Errorf("status = %s, want AGENTS_MATCHED", state.Status)
	}
	if rounds := h2.eventsFor(TopicAgentsMatched); len(rounds) != 1 {
		t.Errorf("agents.matched events = %d, want 1", len(rounds))
	}
}

func TestDeclineKeyNotConsumedByRejectedDelivery(t *testing.T) {
	h := newHarness(t, goaPool(6), harnessConfig{})
	h.intake(t, "req-1")
	ctx := context.Background()

	// A decline naming a match that does not exist is an audited
	// no-op and must leave the idempotency key unconsumed.
	h.orch.handle(ctx, AgentDeclined{ID: "req-1", AgentID: "agent-a", MatchID: "no-such-match", Reason: "fully booked"})
	if declines := h.eventsFor(TopicAgentDeclined); len(declines) != 0 {
		t.Fatalf("rejected decline published %d agent.declined events", len(declines))
	}

	h.orch.handle(ctx, AgentDeclined{ID: "req-1", AgentID: "agent-a", Reason: "fully booked"})

	match, err := h.store.FindPendingMatch(ctx, "req-1", "agent-a")
	if err == nil {
		t.Fatalf("agent-a still pending as %s after decline", match.MatchID)
	}
	if declines := h.eventsFor(TopicAgentDeclined); len(declines) != 1 {
		t.Errorf("agent.declined events = %d, want 1", len(declines))
	}
}
