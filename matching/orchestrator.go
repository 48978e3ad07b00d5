// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wayfare-travel/wayfare/lib/clock"
)

// OrchestratorConfig holds the collaborators and policy knobs for an
// Orchestrator.
type OrchestratorConfig struct {
	Store      *Store
	Candidates CandidateRepository
	Scorer     *Scorer
	Seasons    *SeasonPolicy
	Publisher  *Publisher
	Clock      clock.Clock
	Logger     *slog.Logger

	// BaseMinAgents and BaseTimeout are the out-of-season thresholds;
	// the season policy adjusts them per request.
	BaseMinAgents int
	BaseTimeout   time.Duration

	// MaxAttempts caps rematch rounds.
	MaxAttempts int

	// CandidateTimeout bounds one directory fetch.
	CandidateTimeout time.Duration
}

// Orchestrator owns the per-request matching state machine. Every
// inbound event, scheduler expiry, and admin override for a request
// funnels through that request's lane, so state mutations for one
// request are strictly serialized while different requests proceed in
// parallel. There is no cross-request shared mutable state beyond the
// lane table itself.
type Orchestrator struct {
	store      *Store
	candidates CandidateRepository
	scorer     *Scorer
	seasons    *SeasonPolicy
	publisher  *Publisher
	scheduler  *Scheduler
	clock      clock.Clock
	logger     *slog.Logger
	cfg        OrchestratorConfig

	mu    sync.Mutex
	lanes map[string][]laneItem
	busy  map[string]bool

	// draining tracks in-flight lane goroutines so Wait can drain
	// them on shutdown.
	draining sync.WaitGroup
}

type laneItem struct {
	ctx   context.Context
	event InboundEvent
}

// NewOrchestrator creates an Orchestrator and its internal timeout
// scheduler. Call Run to start processing expiries.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Store == nil || cfg.Candidates == nil || cfg.Scorer == nil ||
		cfg.Seasons == nil || cfg.Publisher == nil || cfg.Clock == nil {
		return nil, fmt.Errorf("matching: orchestrator: Store, Candidates, Scorer, Seasons, Publisher, and Clock are required")
	}
	if cfg.BaseMinAgents < 1 || cfg.MaxAttempts < 1 || cfg.BaseTimeout <= 0 {
		return nil, fmt.Errorf("matching: orchestrator: BaseMinAgents, MaxAttempts, and BaseTimeout must be positive")
	}
	if cfg.CandidateTimeout <= 0 {
		cfg.CandidateTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		store:      cfg.Store,
		candidates: cfg.Candidates,
		scorer:     cfg.Scorer,
		seasons:    cfg.Seasons,
		publisher:  cfg.Publisher,
		clock:      cfg.Clock,
		logger:     logger,
		cfg:        cfg,
		lanes:      make(map[string][]laneItem),
		busy:       make(map[string]bool),
	}

	scheduler, err := NewScheduler(SchedulerConfig{
		Clock:  cfg.Clock,
		Logger: logger,
		OnExpire: func(requestID, agentID, matchID string) {
			o.Dispatch(context.Background(), matchExpired{ID: requestID, AgentID: agentID, MatchID: matchID})
		},
	})
	if err != nil {
		return nil, err
	}
	o.scheduler = scheduler
	return o, nil
}

// Run recovers persisted pending matches into the scheduler, then
// fires expiries until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.recover(ctx); err != nil {
		return err
	}
	o.scheduler.Run(ctx)
	return nil
}

// Wait blocks until all in-flight lanes drain. Call after the consume
// loop has stopped feeding Dispatch.
func (o *Orchestrator) Wait() {
	o.draining.Wait()
}

// Dispatch enqueues an inbound event on its request's lane. Never
// blocks on event processing: the lane drains on its own goroutine,
// one event at a time.
func (o *Orchestrator) Dispatch(ctx context.Context, event InboundEvent) {
	requestID := event.RequestID()
	if requestID == "" {
		o.logger.Warn("dropping event without request id", "event", fmt.Sprintf("%T", event))
		return
	}

	o.mu.Lock()
	o.lanes[requestID] = append(o.lanes[requestID], laneItem{ctx: ctx, event: event})
	if o.busy[requestID] {
		o.mu.Unlock()
		return
	}
	o.busy[requestID] = true
	o.mu.Unlock()

	o.draining.Add(1)
	go o.drainLane(requestID)
}

// drainLane processes a request's queued events in order until the
// lane is empty, then retires itself.
func (o *Orchestrator) drainLane(requestID string) {
	defer o.draining.Done()
	for {
		o.mu.Lock()
		queue := o.lanes[requestID]
		if len(queue) == 0 {
			delete(o.lanes, requestID)
			delete(o.busy, requestID)
			o.mu.Unlock()
			return
		}
		item := queue[0]
		o.lanes[requestID] = queue[1:]
		o.mu.Unlock()

		o.handle(item.ctx, item.event)
	}
}

// handle dispatches one event to its state-machine branch. The lane
// guarantees no other goroutine is touching this request.
func (o *Orchestrator) handle(ctx context.Context, event InboundEvent) {
	switch e := event.(type) {
	case RequestCreated:
		o.handleRequestCreated(ctx, e)
	case RequestUpdated:
		o.handleRequestUpdated(ctx, e)
	case RequestCancelled:
		o.handleRequestCancelled(ctx, e)
	case AgentConfirmed:
		o.handleAgentConfirmed(ctx, e)
	case AgentDeclined:
		o.handleMatchRetired(ctx, e.ID, e.AgentID, e.MatchID, e.Reason, MatchDeclined, e.TraceID)
	case matchExpired:
		o.handleMatchRetired(ctx, e.ID, e.AgentID, e.MatchID, DeclineReasonTimeout, MatchExpired, "")
	case adminOp:
		e.run(ctx)
		close(e.done)
	default:
		o.logger.Warn("unhandled inbound event type", "event", fmt.Sprintf("%T", event))
	}
}

func (o *Orchestrator) handleRequestCreated(ctx context.Context, event RequestCreated) {
	// CreateState's insert-or-ignore is the idempotency guard here: a
	// redelivered create finds the row and stops. No separate ledger
	// write, so a transient failure before the insert leaves the
	// redelivery live.
	requestID := event.Request.RequestID
	now := o.clock.Now().UTC()
	created, err := o.store.CreateState(ctx, MatchingState{
		RequestID: requestID,
		Status:    StatusMatching,
		Attempt:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}, event.Request, event.CorrelationID)
	if err != nil {
		o.logger.Error("creating matching state failed", "request_id", requestID, "error", err)
		return
	}
	if !created {
		o.logger.Info("matching state already exists, skipping intake", "request_id", requestID)
		return
	}

	meta := Meta{CorrelationID: event.CorrelationID, TraceID: event.TraceID}
	o.audit(ctx, meta, AuditEntry{RequestID: requestID, Action: "matching_started"})
	o.runSelectionRound(ctx, event.Request, meta, StatusMatching, 0)
}

func (o *Orchestrator) handleRequestUpdated(ctx context.Context, event RequestUpdated) {
	requestID := event.Request.RequestID
	state, err := o.store.GetState(ctx, requestID)
	if errors.Is(err, ErrNotFound) {
		// An update for a request we never saw starts matching: the
		// create event may still be in flight behind it.
		o.handleRequestCreated(ctx, RequestCreated(event))
		return
	}
	if err != nil {
		o.logger.Error("reading state failed", "request_id", requestID, "error", err)
		return
	}

	meta := Meta{CorrelationID: event.CorrelationID, TraceID: event.TraceID}
	if state.Status.Terminal() {
		o.anomaly(ctx, meta, state, "request_updated_after_terminal", string(state.Status))
		return
	}

	// The snapshot changes; live matches stand. Mid-flight matches
	// were scored against the old snapshot, which the match history
	// already records.
	if err := o.store.UpdateRequest(ctx, event.Request, o.clock.Now().UTC()); err != nil {
		o.logger.Error("updating request snapshot failed", "request_id", requestID, "error", err)
		return
	}
	o.audit(ctx, meta, AuditEntry{RequestID: requestID, Action: "request_updated", Attempt: state.Attempt})
	o.publisher.Broadcast(ctx, BroadcastRequestUpdate, map[string]string{"request_id": requestID}, meta)
}

func (o *Orchestrator) handleRequestCancelled(ctx context.Context, event RequestCancelled) {
	state, err := o.store.GetState(ctx, event.ID)
	if errors.Is(err, ErrNotFound) {
		o.logger.Warn("cancellation for unknown request", "request_id", event.ID)
		return
	}
	if err != nil {
		o.logger.Error("reading state failed", "request_id", event.ID, "error", err)
		return
	}

	meta := o.metaFor(ctx, event.ID, event.TraceID, "")
	if state.Status.Terminal() {
		o.anomaly(ctx, meta, state, "cancel_after_terminal", string(state.Status))
		return
	}

	o.audit(ctx, meta, AuditEntry{RequestID: event.ID, Action: "request_cancelled", Detail: event.Reason, Attempt: state.Attempt})

	retired, err := o.store.SupersedePending(ctx, event.ID, "")
	if err != nil {
		o.logger.Error("superseding pending matches failed", "request_id", event.ID, "error", err)
		return
	}
	for _, match := range retired {
		o.scheduler.Cancel(match.MatchID)
	}

	if err := o.store.SetStatus(ctx, event.ID, StatusCancelled, state.Attempt, o.clock.Now().UTC()); err != nil {
		o.logger.Error("setting status failed", "request_id", event.ID, "error", err)
		return
	}
	o.publishStatusChange(ctx, meta, event.ID, state.Status, StatusCancelled, state.Attempt)
	o.publisher.Broadcast(ctx, BroadcastRequestUpdate, map[string]string{"request_id": event.ID, "status": string(StatusCancelled)}, meta)
}

func (o *Orchestrator) handleAgentConfirmed(ctx context.Context, event AgentConfirmed) {
	state, err := o.store.GetState(ctx, event.ID)
	if errors.Is(err, ErrNotFound) {
		o.logger.Warn("confirmation for unknown request", "request_id", event.ID, "agent_id", event.AgentID)
		return
	}
	if err != nil {
		o.logger.Error("reading state failed", "request_id", event.ID, "error", err)
		return
	}

	seen, err := o.alreadyProcessed(ctx, TopicAgentConfirmed, event.ID, event.AgentID, state.Attempt)
	if err != nil || seen {
		return
	}

	meta := o.metaFor(ctx, event.ID, event.TraceID, event.AgentID)
	if state.Status.Terminal() {
		o.anomaly(ctx, meta, state, "confirm_after_terminal", string(state.Status))
		return
	}

	match, err := o.locateMatch(ctx, event.ID, event.AgentID, event.MatchID)
	if errors.Is(err, ErrNotFound) {
		o.anomaly(ctx, meta, state, "confirm_for_unknown_match", event.AgentID)
		return
	}
	if err != nil {
		o.logger.Error("locating match failed", "request_id", event.ID, "error", err)
		return
	}
	if match.Status != MatchPending {
		o.anomaly(ctx, meta, state, "confirm_for_non_pending_match", match.MatchID)
		return
	}

	// Audit precedes the mutation, like every other transition.
	o.audit(ctx, meta, AuditEntry{RequestID: event.ID, Action: "agent_accepted", Detail: event.AgentID, Attempt: state.Attempt})

	accepted, err := o.store.TransitionMatch(ctx, match.MatchID, MatchPending, MatchAccepted)
	if err != nil {
		o.logger.Error("accepting match failed", "match_id", match.MatchID, "error", err)
		return
	}
	if !accepted {
		// The lane serializes this request, so the status cannot have
		// shifted since the read above.
		o.logger.Error("match no longer pending", "match_id", match.MatchID)
		return
	}
	o.markProcessed(ctx, TopicAgentConfirmed, event.ID, event.AgentID, state.Attempt)

	// The accepted match's own expiry and every sibling's expiry must
	// die before anything observes MATCHED.
	o.scheduler.Cancel(match.MatchID)
	retired, err := o.store.SupersedePending(ctx, event.ID, match.MatchID)
	if err != nil {
		o.logger.Error("superseding siblings failed", "request_id", event.ID, "error", err)
		return
	}
	for _, sibling := range retired {
		o.scheduler.Cancel(sibling.MatchID)
	}

	if err := o.store.SetStatus(ctx, event.ID, StatusMatched, state.Attempt, o.clock.Now().UTC()); err != nil {
		o.logger.Error("setting status failed", "request_id", event.ID, "error", err)
		return
	}
	o.publishStatusChange(ctx, meta, event.ID, state.Status, StatusMatched, state.Attempt)
	o.publisher.Broadcast(ctx, BroadcastNewMatch, map[string]string{
		"request_id": event.ID,
		"agent_id":   event.AgentID,
		"match_id":   match.MatchID,
	}, meta)
}

// handleMatchRetired is the shared decline/expiry branch: mark the
// match, log the decline, and let the rematch coordinator decide what
// happens next.
func (o *Orchestrator) handleMatchRetired(ctx context.Context, requestID, agentID, matchID, reason string, terminal MatchStatus, traceID string) {
	state, err := o.store.GetState(ctx, requestID)
	if errors.Is(err, ErrNotFound) {
		o.logger.Warn("decline for unknown request", "request_id", requestID, "agent_id", agentID)
		return
	}
	if err != nil {
		o.logger.Error("reading state failed", "request_id", requestID, "error", err)
		return
	}

	meta := o.metaFor(ctx, requestID, traceID, agentID)

	if terminal == MatchDeclined {
		seen, err := o.alreadyProcessed(ctx, TopicAgentDeclined, requestID, agentID, state.Attempt)
		if err != nil || seen {
			return
		}
	}

	if state.Status.Terminal() {
		// Late decline or straggler expiry after cancel/accept/fail:
		// accepted but changes nothing.
		o.anomaly(ctx, meta, state, "decline_after_terminal", string(state.Status))
		return
	}

	match, err := o.locateMatch(ctx, requestID, agentID, matchID)
	if errors.Is(err, ErrNotFound) {
		o.anomaly(ctx, meta, state, "decline_for_unknown_match", agentID)
		return
	}
	if err != nil {
		o.logger.Error("locating match failed", "request_id", requestID, "error", err)
		return
	}
	if match.Status != MatchPending {
		o.anomaly(ctx, meta, state, "decline_for_non_pending_match", match.MatchID)
		return
	}

	action := "agent_declined"
	if terminal == MatchExpired {
		action = "match_expired"
	}
	// Audit precedes the mutation, like every other transition.
	o.audit(ctx, meta, AuditEntry{RequestID: requestID, Action: action, Detail: reason, Attempt: state.Attempt})

	changed, err := o.store.TransitionMatch(ctx, match.MatchID, MatchPending, terminal)
	if err != nil {
		o.logger.Error("retiring match failed", "match_id", match.MatchID, "error", err)
		return
	}
	if !changed {
		// The lane serializes this request, so the status cannot have
		// shifted since the read above.
		o.logger.Error("match no longer pending", "match_id", match.MatchID)
		return
	}
	if terminal == MatchDeclined {
		o.markProcessed(ctx, TopicAgentDeclined, requestID, agentID, state.Attempt)
	}
	o.scheduler.Cancel(match.MatchID)

	if err := o.store.InsertDecline(ctx, AgentDecline{
		MatchID:    match.MatchID,
		AgentID:    match.AgentID,
		RequestID:  requestID,
		Reason:     reason,
		DeclinedAt: o.clock.Now().UTC(),
	}); err != nil {
		o.logger.Error("recording decline failed", "match_id", match.MatchID, "error", err)
		return
	}

	remaining, err := o.store.CountPending(ctx, requestID)
	if err != nil {
		o.logger.Error("counting pending failed", "request_id", requestID, "error", err)
		return
	}

	if err := o.publisher.Publish(ctx, TopicAgentDeclined, AgentDeclinedEvent{
		RequestID:        requestID,
		AgentID:          match.AgentID,
		MatchID:          match.MatchID,
		Reason:           reason,
		RemainingMatches: remaining,
	}, meta); err != nil {
		o.logger.Error("publishing decline failed", "match_id", match.MatchID, "error", err)
	}
	if terminal == MatchExpired {
		o.publisher.Broadcast(ctx, BroadcastMatchExpired, map[string]string{
			"request_id": requestID,
			"match_id":   match.MatchID,
		}, meta)
	}

	request, _, err := o.store.GetRequest(ctx, requestID)
	if err != nil {
		o.logger.Error("reading request snapshot failed", "request_id", requestID, "error", err)
		return
	}
	season := o.seasons.Detect(request.TripStart, request.TripEnd, request.Destinations, o.cfg.BaseMinAgents, o.cfg.BaseTimeout)

	decision := Decide(remaining, season.MinAgents, state.Attempt, o.cfg.MaxAttempts)
	switch decision.Action {
	case ActionNoOp:
		// Enough live matches remain.

	case ActionRematch:
		excluded, err := o.store.MatchedAgentIDs(ctx, requestID)
		if err != nil {
			o.logger.Error("listing matched agents failed", "request_id", requestID, "error", err)
			return
		}
		o.audit(ctx, meta, AuditEntry{RequestID: requestID, Action: "rematch_initiated", Attempt: decision.NextAttempt})
		if err := o.store.SetStatus(ctx, requestID, StatusRematching, decision.NextAttempt, o.clock.Now().UTC()); err != nil {
			o.logger.Error("setting status failed", "request_id", requestID, "error", err)
			return
		}
		o.publishStatusChange(ctx, meta, requestID, state.Status, StatusRematching, decision.NextAttempt)
		if err := o.publisher.Publish(ctx, TopicRematchStarted, RematchInitiatedEvent{
			RequestID:      requestID,
			Attempt:        decision.NextAttempt,
			ExcludedAgents: excluded,
			Trigger:        reason,
		}, meta); err != nil {
			o.logger.Error("publishing rematch event failed", "request_id", requestID, "error", err)
		}
		o.runSelectionRound(ctx, request, meta, StatusRematching, decision.NextAttempt)

	case ActionFail:
		o.failRequest(ctx, meta, requestID, state.Status, state.Attempt, decision.Reason)
	}
}

// runSelectionRound fetches, ranks, and persists one round of
// matches, arms their expiries, and emits agents.matched. The caller
// has already set the attempt counter for rematch rounds.
func (o *Orchestrator) runSelectionRound(ctx context.Context, request TripRequest, meta Meta, from RequestStatus, attempt int) {
	requestID := request.RequestID
	start := o.clock.Now()

	excluded, err := o.store.MatchedAgentIDs(ctx, requestID)
	if err != nil {
		o.logger.Error("listing matched agents failed", "request_id", requestID, "error", err)
		return
	}

	candidates, err := o.fetchCandidates(ctx, request, excluded)
	if err != nil {
		o.logger.Error("candidate fetch exhausted retries", "request_id", requestID, "error", err)
		o.failRequest(ctx, meta, requestID, from, attempt, "candidate_fetch_failed")
		return
	}
	if len(candidates) == 0 {
		o.failRequest(ctx, meta, requestID, from, attempt, "no_candidates")
		return
	}

	ranked := o.scorer.Rank(request, candidates)
	season := o.seasons.Detect(request.TripStart, request.TripEnd, request.Destinations, o.cfg.BaseMinAgents, o.cfg.BaseTimeout)

	// One star plus a bench of (minAgents - 1). A smaller pool still
	// succeeds as long as one candidate exists.
	count := season.MinAgents
	if count > len(ranked) {
		count = len(ranked)
	}

	now := o.clock.Now().UTC()
	expiresAt := now.Add(season.Timeout)
	matches := make([]AgentMatch, 0, count)
	for i := 0; i < count; i++ {
		tier := TierBench
		if i == 0 {
			tier = TierStar
		}
		matches = append(matches, AgentMatch{
			MatchID:   uuid.NewString(),
			RequestID: requestID,
			AgentID:   ranked[i].Candidate.AgentID,
			Tier:      tier,
			Score:     ranked[i].Score,
			Reasons:   ranked[i].Reasons,
			Status:    MatchPending,
			Attempt:   attempt,
			ExpiresAt: expiresAt,
			CreatedAt: now,
		})
	}

	if err := o.store.InsertMatches(ctx, matches); err != nil {
		o.logger.Error("inserting matches failed", "request_id", requestID, "error", err)
		return
	}
	if err := o.store.SetStatus(ctx, requestID, StatusAgentsMatched, attempt, now); err != nil {
		o.logger.Error("setting status failed", "request_id", requestID, "error", err)
		return
	}

	o.audit(ctx, meta, AuditEntry{
		RequestID: requestID,
		Action:    "agents_matched",
		Detail:    fmt.Sprintf("%d of %d candidates", len(matches), len(candidates)),
		Attempt:   attempt,
	})

	for _, match := range matches {
		o.scheduler.Arm(match.RequestID, match.AgentID, match.MatchID, match.ExpiresAt)
	}

	summaries := make([]MatchSummary, 0, len(matches))
	for _, match := range matches {
		summaries = append(summaries, MatchSummary{
			MatchID:   match.MatchID,
			AgentID:   match.AgentID,
			Tier:      match.Tier,
			Score:     match.Score,
			Reasons:   match.Reasons,
			ExpiresAt: match.ExpiresAt,
		})
	}
	if err := o.publisher.Publish(ctx, TopicAgentsMatched, AgentsMatchedEvent{
		RequestID:     requestID,
		Attempt:       attempt,
		Matches:       summaries,
		CandidatePool: len(candidates),
		ElapsedMS:     o.clock.Now().Sub(start).Milliseconds(),
		PeakSeason:    season.IsPeakSeason,
		ActivePeriods: season.ActivePeriods,
	}, meta); err != nil {
		o.logger.Error("publishing agents.matched failed", "request_id", requestID, "error", err)
	}
	o.publishStatusChange(ctx, meta, requestID, from, StatusAgentsMatched, attempt)
	o.publisher.Broadcast(ctx, BroadcastProposalReceived, map[string]any{
		"request_id": requestID,
		"matches":    len(matches),
	}, meta)
}

// fetchCandidates calls the directory with the configured timeout,
// retrying transient failures with a short backoff.
func (o *Orchestrator) fetchCandidates(ctx context.Context, request TripRequest, excluded []string) ([]AgentCandidate, error) {
	const fetchAttempts = 3

	var lastErr error
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.CandidateTimeout)
		candidates, err := o.candidates.FetchCandidates(fetchCtx, request, excluded)
		cancel()
		if err == nil {
			return candidates, nil
		}
		lastErr = err
		if attempt < fetchAttempts {
			o.logger.Warn("candidate fetch failed, retrying",
				"request_id", request.RequestID,
				"attempt", attempt,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-o.clock.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
	}
	return nil, lastErr
}

// failRequest transitions to FAILED and emits matching.failed. An
// exhausted request is a normal terminal outcome, not a system error.
func (o *Orchestrator) failRequest(ctx context.Context, meta Meta, requestID string, from RequestStatus, attempt int, reason string) {
	evaluated, err := o.store.MatchedAgentIDs(ctx, requestID)
	if err != nil {
		o.logger.Error("listing matched agents failed", "request_id", requestID, "error", err)
	}

	o.audit(ctx, meta, AuditEntry{RequestID: requestID, Action: "matching_failed", Detail: reason, Attempt: attempt})

	if err := o.store.SetStatus(ctx, requestID, StatusFailed, attempt, o.clock.Now().UTC()); err != nil {
		o.logger.Error("setting status failed", "request_id", requestID, "error", err)
		return
	}
	if err := o.publisher.Publish(ctx, TopicMatchingFailed, MatchingFailedEvent{
		RequestID:            requestID,
		Reason:               reason,
		AttemptsMade:         attempt,
		TotalAgentsEvaluated: len(evaluated),
	}, meta); err != nil {
		o.logger.Error("publishing matching.failed failed", "request_id", requestID, "error", err)
	}
	o.publishStatusChange(ctx, meta, requestID, from, StatusFailed, attempt)
	o.publisher.Broadcast(ctx, BroadcastRequestUpdate, map[string]string{
		"request_id": requestID,
		"status":     string(StatusFailed),
	}, meta)
}

// recover re-arms scheduler entries for persisted PENDING matches.
// Overdue matches expire through the normal synthetic-decline path,
// so a restart never strands a request.
func (o *Orchestrator) recover(ctx context.Context) error {
	pending, err := o.store.AllPending(ctx)
	if err != nil {
		return fmt.Errorf("matching: recovering pending matches: %w", err)
	}

	now := o.clock.Now()
	rearmed, overdue := 0, 0
	for _, match := range pending {
		if match.ExpiresAt.After(now) {
			o.scheduler.Arm(match.RequestID, match.AgentID, match.MatchID, match.ExpiresAt)
			rearmed++
			continue
		}
		o.Dispatch(ctx, matchExpired{ID: match.RequestID, AgentID: match.AgentID, MatchID: match.MatchID})
		overdue++
	}
	if rearmed > 0 || overdue > 0 {
		o.logger.Info("recovered pending matches", "rearmed", rearmed, "overdue", overdue)
	}
	return nil
}

// Snapshot returns the admin-facing view of a request.
func (o *Orchestrator) Snapshot(ctx context.Context, requestID string) (StateSnapshot, error) {
	state, err := o.store.GetState(ctx, requestID)
	if err != nil {
		return StateSnapshot{}, err
	}
	matches, err := o.store.ListMatches(ctx, requestID)
	if err != nil {
		return StateSnapshot{}, err
	}
	return StateSnapshot{State: state, Matches: matches}, nil
}

// locateMatch resolves an agent response to its match row, preferring
// the explicit match ID when the event carries one.
func (o *Orchestrator) locateMatch(ctx context.Context, requestID, agentID, matchID string) (AgentMatch, error) {
	if matchID != "" {
		return o.store.GetMatch(ctx, matchID)
	}
	return o.store.FindPendingMatch(ctx, requestID, agentID)
}

func dedupKey(eventType, requestID, agentID string, attempt int) string {
	return fmt.Sprintf("%s|%s|%s|%d", eventType, requestID, agentID, attempt)
}

// alreadyProcessed reports whether an event's idempotency key is in
// the ledger. Read-only: the key is written by markProcessed after
// the guarded mutation commits, so a failure in between leaves the
// redelivery live instead of dropping the event forever.
func (o *Orchestrator) alreadyProcessed(ctx context.Context, eventType, requestID, agentID string, attempt int) (bool, error) {
	key := dedupKey(eventType, requestID, agentID, attempt)
	seen, err := o.store.WasProcessed(ctx, key)
	if err != nil {
		o.logger.Error("dedup ledger read failed", "key", key, "error", err)
		return false, err
	}
	if seen {
		o.logger.Info("skipping redelivered event", "key", key)
	}
	return seen, nil
}

// markProcessed consumes an event's idempotency key once its mutation
// has committed. A write failure is logged and tolerated: a redelivery
// then lands on the match-status and terminal-state checks, which turn
// it into an audited no-op.
func (o *Orchestrator) markProcessed(ctx context.Context, eventType, requestID, agentID string, attempt int) {
	key := dedupKey(eventType, requestID, agentID, attempt)
	if _, err := o.store.MarkProcessed(ctx, key, o.clock.Now().UTC()); err != nil {
		o.logger.Error("dedup ledger write failed", "key", key, "error", err)
	}
}

// metaFor builds event metadata from the stored correlation ID.
func (o *Orchestrator) metaFor(ctx context.Context, requestID, traceID, actorID string) Meta {
	_, correlationID, err := o.store.GetRequest(ctx, requestID)
	if err != nil {
		correlationID = requestID
	}
	return Meta{CorrelationID: correlationID, TraceID: traceID, ActorID: actorID}
}

func (o *Orchestrator) publishStatusChange(ctx context.Context, meta Meta, requestID string, from, to RequestStatus, attempt int) {
	if err := o.publisher.Publish(ctx, TopicStatusChanged, StatusChangedEvent{
		RequestID: requestID,
		From:      from,
		To:        to,
		Attempt:   attempt,
	}, meta); err != nil {
		o.logger.Error("publishing status change failed",
			"request_id", requestID,
			"to", string(to),
			"error", err,
		)
	}
}

// audit emits one audit entry. Transitions call this before their
// mutations and other publishes so the audit record always precedes
// every other side effect of the transition it explains.
func (o *Orchestrator) audit(ctx context.Context, meta Meta, entry AuditEntry) {
	if err := o.publisher.Audit(ctx, entry, meta); err != nil {
		o.logger.Error("audit publish failed",
			"request_id", entry.RequestID,
			"action", entry.Action,
			"error", err,
		)
	}
}

// anomaly records a business-rule no-op: the event was accepted and
// ignored, and the audit stream says so.
func (o *Orchestrator) anomaly(ctx context.Context, meta Meta, state MatchingState, action, detail string) {
	o.logger.Info("ignoring event",
		"request_id", state.RequestID,
		"action", action,
		"detail", detail,
	)
	o.audit(ctx, meta, AuditEntry{
		RequestID: state.RequestID,
		Action:    action,
		Detail:    detail,
		Attempt:   state.Attempt,
		Anomaly:   true,
	})
}
