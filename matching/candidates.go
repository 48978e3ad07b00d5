// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

package matching

import (
	"context"
	"strings"
)

// CandidateRepository fetches eligible agents from the agent
// directory. Implementations filter on destination/specialization
// overlap and availability, and must exclude every agent in
// excludedAgentIDs — the union of all agents ever matched for the
// request. An empty result is a normal return, not an error; the
// orchestrator turns it into a FAILED transition.
//
// Calls must honor ctx deadlines: the orchestrator wraps every fetch
// in its configured candidate timeout and treats expiry as a
// transient failure.
type CandidateRepository interface {
	FetchCandidates(ctx context.Context, request TripRequest, excludedAgentIDs []string) ([]AgentCandidate, error)
}

// FixedRepository is a CandidateRepository over a static candidate
// set. Used by tests and by matchctl's dry-run scoring.
type FixedRepository struct {
	Candidates []AgentCandidate
}

// FetchCandidates filters the static set the way the directory
// service does: available agents with destination overlap, minus the
// excluded list.
func (r *FixedRepository) FetchCandidates(ctx context.Context, request TripRequest, excludedAgentIDs []string) ([]AgentCandidate, error) {
	excluded := make(map[string]bool, len(excludedAgentIDs))
	for _, agentID := range excludedAgentIDs {
		excluded[agentID] = true
	}

	var eligible []AgentCandidate
	for _, candidate := range r.Candidates {
		if !candidate.Available || excluded[candidate.AgentID] {
			continue
		}
		if !servesAnyDestination(candidate, request.Destinations) {
			continue
		}
		eligible = append(eligible, candidate)
	}
	return eligible, nil
}

// servesAnyDestination reports whether the candidate covers at least
// one requested destination, case-insensitively.
func servesAnyDestination(candidate AgentCandidate, destinations []string) bool {
	if len(destinations) == 0 {
		return true
	}
	for _, destination := range destinations {
		for _, served := range candidate.Destinations {
			if strings.EqualFold(destination, served) {
				return true
			}
		}
	}
	return false
}
