// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

package matching

import (
	"fmt"
	"slices"
	"strings"

	"github.com/wayfare-travel/wayfare/lib/config"
)

// Scorer ranks candidates for a request. Scoring is a pure function
// of its inputs: identical request and candidate always yield the
// identical score and reason list, and ranking ties break on
// ascending agent ID. That determinism is what makes rematch outcomes
// reproducible in tests, so treat it as part of the contract, not an
// implementation detail.
type Scorer struct {
	weights config.Weights
}

// NewScorer creates a Scorer with the given weights.
func NewScorer(weights config.Weights) *Scorer {
	return &Scorer{weights: weights}
}

// ScoredCandidate pairs a candidate with its score and the ordered
// list of contributing factors.
type ScoredCandidate struct {
	Candidate AgentCandidate
	Score     float64
	Reasons   []string
}

// responseTimeCeiling is the P50 response time, in minutes, at or
// beyond which the response-time sub-score reaches zero.
const responseTimeCeiling = 24 * 60

// maxRating is the rating scale ceiling used for normalization.
const maxRating = 5.0

// Score computes the weighted score for one candidate. Sub-scores are
// evaluated in a fixed order so the reason list is deterministic.
func (s *Scorer) Score(request TripRequest, candidate AgentCandidate) (float64, []string) {
	var score float64
	var reasons []string

	if overlap := overlapFraction(request.Destinations, candidate.Destinations); overlap > 0 {
		score += s.weights.Destination * overlap
		reasons = append(reasons, fmt.Sprintf("destination_overlap:%.2f", overlap))
	}

	if matchesStyle(request.TravelStyle, candidate.Specializations) {
		score += s.weights.Specialization
		reasons = append(reasons, "specialization:"+strings.ToLower(request.TravelStyle))
	}

	if overlap := overlapFraction(request.Languages, candidate.Languages); overlap > 0 {
		score += s.weights.Language * overlap
		reasons = append(reasons, fmt.Sprintf("language_overlap:%.2f", overlap))
	}

	if candidate.Rating > 0 {
		normalized := candidate.Rating / maxRating
		if normalized > 1 {
			normalized = 1
		}
		score += s.weights.Rating * normalized
		reasons = append(reasons, fmt.Sprintf("rating:%.1f", candidate.Rating))
	}

	// Faster responders score higher: P50 at zero minutes earns the
	// full weight, P50 at the ceiling or beyond earns nothing.
	if candidate.ResponseP50 >= 0 && candidate.ResponseP50 < responseTimeCeiling {
		normalized := 1 - float64(candidate.ResponseP50)/responseTimeCeiling
		score += s.weights.ResponseTime * normalized
		reasons = append(reasons, fmt.Sprintf("response_time_p50:%dm", candidate.ResponseP50))
	}

	if candidate.StarEligible {
		score += s.weights.StarBonus
		reasons = append(reasons, "star_eligible")
	}

	return score, reasons
}

// Rank scores and sorts candidates: descending score, ties broken by
// ascending agent ID.
func (s *Scorer) Rank(request TripRequest, candidates []AgentCandidate) []ScoredCandidate {
	ranked := make([]ScoredCandidate, 0, len(candidates))
	for _, candidate := range candidates {
		score, reasons := s.Score(request, candidate)
		ranked = append(ranked, ScoredCandidate{Candidate: candidate, Score: score, Reasons: reasons})
	}

	slices.SortFunc(ranked, func(a, b ScoredCandidate) int {
		if a.Score != b.Score {
			if a.Score > b.Score {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Candidate.AgentID, b.Candidate.AgentID)
	})
	return ranked
}

// overlapFraction returns the fraction of wanted entries present in
// offered, comparing case-insensitively. Zero when wanted is empty.
func overlapFraction(wanted, offered []string) float64 {
	if len(wanted) == 0 {
		return 0
	}
	matched := 0
	for _, want := range wanted {
		for _, offer := range offered {
			if strings.EqualFold(want, offer) {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(wanted))
}

// matchesStyle reports whether any specialization matches the
// requested travel style, case-insensitively.
func matchesStyle(style string, specializations []string) bool {
	if style == "" {
		return false
	}
	for _, spec := range specializations {
		if strings.EqualFold(style, spec) {
			return true
		}
	}
	return false
}
