// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

package matching

import (
	"slices"
	"testing"

	"github.com/wayfare-travel/wayfare/lib/config"
)

func testWeights() config.Weights {
	return config.Weights{
		Destination:    30,
		Specialization: 20,
		Language:       15,
		Rating:         20,
		ResponseTime:   10,
		StarBonus:      5,
	}
}

func TestScoreFullMatch(t *testing.T) {
	scorer := NewScorer(testWeights())
	request := TripRequest{
		RequestID:    "req-1",
		Destinations: []string{"Goa, India"},
		TravelStyle:  "beach",
		Languages:    []string{"en"},
	}
	candidate := AgentCandidate{
		AgentID:         "agent-a",
		Destinations:    []string{"Goa, India"},
		Specializations: []string{"beach"},
		Languages:       []string{"en"},
		Rating:          5.0,
		ResponseP50:     0,
		StarEligible:    true,
	}

	score, reasons := scorer.Score(request, candidate)
	if want := 30.0 + 20 + 15 + 20 + 10 + 5; score != want {
		t.Errorf("score = %v, want %v", score, want)
	}
	wantReasons := []string{
		"destination_overlap:1.00",
		"specialization:beach",
		"language_overlap:1.00",
		"rating:5.0",
		"response_time_p50:0m",
		"star_eligible",
	}
	if !slices.Equal(reasons, wantReasons) {
		t.Errorf("reasons = %v, want %v", reasons, wantReasons)
	}
}

func TestScoreNoOverlap(t *testing.T) {
	scorer := NewScorer(testWeights())
	request := TripRequest{
		Destinations: []string{"Kyoto, Japan"},
		TravelStyle:  "culture",
		Languages:    []string{"ja"},
	}
	candidate := AgentCandidate{
		AgentID:      "agent-b",
		Destinations: []string{"Lisbon, Portugal"},
		Languages:    []string{"pt"},
		ResponseP50:  responseTimeCeiling,
	}

	score, reasons := scorer.Score(request, candidate)
	if score != 0 {
		t.Errorf("score = %v, want 0", score)
	}
	if len(reasons) != 0 {
		t.Errorf("reasons = %v, want none", reasons)
	}
}

func TestScorePartialOverlap(t *testing.T) {
	scorer := NewScorer(testWeights())
	request := TripRequest{
		Destinations: []string{"Goa, India", "Kerala, India"},
		Languages:    []string{"en", "hi"},
	}
	candidate := AgentCandidate{
		AgentID:      "agent-c",
		Destinations: []string{"goa, india"},
		Languages:    []string{"EN"},
		ResponseP50:  12 * 60,
	}

	score, reasons := scorer.Score(request, candidate)
	// Half the destinations, half the languages, half the response
	// window remaining.
	want := 30*0.5 + 15*0.5 + 10*0.5
	if score != want {
		t.Errorf("score = %v, want %v", score, want)
	}
	wantReasons := []string{
		"destination_overlap:0.50",
		"language_overlap:0.50",
		"response_time_p50:720m",
	}
	if !slices.Equal(reasons, wantReasons) {
		t.Errorf("reasons = %v, want %v", reasons, wantReasons)
	}
}

func TestScoreDeterministic(t *testing.T) {
	scorer := NewScorer(testWeights())
	request := TripRequest{
		Destinations: []string{"Bali, Indonesia"},
		TravelStyle:  "adventure",
		Languages:    []string{"en", "id"},
	}
	candidate := AgentCandidate{
		AgentID:         "agent-d",
		Destinations:    []string{"Bali, Indonesia", "Lombok, Indonesia"},
		Specializations: []string{"adventure", "diving"},
		Languages:       []string{"en"},
		Rating:          4.5,
		ResponseP50:     90,
		StarEligible:    true,
	}

	firstScore, firstReasons := scorer.Score(request, candidate)
	for i := 0; i < 10; i++ {
		score, reasons := scorer.Score(request, candidate)
		if score != firstScore {
			t.Fatalf("run %d: score = %v, want %v", i, score, firstScore)
		}
		if !slices.Equal(reasons, firstReasons) {
			t.Fatalf("run %d: reasons = %v, want %v", i, reasons, firstReasons)
		}
	}
}

func TestRankOrdersByScoreThenAgentID(t *testing.T) {
	scorer := NewScorer(testWeights())
	request := TripRequest{
		Destinations: []string{"Goa, India"},
		Languages:    []string{"en"},
	}
	candidates := []AgentCandidate{
		{AgentID: "agent-z", Destinations: []string{"Goa, India"}, Languages: []string{"en"}, ResponseP50: responseTimeCeiling},
		{AgentID: "agent-a", Destinations: []string{"Goa, India"}, Languages: []string{"en"}, ResponseP50: responseTimeCeiling},
		{AgentID: "agent-m", Destinations: []string{"Goa, India"}, Languages: []string{"en"}, Rating: 5.0, ResponseP50: responseTimeCeiling},
	}

	ranked := scorer.Rank(request, candidates)
	got := make([]string, 0, len(ranked))
	for _, sc := range ranked {
		got = append(got, sc.Candidate.AgentID)
	}
	// agent-m wins on rating; the tied pair orders by agent ID.
	want := []string{"agent-m", "agent-a", "agent-z"}
	if !slices.Equal(got, want) {
		t.Errorf("rank order = %v, want %v", got, want)
	}
}

func TestRatingClampedAboveScale(t *testing.T) {
	scorer := NewScorer(testWeights())
	candidate := AgentCandidate{AgentID: "agent-e", Rating: 7.5, ResponseP50: responseTimeCeiling}

	score, _ := scorer.Score(TripRequest{}, candidate)
	if score != testWeights().Rating {
		t.Errorf("score = %v, want rating weight %v", score, testWeights().Rating)
	}
}
