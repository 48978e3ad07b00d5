// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/wayfare-travel/wayfare/lib/config"
	"github.com/wayfare-travel/wayfare/matching"
)

// scoreFile is the YAML shape the score subcommand reads: one request
// and the candidate pool to rank it against.
type scoreFile struct {
	Request struct {
		RequestID    string   `yaml:"request_id"`
		Destinations []string `yaml:"destinations"`
		TripStart    string   `yaml:"trip_start"`
		TripEnd      string   `yaml:"trip_end"`
		TravelStyle  string   `yaml:"travel_style"`
		Languages    []string `yaml:"languages"`
	} `yaml:"request"`
	Candidates []struct {
		AgentID         string   `yaml:"agent_id"`
		Specializations []string `yaml:"specializations"`
		Languages       []string `yaml:"languages"`
		Destinations    []string `yaml:"destinations"`
		Rating          float64  `yaml:"rating"`
		ResponseP50     int      `yaml:"response_p50_minutes"`
		ResponseP90     int      `yaml:"response_p90_minutes"`
		Available       bool     `yaml:"available"`
		StarEligible    bool     `yaml:"star_eligible"`
	} `yaml:"candidates"`
}

// runScore ranks a candidate file without touching the service. It
// uses the same scorer and candidate filtering the live engine does,
// so operators can answer "why did this agent rank where it did"
// offline.
func runScore(args []string) error {
	flags := pflag.NewFlagSet("score", pflag.ContinueOnError)
	file := flags.String("file", "", "YAML file with a request and candidate pool (required)")
	configPath := flags.String("config", "", "config file for scoring weights (default built-in weights)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("--file is required")
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		return err
	}
	var input scoreFile
	if err := yaml.Unmarshal(data, &input); err != nil {
		return fmt.Errorf("parsing %s: %w", *file, err)
	}

	request := matching.TripRequest{
		RequestID:    input.Request.RequestID,
		Destinations: input.Request.Destinations,
		TravelStyle:  input.Request.TravelStyle,
		Languages:    input.Request.Languages,
	}
	if input.Request.TripStart != "" {
		start, err := time.Parse("2006-01-02", input.Request.TripStart)
		if err != nil {
			return fmt.Errorf("trip_start: %w", err)
		}
		request.TripStart = start
	}
	if input.Request.TripEnd != "" {
		end, err := time.Parse("2006-01-02", input.Request.TripEnd)
		if err != nil {
			return fmt.Errorf("trip_end: %w", err)
		}
		request.TripEnd = end
	}

	pool := make([]matching.AgentCandidate, 0, len(input.Candidates))
	for _, c := range input.Candidates {
		pool = append(pool, matching.AgentCandidate{
			AgentID:         c.AgentID,
			Specializations: c.Specializations,
			Languages:       c.Languages,
			Destinations:    c.Destinations,
			Rating:          c.Rating,
			ResponseP50:     c.ResponseP50,
			ResponseP90:     c.ResponseP90,
			Available:       c.Available,
			StarEligible:    c.StarEligible,
		})
	}

	repo := &matching.FixedRepository{Candidates: pool}
	eligible, err := repo.FetchCandidates(context.Background(), request, nil)
	if err != nil {
		return err
	}

	scorer := matching.NewScorer(cfg.Matching.Weights)
	ranked := scorer.Rank(request, eligible)

	fmt.Printf("%d of %d candidates eligible\n\n", len(eligible), len(pool))
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "RANK\tAGENT\tSCORE\tREASONS")
	for i, candidate := range ranked {
		fmt.Fprintf(writer, "%d\t%s\t%.1f\t%s\n",
			i+1,
			candidate.Candidate.AgentID,
			candidate.Score,
			strings.Join(candidate.Reasons, ","),
		)
	}
	return writer.Flush()
}
