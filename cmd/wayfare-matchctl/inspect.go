// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/wayfare-travel/wayfare/lib/service"
	"github.com/wayfare-travel/wayfare/matching"
)

type stateRequest struct {
	Action    string `cbor:"action"`
	RequestID string `cbor:"request_id"`
}

func runState(args []string) error {
	flags, socket, requestID := commonFlags("state")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *requestID == "" {
		return fmt.Errorf("--request is required")
	}

	ctx, cancel := callContext()
	defer cancel()

	var state matching.MatchingState
	if err := service.Call(ctx, *socket, stateRequest{Action: "state", RequestID: *requestID}, &state); err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "request\t%s\n", state.RequestID)
	fmt.Fprintf(writer, "status\t%s\n", state.Status)
	fmt.Fprintf(writer, "attempt\t%d\n", state.Attempt)
	fmt.Fprintf(writer, "created\t%s\n", state.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(writer, "updated\t%s\n", state.UpdatedAt.Format(time.RFC3339))
	return writer.Flush()
}

func runMatches(args []string) error {
	flags, socket, requestID := commonFlags("matches")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *requestID == "" {
		return fmt.Errorf("--request is required")
	}

	ctx, cancel := callContext()
	defer cancel()

	var snapshot matching.StateSnapshot
	if err := service.Call(ctx, *socket, stateRequest{Action: "matches", RequestID: *requestID}, &snapshot); err != nil {
		return err
	}

	fmt.Printf("request %s: %s, attempt %d\n\n",
		snapshot.State.RequestID, snapshot.State.Status, snapshot.State.Attempt)

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "AGENT\tTIER\tSCORE\tSTATUS\tROUND\tEXPIRES\tREASONS")
	for _, match := range snapshot.Matches {
		fmt.Fprintf(writer, "%s\t%s\t%.1f\t%s\t%d\t%s\t%s\n",
			match.AgentID,
			match.Tier,
			match.Score,
			match.Status,
			match.Attempt,
			match.ExpiresAt.Format(time.RFC3339),
			strings.Join(match.Reasons, ","),
		)
	}
	return writer.Flush()
}
