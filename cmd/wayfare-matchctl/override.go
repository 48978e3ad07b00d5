// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"time"

	"github.com/wayfare-travel/wayfare/lib/service"
	"github.com/wayfare-travel/wayfare/matching"
)

// overrideRequest is matching.OverrideRequest plus the socket action
// field.
type overrideRequest struct {
	Action string `cbor:"action"`
	matching.OverrideRequest
}

func runOverride(args []string) error {
	flags, socket, requestID := commonFlags("override")
	action := flags.String("action", "", "override action: force_match, remove_agent, or extend_deadline")
	agentID := flags.String("agent", "", "target agent ID")
	matchID := flags.String("match", "", "target match ID (alternative to --agent)")
	reason := flags.String("reason", "", "why this override is being applied (required)")
	adminUser := flags.String("admin-user", "", "operator identity for the audit trail (required)")
	extendBy := flags.Duration("extend-by", 0, "deadline extension for extend_deadline, e.g. 6h")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *requestID == "" {
		return fmt.Errorf("--request is required")
	}

	ctx, cancel := callContext()
	defer cancel()

	request := overrideRequest{
		Action: "override",
		OverrideRequest: matching.OverrideRequest{
			RequestID:       *requestID,
			Action:          *action,
			AgentID:         *agentID,
			MatchID:         *matchID,
			Reason:          *reason,
			AdminUserID:     *adminUser,
			ExtendBySeconds: int(extendBy.Seconds()),
		},
	}

	var snapshot matching.StateSnapshot
	if err := service.Call(ctx, *socket, request, &snapshot); err != nil {
		return err
	}

	fmt.Printf("override applied: %s on %s\n", *action, *requestID)
	fmt.Printf("status %s, attempt %d\n", snapshot.State.Status, snapshot.State.Attempt)
	for _, match := range snapshot.Matches {
		fmt.Printf("  %s %s %s expires %s\n",
			match.AgentID, match.Tier, match.Status, match.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}
