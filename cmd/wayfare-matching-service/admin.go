// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/wayfare-travel/wayfare/lib/codec"
	"github.com/wayfare-travel/wayfare/lib/service"
	"github.com/wayfare-travel/wayfare/matching"
)

// requestIDParams is the shared parameter shape for state-inspection
// actions.
type requestIDParams struct {
	RequestID string `cbor:"request_id"`
}

// registerAdminActions wires the admin socket's actions onto the
// orchestrator. Overrides go through the orchestrator's per-request
// lane, so they serialize against live event processing.
func registerAdminActions(server *service.SocketServer, orch *matching.Orchestrator, minReasonLength int) {
	server.Handle("override", func(ctx context.Context, raw []byte) (any, error) {
		var req matching.OverrideRequest
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("decoding override request: %w", err)
		}
		return orch.Override(ctx, req, minReasonLength)
	})

	server.Handle("state", func(ctx context.Context, raw []byte) (any, error) {
		var params requestIDParams
		if err := codec.Unmarshal(raw, &params); err != nil {
			return nil, fmt.Errorf("decoding state request: %w", err)
		}
		if params.RequestID == "" {
			return nil, fmt.Errorf("missing required field: request_id")
		}
		snapshot, err := orch.Snapshot(ctx, params.RequestID)
		if err != nil {
			return nil, err
		}
		return snapshot.State, nil
	})

	server.Handle("matches", func(ctx context.Context, raw []byte) (any, error) {
		var params requestIDParams
		if err := codec.Unmarshal(raw, &params); err != nil {
			return nil, fmt.Errorf("decoding matches request: %w", err)
		}
		if params.RequestID == "" {
			return nil, fmt.Errorf("missing required field: request_id")
		}
		snapshot, err := orch.Snapshot(ctx, params.RequestID)
		if err != nil {
			return nil, err
		}
		return snapshot, nil
	})
}
