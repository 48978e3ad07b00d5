// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

// Package matching implements the agent matching engine: intake of
// trip requests, candidate scoring and tier assignment, peak-season
// threshold adjustment, response deadlines, and rematch rounds when
// agents decline or time out.
//
// The Orchestrator is the only writer of matching state. It consumes
// bus events and admin overrides through per-request lanes, so each
// request's transitions are strictly ordered while unrelated requests
// proceed concurrently. State persists in SQLite through Store;
// outcomes leave through Publisher as canonical events, audit
// entries, and best-effort client broadcasts.
package matching
