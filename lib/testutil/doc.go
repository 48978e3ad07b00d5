// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Wayfare packages.
//
// [RequireReceive] and [RequireClosed] encapsulate the timeout safety
// valve pattern (select with a time.After fallback) so individual
// tests do not need direct time.After calls. These are the only place
// in the test suite where real wall-clock timeouts appear; everything
// else runs on the fake clock.
//
// [UniqueID] generates monotonically increasing identifiers for test
// disambiguation — request IDs, agent IDs, event IDs — without
// reaching for time.Now().
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
package testutil
