// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction.
//
// Production code accepts a Clock instead of calling time.Now,
// time.After, time.AfterFunc, or time.Sleep directly. Real() gives
// standard library behavior; Fake() gives a deterministic clock that
// advances only when Advance is called, which is what makes expiry
// and backoff tests run in microseconds instead of wall-clock hours.
//
// Typical test wiring:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	s := NewScheduler(SchedulerConfig{Clock: c, ...})
//	// ... start goroutines ...
//	c.WaitForTimers(1)          // goroutine registered its timer
//	c.Advance(48 * time.Hour)   // fire it deterministically
package clock
