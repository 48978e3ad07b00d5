// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

package matching

import (
	"slices"
	"testing"
	"time"

	"github.com/wayfare-travel/wayfare/lib/clock"
	"github.com/wayfare-travel/wayfare/lib/config"
)

func testSeasonPolicy(t *testing.T, now time.Time) *SeasonPolicy {
	t.Helper()
	policy, err := NewSeasonPolicy(config.Default().Seasons, clock.Fake(now))
	if err != nil {
		t.Fatalf("NewSeasonPolicy: %v", err)
	}
	return policy
}

func date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 12, 0, 0, 0, time.UTC)
}

func TestDetectOffSeasonPassesBaseThroughExactly(t *testing.T) {
	policy := testSeasonPolicy(t, date(2026, time.March, 10))

	info := policy.Detect(
		date(2026, time.March, 20), date(2026, time.March, 27),
		[]string{"Lisbon, Portugal"},
		3, 24*time.Hour,
	)
	if info.IsPeakSeason {
		t.Errorf("IsPeakSeason = true, want false")
	}
	if len(info.ActivePeriods) != 0 {
		t.Errorf("ActivePeriods = %v, want none", info.ActivePeriods)
	}
	if info.MinAgents != 3 {
		t.Errorf("MinAgents = %d, want 3", info.MinAgents)
	}
	if info.Timeout != 24*time.Hour {
		t.Errorf("Timeout = %v, want 24h", info.Timeout)
	}
}

func TestDetectWinterHolidaysWrapsYearBoundary(t *testing.T) {
	for _, today := range []time.Time{
		date(2026, time.December, 20),
		date(2027, time.January, 2),
	} {
		policy := testSeasonPolicy(t, today)
		info := policy.Detect(
			today.Add(24*time.Hour), today.Add(5*24*time.Hour),
			[]string{"Anywhere"},
			3, 24*time.Hour,
		)
		if !info.IsPeakSeason {
			t.Errorf("on %s: IsPeakSeason = false, want true", today.Format("Jan 2"))
			continue
		}
		if !slices.Contains(info.ActivePeriods, "winter_holidays") {
			t.Errorf("on %s: ActivePeriods = %v, want winter_holidays", today.Format("Jan 2"), info.ActivePeriods)
		}
	}
}

func TestDetectRegionRestrictedWindow(t *testing.T) {
	// Diwali window is restricted to india and active in late October.
	policy := testSeasonPolicy(t, date(2026, time.October, 25))

	goa := policy.Detect(
		date(2026, time.October, 26), date(2026, time.November, 2),
		[]string{"Goa, India"},
		3, 24*time.Hour,
	)
	if !goa.IsPeakSeason {
		t.Fatalf("india trip: IsPeakSeason = false, want true")
	}
	if !slices.Contains(goa.ActivePeriods, "diwali") {
		t.Errorf("india trip: ActivePeriods = %v, want diwali", goa.ActivePeriods)
	}
	if goa.MinAgents != 1 {
		t.Errorf("india trip: MinAgents = %d, want 1 (single-agent window)", goa.MinAgents)
	}

	lisbon := policy.Detect(
		date(2026, time.October, 26), date(2026, time.November, 2),
		[]string{"Lisbon, Portugal"},
		3, 24*time.Hour,
	)
	if slices.Contains(lisbon.ActivePeriods, "diwali") {
		t.Errorf("portugal trip: diwali active, want region filter to exclude it")
	}
}

func TestDetectTripRangeActivatesFutureWindow(t *testing.T) {
	// Booked in March for a trip over the winter holidays.
	policy := testSeasonPolicy(t, date(2026, time.March, 1))

	info := policy.Detect(
		date(2026, time.December, 20), date(2026, time.December, 28),
		[]string{"Vienna, Austria"},
		3, 24*time.Hour,
	)
	if !info.IsPeakSeason {
		t.Fatalf("IsPeakSeason = false, want true for holiday trip")
	}
	if !slices.Contains(info.ActivePeriods, "winter_holidays") {
		t.Errorf("ActivePeriods = %v, want winter_holidays", info.ActivePeriods)
	}
	if info.Timeout != 48*time.Hour {
		t.Errorf("Timeout = %v, want 48h", info.Timeout)
	}
}

func TestDetectTripContainingWholeWindow(t *testing.T) {
	// Neither trip endpoint is inside the golden_week window, but the
	// trip spans it entirely.
	windows := []config.SeasonWindow{{
		Name:         "golden_week",
		Start:        "04-29",
		End:          "05-05",
		Regions:      []string{"japan"},
		TimeoutHours: 48,
	}}
	policy, err := NewSeasonPolicy(windows, clock.Fake(date(2026, time.February, 1)))
	if err != nil {
		t.Fatalf("NewSeasonPolicy: %v", err)
	}

	info := policy.Detect(
		date(2026, time.April, 20), date(2026, time.May, 10),
		[]string{"Tokyo, Japan"},
		3, 24*time.Hour,
	)
	if !info.IsPeakSeason {
		t.Errorf("IsPeakSeason = false, want true when trip contains the window")
	}
}

func TestDetectOverlappingWindowsTakeMaxTimeout(t *testing.T) {
	windows := []config.SeasonWindow{
		{Name: "short", Start: "07-01", End: "07-31", TimeoutHours: 36},
		{Name: "long", Start: "07-15", End: "08-15", TimeoutHours: 72, AllowSingleAgent: true},
	}
	policy, err := NewSeasonPolicy(windows, clock.Fake(date(2026, time.July, 20)))
	if err != nil {
		t.Fatalf("NewSeasonPolicy: %v", err)
	}

	info := policy.Detect(
		date(2026, time.July, 21), date(2026, time.July, 25),
		[]string{"Rome, Italy"},
		3, 24*time.Hour,
	)
	if len(info.ActivePeriods) != 2 {
		t.Fatalf("ActivePeriods = %v, want both windows", info.ActivePeriods)
	}
	if info.Timeout != 72*time.Hour {
		t.Errorf("Timeout = %v, want 72h (max of overlapping windows)", info.Timeout)
	}
	if info.MinAgents != 1 {
		t.Errorf("MinAgents = %d, want 1", info.MinAgents)
	}
}

func TestNewSeasonPolicyRejectsMalformedWindow(t *testing.T) {
	windows := []config.SeasonWindow{{Name: "bad", Start: "13-40", End: "01-05"}}
	if _, err := NewSeasonPolicy(windows, clock.Fake(time.Now())); err == nil {
		t.Errorf("NewSeasonPolicy accepted month 13, want error")
	}
}
