// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

package matching

import (
	"fmt"
	"strings"
	"time"

	"github.com/wayfare-travel/wayfare/lib/clock"
	"github.com/wayfare-travel/wayfare/lib/config"
)

// seasonWindow is a parsed peak-season window. Start and end are
// month*100+day ordinals; a window whose end ordinal precedes its
// start wraps the year boundary (Dec 15 – Jan 5).
type seasonWindow struct {
	name             string
	start            int
	end              int
	regions          []string
	timeout          time.Duration
	allowSingleAgent bool
}

// SeasonPolicy computes peak-season adjustments to the minimum-agent
// and timeout thresholds. The window table is static for the life of
// the policy; what varies per invocation is the request's trip dates,
// destinations, and the current wall-clock date.
type SeasonPolicy struct {
	windows []seasonWindow
	clock   clock.Clock
}

// NewSeasonPolicy parses the configured windows. A malformed window is
// a boot-blocking error — config.Validate catches it first in the
// service path, but the policy revalidates so it can never hold an
// unparseable table.
func NewSeasonPolicy(windows []config.SeasonWindow, clk clock.Clock) (*SeasonPolicy, error) {
	parsed := make([]seasonWindow, 0, len(windows))
	for _, w := range windows {
		startMonth, startDay, err := config.ParseMonthDay(w.Start)
		if err != nil {
			return nil, fmt.Errorf("matching: season %q: start: %w", w.Name, err)
		}
		endMonth, endDay, err := config.ParseMonthDay(w.End)
		if err != nil {
			return nil, fmt.Errorf("matching: season %q: end: %w", w.Name, err)
		}
		parsed = append(parsed, seasonWindow{
			name:             w.Name,
			start:            startMonth*100 + startDay,
			end:              endMonth*100 + endDay,
			regions:          w.Regions,
			timeout:          time.Duration(w.TimeoutHours) * time.Hour,
			allowSingleAgent: w.AllowSingleAgent,
		})
	}
	return &SeasonPolicy{windows: parsed, clock: clk}, nil
}

// Detect computes the peak-season adjustment for one request. A
// window is active if the current date or any part of the trip range
// falls inside it, and the window is either unrestricted or matches
// at least one requested destination. Outside all windows the base
// values pass through exactly.
func (p *SeasonPolicy) Detect(tripStart, tripEnd time.Time, destinations []string, baseMinAgents int, baseTimeout time.Duration) PeakSeasonInfo {
	info := PeakSeasonInfo{
		MinAgents: baseMinAgents,
		Timeout:   baseTimeout,
	}

	now := p.clock.Now().UTC()
	for _, window := range p.windows {
		if !window.matchesRegion(destinations) {
			continue
		}
		if !window.containsDate(now) && !window.overlapsRange(tripStart, tripEnd) {
			continue
		}

		info.IsPeakSeason = true
		info.ActivePeriods = append(info.ActivePeriods, window.name)
		if window.timeout > info.Timeout {
			info.Timeout = window.timeout
		}
		if window.allowSingleAgent {
			info.MinAgents = 1
		}
	}

	return info
}

// matchesRegion reports whether the window applies to any of the
// destinations. Unrestricted windows apply everywhere. Restricted
// windows match on case-insensitive substring against region tags, so
// the tag "india" matches the destination "Goa, India".
func (w seasonWindow) matchesRegion(destinations []string) bool {
	if len(w.regions) == 0 {
		return true
	}
	for _, destination := range destinations {
		lower := strings.ToLower(destination)
		for _, region := range w.regions {
			if strings.Contains(lower, strings.ToLower(region)) {
				return true
			}
		}
	}
	return false
}

// containsDate reports whether t's month/day falls inside the window.
func (w seasonWindow) containsDate(t time.Time) bool {
	ordinal := int(t.Month())*100 + t.Day()
	if w.start <= w.end {
		return ordinal >= w.start && ordinal <= w.end
	}
	// Year-wrapping window: Dec 20 and Jan 2 both count for a
	// Dec 15 – Jan 5 window.
	return ordinal >= w.start || ordinal <= w.end
}

// overlapsRange reports whether any day of [start, end] falls inside
// the window. Trips of a year or longer cover every window.
func (w seasonWindow) overlapsRange(start, end time.Time) bool {
	if start.IsZero() || end.IsZero() || end.Before(start) {
		return false
	}
	if end.Sub(start) >= 365*24*time.Hour {
		return true
	}
	if w.containsDate(start) || w.containsDate(end) {
		return true
	}
	// The window's start day may fall strictly inside the trip range
	// even when neither trip endpoint is inside the window. Check the
	// window's start anchored in each year the trip touches.
	for year := start.Year(); year <= end.Year(); year++ {
		anchor := time.Date(year, time.Month(w.start/100), w.start%100, 0, 0, 0, 0, time.UTC)
		if !anchor.Before(start.Truncate(24*time.Hour)) && !anchor.After(end) {
			return true
		}
	}
	return false
}
