// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

package matching

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wayfare-travel/wayfare/lib/clock"
)

// Scheduler fires expiry callbacks for pending matches. Entries live
// in a min-heap keyed by deadline; one goroutine (Run) sleeps until
// the earliest deadline and fires it. Arm and Cancel are O(log n) and
// never block on the run loop.
//
// Cancellation contract: once Cancel(matchID) returns, that entry
// will not fire. The one unavoidable window — an entry popped by the
// run loop but its callback not yet executed — is closed by the
// orchestrator, which serializes expiry handling with the
// cancellation per request and re-checks match status before
// mutating, so a straggling callback is a recorded no-op rather than
// a state change.
type Scheduler struct {
	clock    clock.Clock
	logger   *slog.Logger
	onExpire func(requestID, agentID, matchID string)

	mu      sync.Mutex
	entries map[string]*schedulerEntry
	queue   entryQueue

	// wake nudges the run loop after Arm changes the earliest
	// deadline. Capacity 1: a pending nudge is as good as many.
	wake chan struct{}
}

// SchedulerConfig holds the parameters for creating a Scheduler.
type SchedulerConfig struct {
	// Clock provides deadlines and wakeups.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger

	// OnExpire is called when a match's response window elapses. It
	// must not block: the orchestrator's Dispatch enqueues and
	// returns.
	OnExpire func(requestID, agentID, matchID string)
}

// NewScheduler creates a Scheduler. Call Run to start it.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("matching: scheduler: Clock is required")
	}
	if cfg.OnExpire == nil {
		return nil, fmt.Errorf("matching: scheduler: OnExpire is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		clock:    cfg.Clock,
		logger:   logger,
		onExpire: cfg.OnExpire,
		entries:  make(map[string]*schedulerEntry),
		wake:     make(chan struct{}, 1),
	}, nil
}

type schedulerEntry struct {
	matchID   string
	requestID string
	agentID   string
	at        time.Time

	// index is the entry's heap position, maintained by entryQueue so
	// Cancel can heap.Remove in O(log n).
	index int
}

// Arm schedules (or reschedules) the expiry for a match. Rearming an
// existing match replaces its deadline; the admin extend-deadline
// path uses this.
func (s *Scheduler) Arm(requestID, agentID, matchID string, at time.Time) {
	s.mu.Lock()
	if existing, ok := s.entries[matchID]; ok {
		heap.Remove(&s.queue, existing.index)
	}
	entry := &schedulerEntry{
		matchID:   matchID,
		requestID: requestID,
		agentID:   agentID,
		at:        at,
	}
	s.entries[matchID] = entry
	heap.Push(&s.queue, entry)
	s.mu.Unlock()

	s.nudge()
}

// Cancel removes a match's pending expiry. Returns false if no entry
// was pending (already fired or never armed).
func (s *Scheduler) Cancel(matchID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[matchID]
	if !ok {
		return false
	}
	heap.Remove(&s.queue, entry.index)
	delete(s.entries, matchID)
	return true
}

// Pending returns the number of armed entries.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run fires expiries until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		fire, wait, idle := s.next()

		if fire != nil {
			s.logger.Debug("match expiry fired",
				"match_id", fire.matchID,
				"request_id", fire.requestID,
			)
			s.onExpire(fire.requestID, fire.agentID, fire.matchID)
			continue
		}

		if idle {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-s.clock.After(wait):
		}
	}
}

// next pops one due entry, or reports how long to wait for the
// earliest pending one. idle means the heap is empty.
func (s *Scheduler) next() (fire *schedulerEntry, wait time.Duration, idle bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue.Len() == 0 {
		return nil, 0, true
	}

	earliest := s.queue[0]
	now := s.clock.Now()
	if earliest.at.After(now) {
		return nil, earliest.at.Sub(now), false
	}

	heap.Pop(&s.queue)
	delete(s.entries, earliest.matchID)
	return earliest, 0, false
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// entryQueue is a min-heap of entries by deadline.
type entryQueue []*schedulerEntry

func (q entryQueue) Len() int           { return len(q) }
func (q entryQueue) Less(i, j int) bool { return q[i].at.Before(q[j].at) }

func (q entryQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *entryQueue) Push(x any) {
	entry := x.(*schedulerEntry)
	entry.index = len(*q)
	*q = append(*q, entry)
}

func (q *entryQueue) Pop() any {
	old := *q
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*q = old[:n-1]
	return entry
}
