// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// Fake returns a FakeClock initialized to the given time. Time stands
// still until Advance is called.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for tests. After, AfterFunc, and
// Sleep register pending waiters; Advance moves the clock forward and
// fires every waiter whose deadline has been reached, in deadline
// order. AfterFunc callbacks run synchronously inside Advance, so a
// callback must not call Advance or Sleep on the same clock.
//
// Safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
	changed *sync.Cond
}

type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time // nil for AfterFunc waiters
	callback func()         // nil for After/Sleep waiters
	stopped  bool
	fired    bool
}

func (w *fakeWaiter) pending() bool { return !w.stopped && !w.fired }

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After registers a waiter that fires when the clock advances past
// duration d. If d <= 0 the returned channel receives immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.waiters = append(c.waiters, &fakeWaiter{
		deadline: c.current.Add(d),
		channel:  channel,
	})
	c.changed.Broadcast()
	return channel
}

// AfterFunc registers f to run when the clock advances past duration
// d. If d <= 0, f runs synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	if d <= 0 {
		c.mu.Unlock()
		f()
		return &Timer{stopFunc: func() bool { return false }}
	}
	waiter := &fakeWaiter{
		deadline: c.current.Add(d),
		callback: f,
	}
	c.waiters = append(c.waiters, waiter)
	c.changed.Broadcast()
	c.mu.Unlock()

	return &Timer{stopFunc: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !waiter.pending() {
			return false
		}
		waiter.stopped = true
		return true
	}}
}

// Sleep blocks until the clock advances past duration d.
func (c *FakeClock) Sleep(d time.Duration) { <-c.After(d) }

// Advance moves the clock forward by d, firing all waiters whose
// deadlines fall within the advanced span, in deadline order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)

	for {
		next := c.earliestPending(target)
		if next == nil {
			break
		}
		if next.deadline.After(c.current) {
			c.current = next.deadline
		}
		next.fired = true
		if next.channel != nil {
			next.channel <- c.current
		}
		if next.callback != nil {
			// Run without the lock so the callback can use the
			// clock (Now, After, AfterFunc).
			c.mu.Unlock()
			next.callback()
			c.mu.Lock()
		}
	}

	c.current = target
	c.compact()
	c.changed.Broadcast()
	c.mu.Unlock()
}

// WaitForTimers blocks until at least n waiters are pending. Use this
// to synchronize with a goroutine that is about to register a timer
// before calling Advance.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingCount() < n {
		c.changed.Wait()
	}
}

// earliestPending returns the pending waiter with the earliest
// deadline at or before target, or nil. Caller holds mu.
func (c *FakeClock) earliestPending(target time.Time) *fakeWaiter {
	var earliest *fakeWaiter
	for _, w := range c.waiters {
		if !w.pending() || w.deadline.After(target) {
			continue
		}
		if earliest == nil || w.deadline.Before(earliest.deadline) {
			earliest = w
		}
	}
	return earliest
}

// compact drops fired and stopped waiters. Caller holds mu.
func (c *FakeClock) compact() {
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if w.pending() {
			kept = append(kept, w)
		}
	}
	c.waiters = kept
}

// pendingCount returns the number of pending waiters. Caller holds mu.
func (c *FakeClock) pendingCount() int {
	count := 0
	for _, w := range c.waiters {
		if w.pending() {
			count++
		}
	}
	return count
}
