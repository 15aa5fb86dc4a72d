package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock pinned to initial. Time moves only when
// Advance is called; pending AfterFunc callbacks fire synchronously in
// deadline order as the clock passes them.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// FakeClock is a deterministic Clock for tests.
//
// Do not call Advance from inside an AfterFunc callback; callbacks run
// while Advance holds no lock but a nested Advance makes firing order
// unspecified.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeTimer
}

type fakeTimer struct {
	deadline time.Time
	callback func()
	stopped  bool
	fired    bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AfterFunc schedules f after d. If d <= 0, f runs synchronously
// before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{
			stopFunc:  func() bool { return false },
			resetFunc: func(time.Duration) bool { return false },
		}
	}

	c.mu.Lock()
	w := &fakeTimer{deadline: c.current.Add(d), callback: f}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	return &Timer{
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if w.fired || w.stopped {
				return false
			}
			w.stopped = true
			return true
		},
		resetFunc: func(nd time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			active := !w.fired && !w.stopped
			w.deadline = c.current.Add(nd)
			w.stopped = false
			w.fired = false
			return active
		},
	}
}

// Advance moves the clock forward by d, firing due callbacks in
// deadline order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)

	for {
		var next *fakeTimer
		for _, w := range c.waiters {
			if w.stopped || w.fired || w.deadline.After(target) {
				continue
			}
			if next == nil || w.deadline.Before(next.deadline) {
				next = w
			}
		}
		if next == nil {
			break
		}

		if next.deadline.After(c.current) {
			c.current = next.deadline
		}
		next.fired = true
		cb := next.callback

		c.mu.Unlock()
		cb()
		c.mu.Lock()
	}

	c.current = target

	// Drop finished waiters so long tests do not accumulate garbage.
	live := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			live = append(live, w)
		}
	}
	c.waiters = live
	sort.SliceStable(live, func(i, j int) bool { return live[i].deadline.Before(live[j].deadline) })

	c.mu.Unlock()
}

// PendingTimers reports how many callbacks are still scheduled.
func (c *FakeClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			n++
		}
	}
	return n
}
