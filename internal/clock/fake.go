// ABOUTME: Deterministic Clock for tests; time moves only on Advance
// ABOUTME: AfterFunc callbacks run synchronously inside Advance in deadline order

package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a Clock whose time stands still until Advance is called.
// It is safe for concurrent use. Callbacks must not call Advance.
type FakeClock struct {
	mu             sync.Mutex
	current        time.Time
	waiters        []*waiter
	waitersChanged *sync.Cond
}

type waiter struct {
	deadline time.Time
	channel  chan time.Time // After and ticker waiters
	callback func()         // AfterFunc waiters
	interval time.Duration  // non-zero for tickers
	stopped  bool
	fired    bool
}

// Fake returns a FakeClock set to initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.waitersChanged = sync.NewCond(&c.mu)
	return c
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock passes now+d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}
	c.addLocked(&waiter{deadline: c.current.Add(d), channel: ch})
	return ch
}

// AfterFunc registers f to run when the clock passes now+d. With d <= 0,
// f runs before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stopFunc: func() bool { return false }}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	w := &waiter{deadline: c.current.Add(d), callback: f}
	c.addLocked(w)
	return &Timer{stopFunc: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w.stopped || w.fired {
			return false
		}
		w.stopped = true
		c.waitersChanged.Broadcast()
		return true
	}}
}

// NewTicker returns a Ticker firing every d of fake time.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	w := &waiter{deadline: c.current.Add(d), channel: ch, interval: d}
	c.addLocked(w)
	return &Ticker{C: ch, stopFunc: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		w.stopped = true
		c.waitersChanged.Broadcast()
	}}
}

func (c *FakeClock) addLocked(w *waiter) {
	c.waiters = append(c.waiters, w)
	c.waitersChanged.Broadcast()
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline is reached. Waiters armed by callbacks during Advance fire in
// the same call if their deadline is also reached.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	for {
		due := c.collectDue(target)
		if len(due) == 0 {
			return
		}
		sort.SliceStable(due, func(i, j int) bool {
			return due[i].deadline.Before(due[j].deadline)
		})
		for _, w := range due {
			if w.callback != nil {
				w.callback()
				continue
			}
			select {
			case w.channel <- target:
			default:
			}
		}
	}
}

// collectDue removes due one-shot waiters, reschedules tickers, and
// returns what should fire.
func (c *FakeClock) collectDue(target time.Time) []*waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, remaining []*waiter
	for _, w := range c.waiters {
		if w.stopped {
			continue
		}
		if w.deadline.After(target) {
			remaining = append(remaining, w)
			continue
		}
		due = append(due, w)
		if w.interval > 0 {
			w.deadline = w.deadline.Add(w.interval)
			remaining = append(remaining, w)
		} else {
			w.fired = true
		}
	}
	c.waiters = remaining
	c.waitersChanged.Broadcast()
	return due
}

// WaitForTimers blocks until at least n waiters are pending. Tests call
// it before Advance so a goroutine that arms a timer cannot lose the race.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.waitersChanged.Wait()
	}
}

// PendingCount returns the number of armed, unstopped waiters.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	n := 0
	for _, w := range c.waiters {
		if !w.stopped {
			n++
		}
	}
	return n
}
