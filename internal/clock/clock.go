// ABOUTME: Injectable time source for timers, tickers and timestamps
// ABOUTME: Production code uses Real(); tests drive a Fake clock deterministically

package clock

import "time"

// Clock abstracts the parts of the time package the runtime depends on.
// Anything that arms a timer or stamps a time should hold a Clock rather
// than calling time.Now or time.AfterFunc directly.
type Clock interface {
	Now() time.Time

	// After returns a channel that receives once d has elapsed.
	// If d <= 0 the channel is ready immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed and returns a Timer that can
	// stop the pending call.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker delivers ticks every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a pending AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the Timer from firing. It reports false if the timer
// already fired or was already stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Ticker delivers periodic ticks on C. The channel has capacity 1 and
// drops ticks when the reader falls behind.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. C is not closed.
func (t *Ticker) Stop() { t.stopFunc() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stopFunc: t.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stopFunc: t.Stop}
}
