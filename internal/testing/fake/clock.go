package fake

import (
	"sync"
	"time"

	"go.dedis.ch/ballot/internal/clock"
)

// Clock is a fake clock that only moves when told to.
//
// - implements clock.Clock
type Clock struct {
	sync.Mutex
	now     time.Time
	tickers []*Ticker
}

// NewClock returns a clock set at the given time.
func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

// Now implements clock.Clock.
func (c *Clock) Now() time.Time {
	c.Lock()
	defer c.Unlock()

	return c.now
}

// Set moves the clock to the given time.
func (c *Clock) Set(now time.Time) {
	c.Lock()
	c.now = now
	c.Unlock()
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.Lock()
	c.now = c.now.Add(d)
	c.Unlock()
}

// NewTicker implements clock.Clock. The ticker only ticks when Tick is
// called.
func (c *Clock) NewTicker(time.Duration) clock.Ticker {
	c.Lock()
	defer c.Unlock()

	t := &Ticker{ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)

	return t
}

// Tick sends a tick to every ticker of the clock.
func (c *Clock) Tick() {
	c.Lock()
	defer c.Unlock()

	for _, t := range c.tickers {
		select {
		case t.ch <- c.now:
		default:
		}
	}
}

// Ticker is a fake ticker.
//
// - implements clock.Ticker
type Ticker struct {
	ch      chan time.Time
	stopped bool
}

// C implements clock.Ticker.
func (t *Ticker) C() <-chan time.Time {
	return t.ch
}

// Stop implements clock.Ticker.
func (t *Ticker) Stop() {
	t.stopped = true
}
