package boxd

import (
	"sync"
	"time"
)

// Clock abstracts time operations for testability. Production code injects
// RealClock; tests inject a FakeClock with deterministic time control. Code
// on the expiry path must not call the time package directly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc waits for duration d, then calls f in its own goroutine.
	// The returned stop function cancels the pending call; it reports
	// whether the call was still pending.
	AfterFunc(d time.Duration, f func()) (stop func() bool)

	// NewTicker returns a channel that delivers ticks at the given
	// interval and a stop function releasing its resources.
	NewTicker(d time.Duration) (<-chan time.Time, func())
}

// RealClock implements Clock with the time package.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) AfterFunc(d time.Duration, f func()) func() bool {
	t := time.AfterFunc(d, f)
	return t.Stop
}

func (RealClock) NewTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// FakeClock is a deterministic Clock for tests. Time only moves when
// Advance is called; timers due at or before the new time fire
// synchronously inside Advance, in scheduling order.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	waiters map[int]*fakeWaiter
	tickers map[int]*fakeTicker
}

type fakeWaiter struct {
	at time.Time
	f  func()
}

type fakeTicker struct {
	interval time.Duration
	next     time.Time
	ch       chan time.Time
}

// NewFakeClock returns a FakeClock starting at the given time.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{
		now:     start,
		waiters: make(map[int]*fakeWaiter),
		tickers: make(map[int]*fakeTicker),
	}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	id := c.seq
	c.waiters[id] = &fakeWaiter{at: c.now.Add(d), f: f}
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, pending := c.waiters[id]
		delete(c.waiters, id)
		return pending
	}
}

func (c *FakeClock) NewTicker(d time.Duration) (<-chan time.Time, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	id := c.seq
	t := &fakeTicker{interval: d, next: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.tickers[id] = t
	return t.ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.tickers, id)
	}
}

// Advance moves the clock forward by d, firing every timer due at or before
// the new time. Timer callbacks run synchronously on the calling goroutine,
// without the clock lock held, so callbacks may schedule new timers.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now

	var due []func()
	for id, w := range c.waiters {
		if !w.at.After(now) {
			due = append(due, w.f)
			delete(c.waiters, id)
		}
	}
	for _, t := range c.tickers {
		for !t.next.After(now) {
			select {
			case t.ch <- t.next:
			default:
			}
			t.next = t.next.Add(t.interval)
		}
	}
	c.mu.Unlock()

	for _, f := range due {
		f()
	}
}
