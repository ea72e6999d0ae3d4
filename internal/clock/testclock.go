package clock

import (
	"sync"
	"time"
)

// Fake is a manually-advanced Clock for deterministic tests of the
// scheduler, rate limiter, and datagram reliability layer — none of which
// should need to sleep in wall-clock time to be exercised.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	tickers []*fakeTicker
}

// NewFake creates a Fake clock starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	return f.NewTimer(d).C()
}

func (f *Fake) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{clock: f, fireAt: f.now.Add(d), c: make(chan time.Time, 1)}
	f.timers = append(f.timers, t)
	return t
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Buffered so every period that elapses within one Advance is delivered
	// as its own tick (up to the buffer size), not collapsed into one.
	t := &fakeTicker{clock: f, period: d, fireAt: f.now.Add(d), c: make(chan time.Time, 64)}
	f.tickers = append(f.tickers, t)
	return t
}

// Advance moves the fake clock forward by d, firing any timers/tickers whose
// deadline has passed (tickers rearm for their next period).
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	for _, t := range f.timers {
		if !t.fired && !t.stopped && !f.now.Before(t.fireAt) {
			t.fired = true
			select {
			case t.c <- f.now:
			default:
			}
		}
	}
	for _, t := range f.tickers {
		if t.stopped {
			continue
		}
		for !f.now.Before(t.fireAt) {
			select {
			case t.c <- f.now:
			default:
			}
			t.fireAt = t.fireAt.Add(t.period)
		}
	}
}

type fakeTimer struct {
	clock   *Fake
	fireAt  time.Time
	c       chan time.Time
	fired   bool
	stopped bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.c }

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := !t.fired && !t.stopped
	t.stopped = true
	return wasActive
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := !t.fired && !t.stopped
	t.fired = false
	t.stopped = false
	t.fireAt = t.clock.now.Add(d)
	return wasActive
}

type fakeTicker struct {
	clock   *Fake
	period  time.Duration
	fireAt  time.Time
	c       chan time.Time
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.c }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}
