// Package ratelimit implements the per-(session, service class) soft and
// strict rate limiting described in spec §4.6: a coalescing cancellable
// delay for the soft case, and a direct over-limit check for the strict
// (errorOnLimit) case.
package ratelimit

import (
	"sync"
	"time"

	"github.com/Luka-sama/draco-go/internal/clock"
)

// Limiter tracks last-run times and at most one pending delayed call per
// service class, for one session. Callers construct one Limiter per
// session (spec §3 Session attributes: "a per-service map of last run
// time" and "a per-service map of cancellable timers").
type Limiter struct {
	clk clock.Clock

	mu      sync.Mutex
	lastRun map[string]time.Time
	pending map[string]clock.Timer
}

// New builds a Limiter bound to clk (clock.Real in production, a
// clock.Fake in tests).
func New(clk clock.Clock) *Limiter {
	return &Limiter{
		clk:     clk,
		lastRun: make(map[string]time.Time),
		pending: make(map[string]clock.Timer),
	}
}

// ShouldWait reports how much longer service must wait before period has
// elapsed since its last recorded run; zero or negative means it may run
// now. Used directly by the strict (errorOnLimit) dispatch path.
func (l *Limiter) ShouldWait(service string, period time.Duration) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	last, ok := l.lastRun[service]
	if !ok {
		return 0
	}
	remaining := period - l.clk.Now().Sub(last)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SoftLimit implements the coalescing invariant of spec §4.6: any prior
// pending delay for (session, service) is cancelled before a new one is
// armed, so at most one delayed proceed is ever pending and the last
// arrival wins. If no wait is needed, proceed runs synchronously.
func (l *Limiter) SoftLimit(service string, period time.Duration, proceed func()) {
	l.mu.Lock()
	if old, ok := l.pending[service]; ok {
		old.Stop()
		delete(l.pending, service)
	}
	last, hasLast := l.lastRun[service]
	now := l.clk.Now()
	if !hasLast || now.Sub(last) >= period {
		l.mu.Unlock()
		proceed()
		return
	}

	wait := period - now.Sub(last)
	timer := l.clk.NewTimer(wait)
	l.pending[service] = timer
	l.mu.Unlock()

	go func() {
		<-timer.C()
		l.mu.Lock()
		current, ok := l.pending[service]
		if !ok || current != timer {
			// superseded by a newer call; this firing is stale.
			l.mu.Unlock()
			return
		}
		delete(l.pending, service)
		l.mu.Unlock()
		proceed()
	}()
}

// UpdateLastTime records now as service's last-run time.
func (l *Limiter) UpdateLastTime(service string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastRun[service] = l.clk.Now()
}

// SetLastTime records an explicit last-run time for service, used to carry
// forward the maximum of two sessions' timestamps on reauthorization (spec
// §4.5 "reauthorize... taking the maximum for each key").
func (l *Limiter) SetLastTime(service string, t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastRun[service] = t
}

// Snapshot returns a copy of the current per-service last-run times, used
// by Session.Reauthorize to carry forward a stale session's timestamps.
func (l *Limiter) Snapshot() map[string]time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]time.Time, len(l.lastRun))
	for k, v := range l.lastRun {
		out[k] = v
	}
	return out
}

// CancelAll stops every pending delayed call, for session close (spec
// §4.5 close(): "cancels all rate-limit delays").
func (l *Limiter) CancelAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, timer := range l.pending {
		timer.Stop()
		delete(l.pending, key)
	}
}
