package dispatch

import "sync"

// Locks is the per-session non-reentrancy guard: one Service class may not
// run again for a given session while a previous call to the same class is
// still executing, unless its Options allow simultaneous runs (spec §4.7
// step 6).
type Locks struct {
	mu      sync.Mutex
	running map[string]struct{}
}

// NewLocks builds an empty Locks set.
func NewLocks() *Locks {
	return &Locks{running: make(map[string]struct{})}
}

// TryLock reports whether key was free and, if so, marks it held.
func (l *Locks) TryLock(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.running[key]; held {
		return false
	}
	l.running[key] = struct{}{}
	return true
}

// Unlock releases key. Unlocking a key that isn't held is a no-op.
func (l *Locks) Unlock(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.running, key)
}
