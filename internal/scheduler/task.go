package scheduler

import (
	"errors"
	"sync"
	"time"
)

// Infinite marks a Task's Remaining field as having no execution limit.
const Infinite = -1

// ErrStopTask is a sentinel a Task's Fn may return to request its own
// removal from the scheduler regardless of how many executions remain. It
// is not logged as a failure — it's how the weak-ref task variant (C10)
// reports "the referent is gone, stop running".
var ErrStopTask = errors.New("scheduler: stop task")

// Fn is a task's body. delta is the elapsed time since the task's last
// execution (or since it started, for its first execution). data is the
// task's opaque payload. Returning an error (other than ErrStopTask) marks
// the step as a task failure: logged, isolated to this task, siblings and
// the loop are unaffected (spec §4.1 "Failure model").
type Fn func(delta time.Duration, data interface{}) error

// Task is a unit of periodic work registered with a Scheduler. See spec §3
// "Task" and §4.1.
type Task struct {
	Name      string
	Period    time.Duration // 0 = fire on every tick
	Priority  int           // lower runs first; equal priorities run concurrently
	Data      interface{}
	Remaining int // Infinite (-1) or a non-negative count of remaining executions
	Fn        Fn

	mu            sync.Mutex
	lastExecution time.Time
	startedAt     time.Time
	running       bool
}

// NewTask constructs a Task ready to be registered with a Scheduler via
// AddTask. remaining is Infinite for a task that never exhausts itself.
func NewTask(name string, period time.Duration, priority int, remaining int, data interface{}, fn Fn) *Task {
	return &Task{
		Name:      name,
		Period:    period,
		Priority:  priority,
		Data:      data,
		Remaining: remaining,
		Fn:        fn,
	}
}

// due reports whether enough time has elapsed since lastExecution, and if
// so marks the task in-progress by setting its running flag, so a concurrent
// step (there should never be one inside a single Scheduler, but the guard
// is cheap) cannot re-enter it before this step completes. lastExecution is
// left as it is until finish.
func (t *Task) due(now time.Time) (delta time.Duration, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return 0, false
	}
	delta = now.Sub(t.lastExecution)
	if t.Period > 0 && delta < t.Period {
		return 0, false
	}
	t.running = true
	return delta, true
}

// finish records the step's outcome: lastExecution is set to the tick's
// `now` (not wall-clock time of completion, per spec §4.1), the in-progress
// guard is released, and the remaining-execution counter is decremented
// unless the task is Infinite or is being force-stopped.
func (t *Task) finish(now time.Time, stop bool) (exhausted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastExecution = now
	t.running = false
	if stop {
		t.Remaining = 0
		return true
	}
	if t.Remaining == Infinite {
		return false
	}
	t.Remaining--
	return t.Remaining <= 0
}
