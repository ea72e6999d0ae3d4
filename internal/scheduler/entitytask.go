package scheduler

import (
	"time"
	"weak"
)

// NewEntityTask builds the C10 "weak/entity task" variant: a Task whose
// lifetime follows a referent object rather than an explicit Stop call.
// Before each step it dereferences a weak pointer to entity; once the
// referent has been collected, the task stops itself (spec §4.1
// "Weak-ref variant") instead of running again.
func NewEntityTask[T any](name string, period time.Duration, priority int, entity *T, run func(delta time.Duration, entity *T) error) *Task {
	ref := weak.Make(entity)
	return NewTask(name, period, priority, Infinite, nil, func(delta time.Duration, _ interface{}) error {
		obj := ref.Value()
		if obj == nil {
			return ErrStopTask
		}
		return run(delta, obj)
	})
}
