package scheduler

import (
	"runtime"
	"sync/atomic"
	"testing"
	"time"
)

type widget struct{ id int }

func TestEntityTaskStopsWhenReferentIsCollected(t *testing.T) {
	s, fake := newTestScheduler()
	s.Init(10 * time.Millisecond)
	defer s.Stop()

	w := &widget{id: 1}
	var runs atomic.Int32
	task := NewEntityTask("follow-widget", 0, 1, w, func(time.Duration, *widget) error {
		runs.Add(1)
		return nil
	})
	s.AddTask(task)

	fake.Advance(10 * time.Millisecond)
	waitForTick(t, s, 1)
	if runs.Load() != 1 {
		t.Fatalf("expected 1 run before collection, got %d", runs.Load())
	}

	w = nil
	runtime.GC()
	runtime.GC()

	for i := 0; i < 20; i++ {
		fake.Advance(10 * time.Millisecond)
		waitForTick(t, s, int64(i+2))
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("entity task should have stopped itself once its referent was collected; ran %d times", got)
	}
}
