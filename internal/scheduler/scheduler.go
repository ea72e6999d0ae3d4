// Package scheduler implements the cooperative, prioritized task runner
// (the "game loop") described in spec §4.1: a fixed tick fires tasks in
// ascending priority order, tasks sharing a priority run concurrently and
// are awaited as a settled group before the next priority begins, and a
// failing task never disturbs its siblings or the loop itself.
package scheduler

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Luka-sama/draco-go/internal/clock"
	"github.com/Luka-sama/draco-go/internal/logger"
)

// Scheduler runs registered Tasks on a fixed tick. The zero value is not
// ready to use; construct with New.
type Scheduler struct {
	clk clock.Clock
	log *logger.Logger

	mu      sync.Mutex
	tasks   map[int]map[*Task]struct{} // priority -> task set
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	tick atomic.Int64
}

// New constructs a Scheduler bound to the given clock and logger. clk is
// normally clock.Real{} in production and a clock.Fake in tests.
func New(clk clock.Clock, log *logger.Logger) *Scheduler {
	return &Scheduler{
		clk:   clk,
		log:   log,
		tasks: make(map[int]map[*Task]struct{}),
	}
}

// Init starts the tick loop at the given period. Idempotent: a second call
// while already running has no effect (spec §4.1).
func (s *Scheduler) Init(tickPeriod time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.tick.Store(0)
	go s.loop(tickPeriod, s.stopCh, s.doneCh)
}

// Stop halts the tick loop, clears the task registry, and resets the tick
// counter to 0. It waits for the loop goroutine to exit, and that goroutine
// leaves an iteration only after all of the iteration's tasks have returned,
// so Stop blocks until in-flight tasks finish; a task that never returns
// keeps Stop from returning. Tasks that finish after the registry was
// cleared change only their own bookkeeping, which lives on the Task.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.tasks = make(map[int]map[*Task]struct{})
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
	s.tick.Store(0)
}

// AddTask registers a task. Registering the same *Task twice logs a
// warning and is otherwise a no-op.
func (s *Scheduler) AddTask(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.tasks[t.Priority]
	if !ok {
		bucket = make(map[*Task]struct{})
		s.tasks[t.Priority] = bucket
	}
	if _, dup := bucket[t]; dup {
		s.log.Warnf("addTask: task %q already registered at priority %d", t.Name, t.Priority)
		return
	}
	t.mu.Lock()
	if t.startedAt.IsZero() {
		t.startedAt = s.clk.Now()
		t.lastExecution = t.startedAt
	}
	t.mu.Unlock()
	bucket[t] = struct{}{}
}

// RemoveTask unregisters a task. Removing a task that isn't registered logs
// a warning and is otherwise a no-op.
func (s *Scheduler) RemoveTask(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.tasks[t.Priority]
	if !ok {
		s.log.Warnf("removeTask: task %q not registered", t.Name)
		return
	}
	if _, ok := bucket[t]; !ok {
		s.log.Warnf("removeTask: task %q not registered at priority %d", t.Name, t.Priority)
		return
	}
	delete(bucket, t)
	if len(bucket) == 0 {
		delete(s.tasks, t.Priority)
	}
}

// Tick returns the number of completed iterations since the last Init.
func (s *Scheduler) Tick() int64 { return s.tick.Load() }

func (s *Scheduler) loop(period time.Duration, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := s.clk.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case now := <-ticker.C():
			s.runIteration(now)
		}
	}
}

// runIteration executes one tick: ascending priority order, each level's
// tasks launched concurrently and awaited together before the next level,
// empty buckets garbage-collected.
func (s *Scheduler) runIteration(now time.Time) {
	defer s.tick.Add(1)

	priorities, snapshot := s.snapshotTasks()
	for _, p := range priorities {
		tasks := snapshot[p]
		var wg sync.WaitGroup
		wg.Add(len(tasks))
		for _, t := range tasks {
			t := t
			go func() {
				defer wg.Done()
				s.step(t, now)
			}()
		}
		wg.Wait()
	}
}

func (s *Scheduler) snapshotTasks() ([]int, map[int][]*Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	priorities := make([]int, 0, len(s.tasks))
	snapshot := make(map[int][]*Task, len(s.tasks))
	for p, bucket := range s.tasks {
		priorities = append(priorities, p)
		tasks := make([]*Task, 0, len(bucket))
		for t := range bucket {
			tasks = append(tasks, t)
		}
		snapshot[p] = tasks
	}
	sort.Ints(priorities)
	return priorities, snapshot
}

// step runs a single task's body if it is due, isolating any panic or
// returned error so a misbehaving task never aborts its siblings or the
// loop (spec §4.1 "Failure model", §7 "Task failure").
func (s *Scheduler) step(t *Task, now time.Time) {
	delta, ok := t.due(now)
	if !ok {
		return
	}

	stop := s.invoke(t, delta)
	if t.finish(now, stop) {
		s.markExhausted(t)
	}
}

func (s *Scheduler) invoke(t *Task, delta time.Duration) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("task %q panicked: %v", t.Name, r)
		}
	}()
	if err := t.Fn(delta, t.Data); err != nil {
		if err == ErrStopTask {
			return true
		}
		s.log.Errorf("task %q failed: %v", t.Name, err)
	}
	return false
}

func (s *Scheduler) markExhausted(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.tasks[t.Priority]
	if !ok {
		return
	}
	delete(bucket, t)
	if len(bucket) == 0 {
		delete(s.tasks, t.Priority)
	}
}
