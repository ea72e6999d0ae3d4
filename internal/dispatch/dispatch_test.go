package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Luka-sama/draco-go/internal/logger"
)

type fakeLimiter struct {
	mu      sync.Mutex
	lastRun map[string]time.Time
	waited  map[string]time.Duration
	updated []string
	// lastPeriod is the period most recently passed to ShouldWait.
	lastPeriod time.Duration
}

func newFakeLimiter() *fakeLimiter {
	return &fakeLimiter{lastRun: make(map[string]time.Time), waited: make(map[string]time.Duration)}
}

func (f *fakeLimiter) ShouldWait(service string, period time.Duration) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPeriod = period
	return f.waited[service]
}

func (f *fakeLimiter) SoftLimit(service string, period time.Duration, proceed func()) {
	proceed()
}

func (f *fakeLimiter) UpdateLastTime(service string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, service)
}

type fakeService struct {
	name        string
	opts        Options
	speed       float64
	prepareErr  error
	validateOK  bool
	validateErr error
	runErr      error
	ran         atomic.Bool
	changed     bool
	limitHit    atomic.Bool
	notCreated  bool // true only for the one test exercising the uncreated panic
}

func (s *fakeService) ClassName() string { return s.name }
func (s *fakeService) IsCreated() bool   { return !s.notCreated }
func (s *fakeService) Options() Options  { return s.opts }
func (s *fakeService) Speed() float64    { return s.speed }

func (s *fakeService) Prepare(ctx context.Context) error { return s.prepareErr }

func (s *fakeService) Validate(ctx context.Context) (bool, error) {
	return s.validateOK, s.validateErr
}

func (s *fakeService) Run(ctx context.Context) error {
	s.ran.Store(true)
	if s.changed {
		TrackChange(ctx)
	}
	return s.runErr
}

func (s *fakeService) OnLimitExceeded(ctx context.Context) {
	s.limitHit.Store(true)
}

func testLogger() *logger.Logger {
	return logger.New("dispatch-test", nil, logger.Silent, logger.Console, "")
}

func TestDispatchRunsAndUpdatesLastTimeOnChange(t *testing.T) {
	limiter := newFakeLimiter()
	locks := NewLocks()
	svc := &fakeService{name: "Move", opts: Options{Limit: 50 * time.Millisecond}, validateOK: true, changed: true}

	if err := Dispatch(context.Background(), limiter, locks, svc, nil, testLogger()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !svc.ran.Load() {
		t.Fatal("expected Run to be called")
	}
	if len(limiter.updated) != 1 || limiter.updated[0] != "Move" {
		t.Fatalf("expected last-run update for Move, got %v", limiter.updated)
	}
}

func TestDispatchSkipsUpdateWhenNothingChanged(t *testing.T) {
	limiter := newFakeLimiter()
	locks := NewLocks()
	svc := &fakeService{name: "Look", opts: Options{Limit: 50 * time.Millisecond}, validateOK: true, changed: false}

	if err := Dispatch(context.Background(), limiter, locks, svc, nil, testLogger()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(limiter.updated) != 0 {
		t.Fatalf("expected no last-run update, got %v", limiter.updated)
	}
}

func TestDispatchOrderedGateSkipsMismatch(t *testing.T) {
	limiter := newFakeLimiter()
	locks := NewLocks()
	ordered := true
	correctOrder := false
	svc := &fakeService{name: "Chat", opts: Options{Ordered: &ordered}, validateOK: true}

	if err := Dispatch(context.Background(), limiter, locks, svc, &correctOrder, testLogger()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.ran.Load() {
		t.Fatal("expected Run to be skipped on Ordered mismatch")
	}
}

func TestDispatchStrictLimitExceededCallsOnLimitExceeded(t *testing.T) {
	limiter := newFakeLimiter()
	limiter.waited["Attack"] = 10 * time.Millisecond
	locks := NewLocks()
	svc := &fakeService{name: "Attack", opts: Options{Limit: 100 * time.Millisecond, ErrorOnLimit: true}, validateOK: true}

	if err := Dispatch(context.Background(), limiter, locks, svc, nil, testLogger()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.ran.Load() {
		t.Fatal("expected Run to be skipped when over the strict limit")
	}
	if !svc.limitHit.Load() {
		t.Fatal("expected OnLimitExceeded to be called")
	}
}

func TestDispatchNonReentrancyBlocksConcurrentRun(t *testing.T) {
	limiter := newFakeLimiter()
	locks := NewLocks()
	if !locks.TryLock("Craft") {
		t.Fatal("expected lock to be free")
	}
	svc := &fakeService{name: "Craft", validateOK: true}

	if err := Dispatch(context.Background(), limiter, locks, svc, nil, testLogger()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.ran.Load() {
		t.Fatal("expected Run to be skipped while already locked")
	}
	locks.Unlock("Craft")
}

func TestDispatchAllowSimultaneouslyBypassesLock(t *testing.T) {
	limiter := newFakeLimiter()
	locks := NewLocks()
	locks.TryLock("Emote")
	svc := &fakeService{name: "Emote", opts: Options{AllowSimultaneously: true}, validateOK: true}

	if err := Dispatch(context.Background(), limiter, locks, svc, nil, testLogger()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !svc.ran.Load() {
		t.Fatal("expected Run to proceed when AllowSimultaneously is set")
	}
}

func TestDispatchSkipsRunWhenValidateFalse(t *testing.T) {
	limiter := newFakeLimiter()
	locks := NewLocks()
	svc := &fakeService{name: "Trade", validateOK: false}

	if err := Dispatch(context.Background(), limiter, locks, svc, nil, testLogger()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.ran.Load() {
		t.Fatal("expected Run to be skipped when Validate returns false")
	}
}

func TestDispatchWrapsPrepareError(t *testing.T) {
	limiter := newFakeLimiter()
	locks := NewLocks()
	svc := &fakeService{name: "Build", prepareErr: errors.New("boom")}

	err := Dispatch(context.Background(), limiter, locks, svc, nil, testLogger())
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestDispatchPanicsWhenServiceNotCreated(t *testing.T) {
	limiter := newFakeLimiter()
	locks := NewLocks()
	svc := &fakeService{name: "Forge", validateOK: true, notCreated: true}

	defer func() {
		if recover() == nil {
			t.Fatal("expected Dispatch to panic for a service that never went through its factory")
		}
	}()
	_ = Dispatch(context.Background(), limiter, locks, svc, nil, testLogger())
}

func TestDispatchSpeedOverridesStaticLimit(t *testing.T) {
	limiter := newFakeLimiter()
	limiter.waited["Run"] = 5 * time.Millisecond
	locks := NewLocks()
	svc := &fakeService{name: "Run", opts: Options{Limit: time.Hour, ErrorOnLimit: true}, speed: 10, validateOK: true}

	if err := Dispatch(context.Background(), limiter, locks, svc, nil, testLogger()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.ran.Load() {
		t.Fatal("expected the strict limit (driven by ShouldWait) to still apply with a Speed-derived period")
	}
	if !svc.limitHit.Load() {
		t.Fatal("expected OnLimitExceeded to fire")
	}
	if limiter.lastPeriod != 100*time.Millisecond {
		t.Fatalf("expected Speed 10 to yield a 100ms period instead of the 1h Limit, got %v", limiter.lastPeriod)
	}
}
