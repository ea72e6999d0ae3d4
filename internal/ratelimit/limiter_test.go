package ratelimit

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/Luka-sama/draco-go/internal/clock"
)

func TestSoftLimitRunsImmediatelyWithoutPriorRun(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	l := New(fake)

	var ran atomic.Bool
	l.SoftLimit("Move", 100*time.Millisecond, func() { ran.Store(true) })
	if !ran.Load() {
		t.Fatal("expected immediate proceed when there is no prior run")
	}
}

func TestSoftLimitDelaysWithinPeriod(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	l := New(fake)
	l.UpdateLastTime("Move")

	var ran atomic.Bool
	l.SoftLimit("Move", 100*time.Millisecond, func() { ran.Store(true) })
	if ran.Load() {
		t.Fatal("expected proceed to be delayed")
	}

	fake.Advance(100 * time.Millisecond)
	waitForTrue(t, &ran)
}

func TestSoftLimitCoalescesToLastArrival(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	l := New(fake)
	l.UpdateLastTime("Move")

	var firstRan, secondRan atomic.Bool
	l.SoftLimit("Move", 100*time.Millisecond, func() { firstRan.Store(true) })
	l.SoftLimit("Move", 100*time.Millisecond, func() { secondRan.Store(true) })

	fake.Advance(100 * time.Millisecond)
	waitForTrue(t, &secondRan)

	time.Sleep(20 * time.Millisecond)
	if firstRan.Load() {
		t.Fatal("expected the superseded first call to never proceed")
	}
}

func TestShouldWaitReportsRemaining(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	l := New(fake)
	l.UpdateLastTime("Attack")

	if w := l.ShouldWait("Attack", 100*time.Millisecond); w <= 0 {
		t.Fatalf("expected a positive wait immediately after a run, got %v", w)
	}
	fake.Advance(100 * time.Millisecond)
	if w := l.ShouldWait("Attack", 100*time.Millisecond); w > 0 {
		t.Fatalf("expected no wait after the period elapsed, got %v", w)
	}
}

func waitForTrue(t *testing.T, b *atomic.Bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.Load() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}
