package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Luka-sama/draco-go/internal/clock"
	"github.com/Luka-sama/draco-go/internal/codec"
	"github.com/Luka-sama/draco-go/internal/dispatch"
	"github.com/Luka-sama/draco-go/internal/logger"
)

func testConfig() Config {
	return Config{MaxOptimalPacketCount: 4, WaitForReconnection: 100 * time.Millisecond}
}

func testLogger() *logger.Logger {
	return logger.New("session-test", nil, logger.Silent, logger.Console, "")
}

func newTestRegistry(clk clock.Clock) (*Registry, *codec.Codec) {
	log := testLogger()
	c, err := codec.New(pingProvider{}, log)
	if err != nil {
		panic(err)
	}
	return NewRegistry(c, clk, log, testConfig()), c
}

func TestNewSessionAssignsUniqueTokens(t *testing.T) {
	reg, _ := newTestRegistry(clock.Real{})
	tokA, _ := reg.NewSession()
	tokB, _ := reg.NewSession()
	if tokA == tokB {
		t.Fatal("expected distinct tokens")
	}
	if reg.Count() != 2 {
		t.Fatalf("expected 2 live sessions, got %d", reg.Count())
	}
}

func TestResolveUnknownTokenCreatesNewSession(t *testing.T) {
	reg, _ := newTestRegistry(clock.Real{})
	var unknown [48]byte
	unknown[0] = 0xFF
	tok, binder := reg.Resolve(unknown)
	if tok == unknown {
		t.Fatal("expected a freshly created token, not the unknown one")
	}
	if binder == nil {
		t.Fatal("expected a binder for the newly created session")
	}
}

func TestResolveKnownTokenReturnsSameSession(t *testing.T) {
	reg, _ := newTestRegistry(clock.Real{})
	tok, _ := reg.NewSession()
	resolvedTok, binder := reg.Resolve(tok)
	if resolvedTok != tok {
		t.Fatal("expected the same token back")
	}
	if binder == nil {
		t.Fatal("expected a binder")
	}
}

func TestReceiveDispatchesDecodedService(t *testing.T) {
	reg, c := newTestRegistry(clock.Real{})
	tok, _ := reg.NewSession()
	s, _ := reg.lookup(tok)

	buf, err := c.Encode(pingMessage{Seq: 7})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	s.Receive(buf, nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if lastPingRan.Load() {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !lastPingRan.Load() {
		t.Fatal("expected the decoded Ping service to run")
	}
}

func TestDisconnectTimerClosesSessionAfterTimeout(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	reg, _ := newTestRegistry(fake)
	tok, _ := reg.NewSession()
	s, _ := reg.lookup(tok)

	fake.Advance(testConfig().WaitForReconnection)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := reg.lookup(tok); !ok {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if _, ok := reg.lookup(tok); ok {
		t.Fatal("expected the session to be deregistered after the disconnect timeout")
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		t.Fatal("expected the session to be marked closed")
	}
}

func TestReauthorizeCarriesForwardMaxLastRun(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	reg, _ := newTestRegistry(fake)

	tokOld, _ := reg.NewSession()
	oldSession, _ := reg.lookup(tokOld)
	oldSession.limiter.UpdateLastTime("Ping")
	oldLast := oldSession.limiter.ShouldWait("Ping", time.Hour)

	fake.Advance(time.Minute)

	tokNew, _ := reg.NewSession()
	newSession, _ := reg.lookup(tokNew)
	newSession.Reauthorize(oldSession, "principal-1")

	if newSession.Principal() != "principal-1" {
		t.Fatal("expected the new session to carry the authorized principal")
	}
	// The carried-forward last-run should make ShouldWait report a remaining
	// wait at least as large as what the stale session had recorded (minus
	// the minute that has since elapsed), proving the timestamp moved over.
	newWait := newSession.limiter.ShouldWait("Ping", time.Hour)
	if newWait <= 0 {
		t.Fatalf("expected a positive carried-forward wait, got %v (old was %v)", newWait, oldLast)
	}
	if _, ok := reg.lookup(tokOld); ok {
		t.Fatal("expected the old session to be closed and deregistered")
	}
}

func TestFitsDatagramRespectsMaxOptimalPacketCount(t *testing.T) {
	if !fitsDatagram(10, 1) {
		t.Fatal("expected a tiny message to fit in one part")
	}
	if fitsDatagram(10, 0) {
		t.Fatal("expected maxOptimalPacketCount=0 to never fit")
	}
	if fitsDatagram(100000, 1) {
		t.Fatal("expected a huge message not to fit in one part")
	}
}

// --- minimal illustrative Ping schema, implementing dispatch.Lifecycle ---

var lastPingRan atomic.Bool

type pingMessage struct{ Seq int32 }

func (m pingMessage) ClassName() string { return "Ping" }
func (m pingMessage) Fields() map[string]codec.Value {
	return map[string]codec.Value{"seq": m.Seq}
}

type pingService struct{ Seq int32 }

func (s pingService) ClassName() string         { return "Ping" }
func (s pingService) IsCreated() bool           { return true }
func (s pingService) Options() dispatch.Options { return dispatch.Options{} }
func (s pingService) Speed() float64            { return 0 }
func (s pingService) Prepare(ctx context.Context) error { return nil }
func (s pingService) Validate(ctx context.Context) (bool, error) { return true, nil }
func (s pingService) Run(ctx context.Context) error {
	lastPingRan.Store(true)
	return nil
}
func (s pingService) OnLimitExceeded(ctx context.Context) {}

type pingProvider struct{}

func (pingProvider) Types() []codec.Schema { return nil }
func (pingProvider) Messages() []codec.MessageDescriptor {
	return []codec.MessageDescriptor{{Schema: codec.Schema{
		Name:   "Ping",
		Fields: []codec.Field{{Name: "seq", Type: codec.FieldInt32}},
	}}}
}
func (pingProvider) Services() []codec.ServiceDescriptor {
	return []codec.ServiceDescriptor{{
		Schema: codec.Schema{Name: "Ping", Fields: []codec.Field{{Name: "seq", Type: codec.FieldInt32}}},
		New: func(fields map[string]codec.Value) (codec.Service, error) {
			return pingService{Seq: fields["seq"].(int32)}, nil
		},
	}}
}
