// Package session implements the transport-multiplexing Session (spec
// §4.5): the single logical client identity the rest of the core talks to,
// bound to zero, one, or two transports.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/Luka-sama/draco-go/internal/clock"
	"github.com/Luka-sama/draco-go/internal/codec"
	"github.com/Luka-sama/draco-go/internal/datagram"
	"github.com/Luka-sama/draco-go/internal/dispatch"
	"github.com/Luka-sama/draco-go/internal/logger"
	"github.com/Luka-sama/draco-go/internal/ratelimit"
	"github.com/Luka-sama/draco-go/internal/stream"
	"github.com/google/uuid"
)

// Principal is the opaque authorized identity a Session may carry. The
// concrete type is owned by whatever embeds this core; the session only
// ever stores and compares it.
type Principal interface{}

// Config carries the session-lifecycle tunables from spec §6.
type Config struct {
	// MaxOptimalPacketCount bounds how many UDP parts a message may need to
	// still prefer the datagram transport over the stream transport.
	MaxOptimalPacketCount int
	// WaitForReconnection is how long a fully-detached session stays alive
	// before closing.
	WaitForReconnection time.Duration
}

// Session is the transport-agnostic identity the rest of the core
// dispatches decoded Services against and sends encoded Messages through.
type Session struct {
	token    [48]byte
	tokenB64 string
	debugID  string

	registry *Registry
	codec    *codec.Codec
	clk      clock.Clock
	log      *logger.Logger
	cfg      Config

	limiter *ratelimit.Limiter
	locks   *dispatch.Locks

	mu              sync.Mutex
	flushMu         sync.Mutex
	outbound        [][]byte
	streamConn      *stream.Conn
	datagramSock    *datagram.Socket
	principal       Principal
	disconnectTimer clock.Timer
	disconnectStop  chan struct{}
	closed          bool
}

func newSession(registry *Registry, c *codec.Codec, clk clock.Clock, log *logger.Logger, cfg Config) (*Session, error) {
	var token [48]byte
	if _, err := rand.Read(token[:]); err != nil {
		return nil, err
	}
	s := &Session{
		token:    token,
		tokenB64: base64.StdEncoding.EncodeToString(token[:]),
		debugID:  uuid.NewString(),
		registry: registry,
		codec:    c,
		clk:      clk,
		log:      log,
		cfg:      cfg,
		limiter: ratelimit.New(clk),
		locks:   dispatch.NewLocks(),
	}
	s.armDisconnectTimer()
	return s, nil
}

// Token returns the session's 48-byte identity.
func (s *Session) Token() [48]byte { return s.token }

// DebugID is a random correlation id used in this session's log lines. It
// is generated once when the session is created and never changes; a
// session reached through Reauthorize keeps its own id, not the previous
// session's.
func (s *Session) DebugID() string { return s.debugID }

// Principal returns the currently bound principal, or nil if unauthorized.
func (s *Session) Principal() Principal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principal
}

// bindStream attaches a stream transport: cancels the disconnect timer and
// flushes the outbound queue (spec §4.5 "Binding").
func (s *Session) bindStream(conn *stream.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.streamConn = conn
	s.stopDisconnectTimerLocked()
	s.mu.Unlock()
	s.flush()
}

func (s *Session) unbindStream() {
	s.mu.Lock()
	s.streamConn = nil
	bothDetached := s.streamConn == nil && s.datagramSock == nil
	s.mu.Unlock()
	if bothDetached {
		s.armDisconnectTimer()
	}
}

// bindDatagram attaches a datagram transport, mirroring bindStream.
func (s *Session) bindDatagram(sock *datagram.Socket) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.datagramSock = sock
	s.stopDisconnectTimerLocked()
	s.mu.Unlock()
	s.flush()
}

func (s *Session) unbindDatagram() {
	s.mu.Lock()
	s.datagramSock = nil
	bothDetached := s.streamConn == nil && s.datagramSock == nil
	s.mu.Unlock()
	if bothDetached {
		s.armDisconnectTimer()
	}
}

// stopDisconnectTimerLocked must be called with mu held. It both stops the
// clock timer and signals its watcher goroutine to exit, so a cancelled
// timer never leaks a goroutine blocked on a channel that will never fire.
func (s *Session) stopDisconnectTimerLocked() {
	if s.disconnectTimer != nil {
		s.disconnectTimer.Stop()
		close(s.disconnectStop)
		s.disconnectTimer = nil
		s.disconnectStop = nil
	}
}

func (s *Session) armDisconnectTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.stopDisconnectTimerLocked()
	timer := s.clk.NewTimer(s.cfg.WaitForReconnection)
	stop := make(chan struct{})
	s.disconnectTimer = timer
	s.disconnectStop = stop
	go func() {
		select {
		case <-timer.C():
			s.Close()
		case <-stop:
		}
	}()
}

// Send encodes msg and appends it to the outbound queue, then flushes if a
// transport is attached (spec §4.5 "Send").
func (s *Session) Send(msg codec.Message) error {
	if c, ok := msg.(interface{ IsCreated() bool }); ok && !c.IsCreated() {
		panic(fmt.Sprintf("session: message %s was constructed without going through its factory", msg.ClassName()))
	}

	buf, err := s.codec.Encode(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.outbound = append(s.outbound, buf)
	s.mu.Unlock()
	s.flush()
	return nil
}

// flush drains the outbound queue in FIFO order, routing each buffer to
// whichever transport the selection policy picks (spec §4.5 "Send").
// flushMu serializes the whole dequeue→send→pop cycle across concurrent
// callers (distinct Services on the same session are allowed to run
// concurrently and each may call Send, spec §5): without it, two flush
// loops could both read the same head element, send it twice, and then
// each pop once, dropping the next queued message instead of sending it.
func (s *Session) flush() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	for {
		s.mu.Lock()
		if s.closed || len(s.outbound) == 0 {
			s.mu.Unlock()
			return
		}
		buf := s.outbound[0]
		sock := s.datagramSock
		conn := s.streamConn
		s.mu.Unlock()

		if sock != nil && fitsDatagram(len(buf), s.cfg.MaxOptimalPacketCount) {
			if err := sock.Send(buf); err != nil {
				s.log.Warnf("session %s: datagram send: %v", s.debugID, err)
				return
			}
		} else if conn != nil {
			if err := conn.Send(buf); err != nil {
				s.log.Warnf("session %s: stream send: %v", s.debugID, err)
				return
			}
		} else {
			return
		}

		s.mu.Lock()
		if len(s.outbound) > 0 {
			s.outbound = s.outbound[1:]
		}
		s.mu.Unlock()
	}
}

// fitsDatagram reports whether a message of n bytes fits within
// maxOptimalPacketCount UDP parts (spec §4.5 selection policy).
func fitsDatagram(n, maxOptimalPacketCount int) bool {
	if maxOptimalPacketCount <= 0 {
		return false
	}
	return n <= maxOptimalPacketCount*(datagram.MaxSafePacketSize-2)-1
}

// Receive decodes buf to a Service and dispatches it (spec §4.5 "Receive").
// correctOrder is nil on the stream path and non-nil on the datagram path.
func (s *Session) Receive(buf []byte, correctOrder *bool) {
	svc, err := s.codec.Decode(buf)
	if err != nil {
		s.log.Warnf("session %s: decode: %v", s.debugID, err)
		return
	}
	if svc == nil {
		return
	}
	lc, ok := svc.(dispatch.Lifecycle)
	if !ok {
		s.log.Warnf("session %s: service %s is not dispatchable", s.debugID, svc.ClassName())
		return
	}
	ctx := context.WithValue(context.Background(), sessionContextKey{}, s)
	if err := dispatch.Dispatch(ctx, s.limiter, s.locks, lc, correctOrder, s.log); err != nil {
		s.log.Errorf("session %s: dispatch %s: %v", s.debugID, svc.ClassName(), err)
	}
}

type sessionContextKey struct{}

// FromContext recovers the Session a Service is currently being dispatched
// for, from within its Prepare/Validate/Run methods.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionContextKey{}).(*Session)
	return s, ok
}

// Authorize binds principal to this session. The caller is responsible for
// ensuring principal does not already carry a different live session (spec
// §4.5 "Authorization": "the entity must not already carry a session").
func (s *Session) Authorize(principal Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principal = principal
}

// Reauthorize closes prev's session (if any), carries forward its
// per-service last-run timestamps by taking the maximum of each key, and
// authorizes principal on s.
func (s *Session) Reauthorize(prev *Session, principal Principal) {
	if prev != nil {
		carried := prev.limiter.Snapshot()
		prev.Close()

		current := s.limiter.Snapshot()
		for k, v := range carried {
			if cur, ok := current[k]; !ok || v.After(cur) {
				s.limiter.SetLastTime(k, v)
			}
		}
	}
	s.Authorize(principal)
}

// LogOut unbinds the principal without closing the session.
func (s *Session) LogOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principal = nil
}

// Close is idempotent in effect: unbinds the principal, closes both
// transports, cancels all rate-limit delays, clears the outbound queue, and
// deregisters the session from the registry's token index (spec §4.5
// "Authorization").
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.principal = nil
	s.outbound = nil
	conn := s.streamConn
	sock := s.datagramSock
	s.streamConn = nil
	s.datagramSock = nil
	s.stopDisconnectTimerLocked()
	s.mu.Unlock()

	s.limiter.CancelAll()
	if conn != nil {
		conn.Close()
	}
	if sock != nil {
		sock.Close()
	}
	s.registry.remove(s.token)
}
