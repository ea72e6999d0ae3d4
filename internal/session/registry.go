package session

import (
	"sync"

	"github.com/Luka-sama/draco-go/internal/clock"
	"github.com/Luka-sama/draco-go/internal/codec"
	"github.com/Luka-sama/draco-go/internal/datagram"
	"github.com/Luka-sama/draco-go/internal/logger"
	"github.com/Luka-sama/draco-go/internal/stream"
)

// Registry is the token-keyed set of live sessions, implementing
// stream.Resolver directly and exposing Lookup as a datagram.SessionLookup
// value for the datagram transport.
type Registry struct {
	codec *codec.Codec
	clk   clock.Clock
	log   *logger.Logger
	cfg   Config

	mu       sync.Mutex
	sessions map[[48]byte]*Session
}

// NewRegistry builds an empty session registry.
func NewRegistry(c *codec.Codec, clk clock.Clock, log *logger.Logger, cfg Config) *Registry {
	return &Registry{
		codec:    c,
		clk:      clk,
		log:      log,
		cfg:      cfg,
		sessions: make(map[[48]byte]*Session),
	}
}

func (r *Registry) add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.token] = s
}

func (r *Registry) remove(token [48]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, token)
}

func (r *Registry) lookup(token [48]byte) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[token]
	return s, ok
}

// Count reports the number of live sessions, for the admin/health surface.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// NewSession implements stream.Resolver: creates a fresh session for a bare
// `[0]` handshake.
func (r *Registry) NewSession() ([48]byte, stream.Binder) {
	s, err := newSession(r, r.codec, r.clk, r.log, r.cfg)
	if err != nil {
		r.log.Errorf("registry: create session: %v", err)
		return [48]byte{}, nil
	}
	r.add(s)
	r.log.Infof("session %s: created", s.debugID)
	return s.token, streamBinder{s}
}

// Resolve implements stream.Resolver: looks up an existing session by
// token, creating a new one if it does not match (spec §4.4).
func (r *Registry) Resolve(token [48]byte) ([48]byte, stream.Binder) {
	if s, ok := r.lookup(token); ok {
		return s.token, streamBinder{s}
	}
	return r.NewSession()
}

// Lookup implements datagram.SessionLookup: unlike the stream handshake,
// the datagram handshake does a strict token lookup with no auto-create
// (spec §4.3: "look up the session by token; if unknown, reply with
// [0,0]").
func (r *Registry) Lookup(token []byte) (datagram.Receiver, bool) {
	var key [48]byte
	if len(token) != 48 {
		return nil, false
	}
	copy(key[:], token)
	s, ok := r.lookup(key)
	if !ok {
		return nil, false
	}
	return datagramReceiver{s}, true
}

// streamBinder adapts *Session to stream.Binder without colliding with
// datagramReceiver's identically-named Bind method (spec §4.4/§4.5).
type streamBinder struct{ s *Session }

func (b streamBinder) Bind(conn *stream.Conn) { b.s.bindStream(conn) }
func (b streamBinder) Unbind()                { b.s.unbindStream() }
func (b streamBinder) Receive(payload []byte) { b.s.Receive(payload, nil) }

// datagramReceiver adapts *Session to datagram.Receiver.
type datagramReceiver struct{ s *Session }

func (b datagramReceiver) Bind(sock *datagram.Socket) { b.s.bindDatagram(sock) }
func (b datagramReceiver) Deliver(content []byte, correctOrder bool) {
	b.s.Receive(content, &correctOrder)
}
