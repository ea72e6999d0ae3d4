// Package stream implements the framed reliable Stream Transport (spec
// §4.4): a WebSocket connection that pushes the opcode table on open, then
// handshakes a client into a bound session before becoming a raw
// binary-framed duplex.
package stream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Luka-sama/draco-go/internal/codec"
	"github.com/Luka-sama/draco-go/internal/logger"
	"github.com/Luka-sama/draco-go/internal/ratelimit"
	"github.com/gorilla/websocket"
)

// Binder is the session-layer collaborator a Conn binds to. Kept narrow so
// this package never imports internal/session (which imports this package
// to attach a stream transport), mirroring internal/datagram's Receiver.
type Binder interface {
	// Bind attaches conn as this session's stream transport.
	Bind(conn *Conn)
	// Unbind detaches the stream transport, e.g. on disconnect.
	Unbind()
	// Receive handles one client→server binary frame. correctOrder is left
	// unspecified on this path (spec §4.4): Services dispatched from it
	// match regardless of their ordering option.
	Receive(payload []byte)
}

// Resolver creates or looks up the session a handshake should bind to.
type Resolver interface {
	// NewSession creates a fresh session for a bare `[0]` handshake.
	NewSession() (token [48]byte, binder Binder)
	// Resolve looks up an existing session by token, creating one if the
	// token does not match any (spec §4.4: "or to create a new session if
	// no match").
	Resolve(token [48]byte) (resultToken [48]byte, binder Binder)
}

// Conn is one bound WebSocket connection. gorilla's *websocket.Conn does
// not allow concurrent writers, so all sends go through mu.
type Conn struct {
	ws  *websocket.Conn
	log *logger.Logger

	mu sync.Mutex
}

// Send writes an already-encoded message frame unchanged (spec §4.4:
// "server → client writes the encoded message unchanged").
func (c *Conn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, payload)
}

// Close closes the underlying WebSocket connection, e.g. on session close.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// Server accepts WebSocket upgrades on one HTTP path and runs the
// handshake/duplex protocol described in spec §4.4.
type Server struct {
	addr      string
	path      string
	tlsConfig *tls.Config
	upgrader  websocket.Upgrader
	codec     *codec.Codec
	resolver  Resolver
	log       *logger.Logger

	idleTimeout time.Duration
	admission   *ratelimit.Admission
}

// SetAdmission installs a supplementary connection-admission limiter
// guarding the WebSocket upgrade path against a burst of new-connection
// attempts; nil (the default) leaves upgrades unthrottled.
func (s *Server) SetAdmission(a *ratelimit.Admission) {
	s.admission = a
}

// NewServer builds a Server. tlsConfig may be nil to serve plain HTTP.
func NewServer(addr, path string, tlsConfig *tls.Config, c *codec.Codec, resolver Resolver, log *logger.Logger) *Server {
	return &Server{
		addr:      addr,
		path:      path,
		tlsConfig: tlsConfig,
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		codec:     c,
		resolver:  resolver,
		log:       log,

		idleTimeout: 60 * time.Second,
	}
}

// Handler returns the http.Handler serving the WebSocket upgrade path, for
// callers that want to embed it in their own *http.Server (or an
// httptest.Server in tests) instead of calling Run.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleUpgrade)
	return mux
}

// Run serves the WebSocket endpoint until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		TLSConfig:         s.tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       s.idleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			s.log.Warnf("stream server shutdown: %v", err)
		}
	}()

	s.log.Infof("stream transport listening on %s%s", s.addr, s.path)

	var err error
	if s.tlsConfig != nil {
		err = httpSrv.ListenAndServeTLS("", "")
	} else {
		err = httpSrv.ListenAndServe()
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.admission != nil && !s.admission.Allow() {
		s.log.Warnf("connection attempt rejected, admission limit exceeded")
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("websocket upgrade failed: %v", err)
		return
	}
	conn := &Conn{ws: ws, log: s.log}
	go s.serveConn(conn)
}

func (s *Server) serveConn(conn *Conn) {
	defer conn.ws.Close()

	table, err := json.Marshal(s.codec.Table())
	if err != nil {
		s.log.Errorf("marshal opcode table: %v", err)
		return
	}
	if err := conn.ws.WriteMessage(websocket.TextMessage, table); err != nil {
		s.log.Warnf("push opcode table: %v", err)
		return
	}

	_, data, err := conn.ws.ReadMessage()
	if err != nil {
		s.log.Warnf("read handshake: %v", err)
		return
	}

	binder, token, ok := s.handshake(data)
	if !ok {
		s.log.Warnf("malformed handshake of length %d", len(data))
		return
	}

	if err := conn.Send(token[:]); err != nil {
		s.log.Warnf("send session token: %v", err)
		return
	}
	binder.Bind(conn)
	defer binder.Unbind()

	for {
		_, payload, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		binder.Receive(payload)
	}
}

func (s *Server) handshake(data []byte) (Binder, [48]byte, bool) {
	switch len(data) {
	case 1:
		if data[0] != 0 {
			return nil, [48]byte{}, false
		}
		token, binder := s.resolver.NewSession()
		return binder, token, true
	case 48:
		var token [48]byte
		copy(token[:], data)
		resultToken, binder := s.resolver.Resolve(token)
		return binder, resultToken, true
	default:
		return nil, [48]byte{}, false
	}
}
