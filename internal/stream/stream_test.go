package stream

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Luka-sama/draco-go/internal/codec"
	"github.com/Luka-sama/draco-go/internal/logger"
	"github.com/gorilla/websocket"
)

type stubBinder struct {
	mu       sync.Mutex
	conn     *Conn
	received [][]byte
	unbound  bool
}

func (b *stubBinder) Bind(c *Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conn = c
}

func (b *stubBinder) Unbind() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unbound = true
}

func (b *stubBinder) Receive(payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.received = append(b.received, append([]byte(nil), payload...))
}

type stubResolver struct {
	token  [48]byte
	binder *stubBinder
}

func (r *stubResolver) NewSession() ([48]byte, Binder)        { return r.token, r.binder }
func (r *stubResolver) Resolve(_ [48]byte) ([48]byte, Binder) { return r.token, r.binder }

func newTestServer(t *testing.T) (*httptest.Server, *stubResolver) {
	t.Helper()
	log := logger.New("stream-test", nil, logger.Silent, logger.Console, "")
	provider := testProviderFor(t)
	c, err := codec.New(provider, log)
	if err != nil {
		t.Fatalf("codec.New: %v", err)
	}

	var token [48]byte
	for i := range token {
		token[i] = byte(i)
	}
	resolver := &stubResolver{token: token, binder: &stubBinder{}}

	srv := NewServer("", "/ws", nil, c, resolver, log)
	httpSrv := httptest.NewServer(srv.Handler())
	return httpSrv, resolver
}

func dialWS(t *testing.T, httpURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return ws
}

func TestHandshakeNewSessionAndDuplex(t *testing.T) {
	httpSrv, resolver := newTestServer(t)
	defer httpSrv.Close()

	ws := dialWS(t, httpSrv.URL)
	defer ws.Close()

	_, tableMsg, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read opcode table: %v", err)
	}
	var table map[string]string
	if err := json.Unmarshal(tableMsg, &table); err != nil {
		t.Fatalf("unmarshal opcode table: %v", err)
	}

	if err := ws.WriteMessage(websocket.BinaryMessage, []byte{0}); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	_, tokenMsg, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read token: %v", err)
	}
	if len(tokenMsg) != 48 {
		t.Fatalf("expected a 48-byte token, got %d bytes", len(tokenMsg))
	}
	if tokenMsg[0] != resolver.token[0] {
		t.Fatalf("token mismatch")
	}

	if err := ws.WriteMessage(websocket.BinaryMessage, []byte("payload")); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resolver.binder.mu.Lock()
		n := len(resolver.binder.received)
		resolver.binder.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	resolver.binder.mu.Lock()
	defer resolver.binder.mu.Unlock()
	if len(resolver.binder.received) != 1 || string(resolver.binder.received[0]) != "payload" {
		t.Fatalf("expected binder to receive %q, got %v", "payload", resolver.binder.received)
	}
}

func TestHandshakeWithTokenResolves(t *testing.T) {
	httpSrv, resolver := newTestServer(t)
	defer httpSrv.Close()

	ws := dialWS(t, httpSrv.URL)
	defer ws.Close()

	if _, _, err := ws.ReadMessage(); err != nil { // opcode table
		t.Fatalf("read opcode table: %v", err)
	}

	if err := ws.WriteMessage(websocket.BinaryMessage, resolver.token[:]); err != nil {
		t.Fatalf("write token handshake: %v", err)
	}
	_, tokenMsg, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read token: %v", err)
	}
	if len(tokenMsg) != 48 {
		t.Fatalf("expected a 48-byte token reply, got %d bytes", len(tokenMsg))
	}
}

func TestMalformedHandshakeClosesConnection(t *testing.T) {
	httpSrv, _ := newTestServer(t)
	defer httpSrv.Close()

	ws := dialWS(t, httpSrv.URL)
	defer ws.Close()

	if _, _, err := ws.ReadMessage(); err != nil { // opcode table
		t.Fatalf("read opcode table: %v", err)
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write malformed handshake: %v", err)
	}
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("expected the server to close the connection after a malformed handshake")
	}
}

// --- test scaffolding shared with the codec package's minimal schema ---

type pingMessage struct{ Seq int32 }

func (m pingMessage) ClassName() string { return "Ping" }
func (m pingMessage) Fields() map[string]codec.Value {
	return map[string]codec.Value{"seq": m.Seq}
}

type pingService struct{ Seq int32 }

func (s pingService) ClassName() string { return "Ping" }

type testProvider struct{}

func (testProvider) Types() []codec.Schema { return nil }
func (testProvider) Messages() []codec.MessageDescriptor {
	return []codec.MessageDescriptor{{Schema: codec.Schema{
		Name:   "Ping",
		Fields: []codec.Field{{Name: "seq", Type: codec.FieldInt32}},
	}}}
}
func (testProvider) Services() []codec.ServiceDescriptor {
	return []codec.ServiceDescriptor{{
		Schema: codec.Schema{Name: "Ping", Fields: []codec.Field{{Name: "seq", Type: codec.FieldInt32}}},
		New: func(fields map[string]codec.Value) (codec.Service, error) {
			return pingService{Seq: fields["seq"].(int32)}, nil
		},
	}}
}

func testProviderFor(*testing.T) codec.SchemaProvider { return testProvider{} }
