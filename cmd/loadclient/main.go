// Command loadclient is a synthetic test client: it performs the stream
// handshake, binds a UDP socket to the same session, sends a burst of Chat
// Services, and reports how many were sent and how many frames came back. It is a manual
// end-to-end smoke tool for the whole core, not part of the core itself.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Luka-sama/draco-go/internal/codec"
	"github.com/Luka-sama/draco-go/internal/example"
	"github.com/Luka-sama/draco-go/internal/logger"
)

func main() {
	wsURL := flag.String("ws", "ws://127.0.0.1:8080/ws", "stream transport URL")
	udpAddr := flag.String("udp", "127.0.0.1:9000", "datagram transport address")
	count := flag.Int("count", 10, "number of Chat services to send over the stream transport")
	flag.Parse()

	log := logger.New("loadclient", nil, logger.Info, logger.Console, "")

	c, err := codec.New(example.Provider{}, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "codec: %v\n", err)
		os.Exit(1)
	}

	ws, _, err := websocket.DefaultDialer.Dial(*wsURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial stream: %v\n", err)
		os.Exit(1)
	}
	defer ws.Close()

	_, tableMsg, err := ws.ReadMessage()
	if err != nil {
		fmt.Fprintf(os.Stderr, "read opcode table: %v\n", err)
		os.Exit(1)
	}
	var table map[string]string
	if err := json.Unmarshal(tableMsg, &table); err != nil {
		fmt.Fprintf(os.Stderr, "unmarshal opcode table: %v\n", err)
		os.Exit(1)
	}
	log.Infof("opcode table: %d classes", len(table))

	if err := ws.WriteMessage(websocket.BinaryMessage, []byte{0}); err != nil {
		fmt.Fprintf(os.Stderr, "write handshake: %v\n", err)
		os.Exit(1)
	}
	_, token, err := ws.ReadMessage()
	if err != nil || len(token) != 48 {
		fmt.Fprintf(os.Stderr, "read session token: %v (len=%d)\n", err, len(token))
		os.Exit(1)
	}
	log.Infof("bound session, token prefix %x", token[:4])

	sent := 0
	for i := 0; i < *count; i++ {
		buf, err := c.Encode(chatEncoder{text: fmt.Sprintf("hello #%d", i)})
		if err != nil {
			log.Warnf("encode chat %d: %v", i, err)
			continue
		}
		if err := ws.WriteMessage(websocket.BinaryMessage, buf); err != nil {
			log.Warnf("send chat %d: %v", i, err)
			continue
		}
		sent++
	}

	received := 0
	deadline := time.Now().Add(3 * time.Second)
	ws.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		_, _, err := ws.ReadMessage()
		if err != nil {
			break
		}
		received++
	}
	log.Infof("stream: sent %d Chat services, received %d Echo replies", sent, received)

	runDatagramProbe(context.Background(), *udpAddr, token, log)
}

// chatEncoder adapts example.Chat's text field into the codec.Message
// shape the encoder expects (Chat itself is only a Service/decode target).
type chatEncoder struct{ text string }

func (m chatEncoder) ClassName() string { return "Chat" }
func (m chatEncoder) Fields() map[string]codec.Value {
	return map[string]codec.Value{"text": m.text}
}

// runDatagramProbe binds a UDP socket to the same session token, checks
// the handshake reply, and waits for one datagram from the server, logging
// its size; nothing is timed. It exercises the handshake half of the
// datagram wire format described in spec §4.3.
func runDatagramProbe(ctx context.Context, addr string, token []byte, log *logger.Logger) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		log.Warnf("resolve udp addr: %v", err)
		return
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		log.Warnf("dial udp: %v", err)
		return
	}
	defer conn.Close()

	handshake := append([]byte{0}, token...)
	if _, err := conn.Write(handshake); err != nil {
		log.Warnf("write handshake: %v", err)
		return
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	if err != nil {
		log.Warnf("read handshake ack: %v", err)
		return
	}
	if n != 1 || buf[0] != 0 {
		log.Warnf("unexpected handshake reply of %d bytes", n)
		return
	}
	log.Infof("datagram: bound, awaiting a ping")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err = conn.Read(buf)
	if err != nil {
		log.Warnf("read ping: %v", err)
		return
	}
	log.Infof("datagram: received %d bytes (ping sweep liveness check)", n)
}
