package datagram

import (
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/Luka-sama/draco-go/internal/clock"
	"github.com/Luka-sama/draco-go/internal/logger"
)

// State is a Socket's position in the Unauthenticated -> Bound -> Closed
// state machine (spec §4.3).
type State int

const (
	Unauthenticated State = iota
	Bound
	Closed
)

// Socket is the reliability/ordering state for one peer UDP address. It is
// created lazily by a Transport on first datagram from a new address and
// removed from the address map once Closed.
type Socket struct {
	addr      *net.UDPAddr
	transport *Transport
	clk       clock.Clock
	log       *logger.Logger
	cfg       Config
	lookup    SessionLookup

	mu       sync.Mutex
	state    State
	token    []byte // 48-byte session token, set on successful handshake
	receiver Receiver

	nextSendID byte
	sentAt     map[byte]time.Time
	acks       ackHistory

	dedupe   dedupeRing
	partials map[byte]*partialAssembly

	orderBuffer    map[byte][]byte
	nextExpectedID byte
	waitingSince   time.Time

	lastReceivedTime time.Time
	lastSentTime     time.Time
	recvWindowStart  time.Time
	recvWindowBytes  int

	doneCh chan struct{}
}

func newSocket(addr *net.UDPAddr, t *Transport, clk clock.Clock, log *logger.Logger, cfg Config, lookup SessionLookup) *Socket {
	now := clk.Now()
	return &Socket{
		addr:             addr,
		transport:        t,
		clk:              clk,
		log:              log,
		cfg:              cfg,
		lookup:           lookup,
		nextSendID:       1,
		nextExpectedID:   1,
		sentAt:           make(map[byte]time.Time),
		partials:         make(map[byte]*partialAssembly),
		orderBuffer:      make(map[byte][]byte),
		lastReceivedTime: now,
		recvWindowStart:  now,
		doneCh:           make(chan struct{}),
	}
}

// State reports the socket's current position in the state machine.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send splits content into parts and hands each to its own retry loop.
// Returns an error synchronously only for a message too large to transmit
// or a socket that is not yet Bound.
func (s *Socket) Send(content []byte) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != Bound {
		return fmt.Errorf("datagram: socket %s is not bound", s.addr)
	}

	parts, err := planParts(content)
	if err != nil {
		return err
	}
	for _, p := range parts {
		id := s.allocateSendID()
		s.sendPart(id, p)
	}
	return nil
}

func (s *Socket) allocateSendID() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSendID
	s.nextSendID = nextID(id)
	return id
}

func (s *Socket) sendPart(id byte, part outPart) {
	wire := encodeOutgoing(id, part)
	now := s.clk.Now()
	s.mu.Lock()
	s.sentAt[id] = now
	s.mu.Unlock()
	go s.retryLoop(wire, id, now)
}

// retryLoop implements trySendPart's repeated-attempt behavior (spec
// §4.3 "Sending"). Cancellation is detected by the equality-of-timestamp
// sentinel: an attempt only proceeds if sentAt[id] still equals the send
// time it captured when scheduled, which is true exactly when no ack has
// arrived and no later Send has reused the id.
func (s *Socket) retryLoop(wire []byte, id byte, sendTime time.Time) {
	attempt := 1
	for {
		s.transport.writeTo(s.addr, wire)
		s.mu.Lock()
		s.lastSentTime = s.clk.Now()
		avg := s.acks.average()
		s.mu.Unlock()

		timer := s.clk.NewTimer(backoffDelay(attempt, avg))
		select {
		case <-timer.C():
		case <-s.doneCh:
			timer.Stop()
			return
		}

		s.mu.Lock()
		last, pending := s.sentAt[id]
		if !pending || last != sendTime {
			s.mu.Unlock()
			return
		}
		if attempt >= s.cfg.AttemptCount {
			delete(s.sentAt, id)
			silentFor := s.clk.Now().Sub(s.lastReceivedTime)
			s.mu.Unlock()
			s.log.Warnf("socket %s: part %d dropped after %d attempts", s.addr, id, attempt)
			if silentFor > s.cfg.SessionTimeout {
				s.Close()
			}
			return
		}
		s.mu.Unlock()
		attempt++
	}
}

func backoffDelay(attempt int, avgAckMs float64) time.Duration {
	base := avgAckMs
	if base < 20 {
		base = 20
	}
	ms := math.Pow(2, float64(attempt)) * base
	if ms > 1000 {
		ms = 1000
	}
	return time.Duration(ms) * time.Millisecond
}

// handleIncoming processes one raw datagram already known to originate
// from this socket's address.
func (s *Socket) handleIncoming(data []byte) {
	now := s.clk.Now()

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	if now.Sub(s.recvWindowStart) > time.Second {
		s.recvWindowStart = now
		s.recvWindowBytes = 0
	}
	s.recvWindowBytes += len(data)
	overLimit := s.recvWindowBytes > s.cfg.ReceiveMaxBytesPerSecond
	s.lastReceivedTime = now
	s.mu.Unlock()

	if overLimit {
		s.log.Warnf("socket %s: receive rate exceeded, dropping datagram", s.addr)
		return
	}

	frame, err := parseIncoming(data)
	if err != nil {
		s.log.Warnf("socket %s: %v", s.addr, err)
		return
	}

	if frame.isControl {
		s.handleControl(frame)
		return
	}

	s.mu.Lock()
	state := s.state
	token := s.token
	s.mu.Unlock()

	if state != Bound {
		s.transport.writeTo(s.addr, encodeError())
		return
	}
	if len(token) < 2 || frame.tokenPrefix[0] != token[0] || frame.tokenPrefix[1] != token[1] {
		s.transport.writeTo(s.addr, encodeError())
		return
	}

	if frame.isAck {
		s.handleAck(frame.id, now)
		return
	}

	s.transport.writeTo(s.addr, encodeOutgoing(frame.id, outPart{}))

	s.mu.Lock()
	duplicate := s.dedupe.seen(frame.id)
	s.dedupe.record(frame.id)
	s.mu.Unlock()
	if duplicate {
		return
	}

	s.handleData(frame)
}

func (s *Socket) handleControl(frame inFrame) {
	switch frame.controlKind {
	case controlPing:
		// lastReceivedTime already updated by the caller; nothing else to do.
	case controlHandshake:
		if !s.transport.allowHandshake() {
			s.log.Warnf("socket %s: handshake rejected, admission limit exceeded", s.addr)
			s.transport.writeTo(s.addr, encodeError())
			return
		}
		recv, ok := s.lookup(frame.token)
		if !ok {
			s.transport.writeTo(s.addr, encodeError())
			return
		}
		s.mu.Lock()
		s.token = frame.token
		s.state = Bound
		s.receiver = recv
		s.mu.Unlock()
		recv.Bind(s)
		s.transport.writeTo(s.addr, encodePing())
	case controlError:
		s.log.Warnf("socket %s: peer reported an error", s.addr)
	}
}

func (s *Socket) handleAck(id byte, now time.Time) {
	s.mu.Lock()
	sendTime, ok := s.sentAt[id]
	if ok {
		delete(s.sentAt, id)
	}
	s.mu.Unlock()
	if ok {
		s.acks.record(float64(now.Sub(sendTime).Milliseconds()))
	}
}

func (s *Socket) handleData(frame inFrame) {
	if frame.partNum == 0 {
		s.deliverImmediate(frame.content)
		s.enqueueOrdered(frame.id, frame.content)
		return
	}

	firstID := idSub(frame.id, int(frame.partNum)-1)

	s.mu.Lock()
	asm, ok := s.partials[firstID]
	if !ok {
		asm = newPartialAssembly(0)
		s.partials[firstID] = asm
	}
	asm.add(frame.partNum, frame.content)
	if frame.partNum == 1 {
		asm.partCount = frame.partCount
	}
	complete := asm.partCount > 0 && asm.complete()
	var full []byte
	var partCount byte
	if complete {
		full = asm.assemble()
		partCount = asm.partCount
		delete(s.partials, firstID)
	}
	s.mu.Unlock()

	if !complete {
		return
	}

	lastID := idAdd(firstID, int(partCount)-1)
	s.deliverImmediate(full)
	s.enqueueOrdered(lastID, full)
	for i := 1; i < int(partCount); i++ {
		s.enqueueOrdered(idAdd(firstID, i-1), nil)
	}
}

func (s *Socket) deliverImmediate(content []byte) {
	s.mu.Lock()
	recv := s.receiver
	s.mu.Unlock()
	if recv != nil {
		recv.Deliver(content, false)
	}
}

func (s *Socket) enqueueOrdered(id byte, content []byte) {
	s.mu.Lock()
	s.orderBuffer[id] = content
	s.mu.Unlock()
	s.releaseOrdered()
}

// releaseOrdered drains the ordering buffer from nextExpectedID forward,
// and otherwise enforces the shouldWaitForNext skip-forward policy (spec
// §4.3 "Delivery and ordering").
func (s *Socket) releaseOrdered() {
	now := s.clk.Now()
	for {
		s.mu.Lock()
		content, ok := s.orderBuffer[s.nextExpectedID]
		if ok {
			delete(s.orderBuffer, s.nextExpectedID)
			s.nextExpectedID = nextID(s.nextExpectedID)
			s.waitingSince = now
			recv := s.receiver
			s.mu.Unlock()
			if recv != nil {
				recv.Deliver(content, true)
			}
			continue
		}

		if len(s.orderBuffer) == 0 {
			s.mu.Unlock()
			return
		}
		if s.waitingSince.IsZero() {
			s.waitingSince = now
		}
		if now.Sub(s.waitingSince) <= s.cfg.ShouldWaitForNext {
			s.mu.Unlock()
			return
		}
		lowest := lowestHeldID(s.orderBuffer, s.nextExpectedID)
		s.nextExpectedID = lowest
		s.waitingSince = now
		s.mu.Unlock()
	}
}

func lowestHeldID(buf map[byte][]byte, from byte) byte {
	best := byte(0)
	bestDist := 256
	for id := range buf {
		if d := idDistance(from, id); d < bestDist {
			bestDist = d
			best = id
		}
	}
	return best
}

// pingTick implements spec §4.3 "Pinging": closes the socket after
// sessionTimeout of silence, otherwise emits a bare ping if nothing has
// been sent for one ping interval.
func (s *Socket) pingTick(now time.Time) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	silentRecv := now.Sub(s.lastReceivedTime)
	lastSent := s.lastSentTime
	s.mu.Unlock()

	if silentRecv > s.cfg.SessionTimeout {
		s.Close()
		return
	}
	if now.Sub(lastSent) >= s.cfg.PingInterval() {
		s.transport.writeTo(s.addr, encodePing())
		s.mu.Lock()
		s.lastSentTime = now
		s.mu.Unlock()
	}
}

// Close transitions the socket to Closed, stops all pending retry loops,
// and removes it from the transport's address map.
func (s *Socket) Close() {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	s.mu.Unlock()
	close(s.doneCh)
	s.transport.removeSocket(s.addr)
}

func idAdd(id byte, steps int) byte {
	base := int(id) - 1
	base = ((base+steps)%255 + 255) % 255
	return byte(base + 1)
}

func idSub(id byte, steps int) byte { return idAdd(id, -steps) }
