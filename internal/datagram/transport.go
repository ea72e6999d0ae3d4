package datagram

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Luka-sama/draco-go/internal/clock"
	"github.com/Luka-sama/draco-go/internal/logger"
	"github.com/Luka-sama/draco-go/internal/ratelimit"
	"github.com/Luka-sama/draco-go/internal/scheduler"
)

// Transport owns one UDP socket and demultiplexes inbound datagrams to a
// per-peer-address Socket, creating a fresh Unauthenticated one on first
// contact (spec §4.3 "State machine").
type Transport struct {
	conn   *net.UDPConn
	clk    clock.Clock
	log    *logger.Logger
	cfg    Config
	lookup SessionLookup

	mu      sync.Mutex
	sockets map[string]*Socket

	admission *ratelimit.Admission

	bytesIn   atomic.Uint64
	bytesOut  atomic.Uint64
	datagrams atomic.Uint64
}

// Listen opens the UDP listener on addr. lookup resolves a handshake token
// to the session that should own the resulting Socket.
func Listen(addr string, cfg Config, clk clock.Clock, log *logger.Logger, lookup SessionLookup) (*Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &Transport{
		conn:    conn,
		clk:     clk,
		log:     log,
		cfg:     cfg,
		lookup:  lookup,
		sockets: make(map[string]*Socket),
	}, nil
}

// Serve reads datagrams until the connection is closed. Intended to run in
// its own goroutine.
func (t *Transport) Serve() error {
	buf := make([]byte, MaxSafePacketSize)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		t.bytesIn.Add(uint64(n))
		t.datagrams.Add(1)
		t.socketFor(addr).handleIncoming(data)
	}
}

func (t *Transport) socketFor(addr *net.UDPAddr) *Socket {
	key := addr.String()
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sockets[key]; ok {
		return s
	}
	s := newSocket(addr, t, t.clk, t.log, t.cfg, t.lookup)
	t.sockets[key] = s
	return s
}

// SetAdmission installs a supplementary connection-admission limiter
// guarding the handshake control frame against a burst of new-connection
// attempts; nil (the default) leaves handshakes unthrottled.
func (t *Transport) SetAdmission(a *ratelimit.Admission) {
	t.admission = a
}

// allowHandshake reports whether a new handshake attempt may proceed.
func (t *Transport) allowHandshake() bool {
	return t.admission == nil || t.admission.Allow()
}

func (t *Transport) removeSocket(addr *net.UDPAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sockets, addr.String())
}

func (t *Transport) writeTo(addr *net.UDPAddr, b []byte) {
	if _, err := t.conn.WriteToUDP(b, addr); err != nil {
		t.log.Warnf("transport: write to %s: %v", addr, err)
		return
	}
	t.bytesOut.Add(uint64(len(b)))
}

// BytesIn returns the cumulative number of datagram payload bytes received.
func (t *Transport) BytesIn() uint64 { return t.bytesIn.Load() }

// BytesOut returns the cumulative number of datagram payload bytes sent.
func (t *Transport) BytesOut() uint64 { return t.bytesOut.Load() }

// Datagrams returns the cumulative number of datagrams received.
func (t *Transport) Datagrams() uint64 { return t.datagrams.Load() }

// Close shuts down the listener. Already-accepted Sockets are left to
// close individually via their own ping sweeps or explicit Close calls.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// RegisterPingSweep adds a scheduler task that calls pingTick on every
// known socket at the spec §4.3 "Pinging" interval, tying the datagram
// layer's liveness checks into the same cooperative loop as the rest of
// the server (spec §4.1).
func (t *Transport) RegisterPingSweep(sched *scheduler.Scheduler, priority int) {
	sched.AddTask(scheduler.NewTask("datagram-ping-sweep", t.cfg.PingInterval(), priority, scheduler.Infinite, nil,
		func(_ time.Duration, _ interface{}) error {
			now := t.clk.Now()
			for _, s := range t.snapshotSockets() {
				s.pingTick(now)
			}
			return nil
		}))
}

func (t *Transport) snapshotSockets() []*Socket {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Socket, 0, len(t.sockets))
	for _, s := range t.sockets {
		out = append(out, s)
	}
	return out
}
