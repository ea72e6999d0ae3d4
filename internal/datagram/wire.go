// Package datagram implements the Datagram Reliability layer (spec §4.3):
// a hand-rolled ack/retransmit/ordering protocol over raw UDP, independent
// of any QUIC-style transport's own reliability semantics.
package datagram

import "fmt"

// MaxSafePacketSize is the largest UDP payload this layer will ever send,
// chosen to stay well under typical path MTUs without fragmentation.
const MaxSafePacketSize = 508

// Outgoing (server→client) payload budgets. The header is 2 bytes (id,
// partNum) for a single-part message or a non-first part of a multi-part
// message, and 3 bytes (id, partNum, partCount) for a multi-part message's
// first part. Outgoing frames never carry a token prefix — only inbound
// frames need to authenticate their sender.
const (
	singlePartPayload = MaxSafePacketSize - 2 // 506
	firstPartPayload  = MaxSafePacketSize - 3 // 505
	laterPartPayload  = MaxSafePacketSize - 2 // 506
)

// MaxMessageLen is the largest message send can split into parts: at most
// 255 ids are available per in-flight message, each carrying at most
// MaxSafePacketSize-2 content bytes (the 2-byte id+partNum header is the
// floor across both first and later parts).
const MaxMessageLen = (MaxSafePacketSize-2)*255 - 1

const (
	dedupeHistorySize = 32
	ackHistorySize    = 32
)

// nextID advances the circular 1..255 id space; id 0 never participates.
func nextID(id byte) byte {
	if id == 255 {
		return 1
	}
	return id + 1
}

// idDistance returns how many steps forward from must advance to reach to,
// wrapping within the 1..255 space — the "is A before B" primitive spec
// §4.3 calls for in circular arithmetic modulo 255.
func idDistance(from, to byte) int {
	d := int(to) - int(from)
	if d < 0 {
		d += 255
	}
	return d
}

// outPart is one wire-ready fragment of an outgoing message.
type outPart struct {
	partNum   byte // 0 for a single-part message, else 1..N
	partCount byte // only meaningful when partNum == 1
	content   []byte
}

// planParts splits buf into the parts send() will transmit under
// consecutive ids, per the per-frame payload budgets above.
func planParts(buf []byte) ([]outPart, error) {
	if len(buf) <= singlePartPayload {
		return []outPart{{partNum: 0, content: buf}}, nil
	}
	if len(buf) > MaxMessageLen {
		return nil, fmt.Errorf("datagram: message of %d bytes exceeds the %d-byte maximum", len(buf), MaxMessageLen)
	}

	first := buf[:firstPartPayload]
	remaining := buf[firstPartPayload:]
	parts := []outPart{{partNum: 1, content: first}}
	for len(remaining) > 0 {
		n := laterPartPayload
		if n > len(remaining) {
			n = len(remaining)
		}
		parts = append(parts, outPart{partNum: byte(len(parts) + 1), content: remaining[:n]})
		remaining = remaining[n:]
		if len(parts) > 255 {
			return nil, fmt.Errorf("datagram: message needs more than 255 parts")
		}
	}
	parts[0].partCount = byte(len(parts))
	return parts, nil
}

// encodeOutgoing builds the wire bytes for one outgoing part, or for an ack
// of id (pass an outPart with empty content).
func encodeOutgoing(id byte, p outPart) []byte {
	n := 2 + len(p.content)
	if p.partNum == 1 {
		n++
	}
	out := make([]byte, 0, n)
	out = append(out, id, p.partNum)
	if p.partNum == 1 {
		out = append(out, p.partCount)
	}
	out = append(out, p.content...)
	return out
}

func encodePing() []byte  { return []byte{0} }
func encodeError() []byte { return []byte{0, 0} }
func encodeHandshakeAck() []byte {
	return []byte{0}
}

type controlKind int

const (
	controlPing controlKind = iota
	controlHandshake
	controlError
)

// inFrame is a parsed inbound (client→server) datagram.
type inFrame struct {
	id          byte
	isControl   bool
	controlKind controlKind
	token       []byte // handshake only, 48 bytes

	partNum     byte
	partCount   byte
	tokenPrefix []byte
	content     []byte
	isAck       bool
}

// parseIncoming decodes a raw inbound datagram per spec §4.3's wire format.
func parseIncoming(data []byte) (inFrame, error) {
	if len(data) == 0 {
		return inFrame{}, fmt.Errorf("datagram: empty datagram")
	}
	id := data[0]
	if id == 0 {
		switch len(data) {
		case 1:
			return inFrame{id: 0, isControl: true, controlKind: controlPing}, nil
		case 49:
			token := append([]byte(nil), data[1:49]...)
			return inFrame{id: 0, isControl: true, controlKind: controlHandshake, token: token}, nil
		case 2:
			return inFrame{id: 0, isControl: true, controlKind: controlError}, nil
		default:
			return inFrame{}, fmt.Errorf("datagram: malformed control frame of length %d", len(data))
		}
	}

	if len(data) < 2 {
		return inFrame{}, fmt.Errorf("datagram: frame for id %d too short", id)
	}
	partNum := data[1]
	rest := data[2:]
	var partCount byte
	if partNum == 1 {
		if len(rest) < 1 {
			return inFrame{}, fmt.Errorf("datagram: first-part frame for id %d missing partCount", id)
		}
		partCount = rest[0]
		rest = rest[1:]
	}
	if len(rest) < 2 {
		return inFrame{}, fmt.Errorf("datagram: frame for id %d missing token prefix", id)
	}
	tokenPrefix := rest[:2]
	content := rest[2:]
	return inFrame{
		id:          id,
		partNum:     partNum,
		partCount:   partCount,
		tokenPrefix: tokenPrefix,
		content:     content,
		isAck:       len(content) == 0,
	}, nil
}
