package datagram

// partialAssembly accumulates the parts of one multi-part inbound message,
// keyed (in Socket) by the id of its first part.
type partialAssembly struct {
	partCount byte
	parts     map[byte][]byte // partNum -> content
}

func newPartialAssembly(partCount byte) *partialAssembly {
	return &partialAssembly{partCount: partCount, parts: make(map[byte][]byte, partCount)}
}

func (p *partialAssembly) add(partNum byte, content []byte) {
	p.parts[partNum] = content
}

func (p *partialAssembly) complete() bool {
	return byte(len(p.parts)) >= p.partCount
}

// assemble concatenates parts 1..partCount in order into the full message.
func (p *partialAssembly) assemble() []byte {
	var out []byte
	for i := byte(1); i <= p.partCount; i++ {
		out = append(out, p.parts[i]...)
	}
	return out
}
