package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/Luka-sama/draco-go/internal/logger"
	"github.com/valyala/bytebufferpool"
)

// Message is produced by the rest of the server and encoded for delivery
// to a client. ClassName must match the Name of a Schema returned by the
// SchemaProvider's Messages().
type Message interface {
	ClassName() string
	Fields() map[string]Value
}

// Service is received from a client and dispatched on the server. Decode
// builds one via the matching ServiceDescriptor.New factory; nothing else
// in this package constructs a Service.
type Service interface {
	ClassName() string
}

// Codec assigns opcodes from a SchemaProvider and encodes Messages /
// decodes Services against them.
type Codec struct {
	log *logger.Logger

	byOpcode map[byte]string
	byName   map[string]byte
	types    map[string]Schema // shared nested schemas, keyed by name
	messages map[string]Schema
	services map[string]ServiceDescriptor

	pool bytebufferpool.Pool
}

// New builds the opcode table from provider's three collections. Opcodes
// are assigned in ascending order over the sorted union of Message and
// Service class names (spec §4.2: "assigned deterministically from the
// sorted schema so both sides agree without negotiation"), starting at 1;
// opcode 0 is never assigned.
func New(provider SchemaProvider, log *logger.Logger) (*Codec, error) {
	c := &Codec{
		log:      log,
		byOpcode: make(map[byte]string),
		byName:   make(map[string]byte),
		types:    make(map[string]Schema),
		messages: make(map[string]Schema),
		services: make(map[string]ServiceDescriptor),
	}

	for _, s := range provider.Types() {
		c.types[s.Name] = s
	}

	names := make(map[string]struct{})
	for _, m := range provider.Messages() {
		if _, dup := c.messages[m.Schema.Name]; dup {
			return nil, fmt.Errorf("codec: duplicate message class %q", m.Schema.Name)
		}
		c.messages[m.Schema.Name] = m.Schema
		names[m.Schema.Name] = struct{}{}
	}
	for _, svc := range provider.Services() {
		if _, dup := c.services[svc.Schema.Name]; dup {
			return nil, fmt.Errorf("codec: duplicate service class %q", svc.Schema.Name)
		}
		c.services[svc.Schema.Name] = svc
		names[svc.Schema.Name] = struct{}{}
	}

	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)
	if len(sorted) > 255 {
		return nil, fmt.Errorf("codec: %d classes exceed the 255 opcodes a single byte can address", len(sorted))
	}
	for i, n := range sorted {
		opcode := byte(i + 1)
		c.byOpcode[opcode] = n
		c.byName[n] = opcode
	}

	return c, nil
}

// Opcode returns the opcode assigned to a class name, for callers (e.g.
// the stream transport's handshake push) that need to publish the table.
func (c *Codec) Opcode(className string) (byte, bool) {
	op, ok := c.byName[className]
	return op, ok
}

// Table returns a copy of the opcode->class-name map, for publishing to a
// newly-connected client.
func (c *Codec) Table() map[byte]string {
	out := make(map[byte]string, len(c.byOpcode))
	for k, v := range c.byOpcode {
		out[k] = v
	}
	return out
}

// Encode serializes msg as: 1-byte opcode, then each schema field in
// order. Returns an error if msg's class is unknown to the table.
func (c *Codec) Encode(msg Message) ([]byte, error) {
	schema, ok := c.messages[msg.ClassName()]
	if !ok {
		return nil, fmt.Errorf("codec: no registered message class %q", msg.ClassName())
	}
	opcode, ok := c.byName[msg.ClassName()]
	if !ok {
		return nil, fmt.Errorf("codec: no opcode assigned to message class %q", msg.ClassName())
	}

	buf := c.pool.Get()
	defer c.pool.Put(buf)
	buf.Reset()
	buf.WriteByte(opcode)

	fields := msg.Fields()
	for _, f := range schema.Fields {
		if err := c.encodeField(buf, f, fieldValue(fields, f)); err != nil {
			return nil, fmt.Errorf("codec: encoding %s.%s: %w", msg.ClassName(), f.Name, err)
		}
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// Decode reads an opcode-tagged frame and constructs the matching Service.
// An unknown opcode or a frame too short for its schema is not an error:
// per spec §4.2 the caller is meant to simply drop the frame, so Decode
// logs a warning and returns (nil, nil).
func (c *Codec) Decode(buf []byte) (Service, error) {
	if len(buf) == 0 {
		c.log.Warnf("decode: empty frame")
		return nil, nil
	}
	opcode := buf[0]
	name, ok := c.byOpcode[opcode]
	if !ok {
		c.log.Warnf("decode: unknown opcode %d", opcode)
		return nil, nil
	}
	desc, ok := c.services[name]
	if !ok {
		c.log.Warnf("decode: opcode %d (%s) has no service class", opcode, name)
		return nil, nil
	}

	r := bytes.NewReader(buf[1:])
	fields := make(map[string]Value, len(desc.Schema.Fields))
	for _, f := range desc.Schema.Fields {
		v, err := c.decodeField(r, f)
		if err != nil {
			c.log.Warnf("decode: truncated %s.%s: %v", name, f.Name, err)
			return nil, nil
		}
		fields[f.Name] = v
	}

	svc, err := desc.New(fields)
	if err != nil {
		return nil, fmt.Errorf("codec: constructing %s: %w", name, err)
	}
	return svc, nil
}

func (c *Codec) encodeField(buf *bytebufferpool.ByteBuffer, f Field, v Value) error {
	switch f.Type {
	case FieldInt32:
		return writeUint32(buf, uint32(toInt64(v)))
	case FieldUint32:
		return writeUint32(buf, uint32(toUint64(v)))
	case FieldInt64:
		return writeUint64(buf, uint64(toInt64(v)))
	case FieldUint64:
		return writeUint64(buf, toUint64(v))
	case FieldFloat32:
		return writeUint32(buf, math.Float32bits(toFloat32(v)))
	case FieldFloat64:
		return writeUint64(buf, math.Float64bits(toFloat64(v)))
	case FieldBool:
		b, _ := v.(bool)
		if b {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		return nil
	case FieldString:
		s, _ := v.(string)
		if err := writeUint32(buf, uint32(len(s))); err != nil {
			return err
		}
		buf.WriteString(s)
		return nil
	case FieldEnum:
		return writeUint32(buf, uint32(toInt64(v)))
	case FieldArray:
		elems, _ := v.([]Value)
		if err := writeUint32(buf, uint32(len(elems))); err != nil {
			return err
		}
		for i, elem := range elems {
			if err := c.encodeField(buf, *f.Elem, elem); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
		return nil
	case FieldVector:
		components, _ := v.([]float64)
		for i := 0; i < f.VectorArity; i++ {
			var x float64
			if i < len(components) {
				x = components[i]
			}
			if err := writeUint64(buf, math.Float64bits(x)); err != nil {
				return err
			}
		}
		return nil
	case FieldMessage:
		if v == nil {
			buf.WriteByte(0)
			return nil
		}
		buf.WriteByte(1)
		nested, ok := c.types[f.MessageName]
		if !ok {
			return fmt.Errorf("no nested schema %q", f.MessageName)
		}
		nestedFields, _ := v.(map[string]Value)
		for _, nf := range nested.Fields {
			if err := c.encodeField(buf, nf, fieldValue(nestedFields, nf)); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown field type %v", f.Type)
	}
}

func (c *Codec) decodeField(r *bytes.Reader, f Field) (Value, error) {
	switch f.Type {
	case FieldInt32:
		u, err := readUint32(r)
		return int32(u), err
	case FieldUint32:
		return readUint32(r)
	case FieldInt64:
		u, err := readUint64(r)
		return int64(u), err
	case FieldUint64:
		return readUint64(r)
	case FieldFloat32:
		u, err := readUint32(r)
		return math.Float32frombits(u), err
	case FieldFloat64:
		u, err := readUint64(r)
		return math.Float64frombits(u), err
	case FieldBool:
		b, err := r.ReadByte()
		return b != 0, err
	case FieldString:
		n, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		out := make([]byte, n)
		if _, err := readFull(r, out); err != nil {
			return nil, err
		}
		return string(out), nil
	case FieldEnum:
		u, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		if f.EnumCount > 0 && int(u) >= f.EnumCount {
			return int(0), nil
		}
		return int(u), nil
	case FieldArray:
		n, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		elems := make([]Value, 0, n)
		for i := uint32(0); i < n; i++ {
			elem, err := c.decodeField(r, *f.Elem)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			elems = append(elems, elem)
		}
		return elems, nil
	case FieldVector:
		out := make([]float64, f.VectorArity)
		for i := range out {
			u, err := readUint64(r)
			if err != nil {
				return nil, err
			}
			out[i] = math.Float64frombits(u)
		}
		return out, nil
	case FieldMessage:
		present, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if present == 0 {
			return nil, nil
		}
		nested, ok := c.types[f.MessageName]
		if !ok {
			return nil, fmt.Errorf("no nested schema %q", f.MessageName)
		}
		out := make(map[string]Value, len(nested.Fields))
		for _, nf := range nested.Fields {
			v, err := c.decodeField(r, nf)
			if err != nil {
				return nil, err
			}
			out[nf.Name] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown field type %v", f.Type)
	}
}

func writeUint32(buf *bytebufferpool.ByteBuffer, v uint32) error {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	_, err := buf.Write(tmp[:])
	return err
}

func writeUint64(buf *bytebufferpool.ByteBuffer, v uint64) error {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	_, err := buf.Write(tmp[:])
	return err
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := readFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(tmp[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := readFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(tmp[:]), nil
}

func readFull(r *bytes.Reader, p []byte) (int, error) {
	n := 0
	for n < len(p) {
		m, err := r.Read(p[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func toInt64(v Value) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	default:
		return 0
	}
}

func toUint64(v Value) uint64 {
	switch n := v.(type) {
	case int:
		return uint64(n)
	case int32:
		return uint64(n)
	case int64:
		return uint64(n)
	case uint32:
		return uint64(n)
	case uint64:
		return n
	default:
		return 0
	}
}

func toFloat32(v Value) float32 {
	switch n := v.(type) {
	case float32:
		return n
	case float64:
		return float32(n)
	default:
		return 0
	}
}

func toFloat64(v Value) float64 {
	switch n := v.(type) {
	case float32:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}
