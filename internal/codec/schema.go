// Package codec implements the opcode-tagged binary encode/decode layer
// described in spec §4.2: a schema-driven mapping from Message classes
// (server→client) and Service classes (client→server) onto single-byte
// opcodes, assigned deterministically so client and server agree without
// negotiation.
package codec

// FieldType enumerates the wire-level field kinds spec §4.2 lists:
// signed/unsigned 32/64-bit integers, 32/64-bit floats, booleans, UTF-8
// strings, enum indices, arrays, fixed-arity vectors, and nested messages.
type FieldType uint8

const (
	FieldInt32 FieldType = iota
	FieldUint32
	FieldInt64
	FieldUint64
	FieldFloat32
	FieldFloat64
	FieldBool
	FieldString
	FieldEnum
	FieldArray
	FieldVector
	FieldMessage
)

func (t FieldType) String() string {
	switch t {
	case FieldInt32:
		return "int32"
	case FieldUint32:
		return "uint32"
	case FieldInt64:
		return "int64"
	case FieldUint64:
		return "uint64"
	case FieldFloat32:
		return "float32"
	case FieldFloat64:
		return "float64"
	case FieldBool:
		return "bool"
	case FieldString:
		return "string"
	case FieldEnum:
		return "enum"
	case FieldArray:
		return "array"
	case FieldVector:
		return "vector"
	case FieldMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Field describes one schema field. Not every attribute applies to every
// Type: Elem only for FieldArray, VectorArity only for FieldVector,
// EnumCount only for FieldEnum, MessageName only for FieldMessage.
type Field struct {
	Name        string
	Type        FieldType
	Optional    bool
	Elem        *Field // FieldArray: the element's own Field description
	VectorArity int    // FieldVector: number of float64 components
	EnumCount   int    // FieldEnum: number of declared values (defines the 0..N-1 range and the "first enum" default)
	MessageName string // FieldMessage: name of the nested Schema in the shared registry
}

// Schema is a class's ordered field list, as supplied by the external
// "schema provider" collaborator (spec §6) — never constructed by hand in
// the core itself, which is schema-agnostic.
type Schema struct {
	Name   string
	Fields []Field
}

// ServiceFactory constructs a Service from its decoded field values — the
// "create(params)" factory spec §3 requires every dispatchable value to
// have gone through.
type ServiceFactory func(fields map[string]Value) (Service, error)

// Created is embedded by a Message/Service type to track whether a value
// was obtained through its factory (spec §3: a value may only be sent or
// dispatched if it was). created is unexported, so the only way to set it
// is MarkCreated, which a factory calls on its result before returning it;
// a bare struct literal built outside that factory stays uncreated.
type Created struct {
	created bool
}

// MarkCreated records that the value has gone through its factory.
func (c *Created) MarkCreated() {
	c.created = true
}

// IsCreated reports whether MarkCreated has been called on this value.
func (c Created) IsCreated() bool {
	return c.created
}

// MessageDescriptor pairs a Message class's schema with nothing else: this
// core only ever encodes Messages (they are produced by the rest of the
// server, not received), so no factory is needed on this side.
type MessageDescriptor struct {
	Schema Schema
}

// ServiceDescriptor pairs a Service class's schema with the factory used to
// materialize a decoded instance.
type ServiceDescriptor struct {
	Schema Schema
	New    ServiceFactory
}

// SchemaProvider is the external collaborator (spec §6) that supplies the
// three collections New consumes: shared nested types, Message
// classes, and Service classes.
type SchemaProvider interface {
	Types() []Schema
	Messages() []MessageDescriptor
	Services() []ServiceDescriptor
}
