package codec

// Value holds one decoded (or to-be-encoded) field value. Concrete dynamic
// types: int32, uint32, int64, uint64, float32, float64, bool, string, int
// (enum index), []Value (FieldArray), []float64 (FieldVector, len ==
// Field.VectorArity), map[string]Value (FieldMessage), or nil (an absent
// optional FieldMessage).
type Value = interface{}

// zeroValue returns the spec §4.2 default for an absent optional field:
// "numeric 0, boolean false, empty string, empty array, first enum, a
// zero vector; nested message-type fields have no meaningful default and
// decode to nil instead."
func zeroValue(f Field) Value {
	switch f.Type {
	case FieldInt32:
		return int32(0)
	case FieldUint32:
		return uint32(0)
	case FieldInt64:
		return int64(0)
	case FieldUint64:
		return uint64(0)
	case FieldFloat32:
		return float32(0)
	case FieldFloat64:
		return float64(0)
	case FieldBool:
		return false
	case FieldString:
		return ""
	case FieldEnum:
		return int(0)
	case FieldArray:
		return []Value{}
	case FieldVector:
		return make([]float64, f.VectorArity)
	case FieldMessage:
		return nil
	default:
		return nil
	}
}

func fieldValue(fields map[string]Value, f Field) Value {
	if v, ok := fields[f.Name]; ok && v != nil {
		return v
	}
	return zeroValue(f)
}
