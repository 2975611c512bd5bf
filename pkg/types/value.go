package types

import (
	"fmt"
	"strconv"
	"strings"
)

// FieldType is the set of scalar types a Schema field may declare.
type FieldType int

const (
	String FieldType = iota
	Integer
	Float
	Boolean
)

func (t FieldType) String() string {
	switch t {
	case String:
		return "string"
	case Integer:
		return "integer"
	case Float:
		return "float"
	case Boolean:
		return "boolean"
	default:
		return "unknown"
	}
}

func ParseFieldType(s string) (FieldType, bool) {
	switch s {
	case "string":
		return String, true
	case "integer":
		return Integer, true
	case "float":
		return Float, true
	case "boolean":
		return Boolean, true
	default:
		return 0, false
	}
}

// Value is a typed field value held by a Record. Exactly one of the
// underlying fields is meaningful, selected by Type.
type Value struct {
	Type FieldType
	S    string
	I    int64
	F    float64
	B    bool
}

func NewString(s string) Value  { return Value{Type: String, S: s} }
func NewInteger(i int64) Value  { return Value{Type: Integer, I: i} }
func NewFloat(f float64) Value  { return Value{Type: Float, F: f} }
func NewBoolean(b bool) Value   { return Value{Type: Boolean, B: b} }

// Raw returns the value unwrapped as an interface{}, suitable for BSON
// encoding or display.
func (v Value) Raw() interface{} {
	switch v.Type {
	case String:
		return v.S
	case Integer:
		return v.I
	case Float:
		return v.F
	case Boolean:
		return v.B
	default:
		return nil
	}
}

// Comparable converts the value into the key type used by the index.
func (v Value) Comparable() Comparable {
	switch v.Type {
	case String:
		return VarcharKey(v.S)
	case Integer:
		return IntKey(v.I)
	case Float:
		return FloatKey(v.F)
	case Boolean:
		return BoolKey(v.B)
	default:
		return VarcharKey("")
	}
}

func (v Value) Equal(other Value) bool {
	if v.Type != other.Type {
		return false
	}
	return v.Comparable().Compare(other.Comparable()) == 0
}

// Numeric reports whether the value participates in min/max constraint
// checks and returns it as a float64.
func (v Value) Numeric() (float64, bool) {
	switch v.Type {
	case Integer:
		return float64(v.I), true
	case Float:
		return v.F, true
	default:
		return 0, false
	}
}

// String renders the value the way it would be shown to a client. The
// source numeric type is preserved: integers never gain a decimal point,
// floats always carry one.
func (v Value) String() string {
	switch v.Type {
	case String:
		return v.S
	case Integer:
		return strconv.FormatInt(v.I, 10)
	case Float:
		s := strconv.FormatFloat(v.F, 'f', -1, 64)
		if !strings.ContainsAny(s, ".NI") { // NaN and ±Inf stay as they are
			s += ".0"
		}
		return s
	case Boolean:
		return fmt.Sprintf("%t", v.B)
	default:
		return ""
	}
}
