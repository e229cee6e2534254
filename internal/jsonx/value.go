// Package jsonx implements the JSON layer shared by the transport, router
// and protocol schema: a tagged-union value model, a streaming parser and
// serializer, lazy subtree extraction, and a schema-directed decoder with
// struct-variant dispatch.
//
// The parser records the byte span of every value it produces, so callers
// can hold on to raw subtrees (request params, result fragments) without
// forcing a typed decode.
package jsonx

import (
	"fmt"
	"math"
	"strconv"
)

// Kind identifies the JSON type held by a Value.
type Kind uint8

const (
	// Invalid is the zero Kind; it marks an absent value.
	Invalid Kind = iota
	// Null is the JSON null literal.
	Null
	// Bool is true or false.
	Bool
	// Number is any JSON number.
	Number
	// String is a JSON string.
	String
	// Array is a JSON array.
	Array
	// Object is a JSON object.
	Object
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case Invalid:
		return "invalid"
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Number:
		return "number"
	case String:
		return "string"
	case Array:
		return "array"
	case Object:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Member is one key/value pair of an Object. Members keep insertion order.
type Member struct {
	Key   string
	Value Value
}

// Value is a JSON value. The zero Value is Invalid (absent).
//
// Numbers are stored as either an int64 or a float64. Integers whose
// magnitude fits 53 bits survive a parse/serialize round trip exactly.
type Value struct {
	kind  Kind
	b     bool
	i     int64
	f     float64
	isInt bool
	s     string
	arr   []Value
	obj   []Member

	// Byte span of this value in the buffer it was parsed from.
	// Zero for constructed values.
	start, end int
}

// Constructors.

// NewNull returns the JSON null value.
func NewNull() Value { return Value{kind: Null} }

// NewBool returns a JSON boolean.
func NewBool(b bool) Value { return Value{kind: Bool, b: b} }

// NewInt returns a JSON number holding an integer.
func NewInt(i int64) Value { return Value{kind: Number, i: i, isInt: true} }

// NewFloat returns a JSON number holding a float.
func NewFloat(f float64) Value { return Value{kind: Number, f: f} }

// NewString returns a JSON string.
func NewString(s string) Value { return Value{kind: String, s: s} }

// NewArray returns a JSON array over the given elements.
func NewArray(elems ...Value) Value { return Value{kind: Array, arr: elems} }

// NewObject returns an empty JSON object.
func NewObject() Value { return Value{kind: Object} }

// Kind returns the JSON type of the value.
func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether the value is present.
func (v Value) IsValid() bool { return v.kind != Invalid }

// Bool returns the boolean payload. Valid only for Bool values.
func (v Value) Bool() bool { return v.b }

// Int returns the numeric payload as an int64, truncating floats.
func (v Value) Int() int64 {
	if v.isInt {
		return v.i
	}
	return int64(v.f)
}

// Float returns the numeric payload as a float64.
func (v Value) Float() float64 {
	if v.isInt {
		return float64(v.i)
	}
	return v.f
}

// IsInt reports whether a Number value holds an exact integer.
func (v Value) IsInt() bool { return v.isInt }

// Str returns the string payload. Valid only for String values.
func (v Value) Str() string { return v.s }

// Len returns the element count for arrays and the member count for objects.
func (v Value) Len() int {
	switch v.kind {
	case Array:
		return len(v.arr)
	case Object:
		return len(v.obj)
	default:
		return 0
	}
}

// Index returns the i-th array element. Valid only for Array values.
func (v Value) Index(i int) Value { return v.arr[i] }

// Elems returns the underlying array elements.
func (v Value) Elems() []Value { return v.arr }

// Members returns the object members in insertion order.
func (v Value) Members() []Member { return v.obj }

// Get returns the member with the given key, or an Invalid value.
func (v Value) Get(key string) Value {
	for _, m := range v.obj {
		if m.Key == key {
			return m.Value
		}
	}
	return Value{}
}

// Has reports whether an object member with the given key exists.
func (v Value) Has(key string) bool {
	for _, m := range v.obj {
		if m.Key == key {
			return true
		}
	}
	return false
}

// Set appends or replaces an object member, preserving insertion order.
func (v *Value) Set(key string, val Value) {
	for i, m := range v.obj {
		if m.Key == key {
			v.obj[i].Value = val
			return
		}
	}
	v.obj = append(v.obj, Member{Key: key, Value: val})
}

// Append adds an element to an Array value.
func (v *Value) Append(elem Value) {
	v.arr = append(v.arr, elem)
}

// Span returns the [start, end) byte range of this value in the buffer it
// was parsed from. Both are zero for constructed values.
func (v Value) Span() (start, end int) { return v.start, v.end }

// Raw slices the value's span out of the buffer it was parsed from. The
// caller must pass the same buffer that was given to Parse.
func (v Value) Raw(src []byte) []byte {
	if v.end <= v.start || v.end > len(src) {
		return nil
	}
	return src[v.start:v.end]
}

// Equal reports deep equality. Object members compare modulo order, per the
// round-trip contract for dynamically constructed objects.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case Invalid, Null:
		return true
	case Bool:
		return a.b == b.b
	case Number:
		if a.isInt && b.isInt {
			return a.i == b.i
		}
		return a.Float() == b.Float()
	case String:
		return a.s == b.s
	case Array:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case Object:
		if len(a.obj) != len(b.obj) {
			return false
		}
		for _, m := range a.obj {
			other := b.Get(m.Key)
			if !other.IsValid() && m.Value.kind != Invalid {
				if !b.Has(m.Key) {
					return false
				}
			}
			if !Equal(m.Value, other) {
				return false
			}
		}
		return true
	}
	return false
}

// String renders the value as compact JSON, for logs and test failures.
func (v Value) String() string {
	return string(Serialize(v))
}

// formatNumber renders a Number payload the way Serialize does.
func (v Value) formatNumber() string {
	if v.isInt {
		return strconv.FormatInt(v.i, 10)
	}
	f := v.f
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return "null"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
