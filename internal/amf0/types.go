package amf0

import (
	"errors"
	"math"
)

// AMF0 type markers
const (
	TypeNumber      = 0x00
	TypeBoolean     = 0x01
	TypeString      = 0x02
	TypeObject      = 0x03
	TypeMovieClip   = 0x04
	TypeNull        = 0x05
	TypeUndefined   = 0x06
	TypeReference   = 0x07
	TypeECMAArray   = 0x08
	TypeObjectEnd   = 0x09
	TypeStrictArray = 0x0a
	TypeDate        = 0x0b
	TypeLongString  = 0x0c
	TypeUnsupported = 0x0d
	TypeXMLDocument = 0x0f
	TypeTypedObject = 0x10
)

// maxNesting bounds recursion into objects and arrays.
const maxNesting = 64

var (
	ErrUnexpectedType = errors.New("amf0: unexpected type marker")
	ErrTruncated      = errors.New("amf0: truncated value")
	ErrInvalidData    = errors.New("amf0: invalid data")
	ErrTooDeep        = errors.New("amf0: nesting too deep")
)

// Value is one decoded AMF0 value. The concrete types below are the only
// implementations.
type Value interface {
	// Marker returns the type marker written before the value.
	Marker() byte
	// size returns the encoded length including the marker.
	size() int
}

// Number is an IEEE-754 double.
type Number float64

// Boolean is a one byte flag.
type Boolean bool

// String is a short UTF-8 string (length < 65536).
type String string

// LongString is a string with a 32-bit length prefix.
type LongString string

// Null is the AMF0 null value.
type Null struct{}

// Undefined is the AMF0 undefined value.
type Undefined struct{}

// Date is milliseconds since the Unix epoch plus a (deprecated) timezone offset.
type Date struct {
	Millis   float64
	TimeZone int16
}

// Property is one key/value entry of an Object or ECMAArray.
type Property struct {
	Key   string
	Value Value
}

// Object is an anonymous object; key order is preserved.
type Object []Property

// ECMAArray is an associative array; key order is preserved and the
// declared count is written as len(arr).
type ECMAArray []Property

// StrictArray is an ordered list of values.
type StrictArray []Value

func (Number) Marker() byte      { return TypeNumber }
func (Boolean) Marker() byte     { return TypeBoolean }
func (String) Marker() byte      { return TypeString }
func (LongString) Marker() byte  { return TypeLongString }
func (Null) Marker() byte        { return TypeNull }
func (Undefined) Marker() byte   { return TypeUndefined }
func (Date) Marker() byte        { return TypeDate }
func (Object) Marker() byte      { return TypeObject }
func (ECMAArray) Marker() byte   { return TypeECMAArray }
func (StrictArray) Marker() byte { return TypeStrictArray }

func (Number) size() int       { return 9 }
func (Boolean) size() int      { return 2 }
func (s LongString) size() int { return 5 + len(s) }
func (Null) size() int         { return 1 }
func (Undefined) size() int    { return 1 }
func (Date) size() int         { return 11 }

// Strings past the 16-bit length limit are encoded as LongString.
func (s String) size() int {
	if len(s) > math.MaxUint16 {
		return 5 + len(s)
	}
	return 3 + len(s)
}

func (o Object) size() int {
	return 1 + propertiesSize(o) + 3
}

func (a ECMAArray) size() int {
	return 1 + 4 + propertiesSize(a) + 3
}

func (a StrictArray) size() int {
	n := 5
	for _, v := range a {
		n += Size(v)
	}
	return n
}

func propertiesSize(props []Property) int {
	n := 0
	for _, p := range props {
		n += 2 + min(len(p.Key), math.MaxUint16) + Size(p.Value)
	}
	return n
}

// Size returns the number of bytes Encode(v) produces.
func Size(v Value) int {
	if v == nil {
		return Null{}.size()
	}
	return v.size()
}

// Get returns the value stored under key.
func (o Object) Get(key string) (Value, bool) {
	return lookup(o, key)
}

// Get returns the value stored under key.
func (a ECMAArray) Get(key string) (Value, bool) {
	return lookup(a, key)
}

// Set replaces the value under key in place, or appends it.
func (a ECMAArray) Set(key string, v Value) ECMAArray {
	return ECMAArray(set(a, key, v))
}

// Set replaces the value under key in place, or appends it.
func (o Object) Set(key string, v Value) Object {
	return Object(set(o, key, v))
}

// Delete removes every property named key.
func (a ECMAArray) Delete(key string) ECMAArray {
	out := a[:0:0]
	for _, p := range a {
		if p.Key != key {
			out = append(out, p)
		}
	}
	return out
}

func lookup(props []Property, key string) (Value, bool) {
	for _, p := range props {
		if p.Key == key {
			return p.Value, true
		}
	}
	return nil, false
}

func set(props []Property, key string, v Value) []Property {
	for i := range props {
		if props[i].Key == key {
			props[i].Value = v
			return props
		}
	}
	return append(props, Property{Key: key, Value: v})
}

// AsNumber converts numeric-looking values to float64.
func AsNumber(v Value) (float64, bool) {
	switch n := v.(type) {
	case Number:
		f := float64(n)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	case Boolean:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// AsBool converts a Boolean (or a non-zero Number) to bool.
func AsBool(v Value) (bool, bool) {
	switch b := v.(type) {
	case Boolean:
		return bool(b), true
	case Number:
		return b != 0, true
	default:
		return false, false
	}
}

// AsString returns the text of a String or LongString.
func AsString(v Value) (string, bool) {
	switch s := v.(type) {
	case String:
		return string(s), true
	case LongString:
		return string(s), true
	default:
		return "", false
	}
}
