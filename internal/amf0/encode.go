package amf0

import (
	"encoding/binary"
	"math"
)

// Encode serializes v, a nil Value is written as Null.
func Encode(v Value) []byte {
	return AppendValue(make([]byte, 0, Size(v)), v)
}

// EncodeAll serializes values back to back, as found in a script tag body.
func EncodeAll(values []Value) []byte {
	n := 0
	for _, v := range values {
		n += Size(v)
	}
	b := make([]byte, 0, n)
	for _, v := range values {
		b = AppendValue(b, v)
	}
	return b
}

// AppendValue appends the encoding of v to b.
func AppendValue(b []byte, v Value) []byte {
	if v == nil {
		return append(b, TypeNull)
	}
	if s, ok := v.(String); ok && len(s) > math.MaxUint16 {
		v = LongString(s)
	}
	b = append(b, v.Marker())

	switch t := v.(type) {
	case Number:
		b = binary.BigEndian.AppendUint64(b, math.Float64bits(float64(t)))
	case Boolean:
		if t {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
	case String:
		b = appendShortString(b, string(t))
	case LongString:
		b = binary.BigEndian.AppendUint32(b, uint32(len(t)))
		b = append(b, t...)
	case Null, Undefined:
	case Date:
		b = binary.BigEndian.AppendUint64(b, math.Float64bits(t.Millis))
		b = binary.BigEndian.AppendUint16(b, uint16(t.TimeZone))
	case Object:
		b = appendProperties(b, t)
	case ECMAArray:
		b = binary.BigEndian.AppendUint32(b, uint32(len(t)))
		b = appendProperties(b, t)
	case StrictArray:
		b = binary.BigEndian.AppendUint32(b, uint32(len(t)))
		for _, item := range t {
			b = AppendValue(b, item)
		}
	}
	return b
}

func appendProperties(b []byte, props []Property) []byte {
	for _, p := range props {
		b = appendShortString(b, p.Key)
		b = AppendValue(b, p.Value)
	}
	// empty key followed by the object end marker
	return append(b, 0x00, 0x00, TypeObjectEnd)
}

// appendShortString writes a 16-bit length string. Longer input is cut.
func appendShortString(b []byte, s string) []byte {
	s = s[:min(len(s), math.MaxUint16)]
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}
