package amf0

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Decoder reads consecutive AMF0 values from a byte slice.
type Decoder struct {
	buf []byte
	off int
}

// NewDecoder creates a decoder positioned at the start of b.
func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() int {
	return d.off
}

// Remaining returns the number of bytes not yet consumed.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.off
}

// Decode reads one value, dispatching on its type marker.
func (d *Decoder) Decode() (Value, error) {
	return d.decodeValue(0)
}

// Decode decodes a single value from b and reports how many bytes it used.
func Decode(b []byte) (Value, int, error) {
	d := NewDecoder(b)
	v, err := d.Decode()
	if err != nil {
		return nil, 0, err
	}
	return v, d.off, nil
}

// DecodeAll decodes values until b is exhausted.
func DecodeAll(b []byte) ([]Value, error) {
	d := NewDecoder(b)
	var values []Value
	for d.Remaining() > 0 {
		v, err := d.Decode()
		if err != nil {
			return values, err
		}
		values = append(values, v)
	}
	return values, nil
}

func (d *Decoder) decodeValue(depth int) (Value, error) {
	if depth > maxNesting {
		return nil, ErrTooDeep
	}
	marker, err := d.u8()
	if err != nil {
		return nil, err
	}

	switch marker {
	case TypeNumber:
		f, err := d.f64()
		return Number(f), err
	case TypeBoolean:
		b, err := d.u8()
		return Boolean(b != 0), err
	case TypeString:
		s, err := d.shortString()
		return String(s), err
	case TypeLongString:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		b, err := d.take(int(n))
		return LongString(b), err
	case TypeNull:
		return Null{}, nil
	case TypeUndefined:
		return Undefined{}, nil
	case TypeDate:
		millis, err := d.f64()
		if err != nil {
			return nil, err
		}
		tz, err := d.u16()
		return Date{Millis: millis, TimeZone: int16(tz)}, err
	case TypeObject:
		props, err := d.properties(depth)
		return Object(props), err
	case TypeECMAArray:
		// The declared count is unreliable in the wild; the end marker decides.
		if _, err := d.u32(); err != nil {
			return nil, err
		}
		props, err := d.properties(depth)
		return ECMAArray(props), err
	case TypeStrictArray:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		if int(n) > d.Remaining() {
			return nil, ErrTruncated
		}
		arr := make(StrictArray, 0, n)
		for i := uint32(0); i < n; i++ {
			v, err := d.decodeValue(depth + 1)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnexpectedType, marker)
	}
}

// properties reads key/value pairs up to and including the object end marker.
func (d *Decoder) properties(depth int) ([]Property, error) {
	props := make([]Property, 0, 8)
	for {
		key, err := d.shortString()
		if err != nil {
			return nil, err
		}
		if key == "" {
			if d.Remaining() < 1 {
				return nil, ErrTruncated
			}
			if d.buf[d.off] == TypeObjectEnd {
				d.off++
				return props, nil
			}
		}
		v, err := d.decodeValue(depth + 1)
		if err != nil {
			return nil, err
		}
		props = append(props, Property{Key: key, Value: v})
	}
}

func (d *Decoder) take(n int) ([]byte, error) {
	if n < 0 || d.Remaining() < n {
		return nil, ErrTruncated
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *Decoder) u8() (byte, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Decoder) u16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *Decoder) u32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *Decoder) f64() (float64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

func (d *Decoder) shortString() (string, error) {
	n, err := d.u16()
	if err != nil {
		return "", err
	}
	b, err := d.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
