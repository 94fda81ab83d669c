package codec

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

var (
	// ErrCodecConfigTruncated is returned when a declared length runs past the buffer
	ErrCodecConfigTruncated = errors.New("codec config truncated")

	// ErrUnknownNalOrCodec is returned for payloads that cannot be classified
	ErrUnknownNalOrCodec = errors.New("unknown nal unit or codec")
)

// byteReader is a bounds-checked cursor over a decoder configuration record
type byteReader struct {
	b   []byte
	off int
}

func newByteReader(b []byte) *byteReader {
	return &byteReader{b: b}
}

func (r *byteReader) remaining() int {
	return len(r.b) - r.off
}

// bytes returns the next n bytes as a copy so records never alias tag buffers
func (r *byteReader) bytes(n int) ([]byte, error) {
	if n < 0 || n > r.remaining() {
		return nil, errors.Wrapf(ErrCodecConfigTruncated, "need %d bytes at offset %d, have %d", n, r.off, r.remaining())
	}
	out := make([]byte, n)
	copy(out, r.b[r.off:r.off+n])
	r.off += n
	return out, nil
}

func (r *byteReader) u8() (uint8, error) {
	if r.remaining() < 1 {
		return 0, errors.Wrapf(ErrCodecConfigTruncated, "need 1 byte at offset %d", r.off)
	}
	v := r.b[r.off]
	r.off++
	return v, nil
}

func (r *byteReader) u16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, errors.Wrapf(ErrCodecConfigTruncated, "need 2 bytes at offset %d", r.off)
	}
	v := binary.BigEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v, nil
}

func (r *byteReader) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, errors.Wrapf(ErrCodecConfigTruncated, "need 4 bytes at offset %d", r.off)
	}
	v := binary.BigEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v, nil
}

// u48 reads a 48-bit big-endian field
func (r *byteReader) u48() (uint64, error) {
	if r.remaining() < 6 {
		return 0, errors.Wrapf(ErrCodecConfigTruncated, "need 6 bytes at offset %d", r.off)
	}
	var v uint64
	for i := 0; i < 6; i++ {
		v = v<<8 | uint64(r.b[r.off+i])
	}
	r.off += 6
	return v, nil
}

// lengthPrefixed reads a 16-bit length followed by that many bytes
func (r *byteReader) lengthPrefixed() ([]byte, error) {
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	return r.bytes(int(n))
}
