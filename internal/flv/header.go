package flv

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

const (
	// HeaderSize is the length of the FLV file header
	HeaderSize = 9

	// PreviousTagSizeLength is the length of every PreviousTagSize field
	PreviousTagSizeLength = 4

	flvVersion = 1
)

var signature = [3]byte{'F', 'L', 'V'}

// HeaderFlags is the TypeFlags byte of the file header
type HeaderFlags uint8

const (
	FlagVideo HeaderFlags = 0x01
	FlagAudio HeaderFlags = 0x04

	maxHeaderFlags HeaderFlags = 0x07
)

// NewHeaderFlags validates v and returns it as HeaderFlags
func NewHeaderFlags(v uint8) (HeaderFlags, error) {
	if HeaderFlags(v) > maxHeaderFlags {
		return 0, errors.Wrapf(ErrHeaderInvalid, "flags %#x out of range", v)
	}
	return HeaderFlags(v), nil
}

func (f HeaderFlags) HasAudio() bool { return f&FlagAudio != 0 }
func (f HeaderFlags) HasVideo() bool { return f&FlagVideo != 0 }

func (f HeaderFlags) HasAudioAndVideo() bool {
	return f.HasAudio() && f.HasVideo()
}

// Header is the 9 byte FLV file header
type Header struct {
	Signature  [3]byte
	Version    uint8
	Flags      HeaderFlags
	HeaderSize uint32
	CRC32      uint32
}

// NewHeader builds a version 1 header
func NewHeader(hasAudio, hasVideo bool) *Header {
	var flags HeaderFlags
	if hasAudio {
		flags |= FlagAudio
	}
	if hasVideo {
		flags |= FlagVideo
	}

	h := &Header{
		Signature:  signature,
		Version:    flvVersion,
		Flags:      flags,
		HeaderSize: HeaderSize,
	}
	h.CRC32 = crc32.ChecksumIEEE(h.Bytes())
	return h
}

// ParseHeader reads exactly HeaderSize bytes. Any deviation from a version 1
// header is rejected.
func ParseHeader(b []byte) (*Header, error) {
	if len(b) < HeaderSize {
		return nil, errors.Wrapf(ErrHeaderInvalid, "header is %d bytes", len(b))
	}
	b = b[:HeaderSize]

	h := &Header{
		Version:    b[3],
		HeaderSize: binary.BigEndian.Uint32(b[5:9]),
		CRC32:      crc32.ChecksumIEEE(b),
	}
	copy(h.Signature[:], b[:3])

	if h.Signature != signature {
		return nil, errors.Wrapf(ErrHeaderInvalid, "bad signature %q", h.Signature[:])
	}
	if h.Version != flvVersion {
		return nil, errors.Wrapf(ErrHeaderInvalid, "unsupported version %d", h.Version)
	}
	flags, err := NewHeaderFlags(b[4])
	if err != nil {
		return nil, err
	}
	h.Flags = flags
	if h.HeaderSize != HeaderSize {
		return nil, errors.Wrapf(ErrHeaderInvalid, "header size %d", h.HeaderSize)
	}

	return h, nil
}

// Bytes serializes the header (without the PreviousTagSize0 that follows it)
func (h *Header) Bytes() []byte {
	b := make([]byte, HeaderSize)
	copy(b, h.Signature[:])
	b[3] = h.Version
	b[4] = byte(h.Flags)
	binary.BigEndian.PutUint32(b[5:9], h.HeaderSize)
	return b
}

// WithFlags returns a copy of the header carrying flags
func (h *Header) WithFlags(flags HeaderFlags) *Header {
	out := *h
	out.Flags = flags
	out.CRC32 = crc32.ChecksumIEEE(out.Bytes())
	return &out
}
