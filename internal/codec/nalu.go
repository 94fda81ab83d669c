package codec

import (
	"fmt"

	"github.com/pkg/errors"
)

// Codec identifies a video codec family
type Codec uint8

const (
	CodecUnknown Codec = iota
	CodecAVC
	CodecHEVC
)

func (c Codec) String() string {
	switch c {
	case CodecAVC:
		return "h264"
	case CodecHEVC:
		return "h265"
	default:
		return "unknown"
	}
}

// H.264 NAL unit types
const (
	AVCNalSlice    = 1
	AVCNalIDR      = 5
	AVCNalSEI      = 6
	AVCNalSPS      = 7
	AVCNalPPS      = 8
	AVCNalAUD      = 9
	AVCNalSPSExt   = 13
	avcNalVCLFirst = 1
	avcNalVCLLast  = 5
)

// H.265 NAL unit types
const (
	HEVCNalBLAWLP   = 16
	HEVCNalIDRWRADL = 19
	HEVCNalIDRNLP   = 20
	HEVCNalCRA      = 21
	HEVCNalVPS      = 32
	HEVCNalSPS      = 33
	HEVCNalPPS      = 34
	HEVCNalAUD      = 35
	HEVCNalSEI      = 39
	hevcNalVCLLast  = 31
)

// Config is implemented by both decoder configuration records
type Config interface {
	NALULengthSize() int
}

// NalClass is the classification of one NAL unit type
type NalClass struct {
	Codec Codec
	Type  uint8
}

// NalType extracts the NAL unit type from the first header byte
func NalType(codec Codec, header byte) uint8 {
	if codec == CodecHEVC {
		return (header >> 1) & 0x3F
	}
	return header & 0x1F
}

// Classify returns the classification of rawType for codec
func Classify(codec Codec, rawType uint8) NalClass {
	return NalClass{Codec: codec, Type: rawType}
}

// IsVcl reports whether the unit carries coded picture data
func (c NalClass) IsVcl() bool {
	switch c.Codec {
	case CodecAVC:
		return c.Type >= avcNalVCLFirst && c.Type <= avcNalVCLLast
	case CodecHEVC:
		return c.Type <= hevcNalVCLLast
	}
	return false
}

// IsIdr reports whether the unit is a random access picture.
// For HEVC this spans BLA, IDR and CRA (16-21).
func (c NalClass) IsIdr() bool {
	switch c.Codec {
	case CodecAVC:
		return c.Type == AVCNalIDR
	case CodecHEVC:
		return c.Type >= HEVCNalBLAWLP && c.Type <= HEVCNalCRA
	}
	return false
}

// IsVps reports whether the unit is a video parameter set (HEVC only)
func (c NalClass) IsVps() bool {
	return c.Codec == CodecHEVC && c.Type == HEVCNalVPS
}

// IsSps reports whether the unit is a sequence parameter set
func (c NalClass) IsSps() bool {
	switch c.Codec {
	case CodecAVC:
		return c.Type == AVCNalSPS
	case CodecHEVC:
		return c.Type == HEVCNalSPS
	}
	return false
}

// IsPps reports whether the unit is a picture parameter set
func (c NalClass) IsPps() bool {
	switch c.Codec {
	case CodecAVC:
		return c.Type == AVCNalPPS
	case CodecHEVC:
		return c.Type == HEVCNalPPS
	}
	return false
}

// IsKey reports whether a frame containing this unit can start a segment
func (c NalClass) IsKey() bool {
	return c.IsIdr() || c.IsVps() || c.IsSps() || c.IsPps()
}

func (c NalClass) String() string {
	return fmt.Sprintf("%s/%d", c.Codec, c.Type)
}

// SplitNALUs walks a length-prefixed (AVCC / hvcC style) payload and returns each NAL unit.
// The returned slices alias payload.
func SplitNALUs(payload []byte, lengthSize int) ([][]byte, error) {
	if lengthSize < 1 || lengthSize > 4 {
		return nil, errors.Wrapf(ErrUnknownNalOrCodec, "invalid nalu length size %d", lengthSize)
	}

	var nalus [][]byte
	offset := 0
	for offset < len(payload) {
		// Need a full length prefix
		if offset+lengthSize > len(payload) {
			return nalus, errors.Wrapf(ErrUnknownNalOrCodec, "dangling length prefix at offset %d", offset)
		}

		nalSize := 0
		for i := 0; i < lengthSize; i++ {
			nalSize = nalSize<<8 | int(payload[offset+i])
		}
		offset += lengthSize

		// Zero-length units occur in the wild, skip them
		if nalSize == 0 {
			continue
		}

		if offset+nalSize > len(payload) {
			return nalus, errors.Wrapf(ErrUnknownNalOrCodec, "nal size %d at offset %d exceeds buffer", nalSize, offset-lengthSize)
		}
		nalus = append(nalus, payload[offset:offset+nalSize])
		offset += nalSize
	}

	return nalus, nil
}

// IsKeyframe classifies a coded frame payload. A frame is key when any of its
// units is IDR or a parameter set. Errors mean the payload could not be
// classified and callers should treat the frame as not key.
func IsKeyframe(codec Codec, payload []byte, lengthSize int) (bool, error) {
	if codec != CodecAVC && codec != CodecHEVC {
		return false, errors.Wrapf(ErrUnknownNalOrCodec, "codec %s", codec)
	}

	nalus, err := SplitNALUs(payload, lengthSize)
	if err != nil {
		return false, err
	}
	if len(nalus) == 0 {
		return false, errors.Wrap(ErrUnknownNalOrCodec, "no nal units in frame")
	}

	for _, nalu := range nalus {
		if Classify(codec, NalType(codec, nalu[0])).IsKey() {
			return true, nil
		}
	}
	return false, nil
}
