// Package flvtest builds synthetic FLV streams for tests.
package flvtest

import (
	"bytes"
	"io"

	"rapidrec/internal/amf0"
	"rapidrec/internal/flv"
)

var (
	// SPS is a 10 byte baseline SPS
	SPS = []byte{0x67, 0x42, 0xc0, 0x1e, 0xd9, 0x00, 0xa0, 0x47, 0xfe, 0xc8}
	// PPS is a minimal PPS
	PPS = []byte{0x68, 0xce, 0x3c, 0x80}

	VPS     = []byte{0x40, 0x01, 0x0c, 0x01, 0xff, 0xff}
	HEVCSPS = []byte{0x42, 0x01, 0x01, 0x01, 0x60, 0x00}
	HEVCPPS = []byte{0x44, 0x01, 0xc1, 0x72}

	// AudioSpecificConfig for AAC-LC 44.1kHz stereo
	AudioSpecificConfig = []byte{0x12, 0x10}
)

// Stream accumulates the bytes of an FLV stream
type Stream struct {
	buf bytes.Buffer
}

// NewStream starts a stream with a file header and PreviousTagSize0
func NewStream(hasAudio, hasVideo bool) *Stream {
	s := &Stream{}
	s.buf.Write(flv.NewHeader(hasAudio, hasVideo).Bytes())
	s.buf.Write([]byte{0, 0, 0, 0})
	return s
}

// Tag appends serialized tags
func (s *Stream) Tag(tags ...*flv.Tag) *Stream {
	for _, t := range tags {
		s.buf.Write(t.Bytes())
	}
	return s
}

// Raw appends arbitrary bytes
func (s *Stream) Raw(b []byte) *Stream {
	s.buf.Write(b)
	return s
}

func (s *Stream) Bytes() []byte { return s.buf.Bytes() }

func (s *Stream) Len() int { return s.buf.Len() }

// Reader returns a reader over a copy of the stream
func (s *Stream) Reader() io.Reader {
	return bytes.NewReader(bytes.Clone(s.buf.Bytes()))
}

// AVCConfig returns an AVCDecoderConfigurationRecord holding SPS and PPS
func AVCConfig(sps, pps []byte) []byte {
	b := []byte{0x01, sps[1], sps[2], sps[3], 0xff, 0xe1}
	b = append(b, byte(len(sps)>>8), byte(len(sps)))
	b = append(b, sps...)
	b = append(b, 0x01, byte(len(pps)>>8), byte(len(pps)))
	return append(b, pps...)
}

// HEVCConfig returns an HEVCDecoderConfigurationRecord holding VPS, SPS and PPS
func HEVCConfig() []byte {
	b := []byte{
		0x01, 0x01, 0x60, 0x00, 0x00, 0x00, 0x90, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x5d, 0xf0, 0x00, 0xfc, 0xfd, 0xf8, 0xf8, 0x00, 0x00, 0x0f, 0x03,
	}
	for _, unit := range [][]byte{VPS, HEVCSPS, HEVCPPS} {
		typ := (unit[0] >> 1) & 0x3f
		b = append(b, 0x80|typ, 0x00, 0x01, byte(len(unit)>>8), byte(len(unit)))
		b = append(b, unit...)
	}
	return b
}

// AVCSequenceHeader is a legacy AVC sequence header tag
func AVCSequenceHeader(ts uint32) *flv.Tag {
	return AVCSequenceHeaderWith(ts, SPS, PPS)
}

// AVCSequenceHeaderWith builds a sequence header with custom parameter sets
func AVCSequenceHeaderWith(ts uint32, sps, pps []byte) *flv.Tag {
	return flv.NewTag(ts, &flv.VideoData{
		FrameType:  flv.FrameTypeKey,
		CodecID:    flv.VideoCodecAVC,
		PacketType: flv.PacketTypeSequenceStart,
		Payload:    AVCConfig(sps, pps),
	})
}

// HEVCSequenceHeader is an enhanced RTMP hvc1 sequence start tag
func HEVCSequenceHeader(ts uint32) *flv.Tag {
	return flv.NewTag(ts, &flv.VideoData{
		FrameType:  flv.FrameTypeKey,
		CodecID:    flv.VideoCodecHEVC,
		Enhanced:   true,
		FourCC:     [4]byte{'h', 'v', 'c', '1'},
		PacketType: flv.PacketTypeSequenceStart,
		Payload:    HEVCConfig(),
	})
}

// nalus builds a 4-byte length prefixed payload of one NAL unit padded to size
func nalus(header byte, size int) []byte {
	if size < 1 {
		size = 1
	}
	unit := make([]byte, size)
	unit[0] = header
	for i := 1; i < size; i++ {
		unit[i] = byte(i)
	}
	out := []byte{byte(size >> 24), byte(size >> 16), byte(size >> 8), byte(size)}
	return append(out, unit...)
}

// AVCFrame is a coded AVC frame. Key frames carry an IDR unit, others a
// non-IDR slice. size is the NAL unit size.
func AVCFrame(ts uint32, key bool, size int) *flv.Tag {
	frameType, header := flv.FrameTypeInter, byte(0x41)
	if key {
		frameType, header = flv.FrameTypeKey, 0x65
	}
	return flv.NewTag(ts, &flv.VideoData{
		FrameType:  frameType,
		CodecID:    flv.VideoCodecAVC,
		PacketType: flv.PacketTypeCodedFrames,
		Payload:    nalus(header, size),
	})
}

// HEVCFrame is an enhanced RTMP coded HEVC frame
func HEVCFrame(ts uint32, key bool, size int) *flv.Tag {
	frameType, header := flv.FrameTypeInter, byte(0x02) // TRAIL_R
	if key {
		frameType, header = flv.FrameTypeKey, 0x26 // IDR_W_RADL
	}
	return flv.NewTag(ts, &flv.VideoData{
		FrameType:  frameType,
		CodecID:    flv.VideoCodecHEVC,
		Enhanced:   true,
		FourCC:     [4]byte{'h', 'v', 'c', '1'},
		PacketType: flv.PacketTypeCodedFrames,
		Payload:    nalus(header, size),
	})
}

func aacData(packetType uint8, payload []byte) *flv.AudioData {
	return &flv.AudioData{
		Format:        flv.SoundFormatAAC,
		Rate:          3,
		SampleSize:    1,
		Channels:      1,
		AACPacketType: packetType,
		Payload:       payload,
	}
}

// AACSequenceHeader is an AAC AudioSpecificConfig tag
func AACSequenceHeader(ts uint32) *flv.Tag {
	return flv.NewTag(ts, aacData(flv.AACPacketSeqHeader, AudioSpecificConfig))
}

// AACFrame is a raw AAC frame of size bytes
func AACFrame(ts uint32, size int) *flv.Tag {
	return flv.NewTag(ts, aacData(flv.AACPacketRaw, bytes.Repeat([]byte{0x21}, size)))
}

// OnMetaData is an onMetaData script tag with the given properties
func OnMetaData(props ...amf0.Property) *flv.Tag {
	return flv.NewTag(0, flv.NewScriptData(amf0.String("onMetaData"), amf0.ECMAArray(props)))
}
