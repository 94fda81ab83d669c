package flv

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/pkg/errors"

	"rapidrec/internal/amf0"
	"rapidrec/internal/codec"
)

// TagHeaderSize is the length of the fixed tag header
const TagHeaderSize = 11

// TagType is the FLV tag type
type TagType uint8

const (
	TagTypeAudio  TagType = 8
	TagTypeVideo  TagType = 9
	TagTypeScript TagType = 18
)

func (t TagType) String() string {
	switch t {
	case TagTypeAudio:
		return "audio"
	case TagTypeVideo:
		return "video"
	case TagTypeScript:
		return "script"
	default:
		return fmt.Sprintf("tagtype(%d)", uint8(t))
	}
}

// TagHeader is the fixed 11 byte tag header
type TagHeader struct {
	Type      TagType
	DataSize  uint32
	Timestamp uint32 // milliseconds, including the extended byte
	StreamID  uint32
}

// TagData is the typed body of a tag: *AudioData, *VideoData or *ScriptData
type TagData interface {
	Type() TagType
	// Size is the serialized length of the body
	Size() int
	AppendTo(b []byte) []byte
	Equal(other TagData) bool
}

// Tag is one FLV tag
type Tag struct {
	Num             int64
	Header          TagHeader
	Data            TagData
	CRC32           uint32
	PreviousTagSize uint32
}

// NewTag builds a tag around data at timestamp ts
func NewTag(ts uint32, data TagData) *Tag {
	return &Tag{
		Header: TagHeader{
			Type:      data.Type(),
			DataSize:  uint32(data.Size()),
			Timestamp: ts,
		},
		Data:            data,
		PreviousTagSize: uint32(TagHeaderSize + data.Size()),
	}
}

// Size is the tag length without its trailing PreviousTagSize
func (t *Tag) Size() int {
	return TagHeaderSize + int(t.Header.DataSize)
}

func (t *Tag) IsAudio() bool  { return t.Header.Type == TagTypeAudio }
func (t *Tag) IsVideo() bool  { return t.Header.Type == TagTypeVideo }
func (t *Tag) IsScript() bool { return t.Header.Type == TagTypeScript }

// Audio returns the audio body or nil
func (t *Tag) Audio() *AudioData {
	a, _ := t.Data.(*AudioData)
	return a
}

// Video returns the video body or nil
func (t *Tag) Video() *VideoData {
	v, _ := t.Data.(*VideoData)
	return v
}

// Script returns the script body or nil
func (t *Tag) Script() *ScriptData {
	s, _ := t.Data.(*ScriptData)
	return s
}

// IsSequenceHeader reports whether the tag carries a decoder configuration
func (t *Tag) IsSequenceHeader() bool {
	switch d := t.Data.(type) {
	case *AudioData:
		return d.IsSequenceHeader()
	case *VideoData:
		return d.IsSequenceHeader()
	}
	return false
}

// IsEmpty reports whether an audio or video tag has no body at all
func (t *Tag) IsEmpty() bool {
	switch d := t.Data.(type) {
	case *AudioData:
		return d.Empty
	case *VideoData:
		return d.Empty
	}
	return false
}

// WithTimestamp returns a shallow copy carrying ts
func (t *Tag) WithTimestamp(ts uint32) *Tag {
	out := *t
	out.Header.Timestamp = ts
	return &out
}

// ChecksumOK reports whether the trailing PreviousTagSize matched the tag
func (t *Tag) ChecksumOK() bool {
	return t.PreviousTagSize == uint32(t.Size())
}

// Bytes serializes the tag followed by its PreviousTagSize
func (t *Tag) Bytes() []byte {
	return t.AppendTo(make([]byte, 0, t.Size()+PreviousTagSizeLength))
}

// AppendTo appends the serialized tag and its PreviousTagSize to b. The data
// size is always taken from the body so the two can never disagree.
func (t *Tag) AppendTo(b []byte) []byte {
	size := t.Data.Size()
	b = appendTagHeader(b, t.Header.Type, size, t.Header.Timestamp, t.Header.StreamID)
	b = t.Data.AppendTo(b)
	return binary.BigEndian.AppendUint32(b, uint32(TagHeaderSize+size))
}

// AppendRawTag appends a tag whose body is already encoded, as delivered by
// RTMP audio, video and data messages.
func AppendRawTag(b []byte, typ TagType, ts uint32, body []byte) []byte {
	b = appendTagHeader(b, typ, len(body), ts, 0)
	b = append(b, body...)
	return binary.BigEndian.AppendUint32(b, uint32(TagHeaderSize+len(body)))
}

func appendTagHeader(b []byte, typ TagType, size int, ts, streamID uint32) []byte {
	b = append(b, byte(typ))
	b = append(b, byte(size>>16), byte(size>>8), byte(size))
	b = append(b, byte(ts>>16), byte(ts>>8), byte(ts), byte(ts>>24))
	return append(b, byte(streamID>>16), byte(streamID>>8), byte(streamID))
}

// ParseTagHeader decodes the fixed tag header
func ParseTagHeader(b []byte) (TagHeader, error) {
	if len(b) < TagHeaderSize {
		return TagHeader{}, ErrNeedMoreBytes
	}

	// reserved(2) filter(1) type(5)
	if b[0]&0x20 != 0 {
		return TagHeader{}, errors.Wrap(ErrTagHeaderInvalid, "encrypted tags are not supported")
	}
	typ := TagType(b[0] & 0x1F)
	switch typ {
	case TagTypeAudio, TagTypeVideo, TagTypeScript:
	default:
		return TagHeader{}, errors.Wrapf(ErrTagHeaderInvalid, "unknown tag type %d", uint8(typ))
	}

	return TagHeader{
		Type:      typ,
		DataSize:  uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]),
		Timestamp: uint32(b[7])<<24 | uint32(b[4])<<16 | uint32(b[5])<<8 | uint32(b[6]),
		StreamID:  uint32(b[8])<<16 | uint32(b[9])<<8 | uint32(b[10]),
	}, nil
}

// ParseTag decodes the next tag from the cursor. The cursor is only advanced
// when the whole tag and its PreviousTagSize are buffered and valid.
func ParseTag(c *Cursor, num int64) (*Tag, error) {
	hb, err := c.Request(TagHeaderSize)
	if err != nil {
		return nil, err
	}
	header, err := ParseTagHeader(hb)
	if err != nil {
		return nil, err
	}

	total := TagHeaderSize + int(header.DataSize) + PreviousTagSizeLength
	b, err := c.Request(total)
	if err != nil {
		return nil, err
	}

	body := b[TagHeaderSize : TagHeaderSize+int(header.DataSize)]
	data, err := parseTagData(header.Type, body)
	if err != nil {
		return nil, errors.Wrapf(err, "tag %d (%s, %d bytes)", num, header.Type, header.DataSize)
	}

	tag := &Tag{
		Num:             num,
		Header:          header,
		Data:            data,
		CRC32:           crc32.ChecksumIEEE(b[:TagHeaderSize+int(header.DataSize)]),
		PreviousTagSize: binary.BigEndian.Uint32(b[total-PreviousTagSizeLength:]),
	}
	c.Skip(total)
	return tag, nil
}

func parseTagData(typ TagType, body []byte) (TagData, error) {
	switch typ {
	case TagTypeAudio:
		return parseAudioData(body)
	case TagTypeVideo:
		return parseVideoData(body)
	default:
		return parseScriptData(body), nil
	}
}

// SoundFormat is the audio codec id
type SoundFormat uint8

const (
	SoundFormatPCM     SoundFormat = 0
	SoundFormatADPCM   SoundFormat = 1
	SoundFormatMP3     SoundFormat = 2
	SoundFormatPCMLE   SoundFormat = 3
	SoundFormatG711A   SoundFormat = 7
	SoundFormatG711U   SoundFormat = 8
	SoundFormatAAC     SoundFormat = 10
	SoundFormatSpeex   SoundFormat = 11
	SoundFormatMP38K   SoundFormat = 14
	SoundFormatDevice  SoundFormat = 15
	AACPacketSeqHeader uint8       = 0
	AACPacketRaw       uint8       = 1
)

// AudioData is the body of an audio tag
type AudioData struct {
	Format        SoundFormat
	Rate          uint8 // 0 = 5.5kHz, 1 = 11kHz, 2 = 22kHz, 3 = 44kHz
	SampleSize    uint8 // 0 = 8 bit, 1 = 16 bit
	Channels      uint8 // 0 = mono, 1 = stereo
	AACPacketType uint8
	Payload       []byte
	Empty         bool // zero-length body
}

func parseAudioData(body []byte) (*AudioData, error) {
	if len(body) == 0 {
		return &AudioData{Empty: true}, nil
	}

	a := &AudioData{
		Format:     SoundFormat(body[0] >> 4),
		Rate:       (body[0] >> 2) & 0x03,
		SampleSize: (body[0] >> 1) & 0x01,
		Channels:   body[0] & 0x01,
	}
	rest := body[1:]
	if a.Format == SoundFormatAAC {
		if len(rest) < 1 {
			return nil, errors.Wrap(ErrTagSizeMismatch, "aac body without packet type")
		}
		a.AACPacketType = rest[0]
		rest = rest[1:]
	}
	a.Payload = bytes.Clone(rest)
	return a, nil
}

func (a *AudioData) Type() TagType { return TagTypeAudio }

func (a *AudioData) headerSize() int {
	if a.Format == SoundFormatAAC {
		return 2
	}
	return 1
}

func (a *AudioData) Size() int {
	if a.Empty {
		return 0
	}
	return a.headerSize() + len(a.Payload)
}

func (a *AudioData) AppendTo(b []byte) []byte {
	if a.Empty {
		return b
	}
	b = append(b, byte(a.Format)<<4|(a.Rate&0x03)<<2|(a.SampleSize&0x01)<<1|a.Channels&0x01)
	if a.Format == SoundFormatAAC {
		b = append(b, a.AACPacketType)
	}
	return append(b, a.Payload...)
}

func (a *AudioData) Equal(other TagData) bool {
	o, ok := other.(*AudioData)
	if !ok || a == nil || o == nil {
		return ok && a == o
	}
	return a.Empty == o.Empty && a.Format == o.Format && a.Rate == o.Rate && a.SampleSize == o.SampleSize &&
		a.Channels == o.Channels && a.AACPacketType == o.AACPacketType &&
		bytes.Equal(a.Payload, o.Payload)
}

// IsSequenceHeader reports whether the body is an AudioSpecificConfig
func (a *AudioData) IsSequenceHeader() bool {
	return a.Format == SoundFormatAAC && a.AACPacketType == AACPacketSeqHeader
}

// SampleRate returns the nominal sample rate in Hz
func (a *AudioData) SampleRate() int {
	switch a.Rate {
	case 0:
		return 5500
	case 1:
		return 11025
	case 2:
		return 22050
	default:
		return 44100
	}
}

// FrameType is the video frame type
type FrameType uint8

const (
	FrameTypeKey             FrameType = 1
	FrameTypeInter           FrameType = 2
	FrameTypeDisposableInter FrameType = 3
	FrameTypeGeneratedKey    FrameType = 4
	FrameTypeCommand         FrameType = 5
)

// VideoCodecID is the legacy FLV video codec id
type VideoCodecID uint8

const (
	VideoCodecH263 VideoCodecID = 2
	VideoCodecVP6  VideoCodecID = 4
	VideoCodecAVC  VideoCodecID = 7
	VideoCodecHEVC VideoCodecID = 12
)

// Video packet types. Legacy AVC/HEVC use 0-2, enhanced RTMP uses the full set.
const (
	PacketTypeSequenceStart uint8 = 0
	PacketTypeCodedFrames   uint8 = 1
	PacketTypeSequenceEnd   uint8 = 2
	PacketTypeCodedFramesX  uint8 = 3
	PacketTypeMetadata      uint8 = 4
)

var (
	fourCCAVC  = [4]byte{'a', 'v', 'c', '1'}
	fourCCHEVC = [4]byte{'h', 'v', 'c', '1'}
)

// VideoData is the body of a video tag
type VideoData struct {
	FrameType       FrameType
	CodecID         VideoCodecID
	Enhanced        bool
	FourCC          [4]byte
	PacketType      uint8
	CompositionTime int32
	Payload         []byte
	Empty           bool // zero-length body
}

func parseVideoData(body []byte) (*VideoData, error) {
	if len(body) == 0 {
		return &VideoData{Empty: true}, nil
	}

	v := &VideoData{}
	if body[0]&0x80 != 0 {
		// enhanced RTMP: isExHeader(1) frameType(3) packetType(4) fourCC(32)
		v.Enhanced = true
		v.FrameType = FrameType((body[0] >> 4) & 0x07)
		v.PacketType = body[0] & 0x0F
		if len(body) < 5 {
			return nil, errors.Wrap(ErrTagSizeMismatch, "enhanced video body without fourcc")
		}
		copy(v.FourCC[:], body[1:5])
		switch v.FourCC {
		case fourCCAVC:
			v.CodecID = VideoCodecAVC
		case fourCCHEVC:
			v.CodecID = VideoCodecHEVC
		}
	} else {
		v.FrameType = FrameType(body[0] >> 4)
		v.CodecID = VideoCodecID(body[0] & 0x0F)
	}

	hs := v.headerSize()
	if len(body) < hs {
		return nil, errors.Wrapf(ErrTagSizeMismatch, "video body is %d bytes, header needs %d", len(body), hs)
	}
	if v.hasCompositionTime() {
		ct := body[hs-3:]
		v.CompositionTime = int32(uint32(ct[0])<<16|uint32(ct[1])<<8|uint32(ct[2])) << 8 >> 8
	}
	if !v.Enhanced && v.isAVCLike() {
		v.PacketType = body[1]
	}
	v.Payload = bytes.Clone(body[hs:])
	return v, nil
}

func (v *VideoData) Type() TagType { return TagTypeVideo }

func (v *VideoData) isAVCLike() bool {
	return v.CodecID == VideoCodecAVC || v.CodecID == VideoCodecHEVC
}

func (v *VideoData) hasCompositionTime() bool {
	if v.Enhanced {
		return v.PacketType == PacketTypeCodedFrames && v.isAVCLike()
	}
	return v.isAVCLike()
}

func (v *VideoData) headerSize() int {
	switch {
	case v.Enhanced && v.hasCompositionTime():
		return 8
	case v.Enhanced:
		return 5
	case v.isAVCLike():
		return 5
	default:
		return 1
	}
}

func (v *VideoData) Size() int {
	if v.Empty {
		return 0
	}
	return v.headerSize() + len(v.Payload)
}

func (v *VideoData) AppendTo(b []byte) []byte {
	if v.Empty {
		return b
	}
	if v.Enhanced {
		b = append(b, 0x80|byte(v.FrameType&0x07)<<4|v.PacketType&0x0F)
		b = append(b, v.FourCC[:]...)
	} else {
		b = append(b, byte(v.FrameType)<<4|byte(v.CodecID&0x0F))
		if v.isAVCLike() {
			b = append(b, v.PacketType)
		}
	}
	if v.hasCompositionTime() {
		ct := uint32(v.CompositionTime)
		b = append(b, byte(ct>>16), byte(ct>>8), byte(ct))
	}
	return append(b, v.Payload...)
}

func (v *VideoData) Equal(other TagData) bool {
	o, ok := other.(*VideoData)
	if !ok || v == nil || o == nil {
		return ok && v == o
	}
	return v.Empty == o.Empty && v.FrameType == o.FrameType && v.CodecID == o.CodecID && v.Enhanced == o.Enhanced &&
		v.FourCC == o.FourCC && v.PacketType == o.PacketType &&
		v.CompositionTime == o.CompositionTime && bytes.Equal(v.Payload, o.Payload)
}

// Codec maps the body to a NAL-level codec family
func (v *VideoData) Codec() codec.Codec {
	switch v.CodecID {
	case VideoCodecAVC:
		return codec.CodecAVC
	case VideoCodecHEVC:
		return codec.CodecHEVC
	default:
		return codec.CodecUnknown
	}
}

// IsSequenceHeader reports whether the body carries a decoder configuration record
func (v *VideoData) IsSequenceHeader() bool {
	if v.Enhanced {
		return v.PacketType == PacketTypeSequenceStart
	}
	return v.isAVCLike() && v.PacketType == PacketTypeSequenceStart
}

// IsEndOfSequence reports whether the body marks the end of the sequence
func (v *VideoData) IsEndOfSequence() bool {
	return (v.Enhanced || v.isAVCLike()) && v.PacketType == PacketTypeSequenceEnd
}

// HasFrames reports whether the body carries coded frame data
func (v *VideoData) HasFrames() bool {
	if v.Empty {
		return false
	}
	if v.Enhanced {
		return v.PacketType == PacketTypeCodedFrames || v.PacketType == PacketTypeCodedFramesX
	}
	if v.isAVCLike() {
		return v.PacketType == PacketTypeCodedFrames
	}
	return v.FrameType != FrameTypeCommand
}

// ScriptData is the body of a script tag. Raw holds the original bytes when
// the tag was parsed, so bodies that do not decode cleanly survive verbatim.
type ScriptData struct {
	Values []amf0.Value
	Raw    []byte
	// Partial is set when decoding stopped before the end of Raw
	Partial bool
}

// NewScriptData builds a script body from values
func NewScriptData(values ...amf0.Value) *ScriptData {
	return &ScriptData{Values: values}
}

func parseScriptData(body []byte) *ScriptData {
	s := &ScriptData{Raw: bytes.Clone(body)}

	d := amf0.NewDecoder(s.Raw)
	for d.Remaining() > 0 {
		v, err := d.Decode()
		if err != nil {
			s.Partial = true
			break
		}
		s.Values = append(s.Values, v)
	}
	return s
}

func (s *ScriptData) Type() TagType { return TagTypeScript }

func (s *ScriptData) Size() int {
	if s.Raw != nil {
		return len(s.Raw)
	}
	n := 0
	for _, v := range s.Values {
		n += amf0.Size(v)
	}
	return n
}

func (s *ScriptData) AppendTo(b []byte) []byte {
	if s.Raw != nil {
		return append(b, s.Raw...)
	}
	for _, v := range s.Values {
		b = amf0.AppendValue(b, v)
	}
	return b
}

func (s *ScriptData) Equal(other TagData) bool {
	o, ok := other.(*ScriptData)
	if !ok || s == nil || o == nil {
		return ok && s == o
	}
	return bytes.Equal(s.AppendTo(nil), o.AppendTo(nil))
}

// Name returns the leading string value, e.g. "onMetaData"
func (s *ScriptData) Name() string {
	if len(s.Values) == 0 {
		return ""
	}
	name, _ := amf0.AsString(s.Values[0])
	return name
}

// Properties returns the key/value pairs following the name, from either an
// ECMA array or an object.
func (s *ScriptData) Properties() []amf0.Property {
	if len(s.Values) < 2 {
		return nil
	}
	switch v := s.Values[1].(type) {
	case amf0.ECMAArray:
		return v
	case amf0.Object:
		return v
	}
	return nil
}
