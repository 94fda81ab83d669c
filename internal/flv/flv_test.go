package flv_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rapidrec/internal/amf0"
	"rapidrec/internal/codec"
	"rapidrec/internal/flv"
	"rapidrec/internal/flv/flvtest"
)

func TestParseHeaderFlags(t *testing.T) {
	raw := []byte{'F', 'L', 'V', 0x01, 0x05, 0x00, 0x00, 0x00, 0x09}

	h, err := flv.ParseHeader(raw)
	require.NoError(t, err)
	assert.True(t, h.Flags.HasAudio())
	assert.True(t, h.Flags.HasVideo())
	assert.True(t, h.Flags.HasAudioAndVideo())
	assert.Equal(t, raw, h.Bytes())
}

func TestHeaderRoundTrip(t *testing.T) {
	for v := uint8(0); v <= 7; v++ {
		flags, err := flv.NewHeaderFlags(v)
		require.NoError(t, err)

		h := flv.NewHeader(false, false).WithFlags(flags)
		parsed, err := flv.ParseHeader(h.Bytes())
		require.NoError(t, err)
		assert.Equal(t, h, parsed, "flags %d", v)
	}

	_, err := flv.NewHeaderFlags(8)
	assert.ErrorIs(t, err, flv.ErrHeaderInvalid)
}

func TestParseHeaderRejects(t *testing.T) {
	cases := map[string][]byte{
		"signature": {'F', 'L', 'X', 0x01, 0x05, 0x00, 0x00, 0x00, 0x09},
		"version":   {'F', 'L', 'V', 0x02, 0x05, 0x00, 0x00, 0x00, 0x09},
		"flags":     {'F', 'L', 'V', 0x01, 0x08, 0x00, 0x00, 0x00, 0x09},
		"size":      {'F', 'L', 'V', 0x01, 0x05, 0x00, 0x00, 0x00, 0x0d},
		"short":     {'F', 'L', 'V', 0x01},
	}
	for name, raw := range cases {
		_, err := flv.ParseHeader(raw)
		assert.ErrorIs(t, err, flv.ErrHeaderInvalid, name)
	}
}

func parseOne(t *testing.T, b []byte) *flv.Tag {
	t.Helper()
	c := flv.NewCursor(bytes.NewReader(b))
	require.NoError(t, c.Fill(context.Background()))
	tag, err := flv.ParseTag(c, 1)
	require.NoError(t, err)
	return tag
}

func TestTagRoundTrip(t *testing.T) {
	tags := []*flv.Tag{
		flvtest.AVCSequenceHeader(0),
		flvtest.AVCFrame(40, true, 300),
		flvtest.AVCFrame(80, false, 50),
		flvtest.HEVCSequenceHeader(0),
		flvtest.HEVCFrame(33, true, 120),
		flvtest.AACSequenceHeader(0),
		flvtest.AACFrame(23, 17),
		flvtest.OnMetaData(amf0.Property{Key: "width", Value: amf0.Number(1920)}),
		flv.NewTag(1<<24+5, &flv.AudioData{Format: flv.SoundFormatMP3, Rate: 2, Payload: []byte{1, 2, 3}}),
	}

	for _, want := range tags {
		got := parseOne(t, want.Bytes())

		assert.Equal(t, want.Header.Type, got.Header.Type)
		assert.Equal(t, want.Header.Timestamp, got.Header.Timestamp)
		assert.Equal(t, uint32(got.Data.Size()), got.Header.DataSize)
		assert.True(t, want.Data.Equal(got.Data), "tag type %s", want.Header.Type)
		assert.True(t, got.ChecksumOK())
		assert.Equal(t, want.Bytes(), got.Bytes())
	}
}

func TestVideoCompositionTimeIsSigned(t *testing.T) {
	want := flvtest.AVCFrame(100, false, 10)
	want.Video().CompositionTime = -40

	got := parseOne(t, want.Bytes())
	assert.Equal(t, int32(-40), got.Video().CompositionTime)
}

func TestEnhancedHEVC(t *testing.T) {
	seq := parseOne(t, flvtest.HEVCSequenceHeader(0).Bytes())
	v := seq.Video()
	require.NotNil(t, v)
	assert.True(t, v.Enhanced)
	assert.True(t, v.IsSequenceHeader())
	assert.Equal(t, codec.CodecHEVC, v.Codec())

	record, err := codec.ParseHEVCDecoderConfigurationRecord(v.Payload)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{flvtest.VPS}, record.VPS())

	frame := parseOne(t, flvtest.HEVCFrame(10, true, 20).Bytes())
	assert.True(t, frame.Video().HasFrames())
	key, err := codec.IsKeyframe(codec.CodecHEVC, frame.Video().Payload, record.NALULengthSize())
	require.NoError(t, err)
	assert.True(t, key)
}

func TestScriptDataKeptVerbatim(t *testing.T) {
	// a valid name followed by a truncated number
	body := append(amf0.Encode(amf0.String("onMetaData")), amf0.TypeNumber, 0x40)
	raw := []byte{byte(flv.TagTypeScript), 0, 0, byte(len(body)), 0, 0, 0, 0, 0, 0, 0}
	raw = append(raw, body...)
	raw = binary.BigEndian.AppendUint32(raw, uint32(flv.TagHeaderSize+len(body)))

	tag := parseOne(t, raw)
	s := tag.Script()
	require.NotNil(t, s)
	assert.True(t, s.Partial)
	assert.Equal(t, "onMetaData", s.Name())
	assert.Equal(t, raw, tag.Bytes())
}

func TestParseTagErrors(t *testing.T) {
	ctx := context.Background()

	unknown := flvtest.AACFrame(0, 4).Bytes()
	unknown[0] = 0x07
	c := flv.NewCursor(bytes.NewReader(unknown))
	require.NoError(t, c.Fill(ctx))
	_, err := flv.ParseTag(c, 1)
	assert.ErrorIs(t, err, flv.ErrTagHeaderInvalid)
	assert.True(t, flv.IsFatal(err))

	encrypted := flvtest.AACFrame(0, 4).Bytes()
	encrypted[0] |= 0x20
	c = flv.NewCursor(bytes.NewReader(encrypted))
	require.NoError(t, c.Fill(ctx))
	_, err = flv.ParseTag(c, 1)
	assert.ErrorIs(t, err, flv.ErrTagHeaderInvalid)

	// AVC video body of 2 bytes cannot hold packet type and composition time
	short := []byte{byte(flv.TagTypeVideo), 0, 0, 2, 0, 0, 0, 0, 0, 0, 0, 0x17, 0x01, 0, 0, 0, 13}
	c = flv.NewCursor(bytes.NewReader(short))
	require.NoError(t, c.Fill(ctx))
	_, err = flv.ParseTag(c, 1)
	assert.ErrorIs(t, err, flv.ErrTagSizeMismatch)
	assert.Equal(t, len(short), c.Buffered())
}

func TestParseEmptyMediaTags(t *testing.T) {
	for _, typ := range []flv.TagType{flv.TagTypeAudio, flv.TagTypeVideo} {
		raw := flv.AppendRawTag(nil, typ, 40, nil)
		c := flv.NewCursor(bytes.NewReader(raw))
		require.NoError(t, c.Fill(context.Background()))

		tag, err := flv.ParseTag(c, 3)
		require.NoError(t, err, typ)
		assert.True(t, tag.IsEmpty(), typ)
		assert.False(t, tag.IsSequenceHeader(), typ)
		assert.Equal(t, uint32(40), tag.Header.Timestamp)
		assert.Equal(t, flv.TagHeaderSize, tag.Size())
		assert.True(t, tag.ChecksumOK())
		assert.Equal(t, raw, tag.Bytes())
	}

	tag := flvtest.AVCFrame(0, true, 10)
	assert.False(t, tag.IsEmpty())
	assert.False(t, (&flv.VideoData{Empty: true}).HasFrames())
}

func TestParseTagNeedsWholeTag(t *testing.T) {
	full := flvtest.AVCFrame(0, true, 64).Bytes()
	c := flv.NewCursor(bytes.NewReader(full[:len(full)-1]))
	require.NoError(t, c.Fill(context.Background()))

	_, err := flv.ParseTag(c, 1)
	assert.ErrorIs(t, err, flv.ErrNeedMoreBytes)
	assert.False(t, flv.IsFatal(err))
	assert.Equal(t, len(full)-1, c.Buffered())
	assert.Equal(t, int64(0), c.Offset())
}

func testStream() *flvtest.Stream {
	return flvtest.NewStream(true, true).Tag(
		flvtest.OnMetaData(amf0.Property{Key: "duration", Value: amf0.Number(0)}),
		flvtest.AVCSequenceHeader(0),
		flvtest.AACSequenceHeader(0),
		flvtest.AVCFrame(0, true, 500),
		flvtest.AACFrame(10, 30),
		flvtest.AVCFrame(40, false, 200),
	)
}

func readAll(t *testing.T, r *flv.Reader) []*flv.Tag {
	t.Helper()
	var tags []*flv.Tag
	for {
		tag, err := r.Next(context.Background())
		if err == io.EOF {
			return tags
		}
		require.NoError(t, err)
		tags = append(tags, tag)
	}
}

func TestReaderChunkedInput(t *testing.T) {
	s := testStream()
	r := flv.NewReader(iotest.OneByteReader(s.Reader()))

	tags := readAll(t, r)
	require.Len(t, tags, 6)
	for i, tag := range tags {
		assert.Equal(t, int64(i+1), tag.Num)
		assert.NotZero(t, tag.CRC32)
	}
	assert.True(t, r.Header().Flags.HasAudioAndVideo())
	assert.Equal(t, "onMetaData", tags[0].Script().Name())
	assert.True(t, tags[1].IsSequenceHeader())
	assert.Equal(t, int64(s.Len()), r.Offset())
	assert.Zero(t, r.Discarded())
}

func TestReaderDiscardsTrailingPartialTag(t *testing.T) {
	s := testStream()
	partial := flvtest.AVCFrame(80, false, 100).Bytes()
	s.Raw(partial[:30])

	r := flv.NewReader(s.Reader())
	tags := readAll(t, r)
	assert.Len(t, tags, 6)
	assert.Equal(t, 30, r.Discarded())
}

func TestReaderChecksumMismatchIsAdvisory(t *testing.T) {
	bad := flvtest.AVCFrame(40, false, 20).Bytes()
	binary.BigEndian.PutUint32(bad[len(bad)-4:], 7)

	s := flvtest.NewStream(false, true).Tag(flvtest.AVCSequenceHeader(0)).Raw(bad).Tag(flvtest.AVCFrame(80, false, 20))

	var warnings []error
	r := flv.NewReader(s.Reader())
	r.OnWarning = func(err error) { warnings = append(warnings, err) }

	tags := readAll(t, r)
	assert.Len(t, tags, 3)
	require.Len(t, warnings, 1)
	assert.ErrorIs(t, warnings[0], flv.ErrChecksumMismatch)
	assert.False(t, tags[1].ChecksumOK())
}

func TestReaderHeaderErrors(t *testing.T) {
	_, err := flv.NewReader(bytes.NewReader(nil)).Next(context.Background())
	assert.Equal(t, io.EOF, err)

	// a cut connection is not a bad header
	_, err = flv.NewReader(bytes.NewReader([]byte("FLV\x01"))).Next(context.Background())
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.NotErrorIs(t, err, flv.ErrHeaderInvalid)

	_, err = flv.NewReader(bytes.NewReader([]byte("GIF89a\x00\x00\x00\x00\x00\x00\x00"))).Next(context.Background())
	assert.ErrorIs(t, err, flv.ErrHeaderInvalid)
}

func TestReaderHonoursCancellation(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := flv.NewReader(pr).Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCursorRequestDoesNotConsume(t *testing.T) {
	c := flv.NewCursor(bytes.NewReader([]byte{1, 2, 3, 4, 5}))
	_, err := c.Request(1)
	assert.ErrorIs(t, err, flv.ErrNeedMoreBytes)

	require.NoError(t, c.Fill(context.Background()))
	b, err := c.Request(3)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, b)

	_, err = c.Request(6)
	assert.ErrorIs(t, err, flv.ErrNeedMoreBytes)
	assert.Equal(t, 5, c.Buffered())

	c.Skip(2)
	b, err = c.Request(3)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 4, 5}, b)
	assert.Equal(t, int64(2), c.Offset())

	// bytes.Reader reports EOF on the read after the data
	assert.Equal(t, io.EOF, c.Fill(context.Background()))
	assert.True(t, c.EOF())
}
