package segmenter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rapidrec/internal/amf0"
	"rapidrec/internal/codec"
	"rapidrec/internal/flv"
	"rapidrec/internal/flv/flvtest"
	"rapidrec/internal/metadata"
	"rapidrec/internal/metrics"
)

func newTestEngine(t *testing.T, policy Policy, mutate ...func(*Options)) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	opts := Options{
		Policy: policy,
		PathProvider: func(index int) string {
			return filepath.Join(dir, fmt.Sprintf("part_%03d.flv", index))
		},
		KeyframeSlots: 256,
	}
	for _, m := range mutate {
		m(&opts)
	}
	return New(opts), dir
}

type segmentFile struct {
	header *flv.Header
	tags   []*flv.Tag
	raw    []byte
}

func readSegment(t *testing.T, path string) segmentFile {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	r := flv.NewReader(bytes.NewReader(raw))
	r.OnWarning = func(err error) { t.Errorf("unexpected warning in %s: %v", path, err) }
	h, err := r.ReadHeader(context.Background())
	require.NoError(t, err)

	var tags []*flv.Tag
	for {
		tag, err := r.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		tags = append(tags, tag)
	}
	assert.Zero(t, r.Discarded(), "segment ends on a tag boundary")
	return segmentFile{header: h, tags: tags, raw: raw}
}

// media returns the audio and video tags that are not sequence headers
func (s segmentFile) media() []*flv.Tag {
	var out []*flv.Tag
	for _, tag := range s.tags {
		if tag.IsScript() || tag.IsSequenceHeader() {
			continue
		}
		out = append(out, tag)
	}
	return out
}

func isKey(tag *flv.Tag) bool {
	v := tag.Video()
	if v == nil {
		return false
	}
	key, err := codec.IsKeyframe(v.Codec(), v.Payload, 4)
	return err == nil && key
}

func metaNumber(t *testing.T, props amf0.ECMAArray, key string) float64 {
	t.Helper()
	v, ok := props.Get(key)
	require.True(t, ok, key)
	n, ok := amf0.AsNumber(v)
	require.True(t, ok, key)
	return n
}

func TestRotationDeferredToNextKeyframe(t *testing.T) {
	s := flvtest.NewStream(false, true).Tag(
		flvtest.AVCSequenceHeader(0),
		flvtest.AVCFrame(0, true, 100_000),    // #1
		flvtest.AVCFrame(40, false, 100_000),  // #2 exceeds the size limit
		flvtest.AVCFrame(80, true, 100_000),   // #3
		flvtest.AVCFrame(120, false, 100_000), // #4
		flvtest.AVCFrame(160, false, 100_000), // #5
	)

	e, _ := newTestEngine(t, Policy{MaxPartSize: 150_000})
	require.NoError(t, e.Run(context.Background(), s.Reader()))
	assert.Equal(t, StateClosed, e.State())

	segs := e.Segments()
	require.Len(t, segs, 2)

	first := readSegment(t, segs[0].Path).media()
	require.Len(t, first, 2)
	assert.Equal(t, []uint32{0, 40}, []uint32{first[0].Header.Timestamp, first[1].Header.Timestamp})

	second := readSegment(t, segs[1].Path).media()
	require.Len(t, second, 3)
	assert.True(t, isKey(second[0]), "segment starts with tag #3")
	assert.Equal(t, uint32(0), second[0].Header.Timestamp)
	assert.Equal(t, uint32(40), second[1].Header.Timestamp)
	assert.Equal(t, uint32(80), second[2].Header.Timestamp)

	jps := e.JoinPoints()
	require.Len(t, jps, 1)
	assert.Equal(t, 1, jps[0].Segment)
	assert.Equal(t, uint32(80), jps[0].Timestamp)
	assert.Equal(t, segs[0].Size, jps[0].FilePosition)
}

func TestRotationWaitsForWholeGOP(t *testing.T) {
	s := flvtest.NewStream(false, true).Tag(
		flvtest.AVCSequenceHeader(0),
		flvtest.AVCFrame(0, true, 100_000),
		flvtest.AVCFrame(40, false, 100_000),
		flvtest.AVCFrame(80, false, 100_000),
		flvtest.AVCFrame(120, true, 100_000),
		flvtest.AVCFrame(160, false, 100_000),
	)

	e, _ := newTestEngine(t, Policy{MaxPartSize: 150_000})
	require.NoError(t, e.Run(context.Background(), s.Reader()))

	segs := e.Segments()
	require.Len(t, segs, 2)
	assert.Len(t, readSegment(t, segs[0].Path).media(), 3)

	second := readSegment(t, segs[1].Path).media()
	require.Len(t, second, 2)
	assert.True(t, isKey(second[0]))
	assert.Equal(t, uint32(0), second[0].Header.Timestamp)
}

// avStream is a 10s stream at 25fps with one keyframe per second and an
// audio frame after every video frame
func avStream() *flvtest.Stream {
	s := flvtest.NewStream(true, true).Tag(
		flvtest.OnMetaData(
			amf0.Property{Key: "width", Value: amf0.Number(1280)},
			amf0.Property{Key: "height", Value: amf0.Number(720)},
			amf0.Property{Key: "encoder", Value: amf0.String("obs-output")},
		),
		flvtest.AVCSequenceHeader(0),
		flvtest.AACSequenceHeader(0),
	)
	for i := 0; i < 250; i++ {
		ts := uint32(i * 40)
		s.Tag(flvtest.AVCFrame(ts, i%25 == 0, 200), flvtest.AACFrame(ts+10, 20))
	}
	return s
}

func TestDurationPolicyCarriesOverState(t *testing.T) {
	e, _ := newTestEngine(t, Policy{MaxPartDuration: 2 * time.Second})
	require.NoError(t, e.Run(context.Background(), avStream().Reader()))

	segs := e.Segments()
	require.Len(t, segs, 5)
	assert.Len(t, e.JoinPoints(), 4)

	for i, seg := range segs {
		assert.Equal(t, i+1, seg.Index)
		assert.True(t, seg.Finalized, seg.Path)

		f := readSegment(t, seg.Path)
		assert.True(t, f.header.Flags.HasAudioAndVideo())

		// replay order: video sequence header, audio sequence header, metadata
		require.GreaterOrEqual(t, len(f.tags), 4)
		assert.True(t, f.tags[0].IsVideo() && f.tags[0].IsSequenceHeader())
		assert.True(t, f.tags[1].IsAudio() && f.tags[1].IsSequenceHeader())
		require.True(t, f.tags[2].IsScript())
		assert.Equal(t, "onMetaData", f.tags[2].Script().Name())
		for _, tag := range f.tags[:3] {
			assert.Zero(t, tag.Header.Timestamp)
		}

		media := f.media()
		require.NotEmpty(t, media)
		assert.True(t, isKey(media[0]), "segment %d starts on a keyframe", seg.Index)
		assert.Zero(t, media[0].Header.Timestamp)
		for j := 1; j < len(media); j++ {
			assert.Less(t, media[j].Header.Timestamp, uint32(2000))
		}

		props, err := metadata.ReadMetadata(seg.Path)
		require.NoError(t, err)
		finalized, _ := props.Get("finalized")
		assert.Equal(t, amf0.Boolean(true), finalized)
		assert.InDelta(t, 1.97, metaNumber(t, props, "duration"), 0.0001)
		assert.Equal(t, float64(len(f.raw)), metaNumber(t, props, "filesize"))
		assert.Equal(t, float64(seg.Size), metaNumber(t, props, "filesize"))
		assert.Equal(t, 1280.0, metaNumber(t, props, "width"))
		encoder, _ := props.Get("encoder")
		assert.Equal(t, amf0.String("obs-output"), encoder)

		kv, ok := props.Get("keyframes")
		require.True(t, ok)
		times, _ := kv.(amf0.Object).Get("times")
		positions, _ := kv.(amf0.Object).Get("filepositions")
		require.Len(t, times, 2)
		require.Len(t, positions, 2)
		for j := range times.(amf0.StrictArray) {
			pos := int64(positions.(amf0.StrictArray)[j].(amf0.Number))
			assert.Equal(t, byte(flv.TagTypeVideo), f.raw[pos])
			if j > 0 {
				assert.LessOrEqual(t, times.(amf0.StrictArray)[j-1], times.(amf0.StrictArray)[j])
				prev := int64(positions.(amf0.StrictArray)[j-1].(amf0.Number))
				assert.Less(t, prev, pos)
			}
		}
	}
}

func TestCallbacks(t *testing.T) {
	var started []string
	var closed []int
	var closedPaths []string

	clock := time.UnixMilli(1_700_000_000_000)
	e, dir := newTestEngine(t, Policy{MaxPartDuration: 2 * time.Second}, func(o *Options) {
		o.Now = func() time.Time {
			clock = clock.Add(time.Millisecond)
			return clock
		}
		o.Callbacks = Callbacks{
			OnSegmentStarted: func(path string, createdAt int64) {
				assert.Positive(t, createdAt)
				started = append(started, path)
			},
			OnSegmentClosed: func(index int, path string, createdAt, closedAt int64) {
				assert.Greater(t, closedAt, createdAt)
				closed = append(closed, index)
				closedPaths = append(closedPaths, path)
			},
		}
	})
	require.NoError(t, e.Run(context.Background(), avStream().Reader()))

	assert.Equal(t, []int{1, 2, 3, 4, 5}, closed)
	assert.Equal(t, started, closedPaths)
	assert.Equal(t, filepath.Join(dir, "part_001.flv"), started[0])
}

func TestCodecChangeRotatesImmediately(t *testing.T) {
	sps := bytes.Clone(flvtest.SPS)
	sps[len(sps)-1] ^= 0xff

	s := flvtest.NewStream(false, true).Tag(
		flvtest.AVCSequenceHeader(0),
		flvtest.AVCFrame(0, true, 100),
		flvtest.AVCFrame(40, false, 100),
		flvtest.AVCSequenceHeader(60), // repeat is skipped
		flvtest.AVCFrame(80, true, 100),
		flvtest.AVCSequenceHeaderWith(100, sps, flvtest.PPS),
		flvtest.AVCFrame(120, true, 100),
		flvtest.AVCFrame(160, false, 100),
	)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	e, _ := newTestEngine(t, Policy{}, func(o *Options) { o.Metrics = m })
	require.NoError(t, e.Run(context.Background(), s.Reader()))

	segs := e.Segments()
	require.Len(t, segs, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Rotations.WithLabelValues("codec_change")))

	first := readSegment(t, segs[0].Path)
	assert.Len(t, first.media(), 3)
	assert.Equal(t, flvtest.AVCConfig(flvtest.SPS, flvtest.PPS), first.tags[0].Video().Payload)

	second := readSegment(t, segs[1].Path)
	assert.Equal(t, flvtest.AVCConfig(sps, flvtest.PPS), second.tags[0].Video().Payload)
	media := second.media()
	require.Len(t, media, 2)
	assert.Zero(t, media[0].Header.Timestamp)
	assert.Equal(t, uint32(40), media[1].Header.Timestamp)
}

func TestHEVCStream(t *testing.T) {
	s := flvtest.NewStream(false, true).Tag(flvtest.HEVCSequenceHeader(0))
	for i := 0; i < 6; i++ {
		s.Tag(flvtest.HEVCFrame(uint32(i*40), i%3 == 0, 50_000))
	}

	e, _ := newTestEngine(t, Policy{MaxPartSize: 100_000})
	require.NoError(t, e.Run(context.Background(), s.Reader()))

	segs := e.Segments()
	require.Len(t, segs, 2)
	for _, seg := range segs {
		f := readSegment(t, seg.Path)
		assert.Equal(t, codec.CodecHEVC, f.tags[0].Video().Codec())
		assert.True(t, f.tags[0].IsSequenceHeader())
		media := f.media()
		require.Len(t, media, 3)
		assert.True(t, isKey(media[0]))
		assert.Equal(t, 1, seg.Keyframes)
	}
}

func TestAudioOnlyRotatesOnAudio(t *testing.T) {
	s := flvtest.NewStream(true, false).Tag(flvtest.AACSequenceHeader(0))
	for ts := 0; ts < 3000; ts += 23 {
		s.Tag(flvtest.AACFrame(uint32(ts), 30))
	}

	e, _ := newTestEngine(t, Policy{MaxPartDuration: time.Second})
	require.NoError(t, e.Run(context.Background(), s.Reader()))

	segs := e.Segments()
	require.Len(t, segs, 3)
	for _, seg := range segs {
		f := readSegment(t, seg.Path)
		assert.True(t, f.header.Flags.HasAudio())
		assert.False(t, f.header.Flags.HasVideo())
		assert.True(t, f.tags[0].IsAudio() && f.tags[0].IsSequenceHeader())
		assert.True(t, f.tags[1].IsScript())

		media := f.media()
		require.NotEmpty(t, media)
		assert.Zero(t, media[0].Header.Timestamp)
		assert.Less(t, media[len(media)-1].Header.Timestamp, uint32(1000))
		assert.True(t, seg.Finalized)
	}
}

func TestAudioBeforeVideoSequenceHeader(t *testing.T) {
	s := flvtest.NewStream(true, true).Tag(
		flvtest.AVCFrame(0, true, 100), // no decoder config yet
		flvtest.AACSequenceHeader(0),
		flvtest.AACFrame(10, 20),
		flvtest.AACFrame(33, 20),
		flvtest.AVCSequenceHeader(40),
		flvtest.AVCFrame(40, true, 100),
		flvtest.AACFrame(56, 20),
	)

	m := metrics.New(prometheus.NewRegistry())
	e, _ := newTestEngine(t, Policy{}, func(o *Options) { o.Metrics = m })
	require.NoError(t, e.Run(context.Background(), s.Reader()))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TagsDropped.WithLabelValues("before_sequence_header")))

	segs := e.Segments()
	require.Len(t, segs, 1)
	f := readSegment(t, segs[0].Path)
	assert.True(t, f.tags[0].IsVideo() && f.tags[0].IsSequenceHeader())
	assert.True(t, f.tags[1].IsAudio() && f.tags[1].IsSequenceHeader())

	var stamps []uint32
	for _, tag := range f.media() {
		stamps = append(stamps, tag.Header.Timestamp)
	}
	assert.Equal(t, []uint32{0, 23, 30, 46}, stamps)
}

func TestTrailingPartialTagIsDiscarded(t *testing.T) {
	partial := flvtest.AVCFrame(120, false, 100).Bytes()[:30]
	s := flvtest.NewStream(false, true).Tag(
		flvtest.AVCSequenceHeader(0),
		flvtest.AVCFrame(0, true, 100),
		flvtest.AVCFrame(40, false, 100),
		flvtest.AVCFrame(80, false, 100),
	).Raw(partial)

	m := metrics.New(prometheus.NewRegistry())
	e, _ := newTestEngine(t, Policy{}, func(o *Options) { o.Metrics = m })
	require.NoError(t, e.Run(context.Background(), s.Reader()))

	segs := e.Segments()
	require.Len(t, segs, 1)
	assert.True(t, segs[0].Finalized)
	assert.Len(t, readSegment(t, segs[0].Path).media(), 3)
	assert.Equal(t, 30.0, testutil.ToFloat64(m.DiscardedBytes))
}

func TestChecksumMismatchIsAdvisory(t *testing.T) {
	bad := flvtest.AVCFrame(40, false, 100).Bytes()
	bad[len(bad)-1]++

	s := flvtest.NewStream(false, true).Tag(
		flvtest.AVCSequenceHeader(0),
		flvtest.AVCFrame(0, true, 100),
	).Raw(bad).Tag(flvtest.AVCFrame(80, false, 100))

	m := metrics.New(prometheus.NewRegistry())
	e, _ := newTestEngine(t, Policy{}, func(o *Options) { o.Metrics = m })
	require.NoError(t, e.Run(context.Background(), s.Reader()))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChecksumMismatches))
	segs := e.Segments()
	require.Len(t, segs, 1)
	assert.Len(t, readSegment(t, segs[0].Path).media(), 3)
}

func TestFatalTagErrorFinalizesSegment(t *testing.T) {
	s := flvtest.NewStream(false, true).Tag(
		flvtest.AVCSequenceHeader(0),
		flvtest.AVCFrame(0, true, 100),
		flvtest.AVCFrame(40, false, 100),
	).Raw([]byte{0x0f, 0, 0, 4, 0, 0, 0x50, 0, 0, 0, 0, 1, 2, 3, 4, 0, 0, 0, 15})

	e, _ := newTestEngine(t, Policy{})
	err := e.Run(context.Background(), s.Reader())
	require.Error(t, err)
	assert.True(t, errors.Is(err, flv.ErrTagHeaderInvalid), err.Error())
	assert.Equal(t, StateClosed, e.State())

	segs := e.Segments()
	require.Len(t, segs, 1)
	assert.True(t, segs[0].Finalized)
	assert.Len(t, readSegment(t, segs[0].Path).media(), 2)
}

func TestTruncatedDecoderConfigIsFatal(t *testing.T) {
	seq := flv.NewTag(0, &flv.VideoData{
		FrameType:  flv.FrameTypeKey,
		CodecID:    flv.VideoCodecAVC,
		PacketType: flv.PacketTypeSequenceStart,
		Payload:    flvtest.AVCConfig(flvtest.SPS, flvtest.PPS)[:12],
	})
	s := flvtest.NewStream(false, true).Tag(seq, flvtest.AVCFrame(0, true, 100))

	e, _ := newTestEngine(t, Policy{})
	err := e.Run(context.Background(), s.Reader())
	require.Error(t, err)
	assert.True(t, errors.Is(err, codec.ErrCodecConfigTruncated), err.Error())
	assert.Empty(t, e.Segments())
}

func TestInvalidHeader(t *testing.T) {
	raw := flvtest.NewStream(true, true).Bytes()
	raw[2] = 'X'

	e, _ := newTestEngine(t, Policy{})
	err := e.Run(context.Background(), bytes.NewReader(raw))
	require.Error(t, err)
	assert.True(t, errors.Is(err, flv.ErrHeaderInvalid))
	assert.Empty(t, e.Segments())
}

func TestEmptyStream(t *testing.T) {
	e, dir := newTestEngine(t, Policy{})
	require.NoError(t, e.Run(context.Background(), bytes.NewReader(nil)))
	assert.Empty(t, e.Segments())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEngineIsSingleUse(t *testing.T) {
	e, _ := newTestEngine(t, Policy{})
	require.NoError(t, e.Run(context.Background(), bytes.NewReader(nil)))
	assert.Error(t, e.Run(context.Background(), bytes.NewReader(nil)))
}

// cancelAfter hands out small chunks and cancels once limit bytes were read
type cancelAfter struct {
	r      io.Reader
	read   int
	limit  int
	cancel context.CancelFunc
}

func (c *cancelAfter) Read(p []byte) (int, error) {
	if len(p) > 64 {
		p = p[:64]
	}
	n, err := c.r.Read(p)
	c.read += n
	if c.read >= c.limit {
		c.cancel()
	}
	return n, err
}

func TestCancellationFinalizes(t *testing.T) {
	s := avStream()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, _ := newTestEngine(t, Policy{})
	r := &cancelAfter{r: s.Reader(), limit: s.Len() / 2, cancel: cancel}
	require.NoError(t, e.Run(ctx, r))
	assert.Equal(t, StateClosed, e.State())

	segs := e.Segments()
	require.Len(t, segs, 1)
	assert.True(t, segs[0].Finalized)

	media := readSegment(t, segs[0].Path).media()
	assert.NotEmpty(t, media)
	assert.Less(t, len(media), 500)
}

func TestOpenSinkFailure(t *testing.T) {
	e, _ := newTestEngine(t, Policy{}, func(o *Options) {
		o.OpenSink = func(path string) (Sink, error) {
			return nil, errors.New("disk full")
		}
	})
	err := e.Run(context.Background(), avStream().Reader())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestPolicyExceeded(t *testing.T) {
	assert.False(t, Policy{}.Exceeded(1<<40, 24*time.Hour))
	assert.True(t, Policy{MaxPartSize: 10}.Exceeded(10, 0))
	assert.False(t, Policy{MaxPartSize: 10}.Exceeded(9, time.Hour))
	assert.True(t, Policy{MaxPartDuration: time.Second}.Exceeded(0, time.Second))
}

func TestAudioConfigChangeWaitsForKeyframe(t *testing.T) {
	changed := flv.NewTag(60, &flv.AudioData{
		Format:        flv.SoundFormatAAC,
		Rate:          3,
		SampleSize:    1,
		Channels:      1,
		AACPacketType: flv.AACPacketSeqHeader,
		Payload:       []byte{0x11, 0x90}, // AAC-LC 48kHz stereo
	})
	s := flvtest.NewStream(true, true).Tag(
		flvtest.AVCSequenceHeader(0),
		flvtest.AACSequenceHeader(0),
		flvtest.AVCFrame(0, true, 100),
		flvtest.AVCFrame(40, false, 100),
		changed,
		flvtest.AVCFrame(80, false, 100),
		flvtest.AACFrame(90, 20),
		flvtest.AVCFrame(120, false, 100),
		flvtest.AVCFrame(160, true, 100),
		flvtest.AVCFrame(200, false, 100),
	)

	m := metrics.New(prometheus.NewRegistry())
	e, _ := newTestEngine(t, Policy{}, func(o *Options) { o.Metrics = m })
	require.NoError(t, e.Run(context.Background(), s.Reader()))

	segs := e.Segments()
	require.Len(t, segs, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Rotations.WithLabelValues("codec_change")))

	first := readSegment(t, segs[0].Path)
	var audioConfigs [][]byte
	for _, tag := range first.tags {
		if a := tag.Audio(); a != nil && a.IsSequenceHeader() {
			audioConfigs = append(audioConfigs, a.Payload)
		}
	}
	assert.Equal(t, [][]byte{flvtest.AudioSpecificConfig, {0x11, 0x90}}, audioConfigs)
	assert.Len(t, first.media(), 5)

	second := readSegment(t, segs[1].Path)
	assert.Equal(t, []byte{0x11, 0x90}, second.tags[1].Audio().Payload)
	media := second.media()
	require.Len(t, media, 2)
	assert.True(t, isKey(media[0]), "segment starts on the keyframe after the change")
	assert.Zero(t, media[0].Header.Timestamp)
}

func TestStreamingStartsOnVideoKeyframe(t *testing.T) {
	// header announces audio that never arrives
	s := flvtest.NewStream(true, true).Tag(
		flvtest.AVCSequenceHeader(0),
		flvtest.AVCFrame(0, true, 100),
		flvtest.AVCFrame(40, false, 100),
	)

	e, _ := newTestEngine(t, Policy{})
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), pr) }()

	_, err := pw.Write(s.Bytes())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.State() == StateStreaming }, 2*time.Second, 5*time.Millisecond)

	// a late audio sequence header is written in place
	_, err = pw.Write(flvtest.AACSequenceHeader(60).Bytes())
	require.NoError(t, err)
	_, err = pw.Write(flvtest.AACFrame(70, 20).Bytes())
	require.NoError(t, err)
	require.NoError(t, pw.Close())
	require.NoError(t, <-done)

	segs := e.Segments()
	require.Len(t, segs, 1)
	f := readSegment(t, segs[0].Path)
	assert.True(t, f.tags[0].IsVideo() && f.tags[0].IsSequenceHeader())
	assert.True(t, f.tags[1].IsScript())
	media := f.media()
	require.Len(t, media, 3)
	assert.True(t, isKey(media[0]))
	assert.True(t, media[2].IsAudio())
}

func TestEmptyTagsAreSkipped(t *testing.T) {
	s := flvtest.NewStream(true, true).Tag(
		flvtest.AVCSequenceHeader(0),
		flvtest.AACSequenceHeader(0),
		flvtest.AVCFrame(0, true, 100),
	).
		Raw(flv.AppendRawTag(nil, flv.TagTypeVideo, 40, nil)).
		Raw(flv.AppendRawTag(nil, flv.TagTypeAudio, 50, nil)).
		Tag(flvtest.AVCFrame(80, false, 100), flvtest.AACFrame(90, 20))

	m := metrics.New(prometheus.NewRegistry())
	e, _ := newTestEngine(t, Policy{}, func(o *Options) { o.Metrics = m })
	require.NoError(t, e.Run(context.Background(), s.Reader()))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TagsDropped.WithLabelValues("empty")))

	segs := e.Segments()
	require.Len(t, segs, 1)
	var stamps []uint32
	for _, tag := range readSegment(t, segs[0].Path).media() {
		stamps = append(stamps, tag.Header.Timestamp)
	}
	assert.Equal(t, []uint32{0, 80, 90}, stamps)
}
