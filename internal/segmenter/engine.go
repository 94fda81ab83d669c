package segmenter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"rapidrec/internal/amf0"
	"rapidrec/internal/codec"
	"rapidrec/internal/flv"
	"rapidrec/internal/metadata"
	"rapidrec/internal/metrics"
)

// maxPendingTags bounds the media buffered while waiting for sequence headers.
// Reaching it with no video sequence header switches to audio only.
const maxPendingTags = 512

// State of the engine
type State int32

const (
	StateAwaitingHeader State = iota
	StateAwaitingSequenceHeaders
	StateStreaming
	StateRotating
	StateFinalizing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingHeader:
		return "awaiting_header"
	case StateAwaitingSequenceHeaders:
		return "awaiting_sequence_headers"
	case StateStreaming:
		return "streaming"
	case StateRotating:
		return "rotating"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Policy decides when the current segment is full. Zero disables a limit.
type Policy struct {
	MaxPartSize     int64
	MaxPartDuration time.Duration
}

// Exceeded reports whether a segment of size bytes and duration d is full
func (p Policy) Exceeded(size int64, d time.Duration) bool {
	return (p.MaxPartSize > 0 && size >= p.MaxPartSize) ||
		(p.MaxPartDuration > 0 && d >= p.MaxPartDuration)
}

// Callbacks are raised from the goroutine running the engine
type Callbacks struct {
	OnSegmentStarted func(path string, createdAtMillis int64)
	OnSegmentClosed  func(index int, path string, createdAtMillis, closedAtMillis int64)
}

// Options configures an Engine
type Options struct {
	Policy       Policy
	PathProvider PathProvider
	// OpenSink defaults to OpenFileSink
	OpenSink SinkOpener
	// KeyframeSlots defaults to a capacity derived from Policy.MaxPartDuration
	KeyframeSlots int
	Callbacks     Callbacks
	Logger        *logrus.Entry
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

// Segment describes a closed output file
type Segment struct {
	Index     int
	Path      string
	CreatedAt time.Time
	ClosedAt  time.Time
	Size      int64
	Duration  time.Duration
	Keyframes int
	Finalized bool
}

// carryOver is replayed at the start of every segment
type carryOver struct {
	header      *flv.Header
	videoSeq    *flv.Tag
	audioSeq    *flv.Tag
	videoCodec  codec.Codec
	videoConfig codec.Config
	metadata    []amf0.Property
}

// Engine turns one live FLV byte stream into a series of independently
// playable segment files. An Engine serves a single download and is not
// reused.
type Engine struct {
	opts  Options
	log   *logrus.Entry
	state atomic.Int32

	cache   carryOver
	acc     *metadata.Accumulator
	pending []*flv.Tag

	sink       Sink
	index      int
	createdAt  time.Time
	base       uint32
	baseSet    bool
	rotate     bool
	reason     string // rotation reason once rotate is set
	keyPending bool   // a video keyframe is buffered while awaiting sequence headers
	audioOnly  bool
	written    int64
	lastSource uint32

	mu         sync.Mutex
	segments   []Segment
	joinPoints []metadata.JoinPoint
}

// New creates an engine
func New(opts Options) *Engine {
	if opts.OpenSink == nil {
		opts.OpenSink = OpenFileSink
	}
	if opts.KeyframeSlots <= 0 {
		opts.KeyframeSlots = metadata.KeyframeSlots(opts.Policy.MaxPartDuration)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Engine{
		opts: opts,
		log:  opts.Logger,
		acc:  metadata.NewAccumulator(),
	}
}

// State returns the current state. Safe for concurrent use.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// Segments returns the closed segments. Safe for concurrent use.
func (e *Engine) Segments() []Segment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Segment(nil), e.segments...)
}

// JoinPoints returns the rotation boundaries so far. Safe for concurrent use.
func (e *Engine) JoinPoints() []metadata.JoinPoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]metadata.JoinPoint(nil), e.joinPoints...)
}

// Run consumes r until it ends, ctx is cancelled or a fatal error occurs.
// In every case the open segment is finalized and closed before Run returns.
// End of stream and cancellation return nil.
func (e *Engine) Run(ctx context.Context, r io.Reader) error {
	if e.State() != StateAwaitingHeader {
		return errors.New("engine already used")
	}

	reader := flv.NewReader(r)
	reader.OnWarning = func(err error) {
		e.log.WithError(err).Warn("Ignoring tag checksum mismatch")
		e.opts.Metrics.RecordChecksumMismatch()
	}

	header, err := reader.ReadHeader(ctx)
	if err != nil {
		e.setState(StateClosed)
		if err == io.EOF || isCancellation(err) || ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("read flv header: %w", err)
	}
	e.cache.header = header
	e.setState(StateAwaitingSequenceHeaders)
	e.log.WithFields(logrus.Fields{
		"audio": header.Flags.HasAudio(),
		"video": header.Flags.HasVideo(),
	}).Debug("FLV header received")

	for {
		tag, err := reader.Next(ctx)
		if err == nil {
			err = e.handle(tag)
		}
		if err != nil {
			return e.stop(ctx, reader, err)
		}
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// stop finalizes the open segment and turns cause into Run's result. A read
// error after ctx was cancelled counts as the cancellation.
func (e *Engine) stop(ctx context.Context, reader *flv.Reader, cause error) error {
	if n := reader.Discarded(); n > 0 {
		e.log.WithField("bytes", n).Warn("Discarded trailing partial tag")
		e.opts.Metrics.RecordDiscardedBytes(n)
	}

	switch {
	case cause == io.EOF:
		e.log.Info("Stream ended")
		cause = nil
	case isCancellation(cause) || ctx.Err() != nil:
		e.log.Info("Stream cancelled")
		cause = nil
	case flv.IsFatal(cause):
		e.log.WithError(cause).Error("Stopping on fatal stream error")
	}

	var result error
	if cause != nil {
		result = multierror.Append(result, cause)
	}
	if err := e.finish(); err != nil {
		result = multierror.Append(result, err)
	}

	if merr, ok := result.(*multierror.Error); ok && len(merr.Errors) == 1 {
		return merr.Errors[0]
	}
	return result
}

// finish closes the open segment. Media still waiting for sequence headers
// is written to a last segment rather than dropped.
func (e *Engine) finish() error {
	defer e.setState(StateClosed)

	if e.State() == StateAwaitingSequenceHeaders && len(e.pending) > 0 {
		if err := e.startStreaming(); err != nil {
			return err
		}
	}
	if e.sink == nil {
		return nil
	}
	return e.closeSegment()
}

func (e *Engine) handle(tag *flv.Tag) error {
	if tag.IsEmpty() {
		e.log.WithFields(logrus.Fields{
			"tag":  tag.Num,
			"type": tag.Header.Type,
		}).Debug("Skipping empty tag")
		e.opts.Metrics.RecordTagDropped("empty")
		return nil
	}
	if e.State() == StateAwaitingSequenceHeaders {
		return e.awaitSequenceHeaders(tag)
	}
	return e.stream(tag)
}

// awaitSequenceHeaders fills the carry-over cache until every sequence header
// announced by the file header has arrived. Media seen meanwhile is buffered.
func (e *Engine) awaitSequenceHeaders(tag *flv.Tag) error {
	switch d := tag.Data.(type) {
	case *flv.ScriptData:
		if d.Name() == "onMetaData" {
			e.mergeMetadata(d)
			return nil
		}
		e.pending = append(e.pending, tag)

	case *flv.VideoData:
		switch {
		case d.IsSequenceHeader():
			if err := e.cacheVideoSequenceHeader(tag); err != nil {
				return err
			}
		case e.cache.videoSeq == nil:
			e.log.WithField("tag", tag.Num).Debug("Dropping video tag before sequence header")
			e.opts.Metrics.RecordTagDropped("before_sequence_header")
			return nil
		default:
			if e.isKeyframe(d) {
				e.keyPending = true
			}
			e.pending = append(e.pending, tag)
		}

	case *flv.AudioData:
		if d.IsSequenceHeader() {
			e.cache.audioSeq = tag
		} else {
			e.pending = append(e.pending, tag)
		}
	}

	if e.ready() {
		return e.startStreaming()
	}
	if len(e.pending) >= maxPendingTags {
		e.log.WithFields(logrus.Fields{
			"tags":  len(e.pending),
			"video": e.cache.videoSeq != nil,
			"audio": e.cache.audioSeq != nil,
		}).Warn("Sequence header missing, starting with what was received")
		return e.startStreaming()
	}
	return nil
}

// ready reports whether the cache holds the sequence headers the file header
// announced. A header announcing nothing waits for the first one of either.
// A video sequence header followed by a keyframe is always enough, a late
// audio sequence header is then written in stream.
func (e *Engine) ready() bool {
	flags := e.cache.header.Flags
	video, audio := e.cache.videoSeq != nil, e.cache.audioSeq != nil
	if video && e.keyPending {
		return true
	}
	if !flags.HasAudio() && !flags.HasVideo() {
		return video || audio
	}
	return (video || !flags.HasVideo()) && (audio || !flags.HasAudio())
}

// startStreaming opens the first segment and flushes buffered tags
func (e *Engine) startStreaming() error {
	e.audioOnly = e.cache.videoSeq == nil
	e.setState(StateStreaming)
	if err := e.openSegment(); err != nil {
		return err
	}

	pending := e.pending
	e.pending = nil
	for _, tag := range pending {
		key := false
		if v := tag.Video(); v != nil {
			key = e.isKeyframe(v)
		}
		if err := e.writeMedia(tag, key); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) stream(tag *flv.Tag) error {
	switch d := tag.Data.(type) {
	case *flv.ScriptData:
		if d.Name() == "onMetaData" {
			e.mergeMetadata(d)
			return nil
		}
		return e.writeMedia(tag, false)

	case *flv.VideoData:
		if d.IsSequenceHeader() {
			return e.onVideoSequenceHeader(tag)
		}
		if e.cache.videoSeq == nil {
			e.opts.Metrics.RecordTagDropped("before_sequence_header")
			return nil
		}
		key := e.isKeyframe(d)
		if key && e.due(tag.Header.Timestamp) {
			if err := e.rotateSegment(tag, e.rotationReason()); err != nil {
				return err
			}
		}
		return e.writeMedia(tag, key)

	case *flv.AudioData:
		if d.IsSequenceHeader() {
			return e.onAudioSequenceHeader(tag)
		}
		if e.audioOnly && e.due(tag.Header.Timestamp) {
			if err := e.rotateSegment(tag, e.rotationReason()); err != nil {
				return err
			}
		}
		return e.writeMedia(tag, false)
	}
	return nil
}

func (e *Engine) mergeMetadata(d *flv.ScriptData) {
	props := d.Properties()
	merged := amf0.ECMAArray(append([]amf0.Property(nil), e.cache.metadata...))
	for _, p := range props {
		merged = merged.Set(p.Key, p.Value)
	}
	e.cache.metadata = merged
	e.acc.Merge(props)
}

// cacheVideoSequenceHeader parses and stores a video decoder configuration
func (e *Engine) cacheVideoSequenceHeader(tag *flv.Tag) error {
	v := tag.Video()
	c := v.Codec()

	var config codec.Config
	var err error
	switch c {
	case codec.CodecAVC:
		config, err = codec.ParseAVCDecoderConfigurationRecord(v.Payload)
	case codec.CodecHEVC:
		config, err = codec.ParseHEVCDecoderConfigurationRecord(v.Payload)
	}
	if err != nil {
		return fmt.Errorf("video sequence header (tag %d): %w", tag.Num, err)
	}

	e.cache.videoSeq = tag
	e.cache.videoCodec = c
	e.cache.videoConfig = config
	e.log.WithFields(logrus.Fields{
		"codec": c,
		"tag":   tag.Num,
	}).Info("Video sequence header cached")
	return nil
}

// onVideoSequenceHeader handles sequence headers after the stream started.
// Repeats are skipped, a changed configuration starts a new segment.
func (e *Engine) onVideoSequenceHeader(tag *flv.Tag) error {
	prev := e.cache.videoSeq
	if prev != nil && prev.Data.Equal(tag.Data) {
		return nil
	}
	if err := e.cacheVideoSequenceHeader(tag); err != nil {
		return err
	}
	if prev == nil {
		// video started after an audio only start
		e.audioOnly = false
		return e.writeMedia(tag, false)
	}
	return e.rotateSegment(tag, "codec_change")
}

func (e *Engine) onAudioSequenceHeader(tag *flv.Tag) error {
	prev := e.cache.audioSeq
	if prev != nil && prev.Data.Equal(tag.Data) {
		return nil
	}
	e.cache.audioSeq = tag
	if prev == nil {
		return e.writeMedia(tag, false)
	}
	if e.audioOnly {
		return e.rotateSegment(tag, "codec_change")
	}

	// With video the cut waits for the next keyframe. Audio up to there
	// decodes with the new configuration written here.
	e.log.WithField("tag", tag.Num).Info("Audio configuration changed, rotating at next keyframe")
	e.rotate = true
	e.reason = "codec_change"
	return e.writeMedia(tag, false)
}

func (e *Engine) rotationReason() string {
	if e.reason != "" {
		return e.reason
	}
	return "policy"
}

// isKeyframe classifies a coded frame from its NAL units. Frames that cannot
// be classified count as not key.
func (e *Engine) isKeyframe(v *flv.VideoData) bool {
	if !v.HasFrames() {
		return false
	}

	c := v.Codec()
	if c == codec.CodecUnknown {
		return v.FrameType == flv.FrameTypeKey
	}

	lengthSize := 4
	if e.cache.videoConfig != nil {
		lengthSize = e.cache.videoConfig.NALULengthSize()
	}
	key, err := codec.IsKeyframe(c, v.Payload, lengthSize)
	if err != nil {
		e.log.WithError(err).Debug("Unclassified video frame")
		e.opts.Metrics.RecordUnknownNALU()
		return false
	}
	return key
}

// due reports whether a tag at source time ts may start a new segment. The
// policy is checked against the tag's own timestamp so a keyframe landing on
// the limit starts the next segment instead of waiting a whole GOP.
func (e *Engine) due(ts uint32) bool {
	if e.rotate {
		return true
	}
	if !e.baseSet || ts < e.base {
		return false
	}
	d := time.Duration(ts-e.base) * time.Millisecond
	return e.opts.Policy.Exceeded(e.sink.Position(), d)
}

// writeMedia rebases tag onto the segment clock, writes it and checks the policy
func (e *Engine) writeMedia(tag *flv.Tag, key bool) error {
	ts := tag.Header.Timestamp
	if !e.baseSet {
		e.base = ts
		e.baseSet = true
	}
	rebased := uint32(0)
	if ts > e.base {
		rebased = ts - e.base
	}

	out := tag.WithTimestamp(rebased)
	pos := e.sink.Position()
	if err := e.sink.WriteTag(out); err != nil {
		return err
	}
	e.acc.Observe(out, pos, key)
	e.lastSource = ts

	e.opts.Metrics.RecordTag(tag.Header.Type.String(), out.Size()+flv.PreviousTagSizeLength)
	if key {
		e.opts.Metrics.RecordKeyFrame()
	}

	if !e.rotate && e.opts.Policy.Exceeded(e.sink.Position(), e.acc.Info().Duration()) {
		e.rotate = true
		e.log.WithFields(logrus.Fields{
			"segment":  e.index,
			"size":     e.sink.Position(),
			"duration": e.acc.Info().Duration(),
		}).Debug("Segment full, rotating at next keyframe")
	}
	return nil
}
