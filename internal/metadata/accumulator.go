package metadata

import (
	"strings"

	"rapidrec/internal/amf0"
	"rapidrec/internal/flv"
)

// Accumulator grows the Info of the current output file tag by tag
type Accumulator struct {
	info Info
}

// NewAccumulator returns an empty accumulator
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Info returns the live metadata. Callers must not keep it across Reset.
func (a *Accumulator) Info() *Info {
	return &a.info
}

// Snapshot returns a copy of the current metadata
func (a *Accumulator) Snapshot() *Info {
	return a.info.Clone()
}

// Reset starts a new file. Codec fields are taken from seed when given,
// otherwise from the current state.
func (a *Accumulator) Reset(seed *Info) {
	if seed == nil {
		seed = &a.info
	}
	a.info = seed.seed()
}

// Observe records a tag written at filePosition. keyframe is the codec level
// classification of video tags and is ignored for other types.
func (a *Accumulator) Observe(tag *flv.Tag, filePosition int64, keyframe bool) {
	info := &a.info
	ts := tag.Header.Timestamp

	switch d := tag.Data.(type) {
	case *flv.AudioData:
		info.HasAudio = true
		info.AudioDataSize += int64(tag.Header.DataSize)
		info.AudioCodecID = int(d.Format)
		if !d.IsSequenceHeader() {
			info.LastAudioTimestamp = ts
			if info.AudioSampleRate == 0 {
				info.AudioSampleRate = float64(d.SampleRate())
			}
			if info.AudioSampleSize == 0 {
				info.AudioSampleSize = float64(int(8) << d.SampleSize)
			}
			info.Stereo = d.Channels == 1
			a.advance(ts)
		}

	case *flv.VideoData:
		info.HasVideo = true
		info.VideoDataSize += int64(tag.Header.DataSize)
		if d.CodecID != 0 {
			info.VideoCodecID = int(d.CodecID)
		}
		if !d.IsSequenceHeader() {
			info.LastVideoTimestamp = ts
			a.advance(ts)
			if keyframe {
				a.addKeyframe(Keyframe{Timestamp: ts, FilePosition: filePosition})
			}
		}

	case *flv.ScriptData:
		info.HasScript = true
		if d.Name() == "onMetaData" {
			a.Merge(d.Properties())
		}
	}

	if end := filePosition + int64(tag.Size()) + flv.PreviousTagSizeLength; end > info.FileSize {
		info.FileSize = end
	}
}

func (a *Accumulator) advance(ts uint32) {
	if ts > a.info.LastTimestamp {
		a.info.LastTimestamp = ts
	}
}

// addKeyframe keeps the index strictly ordered by position and never
// decreasing in time
func (a *Accumulator) addKeyframe(kf Keyframe) {
	if last, ok := a.info.LastKeyframe(); ok {
		if kf.Timestamp < last.Timestamp || kf.FilePosition <= last.FilePosition {
			return
		}
	}
	a.info.Keyframes = append(a.info.Keyframes, kf)
}

// Merge copies recognized onMetaData fields. Unknown keys and values of the
// wrong type are ignored.
func (a *Accumulator) Merge(props []amf0.Property) {
	info := &a.info
	for _, p := range props {
		if p.Key == "encoder" {
			if s, ok := amf0.AsString(p.Value); ok {
				info.Encoder = s
			}
			continue
		}
		if p.Key == "stereo" {
			if b, ok := amf0.AsBool(p.Value); ok {
				info.Stereo = b
			}
			continue
		}

		n, ok := amf0.AsNumber(p.Value)
		if !ok {
			continue
		}
		switch strings.ToLower(p.Key) {
		case "duration":
			info.SourceDuration = n
		case "width":
			info.Width = n
		case "height":
			info.Height = n
		case "framerate", "fps":
			info.FrameRate = n
		case "videodatarate":
			info.VideoDataRate = n
		case "audiodatarate":
			info.AudioDataRate = n
		case "audiosamplerate":
			info.AudioSampleRate = n
		case "audiosamplesize":
			info.AudioSampleSize = n
		case "videocodecid":
			info.VideoCodecID = int(n)
		case "audiocodecid":
			info.AudioCodecID = int(n)
		}
	}
}
