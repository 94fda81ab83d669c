package metadata

import (
	"time"
)

// Keyframe is one entry of the seek index
type Keyframe struct {
	Timestamp    uint32 // ms
	FilePosition int64
}

// JoinPoint marks a rotation boundary inside the logical recording
type JoinPoint struct {
	Segment      int
	Timestamp    uint32 // ms, in source time
	FilePosition int64  // bytes written across all segments before the boundary
}

// Info is the running metadata of one output file
type Info struct {
	HasAudio  bool
	HasVideo  bool
	HasScript bool

	FileSize      int64
	AudioDataSize int64
	VideoDataSize int64

	// Codec information, carried across segments
	VideoCodecID    int
	AudioCodecID    int
	Width           float64
	Height          float64
	FrameRate       float64
	VideoDataRate   float64
	AudioDataRate   float64
	AudioSampleRate float64
	AudioSampleSize float64
	Stereo          bool
	Encoder         string

	// SourceDuration is the duration announced by the source, 0 for live streams
	SourceDuration float64

	Keyframes  []Keyframe
	JoinPoints []JoinPoint

	LastTimestamp      uint32
	LastVideoTimestamp uint32
	LastAudioTimestamp uint32
}

// Duration is the span covered by the media tags seen so far
func (i *Info) Duration() time.Duration {
	return time.Duration(i.LastTimestamp) * time.Millisecond
}

// LastKeyframe returns the most recent keyframe
func (i *Info) LastKeyframe() (Keyframe, bool) {
	if len(i.Keyframes) == 0 {
		return Keyframe{}, false
	}
	return i.Keyframes[len(i.Keyframes)-1], true
}

// Clone returns a deep copy
func (i *Info) Clone() *Info {
	out := *i
	out.Keyframes = append([]Keyframe(nil), i.Keyframes...)
	out.JoinPoints = append([]JoinPoint(nil), i.JoinPoints...)
	return &out
}

// seed keeps the codec fields of i and drops everything accumulated per file
func (i *Info) seed() Info {
	return Info{
		HasAudio:        i.HasAudio,
		HasVideo:        i.HasVideo,
		HasScript:       i.HasScript,
		VideoCodecID:    i.VideoCodecID,
		AudioCodecID:    i.AudioCodecID,
		Width:           i.Width,
		Height:          i.Height,
		FrameRate:       i.FrameRate,
		VideoDataRate:   i.VideoDataRate,
		AudioDataRate:   i.AudioDataRate,
		AudioSampleRate: i.AudioSampleRate,
		AudioSampleSize: i.AudioSampleSize,
		Stereo:          i.Stereo,
		Encoder:         i.Encoder,
	}
}
