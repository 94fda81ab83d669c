package metadata

import (
	"math"
	"strings"
	"time"

	"rapidrec/internal/amf0"
	"rapidrec/internal/flv"
)

const (
	// DefaultKeyframeSlots is the keyframe capacity when no duration limit is known
	DefaultKeyframeSlots = 2048

	minKeyframeSlots = 256
	maxKeyframeSlots = 8192

	// String spacers hold up to 64KiB, larger padding switches to LongString
	spacerStringOverhead     = 11 // marker + 16-bit length + key
	spacerLongStringOverhead = 13
	maxShortString           = math.MaxUint16

	metadataCreator = "rapidrec"
)

// Property keys managed by the finalizer. They are written in the placeholder
// with their final types so the rewrite never changes their size.
const (
	keyDuration              = "duration"
	keyFileSize              = "filesize"
	keyVideoSize             = "videosize"
	keyAudioSize             = "audiosize"
	keyLastTimestamp         = "lasttimestamp"
	keyLastVideoTimestamp    = "lastvideotimestamp"
	keyLastAudioTimestamp    = "lastaudiotimestamp"
	keyLastKeyframeTimestamp = "lastkeyframetimestamp"
	keyLastKeyframeLocation  = "lastkeyframelocation"
	keyHasVideo              = "hasVideo"
	keyHasAudio              = "hasAudio"
	keyHasMetadata           = "hasMetadata"
	keyHasKeyframes          = "hasKeyframes"
	keyCanSeekToEnd          = "canSeekToEnd"
	keyFinalized             = "finalized"
	keyMetadataCreator       = "metadatacreator"
	keyKeyframes             = "keyframes"
	keyTimes                 = "times"
	keyFilePositions         = "filepositions"
	keySpacer                = "spacer"
)

// codec keys are rewritten from Info as well
var codecKeys = []string{
	"width", "height", "framerate", "videodatarate", "videocodecid",
	"audiodatarate", "audiosamplerate", "audiosamplesize", "audiocodecid",
}

var managedKeys = map[string]bool{
	keyDuration: true, keyFileSize: true, keyVideoSize: true, keyAudioSize: true,
	keyLastTimestamp: true, keyLastVideoTimestamp: true, keyLastAudioTimestamp: true,
	keyLastKeyframeTimestamp: true, keyLastKeyframeLocation: true,
	keyHasVideo: true, keyHasAudio: true, keyHasMetadata: true, keyHasKeyframes: true,
	keyCanSeekToEnd: true, keyFinalized: true, keyMetadataCreator: true,
	keyKeyframes: true, keySpacer: true, "stereo": true, "datasize": true,
}

func init() {
	for _, k := range codecKeys {
		managedKeys[k] = true
	}
}

// KeyframeSlots sizes the keyframe table for a segment duration limit:
// one slot per second plus headroom, clamped.
func KeyframeSlots(maxDuration time.Duration) int {
	if maxDuration <= 0 {
		return DefaultKeyframeSlots
	}
	slots := int(math.Ceil(maxDuration.Seconds())) + 64
	if slots < minKeyframeSlots {
		return minKeyframeSlots
	}
	if slots > maxKeyframeSlots {
		return maxKeyframeSlots
	}
	return slots
}

// NewPlaceholder builds the onMetaData body written at the start of each
// segment. source holds the properties announced by the upstream; managed keys
// among them are replaced.
func NewPlaceholder(source []amf0.Property, info *Info, slots int) *flv.ScriptData {
	if slots <= 0 {
		slots = DefaultKeyframeSlots
	}

	arr := managedProperties(info)
	for _, p := range source {
		if managedKeys[p.Key] || managedKeys[strings.ToLower(p.Key)] {
			continue
		}
		arr = append(arr, p)
	}

	zeros := make([]Keyframe, slots)
	arr = append(arr,
		amf0.Property{Key: keyKeyframes, Value: keyframeTable(zeros)},
		amf0.Property{Key: keySpacer, Value: amf0.String("")},
	)
	return flv.NewScriptData(amf0.String("onMetaData"), arr)
}

// managedProperties renders info with the types the finalizer expects
func managedProperties(info *Info) amf0.ECMAArray {
	lastKf, hasKf := info.LastKeyframe()
	seconds := func(ms uint32) amf0.Number { return amf0.Number(float64(ms) / 1000) }

	return amf0.ECMAArray{
		{Key: keyMetadataCreator, Value: amf0.String(metadataCreator)},
		{Key: keyHasMetadata, Value: amf0.Boolean(true)},
		{Key: keyHasVideo, Value: amf0.Boolean(info.HasVideo)},
		{Key: keyHasAudio, Value: amf0.Boolean(info.HasAudio)},
		{Key: keyDuration, Value: seconds(info.LastTimestamp)},
		{Key: "width", Value: amf0.Number(info.Width)},
		{Key: "height", Value: amf0.Number(info.Height)},
		{Key: "framerate", Value: amf0.Number(info.FrameRate)},
		{Key: "videocodecid", Value: amf0.Number(info.VideoCodecID)},
		{Key: "videodatarate", Value: amf0.Number(info.VideoDataRate)},
		{Key: "audiocodecid", Value: amf0.Number(info.AudioCodecID)},
		{Key: "audiodatarate", Value: amf0.Number(info.AudioDataRate)},
		{Key: "audiosamplerate", Value: amf0.Number(info.AudioSampleRate)},
		{Key: "audiosamplesize", Value: amf0.Number(info.AudioSampleSize)},
		{Key: "stereo", Value: amf0.Boolean(info.Stereo)},
		{Key: keyFileSize, Value: amf0.Number(info.FileSize)},
		{Key: keyVideoSize, Value: amf0.Number(info.VideoDataSize)},
		{Key: keyAudioSize, Value: amf0.Number(info.AudioDataSize)},
		{Key: "datasize", Value: amf0.Number(info.VideoDataSize + info.AudioDataSize)},
		{Key: keyLastTimestamp, Value: seconds(info.LastTimestamp)},
		{Key: keyLastVideoTimestamp, Value: seconds(info.LastVideoTimestamp)},
		{Key: keyLastAudioTimestamp, Value: seconds(info.LastAudioTimestamp)},
		{Key: keyLastKeyframeTimestamp, Value: seconds(lastKf.Timestamp)},
		{Key: keyLastKeyframeLocation, Value: amf0.Number(lastKf.FilePosition)},
		{Key: keyHasKeyframes, Value: amf0.Boolean(hasKf)},
		{Key: keyCanSeekToEnd, Value: amf0.Boolean(hasKf && lastKf.Timestamp == info.LastVideoTimestamp)},
		{Key: keyFinalized, Value: amf0.Boolean(false)},
	}
}

func keyframeTable(kfs []Keyframe) amf0.Object {
	times := make(amf0.StrictArray, len(kfs))
	positions := make(amf0.StrictArray, len(kfs))
	for i, kf := range kfs {
		times[i] = amf0.Number(float64(kf.Timestamp) / 1000)
		positions[i] = amf0.Number(kf.FilePosition)
	}
	return amf0.Object{
		{Key: keyTimes, Value: times},
		{Key: keyFilePositions, Value: positions},
	}
}

// decimate keeps at most n keyframes spread evenly, always keeping the first
func decimate(kfs []Keyframe, n int) []Keyframe {
	if len(kfs) <= n || n <= 0 {
		return kfs
	}
	out := make([]Keyframe, n)
	for i := range out {
		out[i] = kfs[i*len(kfs)/n]
	}
	return out
}

// spacerFor returns a padding value that adds exactly pad bytes over an empty
// String spacer
func spacerFor(pad int) (amf0.Value, bool) {
	switch {
	case pad < 0:
		return nil, false
	case pad <= maxShortString:
		return amf0.String(strings.Repeat(" ", pad)), true
	default:
		return amf0.LongString(strings.Repeat(" ", pad-(spacerLongStringOverhead-spacerStringOverhead))), true
	}
}
