package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Recording metrics
	ActiveRecordings  prometheus.Gauge
	RecordingsStarted prometheus.Counter
	RecordingsStopped prometheus.Counter
	RecordingDuration prometheus.Histogram
	Reconnects        *prometheus.CounterVec

	// Tag metrics
	TagsParsed         *prometheus.CounterVec
	BytesIngested      prometheus.Counter
	KeyFrames          prometheus.Counter
	ChecksumMismatches prometheus.Counter
	UnknownNALUs       prometheus.Counter
	TagsDropped        *prometheus.CounterVec
	DiscardedBytes     prometheus.Counter

	// Segment metrics
	SegmentsCreated  prometheus.Counter
	Rotations        *prometheus.CounterVec
	SegmentDuration  prometheus.Histogram
	SegmentSize      prometheus.Histogram
	FinalizeFailures prometheus.Counter

	// Upload metrics
	Uploads        *prometheus.CounterVec
	UploadDuration prometheus.Histogram
	BytesUploaded  prometheus.Counter

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// RTMP metrics
	RTMPConnections   prometheus.Counter
	RTMPDisconnects   prometheus.Counter
	RTMPErrors        prometheus.Counter
	RTMPBytesReceived prometheus.Counter
}

// New creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer to expose them on the default handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	m := &Metrics{
		// Recording metrics
		ActiveRecordings: f.NewGauge(prometheus.GaugeOpts{
			Name: "rapidrec_active_recordings",
			Help: "Number of recordings currently downloading",
		}),
		RecordingsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "rapidrec_recordings_started_total",
			Help: "Total number of recording sessions started",
		}),
		RecordingsStopped: f.NewCounter(prometheus.CounterOpts{
			Name: "rapidrec_recordings_stopped_total",
			Help: "Total number of recording sessions stopped",
		}),
		RecordingDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rapidrec_recording_duration_seconds",
			Help:    "Duration of recording sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10s to ~11h
		}),
		Reconnects: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rapidrec_reconnects_total",
				Help: "Total number of source reconnect attempts",
			},
			[]string{"recording"},
		),

		// Tag metrics
		TagsParsed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rapidrec_tags_parsed_total",
				Help: "Total number of FLV tags parsed",
			},
			[]string{"type"}, // audio, video or script
		),
		BytesIngested: f.NewCounter(prometheus.CounterOpts{
			Name: "rapidrec_bytes_ingested_total",
			Help: "Total number of FLV bytes written to segments",
		}),
		KeyFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "rapidrec_keyframes_total",
			Help: "Total number of video keyframes seen",
		}),
		ChecksumMismatches: f.NewCounter(prometheus.CounterOpts{
			Name: "rapidrec_checksum_mismatches_total",
			Help: "Tags whose trailing PreviousTagSize disagreed with the tag",
		}),
		UnknownNALUs: f.NewCounter(prometheus.CounterOpts{
			Name: "rapidrec_unclassified_frames_total",
			Help: "Video frames whose NAL units could not be classified",
		}),
		TagsDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rapidrec_tags_dropped_total",
				Help: "Total number of tags not written to any segment",
			},
			[]string{"reason"},
		),
		DiscardedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "rapidrec_discarded_bytes_total",
			Help: "Trailing partial tag bytes dropped at end of stream",
		}),

		// Segment metrics
		SegmentsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "rapidrec_segments_created_total",
			Help: "Total number of FLV segments opened",
		}),
		Rotations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rapidrec_rotations_total",
				Help: "Total number of segment rotations",
			},
			[]string{"reason"}, // policy or codec_change
		),
		SegmentDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rapidrec_segment_duration_seconds",
			Help:    "Duration of closed segments",
			Buckets: prometheus.ExponentialBuckets(30, 2, 10), // 30s to ~4h
		}),
		SegmentSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rapidrec_segment_size_bytes",
			Help:    "Size of closed segments in bytes",
			Buckets: prometheus.ExponentialBuckets(1<<20, 2, 12), // 1MB to ~2GB
		}),
		FinalizeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "rapidrec_finalize_failures_total",
			Help: "Segments left without a rewritten seek index",
		}),

		// Upload metrics
		Uploads: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rapidrec_uploads_total",
				Help: "Total number of segment uploads",
			},
			[]string{"result"},
		),
		UploadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rapidrec_upload_duration_seconds",
			Help:    "Time spent uploading one segment",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		BytesUploaded: f.NewCounter(prometheus.CounterOpts{
			Name: "rapidrec_bytes_uploaded_total",
			Help: "Total number of segment bytes uploaded",
		}),

		// HTTP metrics
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rapidrec_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rapidrec_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		// RTMP metrics
		RTMPConnections: f.NewCounter(prometheus.CounterOpts{
			Name: "rapidrec_rtmp_connections_total",
			Help: "Total number of RTMP connections",
		}),
		RTMPDisconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "rapidrec_rtmp_disconnects_total",
			Help: "Total number of RTMP disconnections",
		}),
		RTMPErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "rapidrec_rtmp_errors_total",
			Help: "Total number of RTMP errors",
		}),
		RTMPBytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "rapidrec_rtmp_bytes_received_total",
			Help: "Total bytes of media received via RTMP",
		}),
	}

	return m
}

// RecordRecordingStart records a recording session starting
func (m *Metrics) RecordRecordingStart() {
	if m == nil {
		return
	}
	m.ActiveRecordings.Inc()
	m.RecordingsStarted.Inc()
}

// RecordRecordingStop records a recording session stopping
func (m *Metrics) RecordRecordingStop(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActiveRecordings.Dec()
	m.RecordingsStopped.Inc()
	m.RecordingDuration.Observe(durationSeconds)
}

// RecordReconnect records a reconnect attempt
func (m *Metrics) RecordReconnect(name string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(name).Inc()
}

// RecordTag records a tag written to a segment
func (m *Metrics) RecordTag(tagType string, size int) {
	if m == nil {
		return
	}
	m.TagsParsed.WithLabelValues(tagType).Inc()
	m.BytesIngested.Add(float64(size))
}

// RecordKeyFrame records a keyframe
func (m *Metrics) RecordKeyFrame() {
	if m == nil {
		return
	}
	m.KeyFrames.Inc()
}

// RecordChecksumMismatch records an advisory checksum failure
func (m *Metrics) RecordChecksumMismatch() {
	if m == nil {
		return
	}
	m.ChecksumMismatches.Inc()
}

// RecordUnknownNALU records a frame that could not be classified
func (m *Metrics) RecordUnknownNALU() {
	if m == nil {
		return
	}
	m.UnknownNALUs.Inc()
}

// RecordTagDropped records a tag that was not written
func (m *Metrics) RecordTagDropped(reason string) {
	if m == nil {
		return
	}
	m.TagsDropped.WithLabelValues(reason).Inc()
}

// RecordDiscardedBytes records trailing bytes dropped at end of stream
func (m *Metrics) RecordDiscardedBytes(n int) {
	if m == nil || n == 0 {
		return
	}
	m.DiscardedBytes.Add(float64(n))
}

// RecordSegmentOpened records a segment being opened
func (m *Metrics) RecordSegmentOpened() {
	if m == nil {
		return
	}
	m.SegmentsCreated.Inc()
}

// RecordRotation records a segment rotation
func (m *Metrics) RecordRotation(reason string) {
	if m == nil {
		return
	}
	m.Rotations.WithLabelValues(reason).Inc()
}

// RecordSegment records a closed segment
func (m *Metrics) RecordSegment(durationSeconds float64, sizeBytes int64, finalized bool) {
	if m == nil {
		return
	}
	m.SegmentDuration.Observe(durationSeconds)
	m.SegmentSize.Observe(float64(sizeBytes))
	if !finalized {
		m.FinalizeFailures.Inc()
	}
}

// RecordUpload records one upload attempt
func (m *Metrics) RecordUpload(ok bool, durationSeconds float64, sizeBytes int64) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.Uploads.WithLabelValues(result).Inc()
	m.UploadDuration.Observe(durationSeconds)
	if ok {
		m.BytesUploaded.Add(float64(sizeBytes))
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, statusCodeToString(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// RecordRTMPConnection records an RTMP connection
func (m *Metrics) RecordRTMPConnection() {
	if m == nil {
		return
	}
	m.RTMPConnections.Inc()
}

// RecordRTMPDisconnect records an RTMP disconnection
func (m *Metrics) RecordRTMPDisconnect() {
	if m == nil {
		return
	}
	m.RTMPDisconnects.Inc()
}

// RecordRTMPError records an RTMP error
func (m *Metrics) RecordRTMPError() {
	if m == nil {
		return
	}
	m.RTMPErrors.Inc()
}

// RecordRTMPBytes records bytes received via RTMP
func (m *Metrics) RecordRTMPBytes(bytes int) {
	if m == nil {
		return
	}
	m.RTMPBytesReceived.Add(float64(bytes))
}

// statusCodeToString converts an HTTP status code to a string
func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
