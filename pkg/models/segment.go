package models

import (
	"sync"
	"time"
)

// Segment represents one closed FLV file of a recording
type Segment struct {
	Recording string        // Name of the recording this segment belongs to
	Index     int           // 1-based index within the recording
	Path      string        // Local path of the file
	Key       string        // Storage key, relative to the output directory
	Size      int64         // Size in bytes
	Duration  time.Duration // Media duration
	Keyframes int           // Entries in the keyframe index
	Finalized bool          // Whether the metadata was rewritten
	CreatedAt time.Time     // When the file was opened
	ClosedAt  time.Time     // When the file was closed

	uploaded bool
	mu       sync.RWMutex
}

// MarkUploaded records a successful upload
func (s *Segment) MarkUploaded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploaded = true
}

// Uploaded reports whether the segment reached storage
func (s *Segment) Uploaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uploaded
}

// Info returns the API view of the segment
func (s *Segment) Info() SegmentInfo {
	return SegmentInfo{
		Index:     s.Index,
		Key:       s.Key,
		Size:      s.Size,
		Duration:  s.Duration.Seconds(),
		Keyframes: s.Keyframes,
		Finalized: s.Finalized,
		Uploaded:  s.Uploaded(),
		CreatedAt: s.CreatedAt.UTC().Format(time.RFC3339),
		ClosedAt:  s.ClosedAt.UTC().Format(time.RFC3339),
	}
}
