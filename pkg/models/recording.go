package models

import (
	"sync"
	"time"
)

// RecordingState represents the current state of a recording
type RecordingState string

const (
	RecordingStateIdle         RecordingState = "idle"
	RecordingStateConnecting   RecordingState = "connecting"
	RecordingStateRecording    RecordingState = "recording"
	RecordingStateReconnecting RecordingState = "reconnecting"
	RecordingStateStopping     RecordingState = "stopping"
	RecordingStateStopped      RecordingState = "stopped"
)

// Source kinds
const (
	SourceHTTPFLV = "http-flv"
	SourceRTMP    = "rtmp"
)

// Recording is one named live stream being written to segment files.
// It outlives the individual downloads made while reconnecting.
type Recording struct {
	ID        string         // Unique id of this recording session
	Name      string         // Stream name, used in file names
	Source    string         // http-flv or rtmp
	URL       string         // Pull URL or publisher address
	State     RecordingState // Current state
	StartedAt time.Time      // When the recording was created
	StoppedAt *time.Time     // When the recording stopped (if stopped)
	Segments  []*Segment     // Closed segments in creation order

	Stats RecordingStats

	mu sync.RWMutex // Protects concurrent access
}

// RecordingStats tracks recording statistics
type RecordingStats struct {
	Sessions       int       // Downloads started, reconnects included
	SegmentsOpened int       // Segments opened so far
	BytesWritten   int64     // Bytes in closed segments
	CurrentPath    string    // Segment being written
	LastError      string    // Last download error
	LastErrorAt    time.Time // When LastError happened
}

// NewRecording creates a recording in the idle state
func NewRecording(id, name, source, url string) *Recording {
	return &Recording{
		ID:        id,
		Name:      name,
		Source:    source,
		URL:       url,
		State:     RecordingStateIdle,
		StartedAt: time.Now(),
	}
}

// SetState safely updates the recording state
func (r *Recording) SetState(state RecordingState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.State = state

	if state == RecordingStateStopped && r.StoppedAt == nil {
		now := time.Now()
		r.StoppedAt = &now
	}
}

// GetState safely returns the current recording state
func (r *Recording) GetState() RecordingState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.State
}

// IsActive reports whether the recording has not stopped
func (r *Recording) IsActive() bool {
	state := r.GetState()
	return state != RecordingStateStopped && state != RecordingStateStopping
}

// StartSession counts a new download
func (r *Recording) StartSession() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Stats.Sessions++
	return r.Stats.Sessions
}

// NextSegmentIndex is the index the next opened segment will get
func (r *Recording) NextSegmentIndex() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Stats.SegmentsOpened + 1
}

// SegmentOpened records the path of the segment being written
func (r *Recording) SegmentOpened(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Stats.SegmentsOpened++
	r.Stats.CurrentPath = path
	return r.Stats.SegmentsOpened
}

// AddSegment appends a closed segment
func (r *Recording) AddSegment(seg *Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Segments = append(r.Segments, seg)
	r.Stats.BytesWritten += seg.Size
	if r.Stats.CurrentPath == seg.Path {
		r.Stats.CurrentPath = ""
	}
}

// SetError records a download failure
func (r *Recording) SetError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Stats.LastError = err.Error()
	r.Stats.LastErrorAt = time.Now()
}

// Info returns a snapshot for the API
func (r *Recording) Info() RecordingInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info := RecordingInfo{
		ID:           r.ID,
		Name:         r.Name,
		Source:       r.Source,
		URL:          r.URL,
		State:        string(r.State),
		StartedAt:    r.StartedAt.UTC().Format(time.RFC3339),
		Sessions:     r.Stats.Sessions,
		BytesWritten: r.Stats.BytesWritten,
		CurrentPath:  r.Stats.CurrentPath,
		LastError:    r.Stats.LastError,
		Segments:     make([]SegmentInfo, 0, len(r.Segments)),
	}
	if r.StoppedAt != nil {
		info.StoppedAt = r.StoppedAt.UTC().Format(time.RFC3339)
	}
	for _, seg := range r.Segments {
		info.Segments = append(info.Segments, seg.Info())
	}
	return info
}
