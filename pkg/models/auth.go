package models

import "time"

// PublishToken represents a token for publishing to a recording over RTMP
type PublishToken struct {
	Token       string    // The actual token string
	Name        string    // Recording name this token is valid for
	CreatedAt   time.Time // When token was created
	ExpiresAt   time.Time // When token expires
	PublisherIP string    // IP address that requested the token
	IsUsed      bool      // Whether token has been used
}

// IsValid checks if the token is still valid at now
func (t *PublishToken) IsValid(now time.Time) bool {
	return !t.IsUsed && now.Before(t.ExpiresAt)
}

// PublishRequest represents a request to create a publish token
type PublishRequest struct {
	Name      string `json:"name" binding:"required"`
	ExpiresIn int    `json:"expiresIn"` // Seconds until expiration (default 3600)
}

// PublishResponse represents the response to a publish request
type PublishResponse struct {
	PublishURL string `json:"publishUrl"`
	Name       string `json:"name"`
	Token      string `json:"token"`
	ExpiresAt  string `json:"expiresAt"`
}

// StartRecordingRequest asks for an HTTP-FLV pull recording
type StartRecordingRequest struct {
	Name string `json:"name" binding:"required"`
	URL  string `json:"url" binding:"required,url"`
}

// RecordingInfo represents recording state returned by the API
type RecordingInfo struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Source       string        `json:"source"`
	URL          string        `json:"url,omitempty"`
	State        string        `json:"state"`
	StartedAt    string        `json:"startedAt"`
	StoppedAt    string        `json:"stoppedAt,omitempty"`
	Sessions     int           `json:"sessions"`
	BytesWritten int64         `json:"bytesWritten"`
	CurrentPath  string        `json:"currentPath,omitempty"`
	LastError    string        `json:"lastError,omitempty"`
	Segments     []SegmentInfo `json:"segments"`
}

// SegmentInfo represents a closed segment returned by the API
type SegmentInfo struct {
	Index     int     `json:"index"`
	Key       string  `json:"key"`
	Size      int64   `json:"size"`
	Duration  float64 `json:"duration"` // seconds
	Keyframes int     `json:"keyframes"`
	Finalized bool    `json:"finalized"`
	Uploaded  bool    `json:"uploaded"`
	URL       string  `json:"url,omitempty"`
	CreatedAt string  `json:"createdAt"`
	ClosedAt  string  `json:"closedAt"`
}

// RecordingListResponse represents a list of recordings
type RecordingListResponse struct {
	Recordings []RecordingInfo `json:"recordings"`
	Total      int             `json:"total"`
}
