package models

import (
	"time"
)

// SensitivityStatus enumerates the moderation states persisted on a video.
type SensitivityStatus string

const (
	StatusPending SensitivityStatus = "pending"
	StatusSafe    SensitivityStatus = "safe"
	StatusFlagged SensitivityStatus = "flagged"
)

// Valid reports whether s is one of the three known statuses.
func (s SensitivityStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSafe, StatusFlagged:
		return true
	}
	return false
}

// IsTerminal is true once a video has left pending.
func (s SensitivityStatus) IsTerminal() bool {
	return s == StatusSafe || s == StatusFlagged
}

// Video represents a video record persisted in Postgres.
type Video struct {
	ID                string            `json:"id"`
	Title             string            `json:"title"`
	Description       string            `json:"description"`
	Filename          string            `json:"filename"`
	MediaURL          string            `json:"media_url"`
	ThumbnailURL      string            `json:"thumbnail_url,omitempty"`
	OwnerID           string            `json:"owner_id"`
	SensitivityStatus SensitivityStatus `json:"sensitivity_status"`
	Views             int64             `json:"views"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Verdict is the parsed classification for one job. Only Status is persisted.
type Verdict struct {
	Status SensitivityStatus `json:"status"`
	Reason string            `json:"reason"`
}

// StatusEventName is the broadcast event type observers listen for.
const StatusEventName = "videoStatusUpdate"

// StatusEvent is broadcast once per job when a verdict is persisted.
type StatusEvent struct {
	VideoID string            `json:"videoId"`
	Status  SensitivityStatus `json:"status"`
}

// AuditLog is a pipeline audit event row.
type AuditLog struct {
	VideoID  string    `json:"video_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
