package dto

import (
	"encoding/json"
	"time"

	"timelapse-service/internal/models"
)

// StartSessionRequest represents a request to start a capture session.
type StartSessionRequest struct {
	SourceType      string          `json:"source_type"`
	SourceConfig    json.RawMessage `json:"source_config"`
	IntervalSeconds int             `json:"interval_seconds"`
	DurationSeconds *int            `json:"duration_seconds,omitempty"`
	UseTimer        bool            `json:"use_timer"`
	RetentionDays   int             `json:"retention_days,omitempty"`
}

// StartSessionResponse represents the response after admitting a session.
type StartSessionResponse struct {
	SessionID string `json:"session_id"`
}

// TestConnectionRequest represents a source probe request.
type TestConnectionRequest struct {
	SourceType   string          `json:"source_type"`
	SourceConfig json.RawMessage `json:"source_config"`
}

// FrameDTO represents one captured frame.
type FrameDTO struct {
	ID         int64     `json:"id"`
	FilePath   string    `json:"file_path"`
	FileSize   int64     `json:"file_size"`
	Width      *int      `json:"width,omitempty"`
	Height     *int      `json:"height,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

// VideoDTO represents one produced video.
type VideoDTO struct {
	ID              int64     `json:"id"`
	FilePath        string    `json:"file_path"`
	FileSize        int64     `json:"file_size"`
	FPS             int       `json:"fps"`
	Format          string    `json:"format"`
	DurationSeconds float64   `json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
}

// SessionResponse represents a session with its frames.
type SessionResponse struct {
	ID              string     `json:"id"`
	SourceType      string     `json:"source_type"`
	IntervalSeconds int        `json:"interval_seconds"`
	DurationSeconds *int       `json:"duration_seconds,omitempty"`
	UseTimer        bool       `json:"use_timer"`
	Active          bool       `json:"active"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	RetentionDays   int        `json:"retention_days"`
	Frames          []FrameDTO `json:"frames"`
}

// SessionSummaryDTO represents one row of the session listing.
type SessionSummaryDTO struct {
	ID                string     `json:"id"`
	SourceType        string     `json:"source_type"`
	Active            bool       `json:"active"`
	CreatedAt         time.Time  `json:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	SnapshotCount     int        `json:"snapshot_count"`
	TotalSnapshotSize int64      `json:"total_snapshot_size"`
	VideoCount        int        `json:"video_count"`
}

// QuotaUpdateRequest represents an operator update of the storage ceilings.
type QuotaUpdateRequest struct {
	MaxTotalMB   int `json:"max_total_mb"`
	MaxSessionMB int `json:"max_session_mb"`
}

// NewFrameDTO maps a frame model to its transfer shape.
func NewFrameDTO(frame *models.Frame) FrameDTO {
	return FrameDTO{
		ID:         frame.ID,
		FilePath:   frame.FilePath,
		FileSize:   frame.FileSize,
		Width:      frame.Width,
		Height:     frame.Height,
		CapturedAt: frame.CapturedAt,
	}
}

// NewVideoDTO maps a video model to its transfer shape.
func NewVideoDTO(video *models.Video) VideoDTO {
	return VideoDTO{
		ID:              video.ID,
		FilePath:        video.FilePath,
		FileSize:        video.FileSize,
		FPS:             video.FPS,
		Format:          video.Format,
		DurationSeconds: video.DurationSeconds,
		CreatedAt:       video.CreatedAt,
	}
}
