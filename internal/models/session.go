package models

import "time"

// SourceKind is the closed set of places frames can come from.
type SourceKind string

const (
	SourceRTSP       SourceKind = "rtsp"
	SourceUSBCamera  SourceKind = "usb_camera"
	SourceHTTPStream SourceKind = "http_stream"
	SourceRTMPStream SourceKind = "rtmp_stream"
	SourceScreen     SourceKind = "screen"
	SourceUpload     SourceKind = "upload"
	SourceImport     SourceKind = "import"
	SourceMQTT       SourceKind = "mqtt"
)

// KnownSourceKinds lists every accepted source kind.
var KnownSourceKinds = []SourceKind{
	SourceRTSP,
	SourceUSBCamera,
	SourceHTTPStream,
	SourceRTMPStream,
	SourceScreen,
	SourceUpload,
	SourceImport,
	SourceMQTT,
}

// Session represents one configured capture task against one source.
type Session struct {
	ID              string
	SourceType      SourceKind
	SourceConfig    string // JSON blob, interpreted only by the capture package
	IntervalSeconds int
	DurationSeconds *int
	UseTimer        bool
	Active          bool
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	RetentionDays   int
}

// Frame is one captured still image belonging to a session.
type Frame struct {
	ID         int64
	SessionID  string
	FilePath   string
	FileSize   int64
	Width      *int
	Height     *int
	CapturedAt time.Time
}

// Video is one assembled artifact built from a session's frames.
type Video struct {
	ID              int64
	SessionID       string
	FilePath        string
	FileSize        int64
	FPS             int
	Format          string
	DurationSeconds float64
	CreatedAt       time.Time
}

// Video output formats.
const (
	FormatMP4 = "mp4"
	FormatGIF = "gif"
)

// SessionSummary is a session row joined with its per-session aggregates.
type SessionSummary struct {
	Session
	SnapshotCount     int
	TotalSnapshotSize int64
	VideoCount        int
}

// StorageStats aggregates catalog-wide counts and byte sizes.
type StorageStats struct {
	TotalSessions     int   `json:"total_sessions"`
	TotalSnapshots    int   `json:"total_snapshots"`
	TotalVideos       int   `json:"total_videos"`
	TotalSnapshotSize int64 `json:"total_snapshot_size"`
	TotalVideoSize    int64 `json:"total_video_size"`
	TotalSize         int64 `json:"total_size"`
}

// Well-known settings keys.
const (
	SettingMaxTotalStorageMB   = "max_total_storage_mb"
	SettingMaxSessionStorageMB = "max_session_storage_mb"
	SettingRetentionDays       = "retention_days"
	SettingDBVersion           = "db_version"
)
