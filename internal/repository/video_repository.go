package repository

import (
	"context"
	"database/sql"
	"fmt"

	"timelapse-service/internal/models"
)

type VideoRepository struct {
	db *sql.DB
}

func NewVideoRepository(db *sql.DB) *VideoRepository {
	return &VideoRepository{db: db}
}

// Add inserts a produced video row. Prior rows for the session are untouched;
// repeated assemblies accumulate independent artifacts.
func (r *VideoRepository) Add(ctx context.Context, video *models.Video) error {
	query := `
		INSERT INTO videos (session_id, file_path, file_size, fps, format, duration_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.ExecContext(
		ctx,
		query,
		video.SessionID,
		video.FilePath,
		video.FileSize,
		video.FPS,
		video.Format,
		video.DurationSeconds,
		video.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add video: %w", err)
	}
	video.ID, _ = result.LastInsertId()
	return nil
}

// ListBySession retrieves a session's produced videos, newest first.
func (r *VideoRepository) ListBySession(ctx context.Context, sessionID string) ([]*models.Video, error) {
	query := `
		SELECT id, session_id, file_path, file_size, fps, format, duration_seconds, created_at
		FROM videos
		WHERE session_id = ?
		ORDER BY created_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list videos: %w", err)
	}
	defer rows.Close()

	var videos []*models.Video
	for rows.Next() {
		var (
			video    models.Video
			size     sql.NullInt64
			duration sql.NullFloat64
		)
		err := rows.Scan(
			&video.ID,
			&video.SessionID,
			&video.FilePath,
			&size,
			&video.FPS,
			&video.Format,
			&duration,
			&video.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan video: %w", err)
		}
		video.FileSize = size.Int64
		video.DurationSeconds = duration.Float64
		videos = append(videos, &video)
	}
	return videos, rows.Err()
}

// AllPaths returns every video file path known to the catalog.
func (r *VideoRepository) AllPaths(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT file_path FROM videos`)
	if err != nil {
		return nil, fmt.Errorf("failed to query video paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("failed to scan video path: %w", err)
		}
		paths = append(paths, path)
	}
	return paths, rows.Err()
}
