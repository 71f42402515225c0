package repository

import (
	"context"
	"database/sql"
	"fmt"

	"timelapse-service/internal/models"
)

type FrameRepository struct {
	db *sql.DB
}

func NewFrameRepository(db *sql.DB) *FrameRepository {
	return &FrameRepository{db: db}
}

// Add inserts a captured frame row. Frames are immutable once written.
func (r *FrameRepository) Add(ctx context.Context, frame *models.Frame) error {
	query := `
		INSERT INTO snapshots (session_id, file_path, file_size, width, height, captured_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.ExecContext(
		ctx,
		query,
		frame.SessionID,
		frame.FilePath,
		frame.FileSize,
		frame.Width,
		frame.Height,
		frame.CapturedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add frame: %w", err)
	}
	frame.ID, _ = result.LastInsertId()
	return nil
}

// ListBySession retrieves a session's frames ordered by capture time ascending.
// The ordering is what keeps assembled output temporally coherent.
func (r *FrameRepository) ListBySession(ctx context.Context, sessionID string) ([]*models.Frame, error) {
	query := `
		SELECT id, session_id, file_path, file_size, width, height, captured_at
		FROM snapshots
		WHERE session_id = ?
		ORDER BY captured_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}
	defer rows.Close()

	var frames []*models.Frame
	for rows.Next() {
		var (
			frame  models.Frame
			size   sql.NullInt64
			width  sql.NullInt64
			height sql.NullInt64
		)
		err := rows.Scan(
			&frame.ID,
			&frame.SessionID,
			&frame.FilePath,
			&size,
			&width,
			&height,
			&frame.CapturedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan frame: %w", err)
		}
		frame.FileSize = size.Int64
		if width.Valid {
			w := int(width.Int64)
			frame.Width = &w
		}
		if height.Valid {
			h := int(height.Int64)
			frame.Height = &h
		}
		frames = append(frames, &frame)
	}
	return frames, rows.Err()
}

// CountBySession returns the number of frames recorded for a session.
func (r *FrameRepository) CountBySession(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM snapshots WHERE session_id = ?`, sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count frames: %w", err)
	}
	return count, nil
}

// AllPaths returns every frame file path known to the catalog.
func (r *FrameRepository) AllPaths(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT file_path FROM snapshots`)
	if err != nil {
		return nil, fmt.Errorf("failed to query frame paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("failed to scan frame path: %w", err)
		}
		paths = append(paths, path)
	}
	return paths, rows.Err()
}
