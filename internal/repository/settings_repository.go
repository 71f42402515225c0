package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"timelapse-service/internal/models"
)

type SettingsRepository struct {
	db *sql.DB
}

func NewSettingsRepository(db *sql.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get returns the value for a settings key, or defaultValue when unset.
func (r *SettingsRepository) Get(ctx context.Context, key, defaultValue string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return defaultValue, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %q: %w", key, err)
	}
	return value, nil
}

// GetInt returns a settings value parsed as an integer.
func (r *SettingsRepository) GetInt(ctx context.Context, key string, defaultValue int) (int, error) {
	value, err := r.Get(ctx, key, strconv.Itoa(defaultValue))
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue, nil
	}
	return n, nil
}

// Set upserts a settings key.
func (r *SettingsRepository) Set(ctx context.Context, key, value string) error {
	query := `
		INSERT OR REPLACE INTO settings (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
	`
	if _, err := r.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set setting %q: %w", key, err)
	}
	return nil
}

// StorageStats returns catalog-wide counts and byte sums.
func (r *SettingsRepository) StorageStats(ctx context.Context) (*models.StorageStats, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM sessions),
			(SELECT COUNT(*) FROM snapshots),
			(SELECT COUNT(*) FROM videos),
			(SELECT COALESCE(SUM(file_size), 0) FROM snapshots),
			(SELECT COALESCE(SUM(file_size), 0) FROM videos)
	`
	var stats models.StorageStats
	err := r.db.QueryRowContext(ctx, query).Scan(
		&stats.TotalSessions,
		&stats.TotalSnapshots,
		&stats.TotalVideos,
		&stats.TotalSnapshotSize,
		&stats.TotalVideoSize,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get storage stats: %w", err)
	}
	stats.TotalSize = stats.TotalSnapshotSize + stats.TotalVideoSize
	return &stats, nil
}

// SessionUsage returns one session's combined frame and video byte size.
func (r *SettingsRepository) SessionUsage(ctx context.Context, sessionID string) (int64, error) {
	query := `
		SELECT
			(SELECT COALESCE(SUM(file_size), 0) FROM snapshots WHERE session_id = ?) +
			(SELECT COALESCE(SUM(file_size), 0) FROM videos WHERE session_id = ?)
	`
	var usage int64
	if err := r.db.QueryRowContext(ctx, query, sessionID, sessionID).Scan(&usage); err != nil {
		return 0, fmt.Errorf("failed to get session usage: %w", err)
	}
	return usage, nil
}
