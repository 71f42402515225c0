package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"timelapse-service/internal/models"
)

// ErrNotFound is returned when a catalog row does not exist.
var ErrNotFound = errors.New("not found")

type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create inserts a new session into the catalog.
func (r *SessionRepository) Create(ctx context.Context, session *models.Session) error {
	query := `
		INSERT INTO sessions (
			id, source_type, source_config, interval_seconds, duration_seconds,
			use_timer, active, created_at, started_at, retention_days
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(
		ctx,
		query,
		session.ID,
		string(session.SourceType),
		session.SourceConfig,
		session.IntervalSeconds,
		session.DurationSeconds,
		session.UseTimer,
		session.Active,
		session.CreatedAt,
		session.StartedAt,
		session.RetentionDays,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetByID retrieves a session by ID.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	query := `
		SELECT id, source_type, source_config, interval_seconds, duration_seconds,
		       use_timer, active, created_at, started_at, completed_at, retention_days
		FROM sessions
		WHERE id = ?
	`
	session, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// SetInactive marks a session inactive and records its completion time.
func (r *SessionRepository) SetInactive(ctx context.Context, id string, completedAt time.Time) error {
	query := `
		UPDATE sessions
		SET active = 0, completed_at = ?
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, query, completedAt, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate session: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete deletes a session by ID, cascading to its frames and videos.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// List retrieves a page of sessions with per-session aggregates, newest first.
func (r *SessionRepository) List(ctx context.Context, limit, offset int) ([]*models.SessionSummary, error) {
	query := `
		SELECT s.id, s.source_type, s.source_config, s.interval_seconds, s.duration_seconds,
		       s.use_timer, s.active, s.created_at, s.started_at, s.completed_at, s.retention_days,
		       COUNT(DISTINCT snap.id) AS snapshot_count,
		       COALESCE(SUM(snap.file_size), 0) AS total_snapshot_size,
		       COUNT(DISTINCT v.id) AS video_count
		FROM sessions s
		LEFT JOIN snapshots snap ON s.id = snap.session_id
		LEFT JOIN videos v ON s.id = v.session_id
		GROUP BY s.id
		ORDER BY s.created_at DESC
		LIMIT ? OFFSET ?
	`
	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var summaries []*models.SessionSummary
	for rows.Next() {
		var (
			summary   models.SessionSummary
			config    sql.NullString
			duration  sql.NullInt64
			startedAt sql.NullTime
			completed sql.NullTime
		)
		err := rows.Scan(
			&summary.ID,
			&summary.SourceType,
			&config,
			&summary.IntervalSeconds,
			&duration,
			&summary.UseTimer,
			&summary.Active,
			&summary.CreatedAt,
			&startedAt,
			&completed,
			&summary.RetentionDays,
			&summary.SnapshotCount,
			&summary.TotalSnapshotSize,
			&summary.VideoCount,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		summary.SourceConfig = config.String
		if duration.Valid {
			d := int(duration.Int64)
			summary.DurationSeconds = &d
		}
		if startedAt.Valid {
			t := startedAt.Time
			summary.StartedAt = &t
		}
		if completed.Valid {
			t := completed.Time
			summary.CompletedAt = &t
		}
		summaries = append(summaries, &summary)
	}
	return summaries, rows.Err()
}

// CleanupCandidates retrieves inactive sessions created before the cutoff.
// Active sessions are never candidates, regardless of age.
func (r *SessionRepository) CleanupCandidates(ctx context.Context, cutoff time.Time) ([]*models.Session, error) {
	query := `
		SELECT id, source_type, source_config, interval_seconds, duration_seconds,
		       use_timer, active, created_at, started_at, completed_at, retention_days
		FROM sessions
		WHERE created_at < ? AND active = 0
	`
	rows, err := r.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query cleanup candidates: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		session   models.Session
		config    sql.NullString
		duration  sql.NullInt64
		startedAt sql.NullTime
		completed sql.NullTime
	)
	err := row.Scan(
		&session.ID,
		&session.SourceType,
		&config,
		&session.IntervalSeconds,
		&duration,
		&session.UseTimer,
		&session.Active,
		&session.CreatedAt,
		&startedAt,
		&completed,
		&session.RetentionDays,
	)
	if err != nil {
		return nil, err
	}
	session.SourceConfig = config.String
	if duration.Valid {
		d := int(duration.Int64)
		session.DurationSeconds = &d
	}
	if startedAt.Valid {
		t := startedAt.Time
		session.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		session.CompletedAt = &t
	}
	return &session, nil
}
