package service

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"timelapse-service/internal/config"
	"timelapse-service/internal/models"
	"timelapse-service/internal/repository"
)

// SweepResult summarizes one run of the two passes.
type SweepResult struct {
	SessionsDeleted int `json:"sessions_deleted"`
	OrphansDeleted  int `json:"orphans_deleted"`
	MissingFiles    int `json:"missing_files"`
	Errors          int `json:"errors"`
}

// Sweeper is the retention and reconciliation job. It runs independently of
// any session loop, on the catalog and the filesystem alone.
type Sweeper struct {
	config   *config.Config
	sessions *repository.SessionRepository
	frames   *repository.FrameRepository
	videos   *repository.VideoRepository
	settings *repository.SettingsRepository
	log      zerolog.Logger
}

func NewSweeper(
	cfg *config.Config,
	sessions *repository.SessionRepository,
	frames *repository.FrameRepository,
	videos *repository.VideoRepository,
	settings *repository.SettingsRepository,
	log zerolog.Logger,
) *Sweeper {
	return &Sweeper{
		config:   cfg,
		sessions: sessions,
		frames:   frames,
		videos:   videos,
		settings: settings,
		log:      log.With().Str("component", "sweeper").Logger(),
	}
}

// Start runs the sweeper on its fixed schedule until the context ends.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.config.CleanupInterval).Msg("sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes the retention pass and the orphan pass. Both passes are
// best-effort per item; one bad file never aborts the rest of the sweep.
func (s *Sweeper) RunOnce(ctx context.Context) SweepResult {
	var result SweepResult
	s.retentionPass(ctx, &result)
	s.orphanPass(ctx, &result)

	if result.SessionsDeleted > 0 || result.OrphansDeleted > 0 || result.MissingFiles > 0 {
		s.log.Info().
			Int("sessions_deleted", result.SessionsDeleted).
			Int("orphans_deleted", result.OrphansDeleted).
			Int("missing_files", result.MissingFiles).
			Int("errors", result.Errors).
			Msg("sweep finished")
	}
	return result
}

// retentionPass deletes inactive sessions past their retention window,
// files first, then the catalog row (cascading to frames and videos).
func (s *Sweeper) retentionPass(ctx context.Context, result *SweepResult) {
	retentionDays, err := s.settings.GetInt(ctx, models.SettingRetentionDays, 7)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to read retention setting")
		result.Errors++
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	candidates, err := s.sessions.CleanupCandidates(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to query cleanup candidates")
		result.Errors++
		return
	}

	for _, session := range candidates {
		vids, err := s.videos.ListBySession(ctx, session.ID)
		if err != nil {
			s.log.Error().Err(err).Str("session_id", session.ID).Msg("failed to list session videos")
			result.Errors++
			continue
		}

		if err := os.RemoveAll(filepath.Join(s.config.SnapshotsDir, session.ID)); err != nil {
			s.log.Error().Err(err).Str("session_id", session.ID).Msg("failed to remove snapshot directory")
			result.Errors++
		}
		for _, v := range vids {
			if err := os.Remove(filepath.Join(s.config.VideosDir, v.FilePath)); err != nil && !os.IsNotExist(err) {
				s.log.Error().Err(err).Str("path", v.FilePath).Msg("failed to remove video file")
				result.Errors++
			}
		}

		if err := s.sessions.Delete(ctx, session.ID); err != nil {
			s.log.Error().Err(err).Str("session_id", session.ID).Msg("failed to delete session row")
			result.Errors++
			continue
		}
		result.SessionsDeleted++
		s.log.Info().Str("session_id", session.ID).Time("created_at", session.CreatedAt).Msg("expired session deleted")
	}
}

// orphanPass deletes on-disk files with no catalog row. The reverse case, a
// row whose file is gone, is surfaced as an integrity warning and never
// auto-repaired.
func (s *Sweeper) orphanPass(ctx context.Context, result *SweepResult) {
	framePaths, err := s.frames.AllPaths(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to query frame paths")
		result.Errors++
		return
	}
	videoPaths, err := s.videos.AllPaths(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to query video paths")
		result.Errors++
		return
	}

	s.sweepRoot(s.config.SnapshotsDir, toSet(framePaths), result)
	s.sweepRoot(s.config.VideosDir, toSet(videoPaths), result)

	s.reportMissing(s.config.SnapshotsDir, framePaths, result)
	s.reportMissing(s.config.VideosDir, videoPaths, result)
}

func (s *Sweeper) sweepRoot(root string, known map[string]struct{}, result *SweepResult) {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			s.log.Error().Err(err).Str("path", path).Msg("orphan walk error")
			result.Errors++
			return nil
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		if _, ok := known[rel]; ok {
			return nil
		}

		if err := os.Remove(path); err != nil {
			s.log.Error().Err(err).Str("path", path).Msg("failed to remove orphan file")
			result.Errors++
			return nil
		}
		result.OrphansDeleted++
		s.log.Info().Str("path", rel).Msg("orphan file deleted")
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		s.log.Error().Err(err).Str("root", root).Msg("orphan pass failed")
		result.Errors++
	}
}

func (s *Sweeper) reportMissing(root string, paths []string, result *SweepResult) {
	for _, rel := range paths {
		if _, err := os.Stat(filepath.Join(root, rel)); os.IsNotExist(err) {
			result.MissingFiles++
			s.log.Warn().Str("path", rel).Msg("catalog row has no file on disk")
		}
	}
}

func toSet(paths []string) map[string]struct{} {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return set
}
