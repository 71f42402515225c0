package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"timelapse-service/internal/models"
	"timelapse-service/internal/repository"
)

// Quota denial reasons.
const (
	ReasonTotalQuotaExceeded   = "total_quota_exceeded"
	ReasonSessionQuotaExceeded = "session_quota_exceeded"
)

// Default ceilings in megabytes, used when the settings rows are unset.
const (
	DefaultMaxTotalStorageMB   = 1024
	DefaultMaxSessionStorageMB = 100
)

// Decision is the outcome of an admission check. It doubles as the error
// returned to callers when admission is denied.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Current int64  `json:"current"`
	Limit   int64  `json:"limit"`
}

func (d Decision) Error() string {
	return fmt.Sprintf("storage quota exceeded (%s): %dMB / %dMB",
		d.Reason, d.Current/(1024*1024), d.Limit/(1024*1024))
}

// QuotaGuard performs admission control against the configured storage
// ceilings. It runs once at session start; running sessions are not
// throttled mid-flight.
type QuotaGuard struct {
	settings *repository.SettingsRepository
	log      zerolog.Logger
}

func NewQuotaGuard(settings *repository.SettingsRepository, log zerolog.Logger) *QuotaGuard {
	return &QuotaGuard{
		settings: settings,
		log:      log.With().Str("component", "quota").Logger(),
	}
}

// Check compares aggregate usage, and per-session usage when sessionID is
// non-empty, against the configured ceilings. Errors reading the catalog
// fail open: capture availability outranks strict enforcement.
func (g *QuotaGuard) Check(ctx context.Context, sessionID string) Decision {
	maxTotalMB, err := g.settings.GetInt(ctx, models.SettingMaxTotalStorageMB, DefaultMaxTotalStorageMB)
	if err != nil {
		g.log.Warn().Err(err).Msg("failed to read total quota setting")
		return Decision{Allowed: true}
	}
	maxSessionMB, err := g.settings.GetInt(ctx, models.SettingMaxSessionStorageMB, DefaultMaxSessionStorageMB)
	if err != nil {
		g.log.Warn().Err(err).Msg("failed to read session quota setting")
		return Decision{Allowed: true}
	}

	maxTotal := int64(maxTotalMB) * 1024 * 1024
	maxSession := int64(maxSessionMB) * 1024 * 1024

	stats, err := g.settings.StorageStats(ctx)
	if err != nil {
		g.log.Warn().Err(err).Msg("failed to read storage stats")
		return Decision{Allowed: true}
	}

	if stats.TotalSize > maxTotal {
		return Decision{
			Allowed: false,
			Reason:  ReasonTotalQuotaExceeded,
			Current: stats.TotalSize,
			Limit:   maxTotal,
		}
	}

	if sessionID != "" {
		usage, err := g.settings.SessionUsage(ctx, sessionID)
		if err != nil {
			g.log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to read session usage")
			return Decision{Allowed: true, Current: stats.TotalSize, Limit: maxTotal}
		}
		if usage > maxSession {
			return Decision{
				Allowed: false,
				Reason:  ReasonSessionQuotaExceeded,
				Current: usage,
				Limit:   maxSession,
			}
		}
	}

	return Decision{Allowed: true, Current: stats.TotalSize, Limit: maxTotal}
}
