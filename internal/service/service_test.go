package service

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"timelapse-service/internal/capture"
	"timelapse-service/internal/config"
	"timelapse-service/internal/db"
	"timelapse-service/internal/models"
	"timelapse-service/internal/notify"
	"timelapse-service/internal/repository"
	"timelapse-service/internal/trigger"
)

// stubRunner stands in for the external extraction process. It writes a small
// file to the invocation's destination unless told to fail, and records every
// invocation it receives.
type stubRunner struct {
	mu          sync.Mutex
	fail        bool
	invocations []capture.Invocation
}

func (r *stubRunner) Run(_ context.Context, inv capture.Invocation) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invocations = append(r.invocations, inv)
	if r.fail {
		return "Connection refused", nil
	}
	dest := inv.Args[len(inv.Args)-1]
	if err := os.WriteFile(dest, []byte("frame-bytes"), 0644); err != nil {
		return "", err
	}
	return "", nil
}

func (r *stubRunner) setFail(fail bool) {
	r.mu.Lock()
	r.fail = fail
	r.mu.Unlock()
}

func (r *stubRunner) recorded() []capture.Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]capture.Invocation(nil), r.invocations...)
}

// stubSubscriber feeds scripted trigger payloads to an event-triggered loop.
type stubSubscriber struct {
	payloads chan string
}

func (s *stubSubscriber) Subscribe(string) (<-chan string, func(), error) {
	return s.payloads, func() {}, nil
}

func (s *stubSubscriber) Close() {}

type testEnv struct {
	cfg      *config.Config
	sessions *repository.SessionRepository
	frames   *repository.FrameRepository
	videos   *repository.VideoRepository
	settings *repository.SettingsRepository
	runner   *stubRunner
	sub      *stubSubscriber
	notifier *notify.Notifier
	svc      *SessionService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	database, err := db.Connect(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	cfg := &config.Config{
		SnapshotsDir:           filepath.Join(dir, "snapshots"),
		VideosDir:              filepath.Join(dir, "videos"),
		CaptureTimeout:         5 * time.Second,
		CaptureMaxAttempts:     1,
		CaptureBackoffBase:     time.Millisecond,
		MaxConsecutiveFailures: 2,
		CleanupInterval:        time.Hour,
	}
	require.NoError(t, os.MkdirAll(cfg.SnapshotsDir, 0755))
	require.NoError(t, os.MkdirAll(cfg.VideosDir, 0755))

	env := &testEnv{
		cfg:      cfg,
		sessions: repository.NewSessionRepository(database),
		frames:   repository.NewFrameRepository(database),
		videos:   repository.NewVideoRepository(database),
		settings: repository.NewSettingsRepository(database),
		runner:   &stubRunner{},
		sub:      &stubSubscriber{payloads: make(chan string, 16)},
		notifier: notify.NewNotifier(&notify.Config{}, zerolog.Nop()),
	}

	controller := capture.NewController(env.runner, cfg.CaptureTimeout, cfg.CaptureBackoffBase, zerolog.Nop())
	quota := NewQuotaGuard(env.settings, zerolog.Nop())
	dialer := func(broker, clientID, username, password string) (trigger.Subscriber, error) {
		return env.sub, nil
	}

	env.svc = NewSessionService(
		cfg, env.sessions, env.frames, env.videos, env.settings,
		controller, quota, env.notifier, dialer, zerolog.Nop(),
	)
	t.Cleanup(env.svc.Shutdown)

	return env
}

// seedSession inserts a catalog row directly, bypassing the engine.
func (e *testEnv) seedSession(t *testing.T, active bool, createdAt time.Time) string {
	t.Helper()
	id := uuid.New().String()
	err := e.sessions.Create(context.Background(), &models.Session{
		ID:              id,
		SourceType:      models.SourceUpload,
		SourceConfig:    "{}",
		IntervalSeconds: 0,
		Active:          active,
		CreatedAt:       createdAt,
		RetentionDays:   7,
	})
	require.NoError(t, err)
	return id
}

// seedFrame inserts a frame row and, when writeFile is set, the matching file
// under the snapshot root.
func (e *testEnv) seedFrame(t *testing.T, sessionID, name string, size int64, writeFile bool) string {
	t.Helper()
	rel := filepath.Join(sessionID, name)
	if writeFile {
		abs := filepath.Join(e.cfg.SnapshotsDir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
		require.NoError(t, os.WriteFile(abs, make([]byte, min(size, 64)), 0644))
	}
	err := e.frames.Add(context.Background(), &models.Frame{
		SessionID:  sessionID,
		FilePath:   rel,
		FileSize:   size,
		CapturedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return rel
}

// waitEvent drains the subscriber channel until an event of the wanted type
// arrives.
func waitEvent(t *testing.T, events <-chan notify.Event, eventType string) notify.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}
