package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timelapse-service/internal/capture"
	"timelapse-service/internal/models"
	"timelapse-service/internal/notify"
	"timelapse-service/internal/repository"
)

const (
	rtspBlob    = `{"url":"rtsp://cam.local/stream"}`
	triggerBlob = `{"broker":"localhost:1883","topic":"camera/motion","inner":{"kind":"rtsp","url":"rtsp://cam.local/stream"}}`
)

func TestStartRejectsConfigurationErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  *StartRequest
	}{
		{"missing url", &StartRequest{SourceType: models.SourceRTSP, SourceConfig: `{}`, IntervalSeconds: 5}},
		{"unknown kind", &StartRequest{SourceType: models.SourceKind("carrier_pigeon"), SourceConfig: `{}`, IntervalSeconds: 5}},
		{"non-positive interval", &StartRequest{SourceType: models.SourceRTSP, SourceConfig: rtspBlob, IntervalSeconds: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Start(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, capture.IsConfigError(err), "expected a configuration error, got %v", err)
		})
	}

	summaries, err := env.svc.List(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, summaries, "rejected requests must not leave session rows behind")
}

func TestTimerSessionCapturesAndStops(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.svc.Start(ctx, &StartRequest{
		SourceType:      models.SourceRTSP,
		SourceConfig:    rtspBlob,
		IntervalSeconds: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, env.svc.ActiveCount())

	// the first tick fires immediately
	require.Eventually(t, func() bool {
		n, err := env.frames.CountBySession(ctx, id)
		return err == nil && n >= 1
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, env.svc.Stop(ctx, id))
	assert.Equal(t, 0, env.svc.ActiveCount())

	session, frames, err := env.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, session.Active)
	assert.NotNil(t, session.CompletedAt)
	require.NotEmpty(t, frames)
	assert.Equal(t, filepath.Dir(frames[0].FilePath), id, "frame paths are relative to the snapshot root")
	assert.FileExists(t, filepath.Join(env.cfg.SnapshotsDir, frames[0].FilePath))
}

func TestTimerSessionCompletesAfterDuration(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	events, cancel := env.notifier.Subscribe()
	defer cancel()

	duration := 0
	id, err := env.svc.Start(ctx, &StartRequest{
		SourceType:      models.SourceRTSP,
		SourceConfig:    rtspBlob,
		IntervalSeconds: 1,
		DurationSeconds: &duration,
		UseTimer:        true,
	})
	require.NoError(t, err)

	ev := waitEvent(t, events, notify.EventCaptureComplete)
	assert.Equal(t, id, ev.SessionID)

	require.Eventually(t, func() bool {
		session, err := env.sessions.GetByID(ctx, id)
		return err == nil && !session.Active
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, env.svc.ActiveCount())
}

func TestDurationBoundRequiresSuccessfulTick(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.runner.setFail(true)
	events, cancel := env.notifier.Subscribe()
	defer cancel()

	duration := 0
	id, err := env.svc.Start(ctx, &StartRequest{
		SourceType:      models.SourceRTSP,
		SourceConfig:    rtspBlob,
		IntervalSeconds: 1,
		DurationSeconds: &duration,
		UseTimer:        true,
	})
	require.NoError(t, err)

	waitEvent(t, events, notify.EventCaptureError)
	session, err := env.sessions.GetByID(ctx, id)
	require.NoError(t, err)
	assert.True(t, session.Active, "a failed tick never completes a duration-bound session")

	env.runner.setFail(false)
	ev := waitEvent(t, events, notify.EventCaptureComplete)
	assert.Equal(t, id, ev.SessionID)
}

func TestTriggerSessionCapturesOncePerEdge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	events, cancel := env.notifier.Subscribe()
	defer cancel()

	id, err := env.svc.Start(ctx, &StartRequest{
		SourceType:   models.SourceMQTT,
		SourceConfig: triggerBlob,
	})
	require.NoError(t, err)

	// fired without a preceding armed payload is not an edge
	env.sub.payloads <- "fired"
	env.sub.payloads <- "armed"
	env.sub.payloads <- "fired"
	waitEvent(t, events, notify.EventFrameCaptured)

	// level-triggered repeat, then a fresh edge
	env.sub.payloads <- "fired"
	env.sub.payloads <- "armed"
	env.sub.payloads <- "fired"
	ev := waitEvent(t, events, notify.EventFrameCaptured)
	assert.Equal(t, 2, ev.Count)

	n, err := env.frames.CountBySession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "exactly one capture per armed-to-fired edge")

	_, frames, err := env.svc.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.NotEqual(t, frames[0].FilePath, frames[1].FilePath, "each capture writes its own artifact, even for rapid edges")

	require.NoError(t, env.svc.Stop(ctx, id))
	ev = waitEvent(t, events, notify.EventCaptureStopped)
	assert.Equal(t, StopReasonManual, ev.Reason)
}

func TestFailureCeilingStopsSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.runner.setFail(true)
	events, cancel := env.notifier.Subscribe()
	defer cancel()

	id, err := env.svc.Start(ctx, &StartRequest{
		SourceType:   models.SourceMQTT,
		SourceConfig: triggerBlob,
	})
	require.NoError(t, err)

	env.sub.payloads <- "armed"
	env.sub.payloads <- "fired"
	ev := waitEvent(t, events, notify.EventCaptureError)
	assert.Equal(t, 1, ev.ConsecutiveFailures)

	env.sub.payloads <- "armed"
	env.sub.payloads <- "fired"
	ev = waitEvent(t, events, notify.EventCaptureError)
	assert.Equal(t, 2, ev.ConsecutiveFailures)

	ev = waitEvent(t, events, notify.EventCaptureStopped)
	assert.Equal(t, StopReasonFailureLimit, ev.Reason)

	require.Eventually(t, func() bool {
		session, err := env.sessions.GetByID(ctx, id)
		return err == nil && !session.Active
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, env.svc.ActiveCount())
}

func TestFailureCounterResetsOnSuccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.runner.setFail(true)
	events, cancel := env.notifier.Subscribe()
	defer cancel()

	id, err := env.svc.Start(ctx, &StartRequest{
		SourceType:   models.SourceMQTT,
		SourceConfig: triggerBlob,
	})
	require.NoError(t, err)

	env.sub.payloads <- "armed"
	env.sub.payloads <- "fired"
	ev := waitEvent(t, events, notify.EventCaptureError)
	assert.Equal(t, 1, ev.ConsecutiveFailures)

	env.runner.setFail(false)
	env.sub.payloads <- "armed"
	env.sub.payloads <- "fired"
	waitEvent(t, events, notify.EventFrameCaptured)

	// an isolated failure after a success starts the count over
	env.runner.setFail(true)
	env.sub.payloads <- "armed"
	env.sub.payloads <- "fired"
	ev = waitEvent(t, events, notify.EventCaptureError)
	assert.Equal(t, 1, ev.ConsecutiveFailures)

	session, err := env.sessions.GetByID(ctx, id)
	require.NoError(t, err)
	assert.True(t, session.Active, "session survives failures below the ceiling")

	require.NoError(t, env.svc.Stop(ctx, id))
}

func TestStopUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	err := env.svc.Stop(context.Background(), "no-such-session")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestStopInactiveSessionReportsNotFound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.svc.Start(ctx, &StartRequest{SourceType: models.SourceUpload, SourceConfig: `{}`})
	require.NoError(t, err)

	require.NoError(t, env.svc.Stop(ctx, id))
	assert.ErrorIs(t, env.svc.Stop(ctx, id), repository.ErrNotFound)
}

func TestUploadSessionIngestsFrames(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.svc.Start(ctx, &StartRequest{SourceType: models.SourceUpload, SourceConfig: `{}`})
	require.NoError(t, err)
	assert.Equal(t, 0, env.svc.ActiveCount(), "upload sessions run no capture loop")

	abs := filepath.Join(env.cfg.SnapshotsDir, id, "upload-1.jpg")
	require.NoError(t, os.WriteFile(abs, []byte("image-bytes"), 0644))
	require.NoError(t, env.svc.IngestFrame(ctx, id, abs))

	_, frames, err := env.svc.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, filepath.Join(id, "upload-1.jpg"), frames[0].FilePath)
	assert.Equal(t, int64(len("image-bytes")), frames[0].FileSize)

	require.NoError(t, env.svc.Stop(ctx, id))
	err = env.svc.IngestFrame(ctx, id, abs)
	assert.Error(t, err, "inactive sessions do not accept frames")
}

func TestImportSessionRegistersExistingImages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "one.jpg"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "two.png"), []byte("b"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "notes.txt"), []byte("not an image"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(src, "nested"), 0755))

	id, err := env.svc.Start(ctx, &StartRequest{
		SourceType:   models.SourceImport,
		SourceConfig: `{"import_dir":"` + src + `"}`,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, env.svc.ActiveCount())

	_, frames, err := env.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Len(t, frames, 2, "only image files are imported")
	for _, frame := range frames {
		assert.FileExists(t, filepath.Join(env.cfg.SnapshotsDir, frame.FilePath), "imports are copied under the snapshot root")
	}
}

func TestImportSessionRejectsMissingDirectory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Start(ctx, &StartRequest{
		SourceType:   models.SourceImport,
		SourceConfig: `{"import_dir":"/no/such/dir"}`,
	})
	assert.ErrorIs(t, err, capture.ErrInvalidConfig)

	summaries, err := env.svc.List(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, summaries, "a rejected import leaves no session row behind")

	entries, err := os.ReadDir(env.cfg.SnapshotsDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "a rejected import leaves no session directory behind")
}

func TestDeleteRemovesSessionAndArtifacts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.svc.Start(ctx, &StartRequest{SourceType: models.SourceUpload, SourceConfig: `{}`})
	require.NoError(t, err)

	abs := filepath.Join(env.cfg.SnapshotsDir, id, "upload-1.jpg")
	require.NoError(t, os.WriteFile(abs, []byte("image-bytes"), 0644))
	require.NoError(t, env.svc.IngestFrame(ctx, id, abs))

	require.NoError(t, env.svc.Delete(ctx, id))

	_, err = env.sessions.GetByID(ctx, id)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.NoDirExists(t, filepath.Join(env.cfg.SnapshotsDir, id))
}

func TestStartDeniedWhenTotalQuotaExceeded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.settings.Set(ctx, models.SettingMaxTotalStorageMB, "1024"))
	full := env.seedSession(t, false, time.Now().UTC())
	env.seedFrame(t, full, "huge.jpg", 1100*1024*1024, false)

	_, err := env.svc.Start(ctx, &StartRequest{
		SourceType:      models.SourceRTSP,
		SourceConfig:    rtspBlob,
		IntervalSeconds: 5,
	})
	require.Error(t, err)

	var decision Decision
	require.True(t, errors.As(err, &decision))
	assert.Equal(t, ReasonTotalQuotaExceeded, decision.Reason)
	assert.Equal(t, int64(1100*1024*1024), decision.Current)
	assert.Equal(t, int64(1024*1024*1024), decision.Limit)
}

func TestTestConnection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.svc.TestConnection(ctx, models.SourceRTSP, rtspBlob))

	entries, err := os.ReadDir(env.cfg.SnapshotsDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "the probe artifact is removed afterwards")

	err = env.svc.TestConnection(ctx, models.SourceUpload, `{}`)
	assert.ErrorIs(t, err, capture.ErrInvalidConfig)

	env.runner.setFail(true)
	err = env.svc.TestConnection(ctx, models.SourceRTSP, rtspBlob)
	assert.ErrorIs(t, err, capture.ErrSourceNotFound)
}
