package capture

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timelapse-service/internal/models"
)

// scriptedRunner replays a canned outcome per attempt and records every
// invocation it receives.
type scriptedRunner struct {
	outcomes    []runnerOutcome
	invocations []Invocation
}

type runnerOutcome struct {
	writeFile string // contents written to the destination, "" writes nothing
	stderr    string
	err       error
}

func (r *scriptedRunner) Run(_ context.Context, inv Invocation) (string, error) {
	r.invocations = append(r.invocations, inv)

	idx := len(r.invocations) - 1
	if idx >= len(r.outcomes) {
		idx = len(r.outcomes) - 1
	}
	outcome := r.outcomes[idx]

	if outcome.writeFile != "" {
		dest := inv.Args[len(inv.Args)-1]
		if err := os.WriteFile(dest, []byte(outcome.writeFile), 0644); err != nil {
			return "", err
		}
	}
	return outcome.stderr, outcome.err
}

func rtspConfig() *SourceConfig {
	return &SourceConfig{Kind: models.SourceRTSP, URL: "rtsp://cam.local/stream"}
}

func newTestController(runner Runner) *Controller {
	return NewController(runner, 5*time.Second, time.Millisecond, zerolog.Nop())
}

func TestCaptureOnceTrustsArtifactOverExitStatus(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "frame.jpg")
	runner := &scriptedRunner{outcomes: []runnerOutcome{
		{writeFile: "frame-bytes", stderr: "warning: corrupt decoded frame", err: &exec.ExitError{}},
	}}

	err := newTestController(runner).CaptureOnce(context.Background(), rtspConfig(), dest)

	require.NoError(t, err, "a non-empty output file wins over a non-zero exit")
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "frame-bytes", string(data))
}

func TestCaptureOnceIgnoresStaleArtifact(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "frame.jpg")
	// leftover from an earlier capture under the same name
	require.NoError(t, os.WriteFile(dest, []byte("stale-bytes"), 0644))
	runner := &scriptedRunner{outcomes: []runnerOutcome{{stderr: "Connection refused"}}}

	err := newTestController(runner).CaptureOnce(context.Background(), rtspConfig(), dest)

	require.ErrorIs(t, err, ErrSourceNotFound, "a pre-existing file is not this attempt's output")
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "the stale artifact must not survive as a phantom frame")
}

func TestCaptureOnceReplacesStaleArtifactOnSuccess(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "frame.jpg")
	require.NoError(t, os.WriteFile(dest, []byte("stale-bytes"), 0644))
	runner := &scriptedRunner{outcomes: []runnerOutcome{{writeFile: "fresh-bytes"}}}

	err := newTestController(runner).CaptureOnce(context.Background(), rtspConfig(), dest)

	require.NoError(t, err)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "fresh-bytes", string(data))
}

func TestCaptureOnceRemovesEmptyPartialArtifact(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "frame.jpg")
	// process "succeeds" but only ever touches an empty file
	require.NoError(t, os.WriteFile(dest, nil, 0644))
	runner := &scriptedRunner{outcomes: []runnerOutcome{{stderr: "", err: nil}}}

	err := newTestController(runner).CaptureOnce(context.Background(), rtspConfig(), dest)

	require.ErrorIs(t, err, ErrUnverified)
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "empty partial must be removed")
}

func TestCaptureOnceClassification(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   error
	}{
		{"unauthorized", "method DESCRIBE failed: 401 Unauthorized", ErrUnauthorized},
		{"permission denied", "/dev/video0: Permission denied", ErrPermissionDenied},
		{"stream not found", "method DESCRIBE failed: 404 Stream Not Found", ErrStreamNotFound},
		{"connection refused", "Connection refused", ErrSourceNotFound},
		{"missing device", "/dev/video9: No such file or directory", ErrSourceNotFound},
		{"corrupt data", "Invalid data found when processing input", ErrCorruptData},
		{"nothing recognizable", "something odd happened", ErrUnverified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest := filepath.Join(t.TempDir(), "frame.jpg")
			runner := &scriptedRunner{outcomes: []runnerOutcome{{stderr: tt.stderr, err: nil}}}

			err := newTestController(runner).CaptureOnce(context.Background(), rtspConfig(), dest)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCaptureWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "frame.jpg")
	runner := &scriptedRunner{outcomes: []runnerOutcome{
		{stderr: "Connection refused"},
		{stderr: "Connection refused"},
		{writeFile: "frame-bytes"},
	}}

	err := newTestController(runner).CaptureWithRetry(context.Background(), rtspConfig(), dest, 3)

	require.NoError(t, err)
	assert.Len(t, runner.invocations, 3)
}

func TestCaptureWithRetryReturnsLastError(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "frame.jpg")
	runner := &scriptedRunner{outcomes: []runnerOutcome{
		{stderr: "Connection refused"},
		{stderr: "401 Unauthorized"},
	}}

	err := newTestController(runner).CaptureWithRetry(context.Background(), rtspConfig(), dest, 2)

	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Len(t, runner.invocations, 2)
}

func TestCaptureWithRetryFallsBackToDirectInvocation(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "frame.jpg")
	// exits abnormally without ever parsing a stream: no "Input #" in stderr
	runner := &scriptedRunner{outcomes: []runnerOutcome{
		{stderr: "ffmpeg died", err: &exec.ExitError{}},
		{writeFile: "frame-bytes"},
	}}

	err := newTestController(runner).CaptureWithRetry(context.Background(), rtspConfig(), dest, 3)

	require.NoError(t, err)
	require.Len(t, runner.invocations, 2)
	assert.Contains(t, runner.invocations[0].Args, "-rtsp_transport")
	assert.NotContains(t, runner.invocations[1].Args, "-rtsp_transport", "second attempt must use the direct fallback")
	assert.NotContains(t, runner.invocations[1].Args, "-err_detect")
}

func TestCaptureWithRetryNoFallbackAfterParsedStream(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "frame.jpg")
	// the stream parsed fine, the failure came later: keep the structured
	// invocation on every retry
	runner := &scriptedRunner{outcomes: []runnerOutcome{
		{stderr: "Input #0, rtsp, from 'rtsp://cam.local/stream'\nsomething else failed", err: &exec.ExitError{}},
		{writeFile: "frame-bytes"},
	}}

	err := newTestController(runner).CaptureWithRetry(context.Background(), rtspConfig(), dest, 3)

	require.NoError(t, err)
	require.Len(t, runner.invocations, 2)
	assert.Contains(t, runner.invocations[1].Args, "-rtsp_transport")
}

func TestCaptureWithRetryStopsOnConfigError(t *testing.T) {
	runner := &scriptedRunner{outcomes: []runnerOutcome{{}}}
	cfg := &SourceConfig{Kind: models.SourceKind("bogus")}

	err := newTestController(runner).CaptureWithRetry(context.Background(), cfg, "dest.jpg", 5)

	require.ErrorIs(t, err, ErrUnknownSourceKind)
	assert.Empty(t, runner.invocations, "configuration errors are never retried")
}

func TestCaptureWithRetryHonorsCancellationBetweenAttempts(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "frame.jpg")
	runner := &scriptedRunner{outcomes: []runnerOutcome{{stderr: "Connection refused"}}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	controller := NewController(runner, 5*time.Second, time.Minute, zerolog.Nop())
	err := controller.CaptureWithRetry(ctx, rtspConfig(), dest, 3)

	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, runner.invocations, 1, "pending retries are cancelled, not started")
}
