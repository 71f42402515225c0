package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Runner executes one extraction invocation and returns the diagnostic
// output stream. The controller never trusts the returned error alone; the
// produced file is the authority.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (stderr string, err error)
}

// ExecRunner runs invocations as external processes.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, inv Invocation) (string, error) {
	cmd := exec.CommandContext(ctx, inv.Program, inv.Args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stderr.String(), err
}

// Controller wraps single-frame extraction with verification, failure
// classification, retry with exponential backoff, and a direct-execution
// fallback for one known failure class.
type Controller struct {
	runner      Runner
	timeout     time.Duration
	backoffBase time.Duration
	log         zerolog.Logger
}

func NewController(runner Runner, timeout, backoffBase time.Duration, log zerolog.Logger) *Controller {
	return &Controller{
		runner:      runner,
		timeout:     timeout,
		backoffBase: backoffBase,
		log:         log.With().Str("component", "capture").Logger(),
	}
}

// CaptureOnce runs one extraction attempt and verifies the result on the
// filesystem. A non-empty destination file is a success regardless of what
// the process reported: some decoders exit non-zero on benign stream
// warnings while still writing a usable frame. A missing or empty file is a
// failure, and any partial artifact is removed.
func (c *Controller) CaptureOnce(ctx context.Context, cfg *SourceConfig, destPath string) error {
	inv, err := BuildInvocation(cfg, destPath, c.timeout)
	if err != nil {
		return err
	}
	return c.runAndVerify(ctx, inv, destPath)
}

// CaptureWithRetry calls CaptureOnce up to maxAttempts times with
// exponential backoff. When an attempt dies abnormally without ever parsing
// the input stream, the next attempt substitutes the direct fallback
// invocation before the normal retry count continues. The last attempt's
// error is returned once all attempts are spent.
func (c *Controller) CaptureWithRetry(ctx context.Context, cfg *SourceConfig, destPath string, maxAttempts int) error {
	var lastErr error
	useFallback := false

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := c.backoffBase << (attempt - 2)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		var err error
		if useFallback {
			useFallback = false
			var inv Invocation
			inv, err = BuildDirectInvocation(cfg, destPath)
			if err == nil {
				c.log.Debug().Str("dest", destPath).Int("attempt", attempt).Msg("retrying with direct invocation")
				err = c.runAndVerify(ctx, inv, destPath)
			}
		} else {
			err = c.CaptureOnce(ctx, cfg, destPath)
		}

		if err == nil {
			return nil
		}
		if IsConfigError(err) {
			return err
		}
		lastErr = err

		var abnormal *abnormalExitError
		if errors.As(err, &abnormal) {
			useFallback = true
		}

		c.log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Str("dest", destPath).
			Msg("capture attempt failed")
	}

	return lastErr
}

func (c *Controller) runAndVerify(ctx context.Context, inv Invocation, destPath string) error {
	// Clear any leftover file first so the verification below only ever sees
	// this attempt's output, never a stale artifact under the same name.
	if err := os.Remove(destPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("cannot clear destination %s: %w", destPath, err)
	}

	// A stop request cancels pending retries, not the running process: once
	// started, an extraction is allowed to finish inside its own timeout.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	stderr, runErr := c.runner.Run(runCtx, inv)

	// Verify the filesystem outcome before trusting the exit status.
	if info, err := os.Stat(destPath); err == nil && info.Size() > 0 {
		if runErr != nil {
			c.log.Debug().Err(runErr).Str("dest", destPath).Msg("process reported an error but produced a usable frame")
		}
		return nil
	}

	// Failed attempt: drop any zero-byte partial so it never reaches the
	// catalog or the assembler.
	_ = os.Remove(destPath)

	return classify(runCtx, runErr, stderr)
}

// abnormalExitError marks the "exited abnormally without producing a
// parseable stream" class that triggers the direct fallback.
type abnormalExitError struct {
	cause error
}

func (e *abnormalExitError) Error() string { return e.cause.Error() }
func (e *abnormalExitError) Unwrap() error { return e.cause }

func classify(ctx context.Context, runErr error, stderr string) error {
	if ctx.Err() != nil || errors.Is(runErr, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, lastLine(stderr))
	}

	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized"):
		return fmt.Errorf("%w: %s", ErrUnauthorized, lastLine(stderr))
	case strings.Contains(lower, "permission denied"):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, lastLine(stderr))
	case strings.Contains(lower, "404") || strings.Contains(lower, "stream not found"):
		return fmt.Errorf("%w: %s", ErrStreamNotFound, lastLine(stderr))
	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "no route to host"),
		strings.Contains(lower, "name or service not known"),
		strings.Contains(lower, "no such file or directory"),
		strings.Contains(lower, "no such device"):
		return fmt.Errorf("%w: %s", ErrSourceNotFound, lastLine(stderr))
	case strings.Contains(lower, "invalid data found"),
		strings.Contains(lower, "corrupt"):
		return fmt.Errorf("%w: %s", ErrCorruptData, lastLine(stderr))
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) && !strings.Contains(stderr, "Input #") {
		// Never got as far as parsing a stream: candidate for the direct
		// fallback path.
		return &abnormalExitError{cause: fmt.Errorf("%w: process exited abnormally: %s", ErrUnverified, lastLine(stderr))}
	}

	return fmt.Errorf("%w: %s", ErrUnverified, lastLine(stderr))
}

// lastLine trims the ffmpeg banner noise down to the line that carries the
// actual diagnostic.
func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
