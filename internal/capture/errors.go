package capture

import "errors"

// Failure taxonomy surfaced to callers. Configuration errors are rejected at
// session start and never retried; the rest are transient and retryable.
var (
	ErrInvalidConfig       = errors.New("invalid source configuration")
	ErrUnknownSourceKind   = errors.New("unknown source kind")
	ErrUnsupportedPlatform = errors.New("source kind not supported on this platform")

	ErrSourceNotFound   = errors.New("source device or stream unreachable")
	ErrPermissionDenied = errors.New("permission denied")
	ErrTimeout          = errors.New("capture timed out")
	ErrUnauthorized     = errors.New("source rejected credentials")
	ErrStreamNotFound   = errors.New("stream not found")
	ErrCorruptData      = errors.New("corrupt stream data")
	ErrUnverified       = errors.New("capture produced no output file")
)

// IsConfigError reports whether err is a configuration error, i.e. one that
// must be rejected synchronously and never retried.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrUnknownSourceKind) ||
		errors.Is(err, ErrUnsupportedPlatform)
}
