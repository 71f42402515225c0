package capture

import (
	"fmt"
	"runtime"
	"strconv"
	"time"

	"timelapse-service/internal/models"
)

// Invocation is a fully specified single-frame extraction command. Building
// one has no side effects; all I/O happens when a Runner executes it.
type Invocation struct {
	Program string
	Args    []string
}

// BuildInvocation constructs the extraction command for one frame written to
// destPath. The timeout bounds connect/probe time where the input protocol
// supports it; the overall wall-clock bound is the runner's context.
func BuildInvocation(cfg *SourceConfig, destPath string, timeout time.Duration) (Invocation, error) {
	return buildForPlatform(cfg, destPath, timeout, runtime.GOOS)
}

func buildForPlatform(cfg *SourceConfig, destPath string, timeout time.Duration, goos string) (Invocation, error) {
	target := cfg.CaptureTarget()
	micros := strconv.FormatInt(timeout.Microseconds(), 10)

	var input []string
	switch target.Kind {
	case models.SourceRTSP:
		input = []string{
			"-rtsp_transport", "tcp",
			"-timeout", micros,
			"-err_detect", "ignore_err",
			"-i", target.rtspURL(),
		}
	case models.SourceUSBCamera:
		deviceFormat := map[string]string{
			"linux":   "v4l2",
			"darwin":  "avfoundation",
			"windows": "dshow",
		}[goos]
		if deviceFormat == "" {
			return Invocation{}, fmt.Errorf("%w: no camera backend for %s", ErrUnsupportedPlatform, goos)
		}
		input = []string{"-f", deviceFormat}
		if target.InputFormat != "" {
			input = append(input, "-input_format", target.InputFormat)
		}
		if target.Resolution != "" {
			input = append(input, "-video_size", target.Resolution)
		}
		if target.Framerate > 0 {
			input = append(input, "-framerate", strconv.Itoa(target.Framerate))
		}
		input = append(input, "-i", target.DevicePath)
	case models.SourceHTTPStream:
		input = []string{
			"-rw_timeout", micros,
			"-err_detect", "ignore_err",
			"-analyzeduration", "5000000",
			"-probesize", "5000000",
			"-i", target.StreamURL,
		}
	case models.SourceRTMPStream:
		input = []string{
			"-rw_timeout", micros,
			"-err_detect", "ignore_err",
			"-i", target.StreamURL,
		}
	case models.SourceScreen:
		var err error
		input, err = screenInput(target, goos)
		if err != nil {
			return Invocation{}, err
		}
	case models.SourceUpload, models.SourceImport:
		return Invocation{}, fmt.Errorf("%w: %s sessions do not run the extraction process", ErrInvalidConfig, target.Kind)
	default:
		return Invocation{}, fmt.Errorf("%w: %q", ErrUnknownSourceKind, target.Kind)
	}

	args := append(input, "-frames:v", "1", "-q:v", "2", "-y", destPath)
	return Invocation{Program: "ffmpeg", Args: args}, nil
}

func screenInput(cfg *SourceConfig, goos string) ([]string, error) {
	switch goos {
	case "linux":
		display := cfg.Display
		if display == "" {
			display = ":0.0"
		}
		input := []string{"-f", "x11grab"}
		if cfg.Region != "" {
			size, offset := splitRegion(cfg.Region)
			if size != "" {
				input = append(input, "-video_size", size)
			}
			if offset != "" {
				display += "+" + offset
			}
		}
		return append(input, "-i", display), nil
	case "darwin":
		display := cfg.Display
		if display == "" {
			display = "1"
		}
		// avfoundation screen devices take "<index>:none"
		return []string{"-f", "avfoundation", "-capture_cursor", "1", "-i", display + ":none"}, nil
	case "windows":
		input := []string{"-f", "gdigrab"}
		if cfg.Region != "" {
			size, offset := splitRegion(cfg.Region)
			if size != "" {
				input = append(input, "-video_size", size)
			}
			if offset != "" {
				x, y, ok := splitOffset(offset)
				if ok {
					input = append(input, "-offset_x", x, "-offset_y", y)
				}
			}
		}
		return append(input, "-i", "desktop"), nil
	}
	return nil, fmt.Errorf("%w: no screen grabber for %s", ErrUnsupportedPlatform, goos)
}

// splitRegion parses "WxH+X,Y" into its size and offset parts. Either part
// may be absent.
func splitRegion(region string) (size, offset string) {
	for i := 0; i < len(region); i++ {
		if region[i] == '+' {
			return region[:i], region[i+1:]
		}
	}
	return region, ""
}

func splitOffset(offset string) (x, y string, ok bool) {
	for i := 0; i < len(offset); i++ {
		if offset[i] == ',' {
			return offset[:i], offset[i+1:], true
		}
	}
	return "", "", false
}

// BuildDirectInvocation is the lower-level fallback: a bare extraction with
// none of the robustness options. Some encoder builds abort on the structured
// option set yet succeed when invoked plainly.
func BuildDirectInvocation(cfg *SourceConfig, destPath string) (Invocation, error) {
	target := cfg.CaptureTarget()

	var inputURL string
	switch target.Kind {
	case models.SourceRTSP:
		inputURL = target.rtspURL()
	case models.SourceHTTPStream, models.SourceRTMPStream:
		inputURL = target.StreamURL
	case models.SourceUSBCamera:
		inputURL = target.DevicePath
	default:
		return Invocation{}, fmt.Errorf("%w: no direct fallback for %s", ErrInvalidConfig, target.Kind)
	}

	return Invocation{
		Program: "ffmpeg",
		Args:    []string{"-i", inputURL, "-frames:v", "1", "-y", destPath},
	}, nil
}
