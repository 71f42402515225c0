package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// CheckInstallation verifies that ffmpeg is installed and accessible.
func CheckInstallation() error {
	cmd := exec.Command("ffmpeg", "-version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg is not installed or not in PATH: %w", err)
	}
	return nil
}

// ProbeImageSize returns the pixel dimensions of an image file.
func ProbeImageSize(ctx context.Context, path string) (width, height int, err error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "csv=p=0",
		path,
	)

	output, err := cmd.Output()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to probe image size: %w", err)
	}

	parts := strings.Split(strings.TrimSpace(string(output)), ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("unexpected ffprobe output: %q", output)
	}
	width, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("unexpected ffprobe width: %q", parts[0])
	}
	height, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("unexpected ffprobe height: %q", parts[1])
	}
	return width, height, nil
}

// ProbeCreationTime returns the embedded creation_time tag of a media file,
// when one is present.
func ProbeCreationTime(ctx context.Context, path string) (time.Time, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format_tags=creation_time",
		"-of", "json",
		path,
	)

	output, err := cmd.Output()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to probe creation time: %w", err)
	}

	var probe struct {
		Format struct {
			Tags struct {
				CreationTime string `json:"creation_time"`
			} `json:"tags"`
		} `json:"format"`
	}
	if err := json.Unmarshal(output, &probe); err != nil {
		return time.Time{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	if probe.Format.Tags.CreationTime == "" {
		return time.Time{}, fmt.Errorf("no creation_time tag in %s", path)
	}

	t, err := time.Parse(time.RFC3339Nano, probe.Format.Tags.CreationTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable creation_time %q: %w", probe.Format.Tags.CreationTime, err)
	}
	return t, nil
}
