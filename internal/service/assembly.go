package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"timelapse-service/internal/capture"
	"timelapse-service/internal/config"
	"timelapse-service/internal/models"
	"timelapse-service/internal/notify"
	"timelapse-service/internal/repository"
)

const assemblyTimeout = 10 * time.Minute

// ErrNotEnoughFrames rejects assembly requests that cannot produce a
// coherent output.
var ErrNotEnoughFrames = errors.New("assembly requires at least two frames")

// AssemblyParams selects the output of one assembly run.
type AssemblyParams struct {
	FPS        int    `json:"fps"`
	Format     string `json:"format"`
	ScaleWidth int    `json:"scale_width,omitempty"`
}

func (p *AssemblyParams) validate() error {
	if p.FPS <= 0 {
		p.FPS = 24
	}
	if p.Format == "" {
		p.Format = models.FormatMP4
	}
	if p.Format != models.FormatMP4 && p.Format != models.FormatGIF {
		return fmt.Errorf("unsupported output format %q", p.Format)
	}
	return nil
}

// Assembler builds videos and animations from a session's frames. Each run
// produces an independent artifact; prior videos are never touched.
type Assembler struct {
	config   *config.Config
	sessions *repository.SessionRepository
	frames   *repository.FrameRepository
	videos   *repository.VideoRepository
	runner   capture.Runner
	notifier *notify.Notifier
	log      zerolog.Logger
}

func NewAssembler(
	cfg *config.Config,
	sessions *repository.SessionRepository,
	frames *repository.FrameRepository,
	videos *repository.VideoRepository,
	runner capture.Runner,
	notifier *notify.Notifier,
	log zerolog.Logger,
) *Assembler {
	return &Assembler{
		config:   cfg,
		sessions: sessions,
		frames:   frames,
		videos:   videos,
		runner:   runner,
		notifier: notifier,
		log:      log.With().Str("component", "assembler").Logger(),
	}
}

// Assemble concatenates a session's frames, ordered by capture time
// ascending, into a video or animation. Intermediate artifacts (the concat
// list, the GIF palette) are removed on success and failure alike.
func (a *Assembler) Assemble(ctx context.Context, sessionID string, params AssemblyParams) (*models.Video, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if _, err := a.sessions.GetByID(ctx, sessionID); err != nil {
		return nil, err
	}

	frames, err := a.frames.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(frames) < 2 {
		return nil, ErrNotEnoughFrames
	}

	if err := os.MkdirAll(a.config.VideosDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create videos directory: %w", err)
	}

	listPath := filepath.Join(a.config.SnapshotsDir, sessionID, "filelist.txt")
	if err := a.writeConcatList(listPath, frames); err != nil {
		return nil, err
	}
	defer os.Remove(listPath)

	outputName := fmt.Sprintf("timelapse-%s-%d.%s", sessionID, time.Now().Unix(), params.Format)
	outputPath := filepath.Join(a.config.VideosDir, outputName)

	runCtx, cancel := context.WithTimeout(ctx, assemblyTimeout)
	defer cancel()

	switch params.Format {
	case models.FormatGIF:
		err = a.encodeGIF(runCtx, listPath, outputPath, params)
	default:
		err = a.encodeMP4(runCtx, listPath, outputPath, params)
	}
	if err != nil {
		os.Remove(outputPath)
		return nil, err
	}

	info, err := os.Stat(outputPath)
	if err != nil || info.Size() == 0 {
		os.Remove(outputPath)
		return nil, fmt.Errorf("assembly produced no output for session %s", sessionID)
	}

	video := &models.Video{
		SessionID:       sessionID,
		FilePath:        outputName,
		FileSize:        info.Size(),
		FPS:             params.FPS,
		Format:          params.Format,
		DurationSeconds: float64(len(frames)) / float64(params.FPS),
		CreatedAt:       time.Now().UTC(),
	}
	if err := a.videos.Add(ctx, video); err != nil {
		os.Remove(outputPath)
		return nil, err
	}

	a.notifier.Publish(notify.Event{
		Type:      notify.EventAssemblyReady,
		SessionID: sessionID,
		Path:      video.FilePath,
	})
	a.log.Info().
		Str("session_id", sessionID).
		Str("output", outputName).
		Int("frames", len(frames)).
		Int("fps", params.FPS).
		Msg("assembly finished")
	return video, nil
}

// writeConcatList emits the ffmpeg concat demuxer input, one frame per line
// in capture order.
func (a *Assembler) writeConcatList(listPath string, frames []*models.Frame) error {
	var b strings.Builder
	for _, frame := range frames {
		abs, err := filepath.Abs(filepath.Join(a.config.SnapshotsDir, frame.FilePath))
		if err != nil {
			return fmt.Errorf("failed to resolve frame path: %w", err)
		}
		fmt.Fprintf(&b, "file '%s'\n", abs)
	}
	if err := os.WriteFile(listPath, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write concat list: %w", err)
	}
	return nil
}

func (a *Assembler) encodeMP4(ctx context.Context, listPath, outputPath string, params AssemblyParams) error {
	args := []string{
		"-f", "concat", "-safe", "0",
		"-r", strconv.Itoa(params.FPS),
		"-i", listPath,
	}
	if params.ScaleWidth > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:-2", params.ScaleWidth))
	}
	args = append(args,
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-preset", "medium",
		"-crf", "23",
		"-y", outputPath,
	)

	stderr, err := a.runner.Run(ctx, capture.Invocation{Program: "ffmpeg", Args: args})
	if err != nil {
		return fmt.Errorf("mp4 encoding failed: %w (%s)", err, tail(stderr))
	}
	return nil
}

// encodeGIF runs the two-pass palette pipeline: generate a reduced-color
// palette from the frames, then apply it with bayer dithering.
func (a *Assembler) encodeGIF(ctx context.Context, listPath, outputPath string, params AssemblyParams) error {
	palettePath := listPath + ".palette.png"
	defer os.Remove(palettePath)

	scale := ""
	if params.ScaleWidth > 0 {
		scale = fmt.Sprintf("scale=%d:-2,", params.ScaleWidth)
	}

	paletteArgs := []string{
		"-f", "concat", "-safe", "0",
		"-r", strconv.Itoa(params.FPS),
		"-i", listPath,
		"-vf", scale + "palettegen",
		"-y", palettePath,
	}
	stderr, err := a.runner.Run(ctx, capture.Invocation{Program: "ffmpeg", Args: paletteArgs})
	if err != nil {
		return fmt.Errorf("palette generation failed: %w (%s)", err, tail(stderr))
	}

	gifArgs := []string{
		"-f", "concat", "-safe", "0",
		"-r", strconv.Itoa(params.FPS),
		"-i", listPath,
		"-i", palettePath,
		"-lavfi", scale + "paletteuse=dither=bayer",
		"-y", outputPath,
	}
	stderr, err = a.runner.Run(ctx, capture.Invocation{Program: "ffmpeg", Args: gifArgs})
	if err != nil {
		return fmt.Errorf("gif encoding failed: %w (%s)", err, tail(stderr))
	}
	return nil
}

func tail(stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if i := strings.LastIndexByte(stderr, '\n'); i >= 0 {
		return strings.TrimSpace(stderr[i+1:])
	}
	return stderr
}
