package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"timelapse-service/internal/capture"
	"timelapse-service/internal/config"
	"timelapse-service/internal/models"
	"timelapse-service/internal/notify"
	"timelapse-service/internal/repository"
	"timelapse-service/internal/trigger"
	"timelapse-service/pkg/ffmpeg"
)

// Stop reasons reported to observers.
const (
	StopReasonManual       = "manual"
	StopReasonFailureLimit = "failure_limit"
)

// TriggerDialer connects to a broker for an event-triggered session. It is a
// narrow seam so tests can substitute a scripted subscriber.
type TriggerDialer func(broker, clientID, username, password string) (trigger.Subscriber, error)

// StartRequest carries everything needed to admit a new session.
type StartRequest struct {
	SourceType      models.SourceKind
	SourceConfig    string // JSON blob
	IntervalSeconds int
	DurationSeconds *int
	UseTimer        bool
	RetentionDays   int
}

// loopHandle is the in-memory registry entry for one active capture loop.
// The consecutive-failure counter is process-local and deliberately not
// persisted: a restart starts the failure tolerance over.
type loopHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// SessionService is the session lifecycle engine. It owns the registry of
// active loops, one goroutine per active session. Ticks never overlap for a
// session because each loop schedules its next tick only after the previous
// attempt, retries included, has resolved.
type SessionService struct {
	config     *config.Config
	sessions   *repository.SessionRepository
	frames     *repository.FrameRepository
	videos     *repository.VideoRepository
	settings   *repository.SettingsRepository
	controller *capture.Controller
	quota      *QuotaGuard
	notifier   *notify.Notifier
	dialer     TriggerDialer
	log        zerolog.Logger

	mu    sync.RWMutex
	loops map[string]*loopHandle
}

func NewSessionService(
	cfg *config.Config,
	sessions *repository.SessionRepository,
	frames *repository.FrameRepository,
	videos *repository.VideoRepository,
	settings *repository.SettingsRepository,
	controller *capture.Controller,
	quota *QuotaGuard,
	notifier *notify.Notifier,
	dialer TriggerDialer,
	log zerolog.Logger,
) *SessionService {
	return &SessionService{
		config:     cfg,
		sessions:   sessions,
		frames:     frames,
		videos:     videos,
		settings:   settings,
		controller: controller,
		quota:      quota,
		notifier:   notifier,
		dialer:     dialer,
		log:        log.With().Str("component", "engine").Logger(),
		loops:      make(map[string]*loopHandle),
	}
}

// DefaultTriggerDialer dials a real MQTT broker.
func DefaultTriggerDialer(log zerolog.Logger) TriggerDialer {
	return func(broker, clientID, username, password string) (trigger.Subscriber, error) {
		return trigger.Connect(broker, clientID, username, password, log)
	}
}

// Start validates the request, runs admission control, persists the session
// and launches its capture loop. Configuration and quota errors reject the
// request synchronously; nothing is retried here.
func (s *SessionService) Start(ctx context.Context, req *StartRequest) (string, error) {
	cfg, err := capture.ParseConfig(req.SourceType, req.SourceConfig)
	if err != nil {
		return "", err
	}
	if cfg.Capturable() {
		// Surface platform and kind problems now rather than on the first tick.
		if _, err := capture.BuildInvocation(cfg, "probe", s.config.CaptureTimeout); err != nil && capture.IsConfigError(err) {
			return "", err
		}
		if req.IntervalSeconds <= 0 && cfg.Kind != models.SourceMQTT {
			return "", fmt.Errorf("%w: interval must be positive", capture.ErrInvalidConfig)
		}
	}

	if decision := s.quota.Check(ctx, ""); !decision.Allowed {
		return "", decision
	}

	retention := req.RetentionDays
	if retention <= 0 {
		retention, err = s.settings.GetInt(ctx, models.SettingRetentionDays, 7)
		if err != nil {
			return "", err
		}
	}

	now := time.Now().UTC()
	session := &models.Session{
		ID:              uuid.New().String(),
		SourceType:      req.SourceType,
		SourceConfig:    req.SourceConfig,
		IntervalSeconds: req.IntervalSeconds,
		DurationSeconds: req.DurationSeconds,
		UseTimer:        req.UseTimer,
		Active:          true,
		CreatedAt:       now,
		StartedAt:       &now,
		RetentionDays:   retention,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return "", err
	}

	if err := os.MkdirAll(s.sessionDir(session.ID), 0755); err != nil {
		s.discard(ctx, session.ID)
		return "", fmt.Errorf("failed to create session directory: %w", err)
	}

	switch {
	case cfg.Kind == models.SourceImport:
		if err := s.importFrames(ctx, session.ID, cfg.ImportDir); err != nil {
			s.discard(ctx, session.ID)
			return "", err
		}
	case cfg.Capturable():
		s.launch(session, cfg)
	}
	// upload sessions get frames through ingest; no loop to run

	s.log.Info().
		Str("session_id", session.ID).
		Str("source_type", string(session.SourceType)).
		Int("interval_seconds", session.IntervalSeconds).
		Msg("session started")
	return session.ID, nil
}

func (s *SessionService) launch(session *models.Session, cfg *capture.SourceConfig) {
	loopCtx, cancel := context.WithCancel(context.Background())
	handle := &loopHandle{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.loops[session.ID] = handle
	s.mu.Unlock()

	go func() {
		defer close(handle.done)
		if cfg.Kind == models.SourceMQTT {
			s.runTriggerLoop(loopCtx, session, cfg)
		} else {
			s.runTimerLoop(loopCtx, session, cfg)
		}
	}()
}

// runTimerLoop drives a timer session: capture, persist, schedule the next
// tick. The first tick fires immediately.
func (s *SessionService) runTimerLoop(ctx context.Context, session *models.Session, cfg *capture.SourceConfig) {
	interval := time.Duration(session.IntervalSeconds) * time.Second
	started := time.Now()
	failures := 0

	for {
		captured, halt := s.tick(ctx, session, cfg, &failures)
		if halt {
			return
		}

		// The duration bound completes a session only off the back of a
		// successful capture; a failed final tick keeps the session running.
		if captured && session.UseTimer && session.DurationSeconds != nil {
			if time.Since(started) >= time.Duration(*session.DurationSeconds)*time.Second {
				s.finish(session.ID, notify.EventCaptureComplete, "")
				return
			}
		}

		select {
		case <-ctx.Done():
			// stop already requested; Stop persists the transition
			return
		case <-time.After(interval):
		}
	}
}

// runTriggerLoop drives an event-triggered session: one capture per
// armed-to-fired payload edge, no duration bound.
func (s *SessionService) runTriggerLoop(ctx context.Context, session *models.Session, cfg *capture.SourceConfig) {
	client, err := s.dialer(cfg.Broker, "timelapse-"+session.ID, cfg.Username, cfg.Password)
	if err != nil {
		s.log.Error().Err(err).Str("session_id", session.ID).Msg("trigger broker connection failed")
		s.notifier.Publish(notify.Event{
			Type:      notify.EventCaptureError,
			SessionID: session.ID,
			Message:   err.Error(),
		})
		s.finish(session.ID, notify.EventCaptureStopped, StopReasonFailureLimit)
		return
	}
	defer client.Close()

	payloads, unsubscribe, err := client.Subscribe(cfg.Topic)
	if err != nil {
		s.log.Error().Err(err).Str("session_id", session.ID).Msg("trigger subscription failed")
		s.finish(session.ID, notify.EventCaptureStopped, StopReasonFailureLimit)
		return
	}
	defer unsubscribe()

	detector := trigger.NewEdgeDetector(cfg.ArmedValue(), cfg.FiredValue())
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-payloads:
			if !ok {
				return
			}
			if !detector.Observe(payload) {
				continue
			}
			if _, halt := s.tick(ctx, session, cfg, &failures); halt {
				return
			}
		}
	}
}

// tick runs one capture attempt with retries and persists the outcome.
// captured reports whether a frame was recorded; halt is true when the loop
// must terminate (failure ceiling reached, or the session was stopped
// mid-tick and the loop should unwind).
func (s *SessionService) tick(ctx context.Context, session *models.Session, cfg *capture.SourceConfig, failures *int) (captured, halt bool) {
	// Nanosecond naming keeps rapid-fire ticks from colliding on one artifact.
	dest := filepath.Join(s.sessionDir(session.ID), fmt.Sprintf("snapshot-%d.jpg", time.Now().UnixNano()))

	err := s.controller.CaptureWithRetry(ctx, cfg, dest, s.config.CaptureMaxAttempts)
	if err == nil {
		// Persist even when stop raced the capture: the frame exists on disk
		// and the catalog must agree with the filesystem.
		persistCtx := context.WithoutCancel(ctx)
		if recordErr := s.recordFrame(persistCtx, session.ID, dest); recordErr != nil {
			s.log.Error().Err(recordErr).Str("session_id", session.ID).Msg("failed to record frame")
		} else {
			*failures = 0
			captured = true
		}
		return captured, ctx.Err() != nil
	}

	if ctx.Err() != nil {
		return false, true
	}

	*failures++
	s.log.Warn().
		Err(err).
		Str("session_id", session.ID).
		Int("consecutive_failures", *failures).
		Msg("capture failed")
	s.notifier.Publish(notify.Event{
		Type:                notify.EventCaptureError,
		SessionID:           session.ID,
		Message:             err.Error(),
		ConsecutiveFailures: *failures,
	})

	// Isolated failures are routine for flaky camera hardware; only a long
	// unbroken run of them ends the session.
	if *failures >= s.config.MaxConsecutiveFailures {
		s.finish(session.ID, notify.EventCaptureStopped, StopReasonFailureLimit)
		return false, true
	}
	return false, false
}

// discard undoes a partially admitted session so a rejected start leaves no
// trace in the catalog or on disk.
func (s *SessionService) discard(ctx context.Context, sessionID string) {
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		s.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to remove rejected session row")
	}
	if err := os.RemoveAll(s.sessionDir(sessionID)); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to remove rejected session directory")
	}
}

// recordFrame stats the artifact, resolves its capture timestamp and writes
// the catalog row. Timestamp precedence: embedded capture metadata, then
// file modification time, then now.
func (s *SessionService) recordFrame(ctx context.Context, sessionID, absPath string) error {
	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("frame vanished before it could be recorded: %w", err)
	}

	capturedAt := time.Now().UTC()
	if t, err := ffmpeg.ProbeCreationTime(ctx, absPath); err == nil {
		capturedAt = t.UTC()
	} else if !info.ModTime().IsZero() {
		capturedAt = info.ModTime().UTC()
	}

	frame := &models.Frame{
		SessionID:  sessionID,
		FilePath:   s.relFramePath(sessionID, absPath),
		FileSize:   info.Size(),
		CapturedAt: capturedAt,
	}
	if w, h, err := ffmpeg.ProbeImageSize(ctx, absPath); err == nil {
		frame.Width = &w
		frame.Height = &h
	}

	if err := s.frames.Add(ctx, frame); err != nil {
		return err
	}

	count, err := s.frames.CountBySession(ctx, sessionID)
	if err != nil {
		count = 0
	}
	s.notifier.Publish(notify.Event{
		Type:      notify.EventFrameCaptured,
		SessionID: sessionID,
		Path:      frame.FilePath,
		Count:     count,
	})
	return nil
}

// finish performs a terminal transition initiated by the loop itself. The
// deregister guard makes exactly one of {loop, Stop, Delete} persist the
// transition when they race.
func (s *SessionService) finish(sessionID, eventType, reason string) {
	if !s.deregister(sessionID) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.sessions.SetInactive(ctx, sessionID, time.Now().UTC()); err != nil {
		s.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to persist session completion")
	}

	s.notifier.Publish(notify.Event{
		Type:      eventType,
		SessionID: sessionID,
		Reason:    reason,
	})
	s.log.Info().Str("session_id", sessionID).Str("event", eventType).Str("reason", reason).Msg("session finished")
}

func (s *SessionService) deregister(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loops[sessionID]; ok {
		delete(s.loops, sessionID)
		return true
	}
	return false
}

// Stop halts a session. The pending next tick is cancelled immediately; a
// capture already in flight completes and persists its frame first.
// Stopping an unknown or already-inactive session reports not-found.
func (s *SessionService) Stop(ctx context.Context, sessionID string) error {
	s.mu.RLock()
	handle, running := s.loops[sessionID]
	s.mu.RUnlock()

	if running {
		handle.cancel()
		<-handle.done
	}

	if !s.deregister(sessionID) {
		// Loop finished on its own, or there never was one. Upload and
		// import sessions have no loop but can still be active.
		session, err := s.sessions.GetByID(ctx, sessionID)
		if err != nil {
			return err
		}
		if !session.Active {
			return repository.ErrNotFound
		}
	}

	if err := s.sessions.SetInactive(ctx, sessionID, time.Now().UTC()); err != nil {
		return err
	}
	s.notifier.Publish(notify.Event{
		Type:      notify.EventCaptureStopped,
		SessionID: sessionID,
		Reason:    StopReasonManual,
	})
	s.log.Info().Str("session_id", sessionID).Msg("session stopped")
	return nil
}

// Delete removes a session, its on-disk artifacts and its catalog rows.
func (s *SessionService) Delete(ctx context.Context, sessionID string) error {
	s.mu.RLock()
	handle, running := s.loops[sessionID]
	s.mu.RUnlock()
	if running {
		handle.cancel()
		<-handle.done
		s.deregister(sessionID)
	}

	vids, err := s.videos.ListBySession(ctx, sessionID)
	if err != nil {
		return err
	}

	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return err
	}

	if err := os.RemoveAll(s.sessionDir(sessionID)); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to remove snapshot directory")
	}
	for _, v := range vids {
		if err := os.Remove(filepath.Join(s.config.VideosDir, v.FilePath)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn().Err(err).Str("path", v.FilePath).Msg("failed to remove video file")
		}
	}

	s.log.Info().Str("session_id", sessionID).Msg("session deleted")
	return nil
}

// Get returns a session with its frames.
func (s *SessionService) Get(ctx context.Context, sessionID string) (*models.Session, []*models.Frame, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	frames, err := s.frames.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return session, frames, nil
}

// List returns a page of session summaries.
func (s *SessionService) List(ctx context.Context, limit, offset int) ([]*models.SessionSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.sessions.List(ctx, limit, offset)
}

// Videos returns a session's produced videos.
func (s *SessionService) Videos(ctx context.Context, sessionID string) ([]*models.Video, error) {
	if _, err := s.sessions.GetByID(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.videos.ListBySession(ctx, sessionID)
}

// IngestFrame records an already-written file as a frame of an upload
// session.
func (s *SessionService) IngestFrame(ctx context.Context, sessionID, absPath string) error {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if !session.Active {
		return fmt.Errorf("session %s is not active", sessionID)
	}
	return s.recordFrame(ctx, sessionID, absPath)
}

// importFrames registers every image already present in a directory as
// frames of an import session, copying them under the snapshot root.
func (s *SessionService) importFrames(ctx context.Context, sessionID, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: cannot read import directory: %v", capture.ErrInvalidConfig, err)
	}

	imported := 0
	for _, entry := range entries {
		if entry.IsDir() || !isImageFile(entry.Name()) {
			continue
		}
		src := filepath.Join(dir, entry.Name())
		dst := filepath.Join(s.sessionDir(sessionID), entry.Name())
		if err := copyFile(src, dst); err != nil {
			s.log.Warn().Err(err).Str("path", src).Msg("skipping unreadable import file")
			continue
		}
		if err := s.recordFrame(ctx, sessionID, dst); err != nil {
			s.log.Warn().Err(err).Str("path", dst).Msg("failed to record imported frame")
			continue
		}
		imported++
	}

	s.log.Info().Str("session_id", sessionID).Int("imported", imported).Msg("import scan finished")
	return nil
}

// TestConnection runs one throwaway capture to validate a source
// configuration, removing the artifact afterwards.
func (s *SessionService) TestConnection(ctx context.Context, kind models.SourceKind, configBlob string) error {
	cfg, err := capture.ParseConfig(kind, configBlob)
	if err != nil {
		return err
	}
	if !cfg.Capturable() {
		return fmt.Errorf("%w: %s sources cannot be probed", capture.ErrInvalidConfig, kind)
	}

	dest := filepath.Join(s.config.SnapshotsDir, fmt.Sprintf("test-%d.jpg", time.Now().UnixMilli()))
	defer os.Remove(dest)

	return s.controller.CaptureOnce(ctx, cfg, dest)
}

// ActiveCount reports the number of registered loops.
func (s *SessionService) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.loops)
}

// Shutdown cancels every loop and waits for the in-flight ticks to resolve.
func (s *SessionService) Shutdown() {
	s.mu.Lock()
	handles := make([]*loopHandle, 0, len(s.loops))
	for id, handle := range s.loops {
		handle.cancel()
		handles = append(handles, handle)
		delete(s.loops, id)
	}
	s.mu.Unlock()

	for _, handle := range handles {
		<-handle.done
	}
}

func (s *SessionService) sessionDir(sessionID string) string {
	return filepath.Join(s.config.SnapshotsDir, sessionID)
}

// relFramePath stores frame paths relative to the snapshot root so the tree
// can be relocated without rewriting the catalog.
func (s *SessionService) relFramePath(sessionID, absPath string) string {
	return filepath.Join(sessionID, filepath.Base(absPath))
}

func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}
