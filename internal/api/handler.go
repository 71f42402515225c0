package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"timelapse-service/internal/capture"
	"timelapse-service/internal/config"
	"timelapse-service/internal/dto"
	"timelapse-service/internal/models"
	"timelapse-service/internal/repository"
	"timelapse-service/internal/service"
)

type Handler struct {
	sessionService *service.SessionService
	assembler      *service.Assembler
	sweeper        *service.Sweeper
	settings       *repository.SettingsRepository
	config         *config.Config
	log            zerolog.Logger
}

func NewHandler(
	sessionService *service.SessionService,
	assembler *service.Assembler,
	sweeper *service.Sweeper,
	settings *repository.SettingsRepository,
	cfg *config.Config,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		sessionService: sessionService,
		assembler:      assembler,
		sweeper:        sweeper,
		settings:       settings,
		config:         cfg,
		log:            log.With().Str("component", "api").Logger(),
	}
}

func (handler *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := dto.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   "1.0.0",
	}
	handler.respondJSON(w, http.StatusOK, response)
}

func (handler *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req dto.StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handler.respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	sessionID, err := handler.sessionService.Start(r.Context(), &service.StartRequest{
		SourceType:      models.SourceKind(req.SourceType),
		SourceConfig:    string(req.SourceConfig),
		IntervalSeconds: req.IntervalSeconds,
		DurationSeconds: req.DurationSeconds,
		UseTimer:        req.UseTimer,
		RetentionDays:   req.RetentionDays,
	})
	if err != nil {
		handler.respondServiceError(w, err)
		return
	}

	handler.respondJSON(w, http.StatusCreated, dto.StartSessionResponse{SessionID: sessionID})
}

func (handler *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if err := handler.sessionService.Stop(r.Context(), sessionID); err != nil {
		handler.respondServiceError(w, err)
		return
	}
	handler.respondJSON(w, http.StatusOK, dto.SuccessResponse{Message: "Session stopped"})
}

func (handler *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	session, frames, err := handler.sessionService.Get(r.Context(), sessionID)
	if err != nil {
		handler.respondServiceError(w, err)
		return
	}

	response := dto.SessionResponse{
		ID:              session.ID,
		SourceType:      string(session.SourceType),
		IntervalSeconds: session.IntervalSeconds,
		DurationSeconds: session.DurationSeconds,
		UseTimer:        session.UseTimer,
		Active:          session.Active,
		CreatedAt:       session.CreatedAt,
		StartedAt:       session.StartedAt,
		CompletedAt:     session.CompletedAt,
		RetentionDays:   session.RetentionDays,
		Frames:          make([]dto.FrameDTO, 0, len(frames)),
	}
	for _, frame := range frames {
		response.Frames = append(response.Frames, dto.NewFrameDTO(frame))
	}
	handler.respondJSON(w, http.StatusOK, response)
}

func (handler *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if err := handler.sessionService.Delete(r.Context(), sessionID); err != nil {
		handler.respondServiceError(w, err)
		return
	}
	handler.respondJSON(w, http.StatusOK, dto.SuccessResponse{Message: "Session deleted"})
}

func (handler *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	summaries, err := handler.sessionService.List(r.Context(), limit, offset)
	if err != nil {
		handler.respondServiceError(w, err)
		return
	}

	response := make([]dto.SessionSummaryDTO, 0, len(summaries))
	for _, s := range summaries {
		response = append(response, dto.SessionSummaryDTO{
			ID:                s.ID,
			SourceType:        string(s.SourceType),
			Active:            s.Active,
			CreatedAt:         s.CreatedAt,
			CompletedAt:       s.CompletedAt,
			SnapshotCount:     s.SnapshotCount,
			TotalSnapshotSize: s.TotalSnapshotSize,
			VideoCount:        s.VideoCount,
		})
	}
	handler.respondJSON(w, http.StatusOK, response)
}

func (handler *Handler) AssembleVideo(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var params service.AssemblyParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		handler.respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	video, err := handler.assembler.Assemble(r.Context(), sessionID, params)
	if err != nil {
		if errors.Is(err, service.ErrNotEnoughFrames) {
			handler.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		handler.respondServiceError(w, err)
		return
	}
	handler.respondJSON(w, http.StatusCreated, dto.NewVideoDTO(video))
}

func (handler *Handler) ListVideos(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	videos, err := handler.sessionService.Videos(r.Context(), sessionID)
	if err != nil {
		handler.respondServiceError(w, err)
		return
	}

	response := make([]dto.VideoDTO, 0, len(videos))
	for _, video := range videos {
		response = append(response, dto.NewVideoDTO(video))
	}
	handler.respondJSON(w, http.StatusOK, response)
}

// UploadFrame ingests one frame image into an upload session.
func (handler *Handler) UploadFrame(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	if err := r.ParseMultipartForm(handler.config.MaxUploadSize); err != nil {
		handler.respondError(w, http.StatusBadRequest, fmt.Sprintf("Failed to parse form: %v", err))
		return
	}

	file, header, err := r.FormFile("frame")
	if err != nil {
		handler.respondError(w, http.StatusBadRequest, fmt.Sprintf("Failed to get frame file: %v", err))
		return
	}
	defer file.Close()

	if !isValidImageType(header.Filename) {
		handler.respondError(w, http.StatusBadRequest, "Invalid file type. Only JPEG/JPG/PNG images are allowed")
		return
	}

	storageDir := filepath.Join(handler.config.SnapshotsDir, sessionID)
	if err := os.MkdirAll(storageDir, 0755); err != nil {
		handler.respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to create storage directory: %v", err))
		return
	}

	filename := fmt.Sprintf("upload-%d%s", time.Now().UnixMilli(), strings.ToLower(filepath.Ext(header.Filename)))
	filePath := filepath.Join(storageDir, filename)

	destFile, err := os.Create(filePath)
	if err != nil {
		handler.respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to create file: %v", err))
		return
	}
	if _, err := io.Copy(destFile, file); err != nil {
		destFile.Close()
		os.Remove(filePath)
		handler.respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to save file: %v", err))
		return
	}
	destFile.Close()

	if err := handler.sessionService.IngestFrame(r.Context(), sessionID, filePath); err != nil {
		os.Remove(filePath)
		handler.respondServiceError(w, err)
		return
	}
	handler.respondJSON(w, http.StatusCreated, dto.SuccessResponse{Message: "Frame ingested"})
}

func (handler *Handler) TestConnection(w http.ResponseWriter, r *http.Request) {
	var req dto.TestConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handler.respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	err := handler.sessionService.TestConnection(r.Context(), models.SourceKind(req.SourceType), string(req.SourceConfig))
	if err != nil {
		if capture.IsConfigError(err) {
			handler.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		handler.respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	handler.respondJSON(w, http.StatusOK, dto.SuccessResponse{Message: "Connection successful"})
}

func (handler *Handler) StorageStats(w http.ResponseWriter, r *http.Request) {
	stats, err := handler.settings.StorageStats(r.Context())
	if err != nil {
		handler.respondServiceError(w, err)
		return
	}
	handler.respondJSON(w, http.StatusOK, stats)
}

func (handler *Handler) SetQuotas(w http.ResponseWriter, r *http.Request) {
	var req dto.QuotaUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handler.respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if req.MaxTotalMB <= 0 || req.MaxSessionMB <= 0 {
		handler.respondError(w, http.StatusBadRequest, "Quota ceilings must be positive")
		return
	}

	ctx := r.Context()
	if err := handler.settings.Set(ctx, models.SettingMaxTotalStorageMB, strconv.Itoa(req.MaxTotalMB)); err != nil {
		handler.respondServiceError(w, err)
		return
	}
	if err := handler.settings.Set(ctx, models.SettingMaxSessionStorageMB, strconv.Itoa(req.MaxSessionMB)); err != nil {
		handler.respondServiceError(w, err)
		return
	}
	handler.respondJSON(w, http.StatusOK, dto.SuccessResponse{Message: "Quotas updated"})
}

// RunCleanup triggers the sweeper's two passes synchronously.
func (handler *Handler) RunCleanup(w http.ResponseWriter, r *http.Request) {
	result := handler.sweeper.RunOnce(r.Context())
	handler.respondJSON(w, http.StatusOK, dto.SuccessResponse{Message: "Cleanup finished", Data: result})
}

func (handler *Handler) respondServiceError(w http.ResponseWriter, err error) {
	var decision service.Decision
	switch {
	case errors.Is(err, repository.ErrNotFound):
		handler.respondError(w, http.StatusNotFound, "Session not found")
	case capture.IsConfigError(err):
		handler.respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &decision):
		handler.respondJSON(w, http.StatusInsufficientStorage, dto.ErrorResponse{
			Error:   decision.Reason,
			Message: decision.Error(),
			Code:    http.StatusInsufficientStorage,
		})
	default:
		handler.log.Error().Err(err).Msg("request failed")
		handler.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (handler *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (handler *Handler) respondError(w http.ResponseWriter, status int, message string) {
	handler.respondJSON(w, status, dto.ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    status,
	})
}

func isValidImageType(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

func queryInt(r *http.Request, key string, defaultValue int) int {
	if value := r.URL.Query().Get(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
