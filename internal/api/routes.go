package api

import (
	"net/http"

	"github.com/rs/zerolog"
)

func SetupRoutes(handler *Handler, log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", handler.HealthCheck)

	// Session lifecycle
	mux.HandleFunc("POST /api/sessions", handler.StartSession)
	mux.HandleFunc("GET /api/sessions", handler.ListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", handler.GetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", handler.DeleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/stop", handler.StopSession)

	// Frames and videos
	mux.HandleFunc("POST /api/sessions/{id}/frames", handler.UploadFrame)
	mux.HandleFunc("POST /api/sessions/{id}/videos", handler.AssembleVideo)
	mux.HandleFunc("GET /api/sessions/{id}/videos", handler.ListVideos)

	// Source probing
	mux.HandleFunc("POST /api/test-connection", handler.TestConnection)

	// Storage management
	mux.HandleFunc("GET /api/storage", handler.StorageStats)
	mux.HandleFunc("PUT /api/storage/quotas", handler.SetQuotas)
	mux.HandleFunc("POST /api/cleanup", handler.RunCleanup)

	// Apply middleware
	var h http.Handler = mux
	h = LoggingMiddleware(log)(h)
	h = RecoveryMiddleware(log)(h)
	h = CORSMiddleware(h)

	return h
}
