package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/himanishpuri/ScoreFollow/pkg/logger"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/audio"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/metrics"
)

// Server encapsulates the HTTP server and its dependencies
type Server struct {
	service  scorefollow.Service
	config   *ServerConfig
	log      *logger.Logger
	metrics  *metrics.Metrics
	devices  audio.DeviceLister
	upgrader websocket.Upgrader
}

// NewServer creates a new server instance
func NewServer(service scorefollow.Service, config *ServerConfig, m *metrics.Metrics, devices audio.DeviceLister) *Server {
	s := &Server{
		service: service,
		config:  config,
		log:     logger.GetLogger().With("[http]"),
		metrics: m,
		devices: devices,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Errorf("Failed to encode JSON response: %v", err)
	}
}

// respondError writes an error response
func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

// handleRoot handles GET /
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"message": "ScoreFollow backend is running",
		"service": "ScoreFollow API",
		"version": "1.0.0",
		"endpoints": map[string]string{
			"health":      "GET /health",
			"metrics":     "GET /metrics",
			"devices":     "GET /audio-devices",
			"upload":      "POST /upload",
			"stream":      "GET /ws",
			"sessions":    "GET /sessions",
			"getSession":  "GET /sessions/{id}",
			"stopSession": "DELETE /sessions/{id}",
		},
	})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.service.Sessions()
	if err != nil {
		s.log.Errorf("Failed to list sessions: %v", err)
		s.respondError(w, http.StatusServiceUnavailable, "Session registry unavailable")
		return
	}

	s.respondJSON(w, http.StatusOK, HealthResponse{
		Status:       "healthy",
		SessionCount: len(sessions),
		WorkerSlots:  s.config.WorkerSlots,
		Engine:       s.config.Engine,
	})
}

// handleAudioDevices handles GET /audio-devices
func (s *Server) handleAudioDevices(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	devices, err := audio.ListOrPlaceholder(ctx, s.devices)
	if err != nil {
		s.log.Warnf("Listing audio devices failed, reporting placeholder: %v", err)
	}
	s.respondJSON(w, http.StatusOK, DevicesResponse{Devices: devices})
}

// handleUpload handles POST /upload (multipart file upload)
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.config.MaxUploadBytes); err != nil {
		s.log.Warnf("Failed to parse form: %v", err)
		s.respondError(w, http.StatusBadRequest, "Failed to parse form data")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	id, err := s.service.Register(ctx, header.Filename, file)
	switch {
	case errors.Is(err, scorefollow.ErrUnsupportedScore):
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, scorefollow.ErrPreprocess):
		s.log.Warnf("Preprocessing %s failed: %v", header.Filename, err)
		s.respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		s.log.Errorf("Failed to register %s: %v", header.Filename, err)
		s.respondError(w, http.StatusInternalServerError, "Failed to register score")
		return
	}

	s.respondJSON(w, http.StatusOK, UploadResponse{FileID: id})
}

// handleListSessions handles GET /sessions
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.service.Sessions()
	if err != nil {
		s.log.Errorf("Failed to list sessions: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to retrieve sessions")
		return
	}

	dtos := sessionDTOs(sessions)
	s.respondJSON(w, http.StatusOK, ListSessionsResponse{
		Sessions: dtos,
		Count:    len(dtos),
	})
}

// handleGetSession handles GET /sessions/{id}
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, err := s.service.Session(id)
	if errors.Is(err, scorefollow.ErrSessionNotFound) {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("Session %s not found", id))
		return
	}
	if err != nil {
		s.log.Errorf("Failed to get session %s: %v", id, err)
		s.respondError(w, http.StatusInternalServerError, "Failed to retrieve session")
		return
	}

	s.respondJSON(w, http.StatusOK, toSessionDTO(*session, s.service.Position(id)))
}

// handleStopSession handles DELETE /sessions/{id}
func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.service.Cancel(id); err != nil {
		if errors.Is(err, scorefollow.ErrSessionNotFound) {
			s.respondError(w, http.StatusNotFound, err.Error())
			return
		}
		s.log.Errorf("Failed to stop session %s: %v", id, err)
		s.respondError(w, http.StatusInternalServerError, "Failed to stop session")
		return
	}

	s.log.Infof("Stopped session %s", id)
	s.respondJSON(w, http.StatusOK, StopSessionResponse{
		Message: "Session stopped",
		ID:      id,
	})
}
