package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/himanishpuri/ScoreFollow/pkg/models"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow"
)

// Input types a client may request in its initial WebSocket message.
const (
	InputTypeAudio     = "audio"
	InputTypeRendered  = "rendered"
	InputTypeSimulated = "simulated"
)

// InitMessage is the first message a client sends on /ws
type InitMessage struct {
	FileID    string `json:"file_id"`
	InputType string `json:"input_type,omitempty"`
	Device    string `json:"device,omitempty"`

	// Used by the client for display alignment only
	OnsetBeats   []float64 `json:"onset_beats,omitempty"`
	OnsetSeconds []float64 `json:"onset_seconds,omitempty"`
}

// Validate checks if the message is valid
func (m *InitMessage) Validate() error {
	if strings.TrimSpace(m.FileID) == "" {
		return fmt.Errorf("file_id is required")
	}
	return nil
}

// Descriptor maps the requested input type to the input the worker acquires.
func (m *InitMessage) Descriptor(defaultDevice string) (models.InputDescriptor, error) {
	switch strings.ToLower(m.InputType) {
	case "", InputTypeAudio:
		device := m.Device
		if device == "" {
			device = defaultDevice
		}
		return models.InputDescriptor{Kind: models.InputDevice, Device: device}, nil
	case InputTypeRendered:
		return models.InputDescriptor{Kind: models.InputRendered}, nil
	case InputTypeSimulated:
		return models.InputDescriptor{Kind: models.InputNone}, nil
	}
	return models.InputDescriptor{}, fmt.Errorf("unknown input_type %q", m.InputType)
}

// UploadResponse is the response for POST /upload
type UploadResponse struct {
	FileID string `json:"file_id"`
}

// DevicesResponse is the response for GET /audio-devices
type DevicesResponse struct {
	Devices []models.AudioDevice `json:"devices"`
}

// SessionDTO represents a session in API responses
type SessionDTO struct {
	ID           string               `json:"id"`
	OriginalName string               `json:"original_name"`
	Status       models.SessionStatus `json:"status"`
	Error        string               `json:"error,omitempty"`
	BeatPosition float64              `json:"beat_position"`
	HasPosition  bool                 `json:"has_position"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

func toSessionDTO(s models.Session, pos models.Position) SessionDTO {
	dto := SessionDTO{
		ID:           s.ID,
		OriginalName: s.OriginalName,
		Status:       s.Status,
		Error:        s.Error,
		HasPosition:  pos.Valid,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
	if pos.Valid {
		dto.BeatPosition = pos.Beat
	}
	return dto
}

func sessionDTOs(infos []scorefollow.SessionInfo) []SessionDTO {
	out := make([]SessionDTO, len(infos))
	for i, info := range infos {
		out[i] = toSessionDTO(info.Session, info.Position)
	}
	return out
}

// ListSessionsResponse is the response for GET /sessions
type ListSessionsResponse struct {
	Sessions []SessionDTO `json:"sessions"`
	Count    int          `json:"count"`
}

// StopSessionResponse is the response for DELETE /sessions/{id}
type StopSessionResponse struct {
	Message string `json:"message"`
	ID      string `json:"id"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status       string `json:"status"`
	SessionCount int    `json:"session_count"`
	WorkerSlots  int    `json:"worker_slots"`
	Engine       string `json:"engine"`
}

// ErrorResponse is the standard error response format
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}
