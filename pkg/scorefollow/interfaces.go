package scorefollow

import (
	"context"
	"io"

	"github.com/himanishpuri/ScoreFollow/pkg/models"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/align"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/audio"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/score"
)

// Service registers scores and coordinates one alignment worker per session.
type Service interface {
	// Register stores an uploaded score, prepares it and returns its session id.
	Register(ctx context.Context, filename string, r io.Reader) (string, error)
	// StartTracking subscribes to sessionID, launching its worker unless one
	// is already queued or running. It reports whether a worker was launched.
	StartTracking(sessionID string, input models.InputDescriptor) (bool, error)
	// StopTracking drops one subscription. The last one cancels the worker
	// and removes the session's position.
	StopTracking(sessionID string)
	// Cancel stops the session's worker regardless of subscribers.
	Cancel(sessionID string) error
	Position(sessionID string) models.Position
	// Status returns the session state and, for failed sessions, the reason.
	Status(sessionID string) (models.SessionStatus, string)
	Session(sessionID string) (*models.Session, error)
	Sessions() ([]SessionInfo, error)
	Close(ctx context.Context) error
}

// SessionInfo is a registry row joined with its live state.
type SessionInfo struct {
	models.Session
	Position models.Position
}

type Storage interface {
	CreateSession(s *models.Session) error
	GetSession(id string) (*models.Session, error)
	ListSessions() ([]models.Session, error)
	UpdateStatus(id string, status models.SessionStatus, reason string) error
	StopUnfinished() (int64, error)
	DeleteSession(id string) error
	Close() error
}

// InputOpener acquires the audio input a worker listens to.
type InputOpener interface {
	Open(ctx context.Context, desc models.InputDescriptor) (audio.Input, error)
}

// EngineFactory builds the alignment producer for one worker attempt.
type EngineFactory func(ref *score.Score, in audio.Input, desc models.InputDescriptor) (align.Producer, error)

type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	Debugf(format string, args ...any)
}
