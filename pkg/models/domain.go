package models

import "time"

// SessionStatus is the lifecycle state of a tracking session.
type SessionStatus string

const (
	StatusRegistered SessionStatus = "registered"
	StatusQueued     SessionStatus = "queued"
	StatusActive     SessionStatus = "active"
	StatusCompleted  SessionStatus = "completed"
	StatusFailed     SessionStatus = "failed"
	StatusStopped    SessionStatus = "stopped"
)

// Terminal reports whether no worker can still be writing positions for the session.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// Session represents a registered score and its prepared renderings.
type Session struct {
	ID           string        // 8-character session identifier
	OriginalName string        // Filename as uploaded by the client
	ScorePath    string        // Raw uploaded file
	MIDIPath     string        // Prepared MIDI used for time mapping
	AudioPath    string        // Rendered reference audio (may be empty)
	Status       SessionStatus // Last persisted status
	Error        string        // Failure reason for failed sessions
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Position is a score position in quarter notes. Valid is false when no
// position has been observed yet, which keeps "absent" distinct from 0.
type Position struct {
	Beat  float64
	Valid bool
}

// At returns a present position.
func At(beat float64) Position {
	return Position{Beat: beat, Valid: true}
}

// AudioDevice is one input device as reported by the device lister.
type AudioDevice struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	Default bool   `json:"-"`
	Input   string `json:"-"` // ffmpeg input specifier, e.g. "hw:0,0"
}

// InputKind selects the audio source an alignment worker listens to.
type InputKind string

const (
	InputDevice   InputKind = "device"
	InputFile     InputKind = "file"
	InputRendered InputKind = "rendered"
	InputNone     InputKind = "none"
)

// InputDescriptor describes the input resource a worker acquires.
type InputDescriptor struct {
	Kind   InputKind
	Device string // device name or index for InputDevice
	Path   string // audio file for InputFile; filled from the session for InputRendered
}
