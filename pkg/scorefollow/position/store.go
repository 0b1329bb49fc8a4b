// Package position holds the process-wide register of the latest score
// position per session.
package position

import (
	"sync"

	"github.com/himanishpuri/ScoreFollow/pkg/models"
)

// Store maps session ids to their most recent position. Reads and writes are
// atomic per key and never block on anything but the store's own lock.
// It enforces no writer exclusivity; callers keep one writer per session.
type Store struct {
	mu        sync.RWMutex
	positions map[string]float64
}

func NewStore() *Store {
	return &Store{positions: make(map[string]float64)}
}

// Set overwrites the position for sessionID.
func (s *Store) Set(sessionID string, beat float64) {
	s.mu.Lock()
	s.positions[sessionID] = beat
	s.mu.Unlock()
}

// Get returns the last written position, or an invalid Position when the
// session has none.
func (s *Store) Get(sessionID string) models.Position {
	s.mu.RLock()
	beat, ok := s.positions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return models.Position{}
	}
	return models.At(beat)
}

// Remove deletes the entry for sessionID. Removing a missing entry is a no-op.
func (s *Store) Remove(sessionID string) {
	s.mu.Lock()
	delete(s.positions, sessionID)
	s.mu.Unlock()
}

// Snapshot returns a copy of every entry.
func (s *Store) Snapshot() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(s.positions))
	for id, beat := range s.positions {
		out[id] = beat
	}
	return out
}

// Len returns the number of sessions with a position.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

// Clear drops all entries. Only used on full process reset.
func (s *Store) Clear() {
	s.mu.Lock()
	s.positions = make(map[string]float64)
	s.mu.Unlock()
}
