// Package stream pushes a session's score position to a subscriber at a
// fixed rate.
package stream

import (
	"context"
	"time"

	"github.com/himanishpuri/ScoreFollow/pkg/models"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/metrics"
)

const DefaultInterval = 100 * time.Millisecond

// Message is one update sent to the client. BeatPosition is only meaningful
// when HasPosition is true.
type Message struct {
	BeatPosition float64              `json:"beat_position"`
	HasPosition  bool                 `json:"has_position"`
	Status       models.SessionStatus `json:"status"`
	Error        string               `json:"error,omitempty"`
}

// Conn is the write side of a subscriber connection.
type Conn interface {
	WriteJSON(v any) error
}

// Source provides the live state of sessions.
type Source interface {
	Position(sessionID string) models.Position
	Status(sessionID string) (models.SessionStatus, string)
}

type Publisher struct {
	Source   Source
	Interval time.Duration
	Metrics  *metrics.Metrics
}

// Snapshot builds the message for the session's current state.
func Snapshot(src Source, sessionID string) Message {
	// status first: a terminal status guarantees the position read after it is final
	status, reason := src.Status(sessionID)
	pos := src.Position(sessionID)
	msg := Message{Status: status, HasPosition: pos.Valid}
	if pos.Valid {
		msg.BeatPosition = pos.Beat
	}
	if status == models.StatusFailed {
		msg.Error = reason
	}
	return msg
}

// Run sends a message immediately and then once per interval until the
// session reaches a terminal status, ctx is done, or a write fails. The
// terminal status is sent once before Run returns nil. Only write errors are
// returned.
func (p *Publisher) Run(ctx context.Context, conn Conn, sessionID string) error {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	if p.Metrics != nil {
		p.Metrics.StreamConnections.Inc()
		defer p.Metrics.StreamConnections.Dec()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		msg := Snapshot(p.Source, sessionID)
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
		if p.Metrics != nil {
			p.Metrics.PositionsPublished.Inc()
		}
		if msg.Status.Terminal() {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
