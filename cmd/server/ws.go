package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/himanishpuri/ScoreFollow/pkg/models"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/stream"
)

const maxInitMessageBytes = 1 << 20

// wsConn sets a write deadline on every message.
type wsConn struct {
	conn    *websocket.Conn
	timeout time.Duration
}

func (c *wsConn) WriteJSON(v any) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *wsConn) close(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.timeout))
}

// checkOrigin accepts clients without an Origin header (non-browser) and
// browsers from an allowed origin.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	s.log.Warnf("Rejected WebSocket from origin %s", origin)
	return false
}

// handleWebSocket handles GET /ws. The client sends one InitMessage, then
// receives a stream.Message every StreamInterval until the session ends or
// either side closes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	wc := &wsConn{conn: conn, timeout: s.config.WriteTimeout}
	conn.SetReadLimit(maxInitMessageBytes)

	var init InitMessage
	_ = conn.SetReadDeadline(time.Now().Add(s.config.InitTimeout))
	if err := conn.ReadJSON(&init); err != nil {
		s.log.Warnf("Invalid init message from %s: %v", getClientIP(r), err)
		wc.close(websocket.CloseUnsupportedData, "invalid init message")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	if err := init.Validate(); err != nil {
		s.rejectStream(wc, err)
		return
	}
	input, err := init.Descriptor(s.config.DefaultDevice)
	if err != nil {
		s.rejectStream(wc, err)
		return
	}

	id := init.FileID
	launched, err := s.service.StartTracking(id, input)
	if err != nil {
		s.log.Warnf("Could not start tracking %s: %v", id, err)
		s.rejectStream(wc, trackingError(err))
		return
	}
	defer s.service.StopTracking(id)
	if launched {
		s.log.Infof("Tracking session %s with %s input", id, input.Kind)
	} else {
		s.log.Infof("Joined running session %s", id)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Clients send nothing after init; reading only detects the close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	pub := &stream.Publisher{
		Source:   s.service,
		Interval: s.config.StreamInterval,
		Metrics:  s.metrics,
	}
	if err := pub.Run(ctx, wc, id); err != nil {
		s.log.Debugf("Stream for %s ended: %v", id, err)
		return
	}
	wc.close(websocket.CloseNormalClosure, "")
}

// trackingError keeps the sentinel a client can act on and hides the rest,
// which may carry server paths.
func trackingError(err error) error {
	for _, known := range []error{
		scorefollow.ErrSessionNotFound,
		scorefollow.ErrInvalidSessionID,
		scorefollow.ErrServiceClosed,
	} {
		if errors.Is(err, known) {
			return known
		}
	}
	return errors.New("could not start tracking")
}

// rejectStream reports a failed session to the client before closing.
func (s *Server) rejectStream(wc *wsConn, err error) {
	_ = wc.WriteJSON(stream.Message{Status: models.StatusFailed, Error: err.Error()})
	wc.close(websocket.ClosePolicyViolation, "session unavailable")
}
