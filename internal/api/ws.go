package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/contexthub-ai/contexthub/pkg/protocol"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = 45 * time.Second
	wsMaxMessageSize = 4 * 1024
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleSessionWS upgrades the connection and streams session_changed events
// for one session until the client disconnects.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	identity, err := s.agentIdentity(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	exists, err := s.sessions.SessionExists(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	if !exists {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// One subscription per connection; the uuid suffix lets an agent hold
	// several connections to the same session.
	subscriberID := identity.AgentID + ":" + uuid.New().String()
	sub := s.hub.Subscribe(sessionID, subscriberID)
	defer s.hub.Unsubscribe(sub)

	s.logger.Info("subscriber connected", "session_id", sessionID, "agent_id", identity.AgentID)

	ack := protocol.Envelope{
		Type:      protocol.TypeSubscribed,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(ack); err != nil {
		return
	}

	// Read pump: clients send nothing meaningful, but reading drives pong
	// handling and disconnect detection.
	readClosed := make(chan struct{})
	go func() {
		defer close(readClosed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-sub.Events():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(env); err != nil {
				s.logger.Debug("subscriber write failed", "session_id", sessionID, "agent_id", identity.AgentID, "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readClosed:
			s.logger.Info("subscriber disconnected", "session_id", sessionID, "agent_id", identity.AgentID)
			return
		}
	}
}
