// Package api provides the HTTP transport for the hub: the MCP endpoint, the
// websocket push channel, the broadcast receiver, and health routes.
package api

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/contexthub-ai/contexthub/internal/auth"
	"github.com/contexthub-ai/contexthub/internal/notify"
	"github.com/contexthub-ai/contexthub/internal/ratelimit"
	"github.com/contexthub-ai/contexthub/internal/session"
	"github.com/contexthub-ai/contexthub/internal/store"
	"github.com/contexthub-ai/contexthub/pkg/protocol"
)

// Server is the HTTP transport server.
type Server struct {
	store     store.Store
	auth      *auth.Service
	sessions  *session.Core
	hub       *notify.Hub
	logger    *slog.Logger
	mux       *chi.Mux
	apiKey    string
	limiter   *ratelimit.Limiter // nil disables rate limiting
	startTime time.Time
}

// NewServer assembles the transport around an MCP tool server.
func NewServer(s store.Store, as *auth.Service, core *session.Core, hub *notify.Hub, mcp *mcpserver.MCPServer, apiKey string, limiter *ratelimit.Limiter, logger *slog.Logger) *Server {
	srv := &Server{
		store:     s,
		auth:      as,
		sessions:  core,
		hub:       hub,
		logger:    logger.With("component", "api"),
		apiKey:    apiKey,
		limiter:   limiter,
		startTime: time.Now(),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	mcpHandler := mcpserver.NewStreamableHTTPServer(mcp)

	mux.Group(func(r chi.Router) {
		r.Use(srv.apiKeyMiddleware)
		r.Use(srv.rateLimitMiddleware)

		r.Handle("/mcp", mcpHandler)
		r.Handle("/mcp/*", mcpHandler)

		// WebSocket push (agent token auth handled inside)
		r.Get("/ws/{sessionID}", srv.handleSessionWS)

		// Broadcast bridge receiver
		r.Post("/broadcast/{sessionID}", srv.handleBroadcast)

		// Audit query (admin token required)
		r.Get("/admin/audit", srv.handleListAuditEvents)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// apiKeyMiddleware gates every non-health route on the shared transport key.
func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != s.apiKey {
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware rejects clients that exhaust their token bucket. Keyed
// by client address; RealIP has already resolved proxy headers upstream.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// agentIdentity resolves the per-agent token from ?token= or the
// Authorization header.
func (s *Server) agentIdentity(r *http.Request) (*auth.Identity, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		h := r.Header.Get("Authorization")
		if len(h) > 7 && h[:7] == "Bearer " {
			token = h[7:]
		}
	}
	if token == "" {
		return nil, auth.ErrInvalidToken
	}
	return s.auth.Resolve(r.Context(), token)
}

// handleBroadcast accepts a push message from a peer process and republishes
// it to local subscribers.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var env protocol.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if env.SessionID == "" {
		env.SessionID = sessionID
	}
	if env.SessionID != sessionID {
		writeError(w, http.StatusBadRequest, "session_id mismatch")
		return
	}

	s.hub.Publish(sessionID, env)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "delivered",
		"subscribers": s.hub.SubscriberCount(sessionID),
	})
}

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	identity, err := s.agentIdentity(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	if !identity.Can(auth.PermAdmin) {
		writeError(w, http.StatusForbidden, "admin permission required")
		return
	}

	q := r.URL.Query()
	filter := store.AuditFilter{
		AgentID:   q.Get("agent_id"),
		EventType: q.Get("event_type"),
		SessionID: q.Get("session_id"),
		Limit:     50,
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Since = t.UTC()
		}
	}
	if v := q.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Until = t.UTC()
		}
	}

	events, err := s.store.ListAuditEvents(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
