// Package tools exposes the hub's operations as an MCP tool surface. Every
// tool except authenticate_agent takes an opaque token and resolves it to an
// identity before touching the core.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/contexthub-ai/contexthub/internal/auth"
	"github.com/contexthub-ai/contexthub/internal/bridge"
	"github.com/contexthub-ai/contexthub/internal/memory"
	"github.com/contexthub-ai/contexthub/internal/metrics"
	"github.com/contexthub-ai/contexthub/internal/notify"
	"github.com/contexthub-ai/contexthub/internal/ratelimit"
	"github.com/contexthub-ai/contexthub/internal/search"
	"github.com/contexthub-ai/contexthub/internal/session"
	"github.com/contexthub-ai/contexthub/internal/store"
)

// Deps carries everything the tool surface needs.
type Deps struct {
	Auth     *auth.Service
	Sessions *session.Core
	Memory   *memory.Service
	Search   *search.Service
	Store    store.Store
	Hub      *notify.Hub
	Bridge   *bridge.Client
	Limiter  *ratelimit.Limiter // nil disables per-agent rate limiting
	Metrics  *metrics.Registry
	Logger   *slog.Logger
	Version  string
}

// Server wires the tool handlers onto an MCP server.
type Server struct {
	deps   Deps
	logger *slog.Logger
	mcp    *server.MCPServer
}

// New builds the MCP server and registers all tools.
func New(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		logger: deps.Logger.With("component", "tools"),
		mcp: server.NewMCPServer("contexthub", deps.Version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}
	s.register()
	return s
}

// MCP returns the underlying MCP server for transport mounting.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

type handler = server.ToolHandlerFunc

// instrument wraps a handler with latency/error metrics keyed by tool name.
func (s *Server) instrument(name string, h handler) handler {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stop := s.deps.Metrics.Timer(name)
		res, err := h(ctx, req)
		stop(err != nil || (res != nil && res.IsError))
		return res, err
	}
}

// identified wraps a handler that needs a resolved caller identity.
func (s *Server) identified(name string, h func(ctx context.Context, req mcp.CallToolRequest, caller *auth.Identity) (*mcp.CallToolResult, error)) handler {
	return s.instrument(name, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		token := req.GetString("token", "")
		if token == "" {
			return authRequired(), nil
		}
		caller, err := s.deps.Auth.Resolve(ctx, token)
		if err != nil {
			return fail(s.logger, name, err), nil
		}
		if s.deps.Limiter != nil && !s.deps.Limiter.Allow(caller.AgentID) {
			return fail(s.logger, name, ratelimit.ErrLimited), nil
		}
		return h(ctx, req, caller)
	})
}

func (s *Server) register() {
	s.mcp.AddTool(mcp.NewTool("authenticate_agent",
		mcp.WithDescription("Authenticate an agent and receive an opaque access token."),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Stable agent name, 1..64 characters.")),
		mcp.WithString("agent_type", mcp.Description("One of generic, claude, gemini, custom, admin, system, test.")),
		mcp.WithArray("requested_permissions", mcp.Description("Permissions to request; intersected with the agent type's policy.")),
	), s.instrument("authenticate_agent", s.handleAuthenticate))

	s.mcp.AddTool(mcp.NewTool("refresh_token",
		mcp.WithDescription("Rotate an access token before it expires."),
		mcp.WithString("token", mcp.Required()),
	), s.instrument("refresh_token", s.handleRefresh))

	s.mcp.AddTool(mcp.NewTool("create_session",
		mcp.WithDescription("Create a shared collaboration session."),
		mcp.WithString("token", mcp.Required()),
		mcp.WithString("purpose", mcp.Required(), mcp.Description("What the session is for, 1..500 characters.")),
		mcp.WithObject("metadata", mcp.Description("Optional JSON object attached to the session.")),
	), s.identified("create_session", s.handleCreateSession))

	s.mcp.AddTool(mcp.NewTool("get_session",
		mcp.WithDescription("Fetch a session and a short tail of its recent visible messages."),
		mcp.WithString("token", mcp.Required()),
		mcp.WithString("session_id", mcp.Required()),
	), s.identified("get_session", s.handleGetSession))

	s.mcp.AddTool(mcp.NewTool("add_message",
		mcp.WithDescription("Append a message to a session. The sender is always the authenticated agent."),
		mcp.WithString("token", mcp.Required()),
		mcp.WithString("session_id", mcp.Required()),
		mcp.WithString("content", mcp.Required(), mcp.Description("Message body, 1..100000 characters.")),
		mcp.WithString("visibility", mcp.Description("public (default), private, agent_only, or admin_only.")),
		mcp.WithObject("metadata", mcp.Description("Optional JSON object, at most 10 KB.")),
		mcp.WithNumber("parent_message_id", mcp.Description("Id of an existing message in the same session.")),
	), s.identified("add_message", s.handleAddMessage))

	s.mcp.AddTool(mcp.NewTool("get_messages",
		mcp.WithDescription("Read one page of a session's messages in (timestamp, id) order."),
		mcp.WithString("token", mcp.Required()),
		mcp.WithString("session_id", mcp.Required()),
		mcp.WithNumber("limit", mcp.Description("Page size, 1..500. Default 50.")),
		mcp.WithNumber("offset", mcp.Description("Messages to skip. Default 0.")),
		mcp.WithString("visibility_filter", mcp.Description("Restrict to one visibility label.")),
	), s.identified("get_messages", s.handleGetMessages))

	s.mcp.AddTool(mcp.NewTool("get_messages_since",
		mcp.WithDescription("Read messages appended after a cursor. The cursor is the last seen message id."),
		mcp.WithString("token", mcp.Required()),
		mcp.WithString("session_id", mcp.Required()),
		mcp.WithNumber("cursor", mcp.Required(), mcp.Description("Message id to resume after; 0 reads from the start.")),
		mcp.WithNumber("limit", mcp.Description("Page size, 1..500. Default 50.")),
	), s.identified("get_messages_since", s.handleGetMessagesSince))

	s.mcp.AddTool(mcp.NewTool("search_context",
		mcp.WithDescription("Fuzzy-search the visible messages of a session."),
		mcp.WithString("token", mcp.Required()),
		mcp.WithString("session_id", mcp.Required()),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search text, 1..1000 characters.")),
		mcp.WithNumber("fuzzy_threshold", mcp.Description("Minimum score 0..100. Default 60.")),
		mcp.WithNumber("limit", mcp.Description("Maximum hits, 1..50. Default 10.")),
		mcp.WithBoolean("search_metadata", mcp.Description("Also match against message metadata.")),
		mcp.WithString("search_scope", mcp.Description("all (default), public, private, or agent_only.")),
	), s.identified("search_context", s.handleSearchContext))

	s.mcp.AddTool(mcp.NewTool("search_by_sender",
		mcp.WithDescription("List a session's visible messages from one sender. Name matching tolerates case and separators."),
		mcp.WithString("token", mcp.Required()),
		mcp.WithString("session_id", mcp.Required()),
		mcp.WithString("sender", mcp.Required()),
		mcp.WithNumber("limit", mcp.Description("Maximum results. Default 50.")),
	), s.identified("search_by_sender", s.handleSearchBySender))

	s.mcp.AddTool(mcp.NewTool("search_by_timerange",
		mcp.WithDescription("List a session's visible messages within an inclusive UTC time range."),
		mcp.WithString("token", mcp.Required()),
		mcp.WithString("session_id", mcp.Required()),
		mcp.WithString("start_time", mcp.Required(), mcp.Description("RFC 3339 timestamp.")),
		mcp.WithString("end_time", mcp.Required(), mcp.Description("RFC 3339 timestamp, not before start_time.")),
		mcp.WithNumber("limit", mcp.Description("Maximum results. Default 100.")),
	), s.identified("search_by_timerange", s.handleSearchByTimeRange))

	s.mcp.AddTool(mcp.NewToolWithRawSchema("set_memory",
		"Store a JSON value in the agent's memory, globally or scoped to a session.",
		setMemorySchema,
	), s.identified("set_memory", s.handleSetMemory))

	s.mcp.AddTool(mcp.NewTool("get_memory",
		mcp.WithDescription("Read one memory value."),
		mcp.WithString("token", mcp.Required()),
		mcp.WithString("key", mcp.Required()),
		mcp.WithString("session_id", mcp.Description("Scope to a session; omit for global scope.")),
	), s.identified("get_memory", s.handleGetMemory))

	s.mcp.AddTool(mcp.NewTool("list_memory",
		mcp.WithDescription("List the agent's memory entries in one scope."),
		mcp.WithString("token", mcp.Required()),
		mcp.WithString("session_id", mcp.Description("Scope to a session; omit for global scope.")),
		mcp.WithString("prefix", mcp.Description("Only keys starting with this prefix.")),
		mcp.WithNumber("limit", mcp.Description("Maximum entries. Default 1000.")),
	), s.identified("list_memory", s.handleListMemory))

	s.mcp.AddTool(mcp.NewTool("delete_memory",
		mcp.WithDescription("Delete one memory entry."),
		mcp.WithString("token", mcp.Required()),
		mcp.WithString("key", mcp.Required()),
		mcp.WithString("session_id", mcp.Description("Scope to a session; omit for global scope.")),
	), s.identified("delete_memory", s.handleDeleteMemory))

	s.mcp.AddTool(mcp.NewTool("get_performance_metrics",
		mcp.WithDescription("Operation counters, latency percentiles, cache and pool statistics."),
		mcp.WithString("token", mcp.Required()),
	), s.identified("get_performance_metrics", s.handleMetrics))

	s.mcp.AddTool(mcp.NewTool("get_usage_guidance",
		mcp.WithDescription("How to use this server effectively as an agent."),
		mcp.WithString("token", mcp.Required()),
	), s.identified("get_usage_guidance", s.handleGuidance))
}

// setMemorySchema is hand-written because value accepts any JSON type (object,
// array, string, number, bool, null), which the typed schema builders cannot
// express.
var setMemorySchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"token": {"type": "string"},
		"key": {"type": "string", "description": "Memory key, 1..255 characters."},
		"value": {"description": "Any JSON value."},
		"session_id": {"type": "string", "description": "Scope to a session; omit for global scope."},
		"expires_in": {"type": "number", "description": "Seconds until expiry; 0 or negative means never."},
		"overwrite": {"type": "boolean", "description": "Replace an existing value. Default true."}
	},
	"required": ["token", "key", "value"]
}`)

func (s *Server) handleAuthenticate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return fail(s.logger, "authenticate_agent", fmt.Errorf("%w: agent_id is required", auth.ErrValidation)), nil
	}
	agentType := req.GetString("agent_type", "generic")
	requested := stringSlice(req.GetArguments()["requested_permissions"])

	grant, err := s.deps.Auth.Authenticate(ctx, agentID, agentType, requested)
	if err != nil {
		return fail(s.logger, "authenticate_agent", err), nil
	}
	return ok(map[string]any{
		"token":       grant.Token,
		"token_type":  grant.TokenType,
		"expires_at":  grant.ExpiresAt.Format(time.RFC3339),
		"permissions": grant.Permissions,
	}), nil
}

func (s *Server) handleRefresh(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token := req.GetString("token", "")
	if token == "" {
		return authRequired(), nil
	}
	grant, err := s.deps.Auth.Refresh(ctx, token)
	if err != nil {
		return fail(s.logger, "refresh_token", err), nil
	}
	return ok(map[string]any{
		"token":       grant.Token,
		"token_type":  grant.TokenType,
		"expires_at":  grant.ExpiresAt.Format(time.RFC3339),
		"permissions": grant.Permissions,
	}), nil
}

func (s *Server) handleCreateSession(ctx context.Context, req mcp.CallToolRequest, caller *auth.Identity) (*mcp.CallToolResult, error) {
	purpose := req.GetString("purpose", "")
	metadata := objectArg(req, "metadata")

	sess, err := s.deps.Sessions.CreateSession(ctx, caller, purpose, metadata)
	if err != nil {
		return fail(s.logger, "create_session", err), nil
	}
	return ok(map[string]any{"session": sess}), nil
}

func (s *Server) handleGetSession(ctx context.Context, req mcp.CallToolRequest, caller *auth.Identity) (*mcp.CallToolResult, error) {
	sess, tail, err := s.deps.Sessions.GetSession(ctx, caller, req.GetString("session_id", ""))
	if err != nil {
		return fail(s.logger, "get_session", err), nil
	}
	return ok(map[string]any{
		"session":         sess,
		"recent_messages": tail,
		"subscribers":     s.deps.Hub.SubscriberCount(sess.ID),
	}), nil
}

func (s *Server) handleAddMessage(ctx context.Context, req mcp.CallToolRequest, caller *auth.Identity) (*mcp.CallToolResult, error) {
	var parentID *int64
	if raw, ok := req.GetArguments()["parent_message_id"]; ok && raw != nil {
		id, err := int64Arg(raw)
		if err != nil {
			return fail(s.logger, "add_message", fmt.Errorf("%w: parent_message_id must be an integer", session.ErrValidation)), nil
		}
		parentID = &id
	}

	msg, err := s.deps.Sessions.AddMessage(ctx, caller,
		req.GetString("session_id", ""),
		req.GetString("content", ""),
		req.GetString("visibility", ""),
		objectArg(req, "metadata"),
		parentID,
	)
	if err != nil {
		return fail(s.logger, "add_message", err), nil
	}
	return ok(map[string]any{"message": msg}), nil
}

func (s *Server) handleGetMessages(ctx context.Context, req mcp.CallToolRequest, caller *auth.Identity) (*mcp.CallToolResult, error) {
	messages, err := s.deps.Sessions.GetMessages(ctx, caller,
		req.GetString("session_id", ""),
		req.GetInt("limit", 0),
		req.GetInt("offset", 0),
		req.GetString("visibility_filter", ""),
	)
	if err != nil {
		return fail(s.logger, "get_messages", err), nil
	}
	return ok(map[string]any{"messages": messages, "count": len(messages)}), nil
}

func (s *Server) handleGetMessagesSince(ctx context.Context, req mcp.CallToolRequest, caller *auth.Identity) (*mcp.CallToolResult, error) {
	messages, err := s.deps.Sessions.GetMessagesSince(ctx, caller,
		req.GetString("session_id", ""),
		int64(req.GetInt("cursor", 0)),
		req.GetInt("limit", 0),
	)
	if err != nil {
		return fail(s.logger, "get_messages_since", err), nil
	}
	cursor := int64(req.GetInt("cursor", 0))
	if n := len(messages); n > 0 {
		cursor = messages[n-1].ID
	}
	return ok(map[string]any{"messages": messages, "count": len(messages), "cursor": cursor}), nil
}

func (s *Server) handleSearchContext(ctx context.Context, req mcp.CallToolRequest, caller *auth.Identity) (*mcp.CallToolResult, error) {
	hits, err := s.deps.Search.Context(ctx, caller,
		req.GetString("session_id", ""),
		req.GetString("query", ""),
		req.GetFloat("fuzzy_threshold", 60),
		req.GetInt("limit", 10),
		req.GetBool("search_metadata", false),
		req.GetString("search_scope", "all"),
	)
	if err != nil {
		return fail(s.logger, "search_context", err), nil
	}
	return ok(map[string]any{"results": hits, "count": len(hits)}), nil
}

func (s *Server) handleSearchBySender(ctx context.Context, req mcp.CallToolRequest, caller *auth.Identity) (*mcp.CallToolResult, error) {
	messages, err := s.deps.Search.BySender(ctx, caller,
		req.GetString("session_id", ""),
		req.GetString("sender", ""),
		req.GetInt("limit", 50),
	)
	if err != nil {
		return fail(s.logger, "search_by_sender", err), nil
	}
	return ok(map[string]any{"messages": messages, "count": len(messages)}), nil
}

func (s *Server) handleSearchByTimeRange(ctx context.Context, req mcp.CallToolRequest, caller *auth.Identity) (*mcp.CallToolResult, error) {
	start, err := timeArg(req.GetString("start_time", ""))
	if err != nil {
		return fail(s.logger, "search_by_timerange", fmt.Errorf("%w: start_time must be RFC 3339", search.ErrValidation)), nil
	}
	end, err := timeArg(req.GetString("end_time", ""))
	if err != nil {
		return fail(s.logger, "search_by_timerange", fmt.Errorf("%w: end_time must be RFC 3339", search.ErrValidation)), nil
	}

	messages, err := s.deps.Search.ByTimeRange(ctx, caller,
		req.GetString("session_id", ""), start, end, req.GetInt("limit", 100))
	if err != nil {
		return fail(s.logger, "search_by_timerange", err), nil
	}
	return ok(map[string]any{"messages": messages, "count": len(messages)}), nil
}

func (s *Server) handleSetMemory(ctx context.Context, req mcp.CallToolRequest, caller *auth.Identity) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	value, hasValue := args["value"]
	if !hasValue {
		return fail(s.logger, "set_memory", fmt.Errorf("%w: value is required", memory.ErrValidation)), nil
	}

	expiresIn := 0
	if raw, ok := args["expires_in"]; ok && raw != nil {
		n, err := intArg(raw)
		if err != nil {
			return fail(s.logger, "set_memory", fmt.Errorf("%w: expires_in must be an integer", memory.ErrValidation)), nil
		}
		expiresIn = n
	}

	entry, err := s.deps.Memory.Set(ctx, caller,
		req.GetString("key", ""),
		value,
		req.GetString("session_id", ""),
		expiresIn,
		req.GetBool("overwrite", true),
	)
	if err != nil {
		return fail(s.logger, "set_memory", err), nil
	}
	payload := map[string]any{"key": entry.Key, "updated_at": entry.UpdatedAt.Format(time.RFC3339)}
	if entry.ExpiresAt != nil {
		payload["expires_at"] = entry.ExpiresAt.Format(time.RFC3339)
	}
	return ok(payload), nil
}

func (s *Server) handleGetMemory(ctx context.Context, req mcp.CallToolRequest, caller *auth.Identity) (*mcp.CallToolResult, error) {
	entry, err := s.deps.Memory.Get(ctx, caller, req.GetString("key", ""), req.GetString("session_id", ""))
	if err != nil {
		return fail(s.logger, "get_memory", err), nil
	}
	payload := map[string]any{
		"key":        entry.Key,
		"value":      entry.Value,
		"updated_at": entry.UpdatedAt.Format(time.RFC3339),
	}
	if entry.ExpiresAt != nil {
		payload["expires_at"] = entry.ExpiresAt.Format(time.RFC3339)
	}
	return ok(payload), nil
}

func (s *Server) handleListMemory(ctx context.Context, req mcp.CallToolRequest, caller *auth.Identity) (*mcp.CallToolResult, error) {
	entries, err := s.deps.Memory.List(ctx, caller,
		req.GetString("session_id", ""),
		req.GetString("prefix", ""),
		req.GetInt("limit", 0),
	)
	if err != nil {
		return fail(s.logger, "list_memory", err), nil
	}
	keys := make([]string, len(entries))
	for i := range entries {
		keys[i] = entries[i].Key
	}
	return ok(map[string]any{"keys": keys, "entries": entries, "count": len(entries)}), nil
}

func (s *Server) handleDeleteMemory(ctx context.Context, req mcp.CallToolRequest, caller *auth.Identity) (*mcp.CallToolResult, error) {
	if err := s.deps.Memory.Delete(ctx, caller, req.GetString("key", ""), req.GetString("session_id", "")); err != nil {
		return fail(s.logger, "delete_memory", err), nil
	}
	return ok(map[string]any{"deleted": true}), nil
}

func (s *Server) handleMetrics(ctx context.Context, req mcp.CallToolRequest, caller *auth.Identity) (*mcp.CallToolResult, error) {
	if !caller.Can(auth.PermDebug) && !caller.Can(auth.PermAdmin) {
		return fail(s.logger, "get_performance_metrics", session.ErrPermissionDenied), nil
	}

	hits, misses := s.deps.Auth.CacheStats()
	hitRatio := 0.0
	if hits+misses > 0 {
		hitRatio = float64(hits) / float64(hits+misses)
	}
	published, dropped := s.deps.Hub.Stats()
	pool := s.deps.Store.Stats()

	payload := map[string]any{
		"operations": s.deps.Metrics.Snapshot(),
		"auth_cache": map[string]any{"hits": hits, "misses": misses, "hit_ratio": hitRatio},
		"notifications": map[string]any{"published": published, "dropped": dropped},
		"pool": map[string]any{
			"open":     pool.OpenConnections,
			"in_use":   pool.InUse,
			"idle":     pool.Idle,
			"max_open": pool.MaxOpenConnections,
		},
	}
	if s.deps.Bridge != nil {
		sent, failed := s.deps.Bridge.Stats()
		payload["bridge"] = map[string]any{"sent": sent, "failed": failed}
	}
	return ok(payload), nil
}

func (s *Server) handleGuidance(ctx context.Context, req mcp.CallToolRequest, caller *auth.Identity) (*mcp.CallToolResult, error) {
	return ok(map[string]any{"guidance": usageGuidance}), nil
}

// stringSlice coerces a JSON array argument into []string, skipping non-strings.
func stringSlice(raw any) []string {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func objectArg(req mcp.CallToolRequest, key string) map[string]any {
	if raw, ok := req.GetArguments()[key]; ok {
		if m, ok := raw.(map[string]any); ok {
			return m
		}
	}
	return nil
}

// intArg coerces a JSON number or numeric string to int. LLM callers routinely
// send numbers as strings.
func intArg(raw any) (int, error) {
	switch v := raw.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case string:
		return strconv.Atoi(v)
	default:
		return 0, fmt.Errorf("not a number: %T", raw)
	}
}

func int64Arg(raw any) (int64, error) {
	switch v := raw.(type) {
	case float64:
		return int64(v), nil
	case int:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("not a number: %T", raw)
	}
}

func timeArg(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
