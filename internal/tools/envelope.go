package tools

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/contexthub-ai/contexthub/internal/auth"
	"github.com/contexthub-ai/contexthub/internal/memory"
	"github.com/contexthub-ai/contexthub/internal/ratelimit"
	"github.com/contexthub-ai/contexthub/internal/search"
	"github.com/contexthub-ai/contexthub/internal/session"
	"github.com/contexthub-ai/contexthub/internal/store"
)

// Stable error codes of the tool surface.
const (
	CodeAuthRequired     = "AUTH_REQUIRED"
	CodeInvalidToken     = "INVALID_TOKEN"
	CodeExpiredToken     = "EXPIRED_TOKEN"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeValidation       = "VALIDATION_ERROR"
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
	CodeSessionInactive  = "SESSION_INACTIVE"
	CodeMessageNotFound  = "MESSAGE_NOT_FOUND"
	CodeMemoryNotFound   = "MEMORY_NOT_FOUND"
	CodeMemoryConflict   = "MEMORY_CONFLICT"
	CodeRateLimited      = "RATE_LIMITED"
	CodeDBUnavailable    = "DATABASE_UNAVAILABLE"
	CodeTimeout          = "TIMEOUT"
	CodeInternal         = "INTERNAL_ERROR"
)

type errorShape struct {
	code        string
	severity    string
	recoverable bool
	suggestions []string
}

var errorShapes = []struct {
	match error
	shape errorShape
}{
	{auth.ErrExpiredToken, errorShape{CodeExpiredToken, "warn", true, []string{"call refresh_token or authenticate_agent again"}}},
	{auth.ErrRevokedToken, errorShape{CodeInvalidToken, "warn", true, []string{"call authenticate_agent to obtain a new token"}}},
	{auth.ErrInvalidToken, errorShape{CodeInvalidToken, "warn", true, []string{"call authenticate_agent to obtain a new token"}}},
	{auth.ErrNotFound, errorShape{CodeInvalidToken, "warn", true, nil}},
	{auth.ErrValidation, errorShape{CodeValidation, "warn", true, nil}},
	{session.ErrValidation, errorShape{CodeValidation, "warn", true, nil}},
	{memory.ErrValidation, errorShape{CodeValidation, "warn", true, nil}},
	{search.ErrValidation, errorShape{CodeValidation, "warn", true, nil}},
	{session.ErrPermissionDenied, errorShape{CodePermissionDenied, "warn", false, []string{"request the needed permission via authenticate_agent"}}},
	{memory.ErrPermissionDenied, errorShape{CodePermissionDenied, "warn", false, nil}},
	{search.ErrPermissionDenied, errorShape{CodePermissionDenied, "warn", false, nil}},
	{session.ErrNotFound, errorShape{CodeSessionNotFound, "info", true, []string{"check the session_id or create a session first"}}},
	{session.ErrInactive, errorShape{CodeSessionInactive, "warn", false, nil}},
	{session.ErrMessageNotFound, errorShape{CodeMessageNotFound, "info", true, nil}},
	{memory.ErrNotFound, errorShape{CodeMemoryNotFound, "info", true, nil}},
	{memory.ErrConflict, errorShape{CodeMemoryConflict, "warn", true, []string{"retry with overwrite=true to replace the existing value"}}},
	{ratelimit.ErrLimited, errorShape{CodeRateLimited, "warn", true, []string{"slow down and retry after a short delay"}}},
	{store.ErrUnavailable, errorShape{CodeDBUnavailable, "error", true, []string{"retry after a short delay"}}},
	{context.DeadlineExceeded, errorShape{CodeTimeout, "error", true, []string{"retry after a short delay"}}},
}

// ok renders a success envelope. payload keys are merged next to success:true.
func ok(payload map[string]any) *mcp.CallToolResult {
	body := map[string]any{"success": true}
	for k, v := range payload {
		body[k] = v
	}
	return result(body)
}

// fail maps a domain error to the failure envelope. Unrecognized errors become
// INTERNAL_ERROR with a correlation id and no detail leakage.
func fail(logger *slog.Logger, tool string, err error) *mcp.CallToolResult {
	for _, e := range errorShapes {
		if errors.Is(err, e.match) {
			body := map[string]any{
				"success":     false,
				"error":       err.Error(),
				"code":        e.shape.code,
				"severity":    e.shape.severity,
				"recoverable": e.shape.recoverable,
			}
			if len(e.shape.suggestions) > 0 {
				body["suggestions"] = e.shape.suggestions
			}
			return result(body)
		}
	}

	correlationID := uuid.New().String()
	logger.Error("internal error", "tool", tool, "correlation_id", correlationID, "error", err)
	return result(map[string]any{
		"success":     false,
		"error":       "internal error",
		"code":        CodeInternal,
		"severity":    "critical",
		"recoverable": false,
		"details":     map[string]any{"correlation_id": correlationID},
	})
}

// authRequired is the envelope for calls missing a token argument.
func authRequired() *mcp.CallToolResult {
	return result(map[string]any{
		"success":     false,
		"error":       "a token is required, call authenticate_agent first",
		"code":        CodeAuthRequired,
		"severity":    "warn",
		"recoverable": true,
		"suggestions": []string{"call authenticate_agent to obtain a token"},
	})
}

func result(body map[string]any) *mcp.CallToolResult {
	raw, err := json.Marshal(body)
	if err != nil {
		return mcp.NewToolResultText(`{"success":false,"code":"INTERNAL_ERROR","error":"encoding failure","severity":"critical","recoverable":false}`)
	}
	return mcp.NewToolResultText(string(raw))
}
