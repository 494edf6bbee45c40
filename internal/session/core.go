// Package session implements the session and message core: lifecycle,
// append with visibility labels, the ordered read path, and audit.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/contexthub-ai/contexthub/internal/auth"
	"github.com/contexthub-ai/contexthub/internal/notify"
	"github.com/contexthub-ai/contexthub/internal/store"
	"github.com/contexthub-ai/contexthub/pkg/protocol"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrInactive         = errors.New("session inactive")
	ErrMessageNotFound  = errors.New("message not found")
	ErrValidation       = errors.New("validation failed")
	ErrPermissionDenied = errors.New("permission denied")
)

const (
	maxPurposeLength = 500
	maxContentLength = 100_000
	maxMetadataBytes = 10 * 1024
	// fetchCap bounds how many messages a single read path loads before
	// in-memory visibility filtering. Sized for ~10k-message sessions.
	fetchCap = 10_000
)

// Message types.
const (
	TypeAgentResponse = "agent_response"
	TypeSystem        = "system"
	TypeError         = "error"
	TypeAdmin         = "admin"
)

// Broadcaster forwards a change event to an out-of-process push hub. Failures
// are the bridge's problem; the core never sees them.
type Broadcaster interface {
	Broadcast(ctx context.Context, sessionID string, env protocol.Envelope)
}

// Core is the authoritative session/message engine.
type Core struct {
	store  store.Store
	hub    *notify.Hub
	bridge Broadcaster // nil when push lives in-process only
	logger *slog.Logger
	now    func() time.Time
}

// NewCore wires the session core. bridge may be nil.
func NewCore(s store.Store, hub *notify.Hub, bridge Broadcaster, logger *slog.Logger) *Core {
	return &Core{
		store:  s,
		hub:    hub,
		bridge: bridge,
		logger: logger.With("component", "session"),
		now:    time.Now,
	}
}

// newSessionID returns "session_" plus 16 hex characters.
func newSessionID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return "session_" + hex.EncodeToString(b), nil
}

// CreateSession starts a new blackboard owned by the caller.
func (c *Core) CreateSession(ctx context.Context, caller *auth.Identity, purpose string, metadata map[string]any) (*store.Session, error) {
	if !caller.Can(auth.PermWrite) {
		c.audit(ctx, caller.AgentID, "session.create", "", "denied", nil)
		return nil, ErrPermissionDenied
	}
	purpose = strings.TrimSpace(purpose)
	if purpose == "" || len(purpose) > maxPurposeLength {
		return nil, fmt.Errorf("%w: purpose must be 1..%d characters", ErrValidation, maxPurposeLength)
	}
	meta, err := marshalMetadata(metadata)
	if err != nil {
		return nil, err
	}

	id, err := newSessionID()
	if err != nil {
		return nil, err
	}
	now := c.now().UTC().Truncate(time.Microsecond)
	sess := &store.Session{
		ID:        id,
		Purpose:   purpose,
		CreatedBy: caller.AgentID,
		CreatedAt: now,
		UpdatedAt: now,
		IsActive:  true,
		Metadata:  meta,
	}
	if err := store.WithRetry(ctx, func() error { return c.store.CreateSession(ctx, sess) }); err != nil {
		c.audit(ctx, caller.AgentID, "session.create", id, "error", nil)
		return nil, err
	}

	c.audit(ctx, caller.AgentID, "session.create", id, "success", map[string]any{"purpose": purpose})
	c.logger.Info("session created", "session_id", id, "created_by", caller.AgentID)
	return sess, nil
}

// GetSession returns the session plus a visible tail of recent messages.
func (c *Core) GetSession(ctx context.Context, caller *auth.Identity, sessionID string) (*store.Session, []store.Message, error) {
	if !caller.Can(auth.PermRead) {
		c.audit(ctx, caller.AgentID, "session.get", sessionID, "denied", nil)
		return nil, nil, ErrPermissionDenied
	}
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess == nil {
		return nil, nil, ErrNotFound
	}

	visible, err := c.VisibleMessages(ctx, caller, sessionID)
	if err != nil {
		return nil, nil, err
	}
	const tail = 10
	if len(visible) > tail {
		visible = visible[len(visible)-tail:]
	}
	return sess, visible, nil
}

// AddMessage appends one message to a session and, after commit, signals the
// notification hub and the broadcast bridge.
func (c *Core) AddMessage(ctx context.Context, caller *auth.Identity, sessionID, content, visibility string, metadata map[string]any, parentID *int64) (*store.Message, error) {
	if !caller.Can(auth.PermWrite) {
		c.audit(ctx, caller.AgentID, "message.add", sessionID, "denied", nil)
		return nil, ErrPermissionDenied
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: content must not be empty", ErrValidation)
	}
	if len(content) > maxContentLength {
		return nil, fmt.Errorf("%w: content exceeds %d characters", ErrValidation, maxContentLength)
	}
	if visibility == "" {
		visibility = VisibilityPublic
	}
	if !ValidVisibility(visibility) {
		return nil, fmt.Errorf("%w: unknown visibility %q", ErrValidation, visibility)
	}
	meta, err := marshalMetadata(metadata)
	if err != nil {
		return nil, err
	}

	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNotFound
	}
	if !sess.IsActive {
		return nil, ErrInactive
	}

	if parentID != nil {
		parent, err := c.store.GetMessage(ctx, sessionID, *parentID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, fmt.Errorf("%w: parent_message_id %d not found in session", ErrValidation, *parentID)
		}
	}

	msg := &store.Message{
		SessionID:  sessionID,
		Sender:     caller.AgentID,
		SenderType: caller.AgentType,
		Content:    content,
		Visibility: visibility,
		Type:       messageTypeFor(caller),
		Metadata:   meta,
		ParentID:   parentID,
		Timestamp:  c.now().UTC().Truncate(time.Microsecond),
	}
	if err := store.WithRetry(ctx, func() error {
		_, err := c.store.AppendMessage(ctx, msg)
		return err
	}); err != nil {
		c.audit(ctx, caller.AgentID, "message.add", sessionID, "error", nil)
		return nil, err
	}

	c.audit(ctx, caller.AgentID, "message.add", sessionID, "success", map[string]any{
		"message_id": msg.ID,
		"visibility": visibility,
	})

	// Notify after commit; never inside a transaction.
	env := protocol.SessionChanged(sessionID, protocol.CauseNewMessage, msg.ID, msg.Timestamp)
	c.hub.Publish(sessionID, env)
	if c.bridge != nil {
		go c.bridge.Broadcast(context.WithoutCancel(ctx), sessionID, env)
	}

	return msg, nil
}

// GetMessages returns one visibility-filtered page ordered by (timestamp, id)
// ascending. limit/offset apply to the filtered sequence.
func (c *Core) GetMessages(ctx context.Context, caller *auth.Identity, sessionID string, limit, offset int, visibilityFilter string) ([]store.Message, error) {
	if !caller.Can(auth.PermRead) {
		c.audit(ctx, caller.AgentID, "message.list", sessionID, "denied", nil)
		return nil, ErrPermissionDenied
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		return nil, fmt.Errorf("%w: limit must be 1..500", ErrValidation)
	}
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset must be >= 0", ErrValidation)
	}
	if visibilityFilter != "" && !ValidVisibility(visibilityFilter) {
		return nil, fmt.Errorf("%w: unknown visibility %q", ErrValidation, visibilityFilter)
	}

	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNotFound
	}

	all, err := c.store.GetMessages(ctx, sessionID, fetchCap, 0)
	if err != nil {
		return nil, err
	}
	visible := FilterVisible(all, caller, visibilityFilter)
	if offset >= len(visible) {
		return []store.Message{}, nil
	}
	visible = visible[offset:]
	if len(visible) > limit {
		visible = visible[:limit]
	}
	return visible, nil
}

// GetMessagesSince returns visible messages strictly after the given message
// id. The cursor is the integer message id: total and monotonic per session.
func (c *Core) GetMessagesSince(ctx context.Context, caller *auth.Identity, sessionID string, afterID int64, limit int) ([]store.Message, error) {
	if !caller.Can(auth.PermRead) {
		c.audit(ctx, caller.AgentID, "message.since", sessionID, "denied", nil)
		return nil, ErrPermissionDenied
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		return nil, fmt.Errorf("%w: limit must be 1..500", ErrValidation)
	}

	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNotFound
	}

	all, err := c.store.GetMessagesSince(ctx, sessionID, afterID, fetchCap)
	if err != nil {
		return nil, err
	}
	visible := FilterVisible(all, caller, "")
	if len(visible) > limit {
		visible = visible[:limit]
	}
	return visible, nil
}

// VisibleMessages loads every message of the session the caller may see, in
// (timestamp, id) order, bounded by the fetch cap. Search builds on this.
func (c *Core) VisibleMessages(ctx context.Context, caller *auth.Identity, sessionID string) ([]store.Message, error) {
	all, err := c.store.GetMessages(ctx, sessionID, fetchCap, 0)
	if err != nil {
		return nil, err
	}
	return FilterVisible(all, caller, ""), nil
}

// SessionExists reports whether the session is present, for callers that only
// need an existence check.
func (c *Core) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return sess != nil, nil
}

func messageTypeFor(caller *auth.Identity) string {
	switch caller.AgentType {
	case "admin":
		return TypeAdmin
	case "system":
		return TypeSystem
	default:
		return TypeAgentResponse
	}
}

func marshalMetadata(metadata map[string]any) (json.RawMessage, error) {
	if metadata == nil {
		return nil, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata is not serializable", ErrValidation)
	}
	if len(raw) > maxMetadataBytes {
		return nil, fmt.Errorf("%w: metadata exceeds %d bytes", ErrValidation, maxMetadataBytes)
	}
	return raw, nil
}

func (c *Core) audit(ctx context.Context, agentID, eventType, sessionID, result string, details map[string]any) {
	var raw json.RawMessage
	if details != nil {
		raw, _ = json.Marshal(details)
	}
	if err := c.store.LogAuditEvent(ctx, &store.AuditRecord{
		Timestamp: c.now().UTC(),
		AgentID:   agentID,
		EventType: eventType,
		SessionID: sessionID,
		Result:    result,
		Details:   raw,
	}); err != nil {
		c.logger.Warn("failed to log audit event", "event_type", eventType, "error", err)
	}
}
