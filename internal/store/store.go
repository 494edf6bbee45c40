// Package store defines the storage interface for the hub and provides
// SQLite, PostgreSQL, and MySQL implementations behind a single dialect-aware
// engine selected by DATABASE_URL.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrUnavailable marks transient storage failures that are safe to retry.
	ErrUnavailable = errors.New("database unavailable")
	// ErrSchemaMismatch means the database schema is newer than this binary
	// understands, or a migration was left half-applied.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrConstraint maps unique/foreign-key violations for the caller to
	// translate into a domain error.
	ErrConstraint = errors.New("constraint violation")
)

// Store is the persistence interface for the hub.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	SetSessionActive(ctx context.Context, id string, active bool) error

	// Messages
	AppendMessage(ctx context.Context, msg *Message) (int64, error)
	GetMessages(ctx context.Context, sessionID string, limit, offset int) ([]Message, error)
	GetMessagesSince(ctx context.Context, sessionID string, afterID int64, limit int) ([]Message, error)
	GetMessage(ctx context.Context, sessionID string, id int64) (*Message, error)

	// Agent memory. SessionID "" means the agent's global scope.
	UpsertMemory(ctx context.Context, entry *MemoryEntry) error
	GetMemory(ctx context.Context, agentID, sessionID, key string) (*MemoryEntry, error)
	ListMemory(ctx context.Context, agentID, sessionID, prefix string, limit int) ([]MemoryEntry, error)
	DeleteMemory(ctx context.Context, agentID, sessionID, key string) (bool, error)
	PurgeExpiredMemory(ctx context.Context, agentID string, before time.Time) (int64, error)

	// Tokens
	InsertToken(ctx context.Context, tok *TokenRecord) error
	GetToken(ctx context.Context, tokenID string) (*TokenRecord, error)
	RevokeToken(ctx context.Context, tokenID string) (bool, error)
	ExpireToken(ctx context.Context, tokenID string, at time.Time) error
	PurgeExpiredTokens(ctx context.Context, before time.Time) (int64, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditRecord) error
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditRecord, error)

	// Health
	Ping(ctx context.Context) error
	Stats() sql.DBStats

	// Lifecycle
	Close() error
}

// Session is a named, persistent blackboard owning an ordered message log.
type Session struct {
	ID        string          `json:"id"` // "session_" + 16 hex chars
	Purpose   string          `json:"purpose"`
	CreatedBy string          `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	IsActive  bool            `json:"is_active"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Message is one immutable entry in a session's log. Ordering within a session
// is total and by (timestamp, id).
type Message struct {
	ID         int64           `json:"id"`
	SessionID  string          `json:"session_id"`
	Sender     string          `json:"sender"`
	SenderType string          `json:"sender_type"`
	Content    string          `json:"content"`
	Visibility string          `json:"visibility"`
	Type       string          `json:"message_type"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	ParentID   *int64          `json:"parent_message_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// MemoryEntry is a per-agent JSON value keyed by (agent_id, session_id, key).
// SessionID "" is the storage encoding of the agent's global scope; it is a
// distinct namespace from every session-scoped slot.
type MemoryEntry struct {
	AgentID   string          `json:"agent_id"`
	SessionID string          `json:"session_id,omitempty"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// TokenRecord is the stored state behind an opaque sct_ token.
type TokenRecord struct {
	TokenID     string    `json:"token_id"` // "sct_" + uuid
	AgentID     string    `json:"agent_id"`
	AgentType   string    `json:"agent_type"`
	Permissions string    `json:"permissions"` // comma-separated
	BearerJWT   string    `json:"-"`           // signed internal bearer
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Revoked     bool      `json:"revoked"`
}

// AuditRecord is an append-only log entry. One record per authorization
// decision and per mutation, regardless of outcome.
type AuditRecord struct {
	ID        int64           `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	AgentID   string          `json:"agent_id"`
	EventType string          `json:"event_type"`
	SessionID string          `json:"session_id,omitempty"`
	Result    string          `json:"result"` // success | error | denied
	Details   json.RawMessage `json:"details,omitempty"`
}

// AuditFilter specifies criteria for querying the audit log.
type AuditFilter struct {
	AgentID   string
	EventType string
	SessionID string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}
