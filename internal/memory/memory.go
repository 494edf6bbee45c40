// Package memory implements per-agent key/value memory with optional TTL.
// Entries are scoped either globally or to one session; the two scopes never
// collide.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/contexthub-ai/contexthub/internal/auth"
	"github.com/contexthub-ai/contexthub/internal/store"
)

var (
	ErrNotFound         = errors.New("memory entry not found")
	ErrConflict         = errors.New("memory key already exists")
	ErrValidation       = errors.New("validation failed")
	ErrPermissionDenied = errors.New("permission denied")
)

const (
	maxKeyLength   = 255
	maxValueBytes  = 100 * 1024
	maxListResults = 1000
)

// SessionChecker verifies that a session id refers to an existing session.
type SessionChecker interface {
	SessionExists(ctx context.Context, sessionID string) (bool, error)
}

// Service owns agent memory semantics: scoping, TTL, and conflict rules.
type Service struct {
	store    store.Store
	sessions SessionChecker
	logger   *slog.Logger
	now      func() time.Time
}

// NewService wires the memory service.
func NewService(s store.Store, sessions SessionChecker, logger *slog.Logger) *Service {
	return &Service{
		store:    s,
		sessions: sessions,
		logger:   logger.With("component", "memory"),
		now:      time.Now,
	}
}

// Set stores a value under the caller's key. expiresIn <= 0 means no expiry.
// With overwrite false an existing live entry is a conflict; an expired entry
// in the slot is replaced as if absent.
func (s *Service) Set(ctx context.Context, caller *auth.Identity, key string, value any, sessionID string, expiresIn int, overwrite bool) (*store.MemoryEntry, error) {
	if !caller.Can(auth.PermWrite) {
		return nil, ErrPermissionDenied
	}
	if err := s.validateScope(ctx, sessionID); err != nil {
		return nil, err
	}
	key = strings.TrimSpace(key)
	if key == "" || len(key) > maxKeyLength {
		return nil, fmt.Errorf("%w: key must be 1..%d characters", ErrValidation, maxKeyLength)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: value is not serializable", ErrValidation)
	}
	if len(raw) > maxValueBytes {
		return nil, fmt.Errorf("%w: value exceeds %d bytes", ErrValidation, maxValueBytes)
	}

	now := s.now().UTC().Truncate(time.Microsecond)

	if !overwrite {
		existing, err := s.store.GetMemory(ctx, caller.AgentID, sessionID, key)
		if err != nil {
			return nil, err
		}
		if existing != nil && !expired(existing, now) {
			return nil, fmt.Errorf("%w: %q", ErrConflict, key)
		}
	}

	entry := &store.MemoryEntry{
		AgentID:   caller.AgentID,
		SessionID: sessionID,
		Key:       key,
		Value:     raw,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if expiresIn > 0 {
		at := now.Add(time.Duration(expiresIn) * time.Second)
		entry.ExpiresAt = &at
	}

	if err := store.WithRetry(ctx, func() error { return s.store.UpsertMemory(ctx, entry) }); err != nil {
		return nil, err
	}
	return entry, nil
}

// Get returns a live entry, or ErrNotFound for missing and expired entries
// alike. Expired entries found on the way are deleted opportunistically.
func (s *Service) Get(ctx context.Context, caller *auth.Identity, key, sessionID string) (*store.MemoryEntry, error) {
	if !caller.Can(auth.PermRead) {
		return nil, ErrPermissionDenied
	}
	if err := s.validateScope(ctx, sessionID); err != nil {
		return nil, err
	}
	entry, err := s.store.GetMemory(ctx, caller.AgentID, sessionID, key)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if entry == nil {
		return nil, ErrNotFound
	}
	if expired(entry, now) {
		s.purge(ctx, caller.AgentID)
		return nil, ErrNotFound
	}
	return entry, nil
}

// List returns the caller's live entries in a scope, optionally filtered by
// key prefix, sorted by key.
func (s *Service) List(ctx context.Context, caller *auth.Identity, sessionID, prefix string, limit int) ([]store.MemoryEntry, error) {
	if !caller.Can(auth.PermRead) {
		return nil, ErrPermissionDenied
	}
	if err := s.validateScope(ctx, sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxListResults {
		limit = maxListResults
	}
	entries, err := s.store.ListMemory(ctx, caller.AgentID, sessionID, prefix, limit)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	live := entries[:0]
	sawExpired := false
	for i := range entries {
		if expired(&entries[i], now) {
			sawExpired = true
			continue
		}
		live = append(live, entries[i])
	}
	if sawExpired {
		s.purge(ctx, caller.AgentID)
	}
	return live, nil
}

// Delete removes one entry. Deleting a missing or expired entry is ErrNotFound.
func (s *Service) Delete(ctx context.Context, caller *auth.Identity, key, sessionID string) error {
	if !caller.Can(auth.PermWrite) {
		return ErrPermissionDenied
	}
	if err := s.validateScope(ctx, sessionID); err != nil {
		return err
	}
	entry, err := s.store.GetMemory(ctx, caller.AgentID, sessionID, key)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if entry == nil || expired(entry, now) {
		if entry != nil {
			s.purge(ctx, caller.AgentID)
		}
		return ErrNotFound
	}
	deleted, err := s.store.DeleteMemory(ctx, caller.AgentID, sessionID, key)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrNotFound
	}
	return nil
}

// validateScope checks that a non-global scope names an existing session.
func (s *Service) validateScope(ctx context.Context, sessionID string) error {
	if sessionID == "" || s.sessions == nil {
		return nil
	}
	ok, err := s.sessions.SessionExists(ctx, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: session %q not found", ErrValidation, sessionID)
	}
	return nil
}

// purge sweeps the agent's expired entries in the background of the request.
func (s *Service) purge(ctx context.Context, agentID string) {
	n, err := s.store.PurgeExpiredMemory(ctx, agentID, s.now().UTC())
	if err != nil {
		s.logger.Warn("failed to purge expired memory", "agent_id", agentID, "error", err)
		return
	}
	if n > 0 {
		s.logger.Debug("purged expired memory", "agent_id", agentID, "count", n)
	}
}

func expired(e *store.MemoryEntry, now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}
