// Package auth implements the identity and token service: it mints opaque
// sct_ tokens bound to an (agent_id, agent_type, permissions) triple, resolves
// them to identities on every call, and handles refresh and revocation.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/contexthub-ai/contexthub/internal/store"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrRevokedToken = errors.New("token revoked")
	ErrNotFound     = errors.New("token not found")
	ErrValidation   = errors.New("validation failed")
)

// Permission is a single capability attached to an identity.
type Permission string

const (
	PermRead  Permission = "read"
	PermWrite Permission = "write"
	PermDebug Permission = "debug"
	PermAdmin Permission = "admin"
)

// Agent types accepted by the hub.
var agentTypes = map[string]bool{
	"generic": true,
	"claude":  true,
	"gemini":  true,
	"custom":  true,
	"admin":   true,
	"system":  true,
	"test":    true,
}

// ValidAgentType reports whether t is a known agent type.
func ValidAgentType(t string) bool { return agentTypes[t] }

// policyFor returns the maximum permission set for an agent type. Requested
// permissions are intersected with this; admin is never granted outside the
// admin type.
func policyFor(agentType string) []Permission {
	switch agentType {
	case "admin":
		return []Permission{PermRead, PermWrite, PermDebug, PermAdmin}
	case "system", "test":
		return []Permission{PermRead, PermWrite, PermDebug}
	default:
		return []Permission{PermRead, PermWrite}
	}
}

// Identity is a resolved caller: the unit every authorization decision keys on.
type Identity struct {
	AgentID         string       `json:"agent_id"`
	AgentType       string       `json:"agent_type"`
	Permissions     []Permission `json:"permissions"`
	TokenID         string       `json:"token_id"`
	AuthenticatedAt time.Time    `json:"authenticated_at"`
}

// Can reports whether the identity holds the permission.
func (i *Identity) Can(p Permission) bool {
	for _, have := range i.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// Grant is the result of authenticate/refresh.
type Grant struct {
	Token       string       `json:"token"`
	TokenType   string       `json:"token_type"`
	ExpiresAt   time.Time    `json:"expires_at"`
	Permissions []Permission `json:"permissions"`
}

// Claims is the internal signed bearer wrapped by the opaque token. The
// bearer never leaves the process.
type Claims struct {
	AgentID     string `json:"agt"`
	AgentType   string `json:"aty"`
	Permissions string `json:"prm"`
	jwt.RegisteredClaims
}

const (
	tokenPrefix = "sct_"
	// cacheTTL bounds how long a resolve result may be served from memory.
	// It also bounds how long a rotated-away token keeps authorizing.
	cacheTTL = 30 * time.Second
)

// Service is the token service. Signing secrets are required at construction;
// there is no development fallback.
type Service struct {
	store      store.Store
	secret     []byte
	prevSecret []byte
	ttl        time.Duration
	logger     *slog.Logger
	cache      *resolveCache
	now        func() time.Time
}

// NewService creates the token service. secret must already be validated by
// config; prevSecret may be empty when no key rotation is in flight.
func NewService(s store.Store, secret, prevSecret string, ttl time.Duration, logger *slog.Logger) *Service {
	var prev []byte
	if prevSecret != "" {
		prev = []byte(prevSecret)
	}
	return &Service{
		store:      s,
		secret:     []byte(secret),
		prevSecret: prev,
		ttl:        ttl,
		logger:     logger.With("component", "auth"),
		cache:      newResolveCache(),
		now:        time.Now,
	}
}

// Authenticate mints a fresh opaque token for the agent. Requested permissions
// are intersected with the policy for the agent type; unknown names are
// dropped silently.
func (s *Service) Authenticate(ctx context.Context, agentID, agentType string, requested []string) (*Grant, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" || len(agentID) > 64 {
		return nil, fmt.Errorf("%w: agent_id must be 1..64 characters", ErrValidation)
	}
	if !ValidAgentType(agentType) {
		return nil, fmt.Errorf("%w: unknown agent_type %q", ErrValidation, agentType)
	}

	allowed := policyFor(agentType)
	var granted []Permission
	for _, r := range requested {
		p := Permission(strings.ToLower(strings.TrimSpace(r)))
		for _, a := range allowed {
			if p == a {
				granted = append(granted, p)
				break
			}
		}
	}
	if len(granted) == 0 {
		granted = []Permission{PermRead}
	}

	now := s.now().UTC()
	expires := now.Add(s.ttl)
	tokenID := tokenPrefix + uuid.New().String()

	bearer, err := s.sign(agentID, agentType, granted, tokenID, now, expires)
	if err != nil {
		return nil, fmt.Errorf("sign bearer: %w", err)
	}

	rec := &store.TokenRecord{
		TokenID:     tokenID,
		AgentID:     agentID,
		AgentType:   agentType,
		Permissions: joinPerms(granted),
		BearerJWT:   bearer,
		IssuedAt:    now,
		ExpiresAt:   expires,
	}
	if err := store.WithRetry(ctx, func() error { return s.store.InsertToken(ctx, rec) }); err != nil {
		return nil, err
	}

	s.audit(ctx, agentID, "auth.authenticate", "", "success", map[string]any{
		"agent_type":  agentType,
		"permissions": granted,
	})
	s.logger.Info("agent authenticated", "agent_id", agentID, "agent_type", agentType)

	return &Grant{
		Token:       tokenID,
		TokenType:   "Protected",
		ExpiresAt:   expires,
		Permissions: granted,
	}, nil
}

// Resolve maps an opaque token to the identity it protects. Results are
// cached in-process for at most min(cacheTTL, remaining lifetime).
func (s *Service) Resolve(ctx context.Context, token string) (*Identity, error) {
	if !strings.HasPrefix(token, tokenPrefix) {
		return nil, ErrInvalidToken
	}
	now := s.now().UTC()
	if id, ok := s.cache.get(token, now); ok {
		return id, nil
	}

	rec, err := s.store.GetToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrInvalidToken
	}
	if rec.Revoked {
		return nil, ErrRevokedToken
	}
	if !now.Before(rec.ExpiresAt) {
		return nil, ErrExpiredToken
	}

	claims, err := s.verify(rec.BearerJWT)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if claims.ID != rec.TokenID || claims.AgentID != rec.AgentID {
		return nil, ErrInvalidToken
	}

	identity := &Identity{
		AgentID:         rec.AgentID,
		AgentType:       rec.AgentType,
		Permissions:     splitPerms(rec.Permissions),
		TokenID:         rec.TokenID,
		AuthenticatedAt: rec.IssuedAt,
	}

	until := now.Add(cacheTTL)
	if rec.ExpiresAt.Before(until) {
		until = rec.ExpiresAt
	}
	s.cache.put(token, identity, until)
	return identity, nil
}

// Refresh rotates the opaque token. The old token stays valid for at most one
// cache interval so in-flight calls don't fail mid-rotation.
func (s *Service) Refresh(ctx context.Context, token string) (*Grant, error) {
	if !strings.HasPrefix(token, tokenPrefix) {
		return nil, ErrInvalidToken
	}
	now := s.now().UTC()
	rec, err := s.store.GetToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrInvalidToken
	}
	if rec.Revoked {
		return nil, ErrRevokedToken
	}
	if !now.Before(rec.ExpiresAt) {
		return nil, ErrExpiredToken
	}

	perms := splitPerms(rec.Permissions)
	expires := now.Add(s.ttl)
	newID := tokenPrefix + uuid.New().String()
	bearer, err := s.sign(rec.AgentID, rec.AgentType, perms, newID, now, expires)
	if err != nil {
		return nil, fmt.Errorf("sign bearer: %w", err)
	}

	newRec := &store.TokenRecord{
		TokenID:     newID,
		AgentID:     rec.AgentID,
		AgentType:   rec.AgentType,
		Permissions: rec.Permissions,
		BearerJWT:   bearer,
		IssuedAt:    now,
		ExpiresAt:   expires,
	}
	if err := store.WithRetry(ctx, func() error { return s.store.InsertToken(ctx, newRec) }); err != nil {
		return nil, err
	}
	if err := s.store.ExpireToken(ctx, rec.TokenID, now.Add(cacheTTL)); err != nil {
		s.logger.Warn("failed to shorten old token lifetime", "error", err)
	}
	s.cache.drop(token)

	s.audit(ctx, rec.AgentID, "auth.refresh", "", "success", nil)

	return &Grant{
		Token:       newID,
		TokenType:   "Protected",
		ExpiresAt:   expires,
		Permissions: perms,
	}, nil
}

// Revoke invalidates a token. Revoking an already-revoked token is a no-op;
// revoking a token that never authorizes returns ErrNotFound.
func (s *Service) Revoke(ctx context.Context, token string) error {
	if !strings.HasPrefix(token, tokenPrefix) {
		return ErrNotFound
	}
	rec, err := s.store.GetToken(ctx, token)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if rec == nil || !now.Before(rec.ExpiresAt) {
		return ErrNotFound
	}
	if !rec.Revoked {
		if _, err := s.store.RevokeToken(ctx, token); err != nil {
			return err
		}
	}
	s.cache.drop(token)
	s.audit(ctx, rec.AgentID, "auth.revoke", "", "success", nil)
	return nil
}

// CacheStats exposes hit/miss counters for telemetry.
func (s *Service) CacheStats() (hits, misses uint64) { return s.cache.stats() }

// TTL returns the configured token lifetime.
func (s *Service) TTL() time.Duration { return s.ttl }

func (s *Service) sign(agentID, agentType string, perms []Permission, tokenID string, issued, expires time.Time) (string, error) {
	claims := &Claims{
		AgentID:     agentID,
		AgentType:   agentType,
		Permissions: joinPerms(perms),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// verify checks the bearer with the current key, falling back to the previous
// key during rotation.
func (s *Service) verify(bearer string) (*Claims, error) {
	claims, err := s.parseWith(bearer, s.secret)
	if err != nil && s.prevSecret != nil {
		claims, err = s.parseWith(bearer, s.prevSecret)
	}
	return claims, err
}

func (s *Service) parseWith(bearer string, key []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(bearer, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) audit(ctx context.Context, agentID, eventType, sessionID, result string, details map[string]any) {
	var raw json.RawMessage
	if details != nil {
		raw, _ = json.Marshal(details)
	}
	if err := s.store.LogAuditEvent(ctx, &store.AuditRecord{
		Timestamp: s.now().UTC(),
		AgentID:   agentID,
		EventType: eventType,
		SessionID: sessionID,
		Result:    result,
		Details:   raw,
	}); err != nil {
		s.logger.Warn("failed to log audit event", "event_type", eventType, "error", err)
	}
}

func joinPerms(perms []Permission) string {
	parts := make([]string, len(perms))
	for i, p := range perms {
		parts[i] = string(p)
	}
	return strings.Join(parts, ",")
}

func splitPerms(s string) []Permission {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	perms := make([]Permission, 0, len(parts))
	for _, p := range parts {
		perms = append(perms, Permission(p))
	}
	return perms
}
