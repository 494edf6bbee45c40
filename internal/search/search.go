// Package search provides per-session search over visible messages: fuzzy
// ranking, sender lookup, and time-range queries.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"

	"github.com/contexthub-ai/contexthub/internal/auth"
	"github.com/contexthub-ai/contexthub/internal/session"
	"github.com/contexthub-ai/contexthub/internal/store"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrPermissionDenied = errors.New("permission denied")
)

const (
	maxQueryLength = 1000
	maxHits        = 50
)

// Scope restricts fuzzy search to one visibility class.
const (
	ScopeAll       = "all"
	ScopePublic    = "public"
	ScopePrivate   = "private"
	ScopeAgentOnly = "agent_only"
)

// Hit is one ranked search result.
type Hit struct {
	Message       store.Message `json:"message"`
	Score         float64       `json:"score"`
	MatchedFields []string      `json:"matched_fields"`
}

// Service runs searches on top of the session core's visibility filtering.
type Service struct {
	core   *session.Core
	logger *slog.Logger
}

// NewService wires the search service.
func NewService(core *session.Core, logger *slog.Logger) *Service {
	return &Service{core: core, logger: logger.With("component", "search")}
}

// Context runs a fuzzy search over the caller-visible messages of a session.
// Results carry score >= threshold and are sorted by (score desc, timestamp
// desc, id desc).
func (s *Service) Context(ctx context.Context, caller *auth.Identity, sessionID, query string, threshold float64, limit int, searchMetadata bool, scope string) ([]Hit, error) {
	if !caller.Can(auth.PermRead) {
		return nil, ErrPermissionDenied
	}
	query = strings.TrimSpace(query)
	if query == "" || len(query) > maxQueryLength {
		return nil, fmt.Errorf("%w: query must be 1..%d characters", ErrValidation, maxQueryLength)
	}
	if threshold < 0 || threshold > 100 {
		return nil, fmt.Errorf("%w: fuzzy_threshold must be in [0, 100]", ErrValidation)
	}
	if limit <= 0 {
		limit = 10
	}
	if limit > maxHits {
		return nil, fmt.Errorf("%w: limit must be 1..%d", ErrValidation, maxHits)
	}
	switch scope {
	case "", ScopeAll:
		scope = ScopeAll
	case ScopePublic, ScopePrivate, ScopeAgentOnly:
	default:
		return nil, fmt.Errorf("%w: unknown search_scope %q", ErrValidation, scope)
	}

	messages, err := s.visible(ctx, caller, sessionID)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, limit)
	for i := range messages {
		m := &messages[i]
		if scope != ScopeAll && m.Visibility != scope {
			continue
		}
		score, fields := scoreMessage(query, m, searchMetadata)
		if score < threshold {
			continue
		}
		hits = append(hits, Hit{Message: *m, Score: score, MatchedFields: fields})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		a, b := &hits[i], &hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Message.Timestamp.Equal(b.Message.Timestamp) {
			return a.Message.Timestamp.After(b.Message.Timestamp)
		}
		return a.Message.ID > b.Message.ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// BySender returns the caller-visible messages from one sender, in
// (timestamp, id) order. Matching tolerates case and separator variants.
func (s *Service) BySender(ctx context.Context, caller *auth.Identity, sessionID, sender string, limit int) ([]store.Message, error) {
	if !caller.Can(auth.PermRead) {
		return nil, ErrPermissionDenied
	}
	sender = strings.TrimSpace(sender)
	if sender == "" {
		return nil, fmt.Errorf("%w: sender must not be empty", ErrValidation)
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		return nil, fmt.Errorf("%w: limit must be 1..500", ErrValidation)
	}

	messages, err := s.visible(ctx, caller, sessionID)
	if err != nil {
		return nil, err
	}

	want := NormalizeSender(sender)
	out := make([]store.Message, 0, limit)
	for i := range messages {
		if NormalizeSender(messages[i].Sender) != want {
			continue
		}
		out = append(out, messages[i])
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// ByTimeRange returns caller-visible messages with start <= timestamp <= end.
func (s *Service) ByTimeRange(ctx context.Context, caller *auth.Identity, sessionID string, start, end time.Time, limit int) ([]store.Message, error) {
	if !caller.Can(auth.PermRead) {
		return nil, ErrPermissionDenied
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end_time before start_time", ErrValidation)
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		return nil, fmt.Errorf("%w: limit must be 1..500", ErrValidation)
	}
	start, end = start.UTC(), end.UTC()

	messages, err := s.visible(ctx, caller, sessionID)
	if err != nil {
		return nil, err
	}

	out := make([]store.Message, 0, limit)
	for i := range messages {
		ts := messages[i].Timestamp
		if ts.Before(start) || ts.After(end) {
			continue
		}
		out = append(out, messages[i])
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Service) visible(ctx context.Context, caller *auth.Identity, sessionID string) ([]store.Message, error) {
	ok, err := s.core.SessionExists(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, session.ErrNotFound
	}
	return s.core.VisibleMessages(ctx, caller, sessionID)
}

// scoreMessage returns the best fuzzy score across the searched fields and
// which fields met it. Token-set handles word reordering, partial handles
// substrings; the higher of the two wins.
func scoreMessage(query string, m *store.Message, searchMetadata bool) (float64, []string) {
	var best float64
	var fields []string

	score := fieldScore(query, m.Content)
	if score > 0 {
		best = score
		fields = append(fields, "content")
	}

	if searchMetadata && len(m.Metadata) > 0 {
		if meta := fieldScore(query, string(m.Metadata)); meta > 0 {
			if meta > best {
				best = meta
			}
			fields = append(fields, "metadata")
		}
	}
	return best, fields
}

func fieldScore(query, text string) float64 {
	if text == "" {
		return 0
	}
	q, t := strings.ToLower(query), strings.ToLower(text)
	ts := fuzzy.TokenSetRatio(q, t)
	pr := fuzzy.PartialRatio(q, t)
	if pr > ts {
		ts = pr
	}
	return float64(ts)
}

var senderSeparators = regexp.MustCompile(`[-_ ]+`)

// NormalizeSender maps sender name variants to one canonical form:
// lowercased, runs of '-', '_' and spaces collapsed to a single underscore.
func NormalizeSender(sender string) string {
	return senderSeparators.ReplaceAllString(strings.ToLower(strings.TrimSpace(sender)), "_")
}
