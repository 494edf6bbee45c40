package session

import (
	"github.com/contexthub-ai/contexthub/internal/auth"
	"github.com/contexthub-ai/contexthub/internal/store"
)

// Message visibility labels.
const (
	VisibilityPublic    = "public"
	VisibilityPrivate   = "private"
	VisibilityAgentOnly = "agent_only"
	VisibilityAdminOnly = "admin_only"
)

// ValidVisibility reports whether v is a known visibility label.
func ValidVisibility(v string) bool {
	switch v {
	case VisibilityPublic, VisibilityPrivate, VisibilityAgentOnly, VisibilityAdminOnly:
		return true
	}
	return false
}

// Visible is the single source of truth for message visibility. Every read
// path (paging, incremental reads, search, session summaries, subscription
// payloads) goes through this function.
func Visible(msg *store.Message, caller *auth.Identity) bool {
	if caller == nil {
		return false
	}
	if msg.Sender == caller.AgentID {
		return true
	}
	switch msg.Visibility {
	case VisibilityPublic:
		return true
	case VisibilityPrivate:
		return false // only the sender, handled above
	case VisibilityAgentOnly:
		return caller.AgentType == msg.SenderType
	case VisibilityAdminOnly:
		return caller.Can(auth.PermAdmin)
	default:
		return false
	}
}

// FilterVisible returns the subset of messages the caller may see, optionally
// intersected with an explicit visibility label.
func FilterVisible(messages []store.Message, caller *auth.Identity, visibilityFilter string) []store.Message {
	out := make([]store.Message, 0, len(messages))
	for i := range messages {
		m := &messages[i]
		if visibilityFilter != "" && m.Visibility != visibilityFilter {
			continue
		}
		if Visible(m, caller) {
			out = append(out, *m)
		}
	}
	return out
}
