package session

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/contexthub-ai/contexthub/internal/auth"
	"github.com/contexthub-ai/contexthub/internal/store"
)

func ident(agentID, agentType string, perms ...auth.Permission) *auth.Identity {
	return &auth.Identity{AgentID: agentID, AgentType: agentType, Permissions: perms}
}

func TestVisibleRules(t *testing.T) {
	alice := ident("alice", "claude", auth.PermRead, auth.PermWrite)
	bob := ident("bob", "claude", auth.PermRead)
	carol := ident("carol", "gemini", auth.PermRead)
	admin := ident("root", "admin", auth.PermRead, auth.PermAdmin)

	tests := []struct {
		name       string
		visibility string
		caller     *auth.Identity
		want       bool
	}{
		{"public visible to anyone", VisibilityPublic, carol, true},
		{"private hidden from others", VisibilityPrivate, bob, false},
		{"private visible to sender", VisibilityPrivate, alice, true},
		{"agent_only visible to same type", VisibilityAgentOnly, bob, true},
		{"agent_only hidden from other type", VisibilityAgentOnly, carol, false},
		{"admin_only hidden from non-admin", VisibilityAdminOnly, bob, false},
		{"admin_only visible to admin", VisibilityAdminOnly, admin, true},
		{"admin_only visible to sender", VisibilityAdminOnly, alice, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &store.Message{Sender: "alice", SenderType: "claude", Visibility: tt.visibility}
			assert.Equal(t, tt.want, Visible(msg, tt.caller))
		})
	}
}

func TestVisibleNilCaller(t *testing.T) {
	msg := &store.Message{Sender: "alice", SenderType: "claude", Visibility: VisibilityPublic}
	assert.False(t, Visible(msg, nil))
}

// Random (message, identity) pairs must agree with a straight transliteration
// of the visibility rules.
func TestVisibleProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	visibilities := []string{VisibilityPublic, VisibilityPrivate, VisibilityAgentOnly, VisibilityAdminOnly}
	agents := []string{"alice", "bob", "carol"}
	types := []string{"claude", "gemini", "generic", "admin"}

	for i := 0; i < 2000; i++ {
		msg := &store.Message{
			Sender:     agents[rng.Intn(len(agents))],
			SenderType: types[rng.Intn(len(types))],
			Visibility: visibilities[rng.Intn(len(visibilities))],
		}
		caller := &auth.Identity{
			AgentID:     agents[rng.Intn(len(agents))],
			AgentType:   types[rng.Intn(len(types))],
			Permissions: []auth.Permission{auth.PermRead},
		}
		if rng.Intn(4) == 0 {
			caller.Permissions = append(caller.Permissions, auth.PermAdmin)
		}

		want := false
		switch {
		case msg.Sender == caller.AgentID:
			want = true
		case msg.Visibility == VisibilityPublic:
			want = true
		case msg.Visibility == VisibilityAgentOnly && caller.AgentType == msg.SenderType:
			want = true
		case msg.Visibility == VisibilityAdminOnly && caller.Can(auth.PermAdmin):
			want = true
		}
		assert.Equal(t, want, Visible(msg, caller),
			"sender=%s/%s vis=%s caller=%s/%s perms=%v",
			msg.Sender, msg.SenderType, msg.Visibility, caller.AgentID, caller.AgentType, caller.Permissions)
	}
}

func TestFilterVisibleWithLabelFilter(t *testing.T) {
	alice := ident("alice", "claude", auth.PermRead)
	messages := []store.Message{
		{ID: 1, Sender: "bob", SenderType: "claude", Visibility: VisibilityPublic},
		{ID: 2, Sender: "bob", SenderType: "claude", Visibility: VisibilityPrivate},
		{ID: 3, Sender: "alice", SenderType: "claude", Visibility: VisibilityPrivate},
		{ID: 4, Sender: "bob", SenderType: "claude", Visibility: VisibilityAgentOnly},
	}

	visible := FilterVisible(messages, alice, "")
	ids := make([]int64, len(visible))
	for i, m := range visible {
		ids[i] = m.ID
	}
	assert.Equal(t, []int64{1, 3, 4}, ids)

	onlyPrivate := FilterVisible(messages, alice, VisibilityPrivate)
	assert.Len(t, onlyPrivate, 1)
	assert.EqualValues(t, 3, onlyPrivate[0].ID)
}
