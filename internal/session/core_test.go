package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contexthub-ai/contexthub/internal/auth"
	"github.com/contexthub-ai/contexthub/internal/config"
	"github.com/contexthub-ai/contexthub/internal/notify"
	"github.com/contexthub-ai/contexthub/internal/store"
	"github.com/contexthub-ai/contexthub/pkg/protocol"
)

func testCore(t *testing.T) (*Core, *notify.Hub) {
	t.Helper()
	db, err := store.Open(config.StorageConfig{
		DatabaseURL:    ":memory:",
		MaxConnections: 5,
		PoolOverflow:   2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	logger := slog.New(slog.DiscardHandler)
	hub := notify.New(logger, 0)
	return NewCore(db, hub, nil, logger), hub
}

func writer(id string) *auth.Identity {
	return &auth.Identity{AgentID: id, AgentType: "generic",
		Permissions: []auth.Permission{auth.PermRead, auth.PermWrite}}
}

func reader(id string) *auth.Identity {
	return &auth.Identity{AgentID: id, AgentType: "generic",
		Permissions: []auth.Permission{auth.PermRead}}
}

func TestCreateSessionAssignsID(t *testing.T) {
	core, _ := testCore(t)
	sess, err := core.CreateSession(context.Background(), writer("a"), "plan the work", nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sess.ID, "session_"))
	assert.Len(t, sess.ID, len("session_")+16)
	assert.True(t, sess.IsActive)
	assert.Equal(t, "a", sess.CreatedBy)
}

func TestCreateSessionValidation(t *testing.T) {
	core, _ := testCore(t)
	ctx := context.Background()

	_, err := core.CreateSession(ctx, writer("a"), "   ", nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = core.CreateSession(ctx, writer("a"), strings.Repeat("p", 501), nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = core.CreateSession(ctx, reader("a"), "needs write", nil)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestAddMessageValidation(t *testing.T) {
	core, _ := testCore(t)
	ctx := context.Background()
	sess, err := core.CreateSession(ctx, writer("a"), "validation", nil)
	require.NoError(t, err)

	_, err = core.AddMessage(ctx, writer("a"), sess.ID, "  ", "", nil, nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = core.AddMessage(ctx, writer("a"), sess.ID, strings.Repeat("c", 100_001), "", nil, nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = core.AddMessage(ctx, writer("a"), sess.ID, "hi", "secret", nil, nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = core.AddMessage(ctx, writer("a"), "session_ffffffffffffffff", "hi", "", nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = core.AddMessage(ctx, reader("a"), sess.ID, "hi", "", nil, nil)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	big := map[string]any{"blob": strings.Repeat("x", maxMetadataBytes)}
	_, err = core.AddMessage(ctx, writer("a"), sess.ID, "hi", "", big, nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAddMessageInactiveSession(t *testing.T) {
	core, _ := testCore(t)
	ctx := context.Background()
	sess, err := core.CreateSession(ctx, writer("a"), "to close", nil)
	require.NoError(t, err)
	require.NoError(t, core.store.SetSessionActive(ctx, sess.ID, false))

	_, err = core.AddMessage(ctx, writer("a"), sess.ID, "too late", "", nil, nil)
	assert.ErrorIs(t, err, ErrInactive)
}

func TestAddMessageParentMustExistInSession(t *testing.T) {
	core, _ := testCore(t)
	ctx := context.Background()
	sess, err := core.CreateSession(ctx, writer("a"), "threads", nil)
	require.NoError(t, err)
	other, err := core.CreateSession(ctx, writer("a"), "other", nil)
	require.NoError(t, err)

	parent, err := core.AddMessage(ctx, writer("a"), sess.ID, "root", "", nil, nil)
	require.NoError(t, err)

	child, err := core.AddMessage(ctx, writer("b"), sess.ID, "reply", "", nil, &parent.ID)
	require.NoError(t, err)
	require.NotNil(t, child.ParentID)
	assert.Equal(t, parent.ID, *child.ParentID)

	// The parent id is valid only inside its own session.
	_, err = core.AddMessage(ctx, writer("b"), other.ID, "cross reply", "", nil, &parent.ID)
	assert.ErrorIs(t, err, ErrValidation)

	missing := parent.ID + 1000
	_, err = core.AddMessage(ctx, writer("b"), sess.ID, "dangling", "", nil, &missing)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAddMessageDefaultsToPublic(t *testing.T) {
	core, _ := testCore(t)
	ctx := context.Background()
	sess, err := core.CreateSession(ctx, writer("a"), "defaults", nil)
	require.NoError(t, err)

	msg, err := core.AddMessage(ctx, writer("a"), sess.ID, "hello", "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, VisibilityPublic, msg.Visibility)
	assert.Equal(t, "a", msg.Sender)
	assert.Equal(t, TypeAgentResponse, msg.Type)
}

func TestGetMessagesOrderingAndPaging(t *testing.T) {
	core, _ := testCore(t)
	ctx := context.Background()
	sess, err := core.CreateSession(ctx, writer("a"), "paging", nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := core.AddMessage(ctx, writer("a"), sess.ID, strings.Repeat("m", i+1), "", nil, nil)
		require.NoError(t, err)
	}

	all, err := core.GetMessages(ctx, reader("b"), sess.ID, 10, 0, "")
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		prev, cur := all[i-1], all[i]
		less := prev.Timestamp.Before(cur.Timestamp) ||
			(prev.Timestamp.Equal(cur.Timestamp) && prev.ID < cur.ID)
		assert.True(t, less, "messages must be ordered by (timestamp, id)")
	}

	page, err := core.GetMessages(ctx, reader("b"), sess.ID, 2, 2, "")
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, all[2].ID, page[0].ID)
	assert.Equal(t, all[3].ID, page[1].ID)

	empty, err := core.GetMessages(ctx, reader("b"), sess.ID, 2, 50, "")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = core.GetMessages(ctx, reader("b"), sess.ID, 501, 0, "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestPaginationAppliesAfterVisibilityFiltering(t *testing.T) {
	core, _ := testCore(t)
	ctx := context.Background()
	sess, err := core.CreateSession(ctx, writer("a"), "mixed visibility", nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := core.AddMessage(ctx, writer("a"), sess.ID, "private note", VisibilityPrivate, nil, nil)
		require.NoError(t, err)
		_, err = core.AddMessage(ctx, writer("a"), sess.ID, "public note", VisibilityPublic, nil, nil)
		require.NoError(t, err)
	}

	// A non-sender sees only the three public messages; offset counts within
	// the filtered sequence.
	page, err := core.GetMessages(ctx, reader("b"), sess.ID, 10, 1, "")
	require.NoError(t, err)
	require.Len(t, page, 2)
	for _, m := range page {
		assert.Equal(t, VisibilityPublic, m.Visibility)
	}
}

func TestGetMessagesSinceCursor(t *testing.T) {
	core, _ := testCore(t)
	ctx := context.Background()
	sess, err := core.CreateSession(ctx, writer("a"), "incremental", nil)
	require.NoError(t, err)

	first, err := core.AddMessage(ctx, writer("a"), sess.ID, "one", "", nil, nil)
	require.NoError(t, err)
	second, err := core.AddMessage(ctx, writer("a"), sess.ID, "two", "", nil, nil)
	require.NoError(t, err)

	fromStart, err := core.GetMessagesSince(ctx, reader("b"), sess.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, fromStart, 2)

	tail, err := core.GetMessagesSince(ctx, reader("b"), sess.ID, first.ID, 0)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, second.ID, tail[0].ID)

	none, err := core.GetMessagesSince(ctx, reader("b"), sess.ID, second.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestGetSessionReturnsVisibleTail(t *testing.T) {
	core, _ := testCore(t)
	ctx := context.Background()
	sess, err := core.CreateSession(ctx, writer("a"), "tail", nil)
	require.NoError(t, err)

	for i := 0; i < 15; i++ {
		_, err := core.AddMessage(ctx, writer("a"), sess.ID, "msg", "", nil, nil)
		require.NoError(t, err)
	}
	_, err = core.AddMessage(ctx, writer("a"), sess.ID, "hidden", VisibilityPrivate, nil, nil)
	require.NoError(t, err)

	got, tail, err := core.GetSession(ctx, reader("b"), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Len(t, tail, 10)
	for _, m := range tail {
		assert.NotEqual(t, "hidden", m.Content)
	}
}

func TestConcurrentAppendsAllPersist(t *testing.T) {
	core, _ := testCore(t)
	ctx := context.Background()
	sess, err := core.CreateSession(ctx, writer("a"), "race", nil)
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = core.AddMessage(ctx, writer("a"), sess.ID, "concurrent", "", nil, nil)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	all, err := core.GetMessages(ctx, reader("b"), sess.ID, 50, 0, "")
	require.NoError(t, err)
	assert.Len(t, all, writers)
	seen := make(map[int64]bool)
	for _, m := range all {
		assert.False(t, seen[m.ID], "duplicate message id")
		seen[m.ID] = true
	}
}

func TestAddMessagePublishesAfterCommit(t *testing.T) {
	core, hub := testCore(t)
	ctx := context.Background()
	sess, err := core.CreateSession(ctx, writer("a"), "notify", nil)
	require.NoError(t, err)

	sub := hub.Subscribe(sess.ID, "watcher")
	defer hub.Unsubscribe(sub)

	msg, err := core.AddMessage(ctx, writer("a"), sess.ID, "ping", "", nil, nil)
	require.NoError(t, err)

	select {
	case env := <-sub.Events():
		assert.Equal(t, protocol.TypeSessionChanged, env.Type)
		assert.Equal(t, sess.ID, env.SessionID)
		assert.Equal(t, protocol.CauseNewMessage, env.Cause)
		require.NotNil(t, env.Hint)
		require.NotNil(t, env.Hint.MessageID)
		assert.Equal(t, msg.ID, *env.Hint.MessageID)

		// The message the hint points at is already readable.
		got, err := core.GetMessagesSince(ctx, reader("b"), sess.ID, *env.Hint.MessageID-1, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "ping", got[0].Content)
	case <-time.After(time.Second):
		t.Fatal("no notification received")
	}
}

func TestAuditRecordsForMutations(t *testing.T) {
	core, _ := testCore(t)
	ctx := context.Background()

	sess, err := core.CreateSession(ctx, writer("a"), "audited", nil)
	require.NoError(t, err)
	_, err = core.AddMessage(ctx, writer("a"), sess.ID, "hello", "", nil, nil)
	require.NoError(t, err)
	_, err = core.AddMessage(ctx, reader("b"), sess.ID, "denied", "", nil, nil)
	require.Error(t, err)

	events, err := core.store.ListAuditEvents(ctx, store.AuditFilter{})
	require.NoError(t, err)

	results := make(map[string]int)
	for _, e := range events {
		results[e.EventType+"/"+e.Result]++
	}
	assert.Equal(t, 1, results["session.create/success"])
	assert.Equal(t, 1, results["message.add/success"])
	assert.Equal(t, 1, results["message.add/denied"])
}
