package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contexthub-ai/contexthub/internal/config"
)

func testStore(t *testing.T) Store {
	t.Helper()
	s, err := Open(config.StorageConfig{
		DatabaseURL:    ":memory:",
		MaxConnections: 5,
		PoolOverflow:   2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSession(t *testing.T, s Store, id string) *Session {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	sess := &Session{
		ID:        id,
		Purpose:   "test session",
		CreatedBy: "agent_a",
		CreatedAt: now,
		UpdatedAt: now,
		IsActive:  true,
	}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

func TestSessionRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	meta := json.RawMessage(`{"topic":"planning"}`)
	now := time.Now().UTC().Truncate(time.Microsecond)
	in := &Session{
		ID:        "session_0011223344556677",
		Purpose:   "plan the refactor",
		CreatedBy: "agent_a",
		CreatedAt: now,
		UpdatedAt: now,
		IsActive:  true,
		Metadata:  meta,
	}
	require.NoError(t, s.CreateSession(ctx, in))

	got, err := s.GetSession(ctx, in.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, in.ID, got.ID)
	assert.Equal(t, in.Purpose, got.Purpose)
	assert.Equal(t, in.CreatedBy, got.CreatedBy)
	assert.True(t, got.IsActive)
	assert.JSONEq(t, string(meta), string(got.Metadata))
	assert.True(t, got.CreatedAt.Equal(in.CreatedAt))
}

func TestGetSessionMissing(t *testing.T) {
	s := testStore(t)
	got, err := s.GetSession(context.Background(), "session_ffffffffffffffff")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCreateSessionDuplicateID(t *testing.T) {
	s := testStore(t)
	sess := testSession(t, s, "session_0000000000000001")
	err := s.CreateSession(context.Background(), sess)
	assert.ErrorIs(t, err, ErrConstraint)
}

func TestSetSessionActive(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sess := testSession(t, s, "session_0000000000000002")

	require.NoError(t, s.SetSessionActive(ctx, sess.ID, false))
	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}

func appendTestMessage(t *testing.T, s Store, sessionID, sender, content string, ts time.Time) *Message {
	t.Helper()
	msg := &Message{
		SessionID:  sessionID,
		Sender:     sender,
		SenderType: "generic",
		Content:    content,
		Visibility: "public",
		Type:       "agent_response",
		Timestamp:  ts,
	}
	_, err := s.AppendMessage(context.Background(), msg)
	require.NoError(t, err)
	return msg
}

func TestAppendMessageAssignsIncreasingIDs(t *testing.T) {
	s := testStore(t)
	sess := testSession(t, s, "session_0000000000000003")

	ts := time.Now().UTC().Truncate(time.Microsecond)
	m1 := appendTestMessage(t, s, sess.ID, "a", "first", ts)
	m2 := appendTestMessage(t, s, sess.ID, "b", "second", ts)
	assert.Greater(t, m2.ID, m1.ID)
}

func TestGetMessagesOrderedByTimestampThenID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sess := testSession(t, s, "session_0000000000000004")

	base := time.Now().UTC().Truncate(time.Microsecond)
	appendTestMessage(t, s, sess.ID, "a", "late", base.Add(2*time.Second))
	appendTestMessage(t, s, sess.ID, "a", "early", base)
	appendTestMessage(t, s, sess.ID, "a", "mid", base.Add(time.Second))

	got, err := s.GetMessages(ctx, sess.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "early", got[0].Content)
	assert.Equal(t, "mid", got[1].Content)
	assert.Equal(t, "late", got[2].Content)
}

func TestGetMessagesSinceReturnsOnlyNewer(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sess := testSession(t, s, "session_0000000000000005")

	ts := time.Now().UTC().Truncate(time.Microsecond)
	m1 := appendTestMessage(t, s, sess.ID, "a", "one", ts)
	m2 := appendTestMessage(t, s, sess.ID, "a", "two", ts.Add(time.Second))
	m3 := appendTestMessage(t, s, sess.ID, "a", "three", ts.Add(2*time.Second))

	got, err := s.GetMessagesSince(ctx, sess.ID, m1.ID, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, m2.ID, got[0].ID)
	assert.Equal(t, m3.ID, got[1].ID)
}

func TestAppendMessageBumpsSessionUpdatedAt(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sess := testSession(t, s, "session_0000000000000006")

	later := sess.UpdatedAt.Add(5 * time.Second)
	appendTestMessage(t, s, sess.ID, "a", "hello", later)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(later), "updated_at should track the last append")
}

func TestMessageParentRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sess := testSession(t, s, "session_0000000000000007")

	ts := time.Now().UTC().Truncate(time.Microsecond)
	parent := appendTestMessage(t, s, sess.ID, "a", "question", ts)

	child := &Message{
		SessionID:  sess.ID,
		Sender:     "b",
		SenderType: "generic",
		Content:    "answer",
		Visibility: "public",
		Type:       "agent_response",
		ParentID:   &parent.ID,
		Timestamp:  ts.Add(time.Second),
	}
	_, err := s.AppendMessage(ctx, child)
	require.NoError(t, err)

	got, err := s.GetMessage(ctx, sess.ID, child.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.ParentID)
	assert.Equal(t, parent.ID, *got.ParentID)
}

func TestMemoryUpsertOverwrites(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	entry := &MemoryEntry{
		AgentID:   "agent_a",
		SessionID: "",
		Key:       "notes",
		Value:     json.RawMessage(`{"v":1}`),
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.UpsertMemory(ctx, entry))

	entry.Value = json.RawMessage(`{"v":2}`)
	entry.UpdatedAt = now.Add(time.Second)
	require.NoError(t, s.UpsertMemory(ctx, entry))

	got, err := s.GetMemory(ctx, "agent_a", "", "notes")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.JSONEq(t, `{"v":2}`, string(got.Value))
}

func TestMemoryScopesAreDistinct(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	global := &MemoryEntry{AgentID: "a", SessionID: "", Key: "k",
		Value: json.RawMessage(`"global"`), CreatedAt: now, UpdatedAt: now}
	scoped := &MemoryEntry{AgentID: "a", SessionID: "session_0000000000000008", Key: "k",
		Value: json.RawMessage(`"scoped"`), CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.UpsertMemory(ctx, global))
	require.NoError(t, s.UpsertMemory(ctx, scoped))

	g, err := s.GetMemory(ctx, "a", "", "k")
	require.NoError(t, err)
	assert.JSONEq(t, `"global"`, string(g.Value))

	sc, err := s.GetMemory(ctx, "a", "session_0000000000000008", "k")
	require.NoError(t, err)
	assert.JSONEq(t, `"scoped"`, string(sc.Value))
}

func TestListMemoryPrefixEscapesWildcards(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	for _, key := range []string{"pct%one", "pcttwo", "plain"} {
		require.NoError(t, s.UpsertMemory(ctx, &MemoryEntry{
			AgentID: "a", Key: key, Value: json.RawMessage(`1`),
			CreatedAt: now, UpdatedAt: now,
		}))
	}

	entries, err := s.ListMemory(ctx, "a", "", "pct%", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "pct%one", entries[0].Key)
}

func TestDeleteMemoryReportsExistence(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, s.UpsertMemory(ctx, &MemoryEntry{
		AgentID: "a", Key: "gone", Value: json.RawMessage(`1`),
		CreatedAt: now, UpdatedAt: now,
	}))

	deleted, err := s.DeleteMemory(ctx, "a", "", "gone")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.DeleteMemory(ctx, "a", "", "gone")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestPurgeExpiredMemory(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	require.NoError(t, s.UpsertMemory(ctx, &MemoryEntry{
		AgentID: "a", Key: "stale", Value: json.RawMessage(`1`),
		CreatedAt: now, UpdatedAt: now, ExpiresAt: &past,
	}))
	require.NoError(t, s.UpsertMemory(ctx, &MemoryEntry{
		AgentID: "a", Key: "fresh", Value: json.RawMessage(`1`),
		CreatedAt: now, UpdatedAt: now, ExpiresAt: &future,
	}))

	n, err := s.PurgeExpiredMemory(ctx, "a", now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetMemory(ctx, "a", "", "fresh")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestTokenRecordLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	tok := &TokenRecord{
		TokenID:     "sct_11111111-1111-1111-1111-111111111111",
		AgentID:     "agent_a",
		AgentType:   "generic",
		Permissions: "read,write",
		BearerJWT:   "header.payload.sig",
		IssuedAt:    now,
		ExpiresAt:   now.Add(time.Hour),
	}
	require.NoError(t, s.InsertToken(ctx, tok))

	got, err := s.GetToken(ctx, tok.TokenID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tok.AgentID, got.AgentID)
	assert.Equal(t, tok.BearerJWT, got.BearerJWT)
	assert.False(t, got.Revoked)

	revoked, err := s.RevokeToken(ctx, tok.TokenID)
	require.NoError(t, err)
	assert.True(t, revoked)

	got, err = s.GetToken(ctx, tok.TokenID)
	require.NoError(t, err)
	assert.True(t, got.Revoked)

	shortened := now.Add(30 * time.Second)
	require.NoError(t, s.ExpireToken(ctx, tok.TokenID, shortened))
	got, err = s.GetToken(ctx, tok.TokenID)
	require.NoError(t, err)
	assert.True(t, got.ExpiresAt.Equal(shortened))

	n, err := s.PurgeExpiredTokens(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestListAuditEventsFiltering(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Microsecond)
	events := []AuditRecord{
		{Timestamp: base, AgentID: "a", EventType: "session.create", SessionID: "s1", Result: "success"},
		{Timestamp: base.Add(time.Second), AgentID: "b", EventType: "message.add", SessionID: "s1", Result: "success"},
		{Timestamp: base.Add(2 * time.Second), AgentID: "a", EventType: "message.add", SessionID: "s2", Result: "denied"},
	}
	for i := range events {
		require.NoError(t, s.LogAuditEvent(ctx, &events[i]))
	}

	byAgent, err := s.ListAuditEvents(ctx, AuditFilter{AgentID: "a"})
	require.NoError(t, err)
	assert.Len(t, byAgent, 2)

	byType, err := s.ListAuditEvents(ctx, AuditFilter{EventType: "message."})
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	bySession, err := s.ListAuditEvents(ctx, AuditFilter{SessionID: "s2"})
	require.NoError(t, err)
	require.Len(t, bySession, 1)
	assert.Equal(t, "denied", bySession[0].Result)

	since, err := s.ListAuditEvents(ctx, AuditFilter{Since: base.Add(time.Second)})
	require.NoError(t, err)
	assert.Len(t, since, 2)

	limited, err := s.ListAuditEvents(ctx, AuditFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	// Newest first.
	assert.Equal(t, "s2", limited[0].SessionID)
}

func TestRebindPostgresPlaceholders(t *testing.T) {
	d := dialectPostgres
	assert.Equal(t, "SELECT $1, $2, $3", d.rebind("SELECT ?, ?, ?"))
	assert.Equal(t, "SELECT ?", dialectSQLite.rebind("SELECT ?"))
}

func TestWithRetryRetriesOnlyUnavailable(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return ErrUnavailable
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = WithRetry(context.Background(), func() error {
		calls++
		return ErrConstraint
	})
	assert.ErrorIs(t, err, ErrConstraint)
	assert.Equal(t, 1, calls)
}
