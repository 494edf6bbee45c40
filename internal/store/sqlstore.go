package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLStore implements Store over database/sql for every supported backend.
// Dialect differences (placeholders, RETURNING, boolean and JSON encoding)
// are confined to this file and dialect.go; callers see one interface.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

func newSQLStore(db *sql.DB, d dialect) *SQLStore {
	return &SQLStore{db: db, d: d}
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func (s *SQLStore) Stats() sql.DBStats { return s.db.Stats() }

func (s *SQLStore) Close() error { return s.db.Close() }

// classify folds driver-specific failures into the store's sentinel errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique") ||
		strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "duplicate key"):
		return fmt.Errorf("%w: %v", ErrConstraint, err)
	case errors.Is(err, driver.ErrBadConn) ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "busy") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "deadlock"):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return err
	}
}

func rawOrEmpty(m json.RawMessage) string {
	if len(m) == 0 {
		return "{}"
	}
	return string(m)
}

// --- Sessions ---

func (s *SQLStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, s.d.rebind(
		`INSERT INTO sessions (id, purpose, created_by, created_at, updated_at, is_active, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		sess.ID, sess.Purpose, sess.CreatedBy, sess.CreatedAt.UTC(), sess.UpdatedAt.UTC(),
		sess.IsActive, rawOrEmpty(sess.Metadata),
	)
	return classify(err)
}

func (s *SQLStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	var metadata string
	err := s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT id, purpose, created_by, created_at, updated_at, is_active, metadata
		 FROM sessions WHERE id = ?`), id,
	).Scan(&sess.ID, &sess.Purpose, &sess.CreatedBy, &sess.CreatedAt, &sess.UpdatedAt,
		&sess.IsActive, &metadata)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.UpdatedAt = sess.UpdatedAt.UTC()
	sess.Metadata = json.RawMessage(metadata)
	return &sess, nil
}

func (s *SQLStore) SetSessionActive(ctx context.Context, id string, active bool) error {
	_, err := s.db.ExecContext(ctx, s.d.rebind(
		"UPDATE sessions SET is_active = ?, updated_at = ? WHERE id = ?"),
		active, time.Now().UTC(), id,
	)
	return classify(err)
}

// --- Messages ---

// AppendMessage persists a message and bumps the owning session's updated_at
// in the same transaction. The commit order of concurrent appends defines the
// canonical order observed by readers.
func (s *SQLStore) AppendMessage(ctx context.Context, msg *Message) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	insert := `INSERT INTO messages (session_id, sender, sender_type, content, visibility, message_type, metadata, parent_message_id, timestamp)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	var parent any
	if msg.ParentID != nil {
		parent = *msg.ParentID
	}
	if s.d.returning {
		err = tx.QueryRowContext(ctx, s.d.rebind(insert+" RETURNING id"),
			msg.SessionID, msg.Sender, msg.SenderType, msg.Content, msg.Visibility,
			msg.Type, rawOrEmpty(msg.Metadata), parent, msg.Timestamp.UTC(),
		).Scan(&id)
	} else {
		var res sql.Result
		res, err = tx.ExecContext(ctx, s.d.rebind(insert),
			msg.SessionID, msg.Sender, msg.SenderType, msg.Content, msg.Visibility,
			msg.Type, rawOrEmpty(msg.Metadata), parent, msg.Timestamp.UTC(),
		)
		if err == nil {
			id, err = res.LastInsertId()
		}
	}
	if err != nil {
		return 0, classify(err)
	}

	if _, err := tx.ExecContext(ctx, s.d.rebind(
		"UPDATE sessions SET updated_at = ? WHERE id = ?"),
		msg.Timestamp.UTC(), msg.SessionID,
	); err != nil {
		return 0, classify(err)
	}

	if err := tx.Commit(); err != nil {
		return 0, classify(err)
	}
	msg.ID = id
	return id, nil
}

const messageColumns = `id, session_id, sender, sender_type, content, visibility, message_type, metadata, parent_message_id, timestamp`

func (s *SQLStore) scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var messages []Message
	for rows.Next() {
		var m Message
		var metadata string
		var parent sql.NullInt64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Sender, &m.SenderType, &m.Content,
			&m.Visibility, &m.Type, &metadata, &parent, &m.Timestamp); err != nil {
			return nil, classify(err)
		}
		m.Metadata = json.RawMessage(metadata)
		if parent.Valid {
			p := parent.Int64
			m.ParentID = &p
		}
		m.Timestamp = m.Timestamp.UTC()
		messages = append(messages, m)
	}
	return messages, classify(rows.Err())
}

func (s *SQLStore) GetMessages(ctx context.Context, sessionID string, limit, offset int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT `+messageColumns+` FROM messages
		 WHERE session_id = ? ORDER BY timestamp, id LIMIT ? OFFSET ?`),
		sessionID, limit, offset,
	)
	if err != nil {
		return nil, classify(err)
	}
	return s.scanMessages(rows)
}

func (s *SQLStore) GetMessagesSince(ctx context.Context, sessionID string, afterID int64, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT `+messageColumns+` FROM messages
		 WHERE session_id = ? AND id > ? ORDER BY timestamp, id LIMIT ?`),
		sessionID, afterID, limit,
	)
	if err != nil {
		return nil, classify(err)
	}
	return s.scanMessages(rows)
}

func (s *SQLStore) GetMessage(ctx context.Context, sessionID string, id int64) (*Message, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ? AND id = ?`),
		sessionID, id,
	)
	if err != nil {
		return nil, classify(err)
	}
	messages, err := s.scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, nil
	}
	return &messages[0], nil
}

// --- Agent memory ---

func (s *SQLStore) UpsertMemory(ctx context.Context, entry *MemoryEntry) error {
	var expires any
	if entry.ExpiresAt != nil {
		expires = entry.ExpiresAt.UTC()
	}
	var query string
	if s.d.name == "mysql" {
		query = `INSERT INTO agent_memory (agent_id, session_id, mem_key, value, created_at, updated_at, expires_at)
		         VALUES (?, ?, ?, ?, ?, ?, ?)
		         ON DUPLICATE KEY UPDATE value = VALUES(value), updated_at = VALUES(updated_at), expires_at = VALUES(expires_at)`
	} else {
		query = `INSERT INTO agent_memory (agent_id, session_id, mem_key, value, created_at, updated_at, expires_at)
		         VALUES (?, ?, ?, ?, ?, ?, ?)
		         ON CONFLICT(agent_id, session_id, mem_key) DO UPDATE SET
		           value = excluded.value, updated_at = excluded.updated_at, expires_at = excluded.expires_at`
	}
	_, err := s.db.ExecContext(ctx, s.d.rebind(query),
		entry.AgentID, entry.SessionID, entry.Key, rawOrEmpty(entry.Value),
		entry.CreatedAt.UTC(), entry.UpdatedAt.UTC(), expires,
	)
	return classify(err)
}

func (s *SQLStore) GetMemory(ctx context.Context, agentID, sessionID, key string) (*MemoryEntry, error) {
	var e MemoryEntry
	var value string
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT agent_id, session_id, mem_key, value, created_at, updated_at, expires_at
		 FROM agent_memory WHERE agent_id = ? AND session_id = ? AND mem_key = ?`),
		agentID, sessionID, key,
	).Scan(&e.AgentID, &e.SessionID, &e.Key, &value, &e.CreatedAt, &e.UpdatedAt, &expires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	e.Value = json.RawMessage(value)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	if expires.Valid {
		t := expires.Time.UTC()
		e.ExpiresAt = &t
	}
	return &e, nil
}

func (s *SQLStore) ListMemory(ctx context.Context, agentID, sessionID, prefix string, limit int) ([]MemoryEntry, error) {
	query := `SELECT agent_id, session_id, mem_key, value, created_at, updated_at, expires_at
	          FROM agent_memory WHERE agent_id = ? AND session_id = ?`
	args := []any{agentID, sessionID}
	if prefix != "" {
		query += " AND mem_key LIKE ? ESCAPE '!'"
		args = append(args, escapeLike(prefix)+"%")
	}
	query += " ORDER BY mem_key LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var entries []MemoryEntry
	for rows.Next() {
		var e MemoryEntry
		var value string
		var expires sql.NullTime
		if err := rows.Scan(&e.AgentID, &e.SessionID, &e.Key, &value,
			&e.CreatedAt, &e.UpdatedAt, &expires); err != nil {
			return nil, classify(err)
		}
		e.Value = json.RawMessage(value)
		e.CreatedAt = e.CreatedAt.UTC()
		e.UpdatedAt = e.UpdatedAt.UTC()
		if expires.Valid {
			t := expires.Time.UTC()
			e.ExpiresAt = &t
		}
		entries = append(entries, e)
	}
	return entries, classify(rows.Err())
}

func (s *SQLStore) DeleteMemory(ctx context.Context, agentID, sessionID, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.d.rebind(
		"DELETE FROM agent_memory WHERE agent_id = ? AND session_id = ? AND mem_key = ?"),
		agentID, sessionID, key,
	)
	if err != nil {
		return false, classify(err)
	}
	n, err := res.RowsAffected()
	return n > 0, classify(err)
}

func (s *SQLStore) PurgeExpiredMemory(ctx context.Context, agentID string, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.d.rebind(
		"DELETE FROM agent_memory WHERE agent_id = ? AND expires_at IS NOT NULL AND expires_at <= ?"),
		agentID, before.UTC(),
	)
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	return n, classify(err)
}

// escapeLike neutralizes LIKE wildcards in user-supplied prefixes. '!' is the
// escape character because backslash literals are not portable across MySQL.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, "!", "!!")
	s = strings.ReplaceAll(s, "%", "!%")
	return strings.ReplaceAll(s, "_", "!_")
}

// --- Tokens ---

func (s *SQLStore) InsertToken(ctx context.Context, tok *TokenRecord) error {
	_, err := s.db.ExecContext(ctx, s.d.rebind(
		`INSERT INTO tokens (token_id, agent_id, agent_type, permissions, bearer_jwt, issued_at, expires_at, revoked)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		tok.TokenID, tok.AgentID, tok.AgentType, tok.Permissions, tok.BearerJWT,
		tok.IssuedAt.UTC(), tok.ExpiresAt.UTC(), tok.Revoked,
	)
	return classify(err)
}

func (s *SQLStore) GetToken(ctx context.Context, tokenID string) (*TokenRecord, error) {
	var t TokenRecord
	err := s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT token_id, agent_id, agent_type, permissions, bearer_jwt, issued_at, expires_at, revoked
		 FROM tokens WHERE token_id = ?`), tokenID,
	).Scan(&t.TokenID, &t.AgentID, &t.AgentType, &t.Permissions, &t.BearerJWT,
		&t.IssuedAt, &t.ExpiresAt, &t.Revoked)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	t.IssuedAt = t.IssuedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	return &t, nil
}

func (s *SQLStore) RevokeToken(ctx context.Context, tokenID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.d.rebind(
		"UPDATE tokens SET revoked = ? WHERE token_id = ?"),
		true, tokenID,
	)
	if err != nil {
		return false, classify(err)
	}
	n, err := res.RowsAffected()
	return n > 0, classify(err)
}

func (s *SQLStore) ExpireToken(ctx context.Context, tokenID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.d.rebind(
		"UPDATE tokens SET expires_at = ? WHERE token_id = ?"),
		at.UTC(), tokenID,
	)
	return classify(err)
}

func (s *SQLStore) PurgeExpiredTokens(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.d.rebind(
		"DELETE FROM tokens WHERE expires_at <= ?"), before.UTC(),
	)
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	return n, classify(err)
}

// --- Audit ---

func (s *SQLStore) LogAuditEvent(ctx context.Context, event *AuditRecord) error {
	_, err := s.db.ExecContext(ctx, s.d.rebind(
		`INSERT INTO audit_log (timestamp, agent_id, event_type, session_id, result, details)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		event.Timestamp.UTC(), event.AgentID, event.EventType, event.SessionID,
		event.Result, rawOrEmpty(event.Details),
	)
	return classify(err)
}

func (s *SQLStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditRecord, error) {
	query := `SELECT id, timestamp, agent_id, event_type, session_id, result, details
	          FROM audit_log WHERE 1=1`
	var args []any

	if filter.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	if filter.EventType != "" {
		query += " AND event_type LIKE ? ESCAPE '!'"
		args = append(args, escapeLike(filter.EventType)+"%")
	}
	if filter.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if !filter.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, filter.Until.UTC())
	}

	query += " ORDER BY timestamp DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ?"
	args = append(args, limit)
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var events []AuditRecord
	for rows.Next() {
		var e AuditRecord
		var details string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.AgentID, &e.EventType,
			&e.SessionID, &e.Result, &details); err != nil {
			return nil, classify(err)
		}
		e.Timestamp = e.Timestamp.UTC()
		e.Details = json.RawMessage(details)
		events = append(events, e)
	}
	return events, classify(rows.Err())
}
