package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// conversationSelect resolves display names with the fallback
// conversation.name -> peer username -> conversation id.
const conversationSelect = `
	SELECT c.id,
		COALESCE(NULLIF(c.name,''), NULLIF(u.username,''), c.id) AS display_name,
		c.peer_id, c.last_message_id, substr(c.last_message_preview, 1, 100),
		c.last_message_at, MAX(c.last_message_at, c.touched_at) AS activity,
		(SELECT COUNT(*) FROM messages m
			WHERE m.conversation_id = c.id AND m.direction = 'inbound' AND m.read_at IS NULL) AS local_unread,
		c.server_unread, c.load_state, c.load_error
	FROM conversations c
	LEFT JOIN users u ON u.id = c.peer_id`

const conversationOrder = ` ORDER BY activity DESC, c.seq ASC`

// EnsureConversation creates the conversation if it does not exist yet.
// touchedAt is its initial activity time; existing rows are left alone.
func (db *DB) EnsureConversation(id string, touchedAt int64) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := ensureConversationTx(tx, id, touchedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func ensureConversationTx(tx *sql.Tx, id string, touchedAt int64) error {
	_, err := tx.Exec(`
		INSERT INTO conversations (id, touched_at) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, touchedAt)
	if err != nil {
		return fmt.Errorf("ensure conversation %q: %w", id, err)
	}
	return nil
}

func refreshPreviewTx(tx *sql.Tx, id string) error {
	_, err := tx.Exec(`
		UPDATE conversations
		SET (last_message_id, last_message_preview, last_message_at) = (
			SELECT msg_id, body, created_at FROM messages
			WHERE conversation_id = conversations.id
			ORDER BY created_at DESC, msg_id DESC LIMIT 1)
		WHERE id = ? AND EXISTS (SELECT 1 FROM messages WHERE conversation_id = ?)`, id, id)
	if err != nil {
		return fmt.Errorf("refresh preview %q: %w", id, err)
	}
	return nil
}

// UpsertSummaries merges the server's conversation list: names, peers and
// server unread counts are updated, participants land in the user directory
// and each last message is appended idempotently.
func (db *DB) UpsertSummaries(summaries []Summary) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, s := range summaries {
		c := s.Conversation
		if _, err := tx.Exec(`
			INSERT INTO conversations (id, name, peer_id, touched_at, server_unread)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = CASE WHEN excluded.name != '' THEN excluded.name ELSE conversations.name END,
				peer_id = CASE WHEN excluded.peer_id != '' THEN excluded.peer_id ELSE conversations.peer_id END,
				touched_at = MAX(conversations.touched_at, excluded.touched_at),
				server_unread = excluded.server_unread`,
			c.ID, c.Name, c.PeerID, c.LastActivityAt, c.UnreadCount); err != nil {
			return fmt.Errorf("upsert conversation %q: %w", c.ID, err)
		}
		if err := upsertUsersTx(tx, s.Users, now); err != nil {
			return err
		}
		if s.LastMessage != nil {
			if _, err := appendTx(tx, s.LastMessage); err != nil {
				return fmt.Errorf("append last message of %q: %w", c.ID, err)
			}
		}
	}
	return tx.Commit()
}

// ListConversations returns conversations by most recent activity, ties in
// insertion order.
func (db *DB) ListConversations() ([]Conversation, error) {
	return db.queryConversations(conversationSelect + conversationOrder)
}

// SearchConversations filters by a case-insensitive substring of the display
// name or id. A blank query lists everything.
func (db *DB) SearchConversations(query string) ([]Conversation, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return db.ListConversations()
	}
	pattern := "%" + escapeLike(query) + "%"
	return db.queryConversations(conversationSelect+`
		WHERE COALESCE(NULLIF(c.name,''), NULLIF(u.username,''), c.id) LIKE ? ESCAPE '\'
			OR c.id LIKE ? ESCAPE '\'`+conversationOrder, pattern, pattern)
}

// GetConversation returns one conversation, or nil if unknown.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	convs, err := db.queryConversations(conversationSelect+` WHERE c.id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(convs) == 0 {
		return nil, nil
	}
	return &convs[0], nil
}

// SetLoadState records the history load state. Reaching loaded drops the
// server-reported unread count in favor of the local one.
func (db *DB) SetLoadState(id string, state LoadState, loadErr string) error {
	_, err := db.Exec(`
		UPDATE conversations SET
			load_state = ?,
			load_error = ?,
			server_unread = CASE WHEN ? = 'loaded' THEN 0 ELSE server_unread END
		WHERE id = ?`, state, loadErr, state, id)
	return err
}

// LoadStateOf returns the load state, LoadIdle for unknown conversations.
func (db *DB) LoadStateOf(id string) (LoadState, error) {
	var state LoadState
	err := db.QueryRow(`SELECT load_state FROM conversations WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return LoadIdle, nil
	}
	return state, err
}

// MarkStale moves loaded conversations back to idle so the next open
// re-fetches history. Returns the affected ids.
func (db *DB) MarkStale() ([]string, error) {
	rows, err := db.Query(`UPDATE conversations SET load_state = 'idle' WHERE load_state = 'loaded' RETURNING id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ConversationCount returns the total number of conversations.
func (db *DB) ConversationCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&count)
	return count, err
}

func (db *DB) queryConversations(query string, args ...any) ([]Conversation, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var (
			c            Conversation
			localUnread  int
			serverUnread int
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.PeerID, &c.LastMessageID, &c.LastMessagePreview,
			&c.LastMessageAt, &c.LastActivityAt, &localUnread, &serverUnread, &c.LoadState, &c.LoadError); err != nil {
			return nil, err
		}
		c.UnreadCount = localUnread
		if c.LoadState != LoadLoaded && serverUnread > localUnread {
			c.UnreadCount = serverUnread
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
