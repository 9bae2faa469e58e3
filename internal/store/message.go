package store

import (
	"database/sql"
	"errors"
	"fmt"
)

const messageColumns = `msg_id, local_id, conversation_id, sender_id, body, direction, state, created_at, COALESCE(read_at, 0), receipt_sent`

// AppendMessage stores m idempotently by id. A message whose LocalID names a
// pending entry is remapped onto that entry instead of inserted. The
// conversation is created on first sight and its preview recomputed.
func (db *DB) AppendMessage(m *Message) (Outcome, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	out, err := appendTx(tx, m)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return out, nil
}

// AppendHistory stores a fetched snapshot in one transaction and returns how
// many messages were new.
func (db *DB) AppendHistory(conversationID string, msgs []*Message) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := ensureConversationTx(tx, conversationID, 0); err != nil {
		return 0, err
	}
	added := 0
	for _, m := range msgs {
		out, err := appendTx(tx, m)
		if err != nil {
			return 0, fmt.Errorf("append %q: %w", m.ID, err)
		}
		if out == Inserted || out == Remapped {
			added++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit history: %w", err)
	}
	return added, nil
}

func appendTx(tx *sql.Tx, m *Message) (Outcome, error) {
	if m.ID == "" || m.ConversationID == "" {
		return 0, fmt.Errorf("message requires id and conversation id")
	}
	if err := ensureConversationTx(tx, m.ConversationID, 0); err != nil {
		return 0, err
	}

	var (
		out Outcome
		err error
	)
	if m.LocalID != "" && m.Ref().Kind == RefConfirmed {
		out, err = remapTx(tx, PendingRef(m.LocalID), m)
	} else {
		out, err = insertTx(tx, m)
	}
	if err != nil {
		return 0, err
	}
	if out.Changed() {
		if err := refreshPreviewTx(tx, m.ConversationID); err != nil {
			return 0, err
		}
	}
	return out, nil
}

func insertTx(tx *sql.Tx, m *Message) (Outcome, error) {
	var readAt sql.NullInt64
	err := tx.QueryRow(`SELECT read_at FROM messages WHERE msg_id = ?`, m.ID).Scan(&readAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		state := m.State
		if state == "" {
			state = StateConfirmed
		}
		_, err := tx.Exec(`
			INSERT INTO messages (msg_id, local_id, conversation_id, sender_id, body, direction, state, created_at, read_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.LocalID, m.ConversationID, m.SenderID, m.Body, m.Direction, state, m.CreatedAt, nullMillis(m.ReadAt))
		if err != nil {
			return 0, fmt.Errorf("insert message: %w", err)
		}
		return Inserted, nil
	case err != nil:
		return 0, fmt.Errorf("lookup message: %w", err)
	}

	if !readAt.Valid && m.ReadAt > 0 {
		if _, err := tx.Exec(`UPDATE messages SET read_at = ? WHERE msg_id = ?`, m.ReadAt, m.ID); err != nil {
			return 0, fmt.Errorf("merge read_at: %w", err)
		}
		return Merged, nil
	}
	return Duplicate, nil
}

// remapTx moves the unconfirmed entry named by local onto m. A failed entry
// is matched too, so a late acknowledgment still confirms it.
func remapTx(tx *sql.Tx, local Ref, m *Message) (Outcome, error) {
	var seq int64
	err := tx.QueryRow(`SELECT seq FROM messages WHERE local_id = ? AND state != 'confirmed'`, local.ID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return insertTx(tx, m)
	}
	if err != nil {
		return 0, fmt.Errorf("lookup pending: %w", err)
	}

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM messages WHERE msg_id = ?`, m.ID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("lookup confirmed: %w", err)
	}
	if exists > 0 {
		// The confirmed copy arrived first; fold the pending entry into it.
		if _, err := tx.Exec(`DELETE FROM messages WHERE seq = ?`, seq); err != nil {
			return 0, fmt.Errorf("drop pending: %w", err)
		}
		if _, err := tx.Exec(`
			UPDATE messages SET local_id = ?, read_at = COALESCE(read_at, ?)
			WHERE msg_id = ?`, local.ID, nullMillis(m.ReadAt), m.ID); err != nil {
			return 0, fmt.Errorf("link pending: %w", err)
		}
		return Remapped, nil
	}

	if _, err := tx.Exec(`
		UPDATE messages SET
			msg_id = ?,
			state = 'confirmed',
			sender_id = CASE WHEN ? != '' THEN ? ELSE sender_id END,
			body = CASE WHEN ? != '' THEN ? ELSE body END,
			created_at = CASE WHEN ? > 0 THEN ? ELSE created_at END,
			read_at = COALESCE(read_at, ?)
		WHERE seq = ?`,
		m.ID, m.SenderID, m.SenderID, m.Body, m.Body, m.CreatedAt, m.CreatedAt, nullMillis(m.ReadAt), seq); err != nil {
		return 0, fmt.Errorf("remap pending: %w", err)
	}
	return Remapped, nil
}

// Confirm applies a server acknowledgment: the unconfirmed entry named by
// local takes m's server id. Without such an entry m is stored as new.
func (db *DB) Confirm(local Ref, m *Message) (Outcome, error) {
	if !local.Local() {
		return 0, fmt.Errorf("confirm %s: not a local id", local)
	}
	m.LocalID = local.ID
	m.State = StateConfirmed
	return db.AppendMessage(m)
}

// MarkRead sets readAt when it is unset. Unknown ids and already-read
// messages report false.
func (db *DB) MarkRead(messageID string, at int64) (bool, error) {
	res, err := db.Exec(`UPDATE messages SET read_at = ? WHERE msg_id = ? AND read_at IS NULL`, at, messageID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ClaimReceipt atomically flags an unread, confirmed inbound message as having
// had its read receipt sent. Only the first claim for an id succeeds.
func (db *DB) ClaimReceipt(messageID string) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET receipt_sent = 1
		WHERE msg_id = ? AND receipt_sent = 0 AND direction = 'inbound'
			AND state = 'confirmed' AND read_at IS NULL`, messageID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReleaseReceipt clears a claim whose emit failed so a later display retries.
func (db *DB) ReleaseReceipt(messageID string) error {
	_, err := db.Exec(`UPDATE messages SET receipt_sent = 0 WHERE msg_id = ? AND read_at IS NULL`, messageID)
	return err
}

// FailMessage marks a pending send as failed.
func (db *DB) FailMessage(localID string) error {
	_, err := db.Exec(`UPDATE messages SET state = 'failed' WHERE local_id = ? AND state = 'pending'`, localID)
	return err
}

// MatchPending returns the oldest pending outbound message in the
// conversation with the given body, or "" when there is none.
func (db *DB) MatchPending(conversationID, body string) (string, error) {
	var localID string
	err := db.QueryRow(`
		SELECT local_id FROM messages
		WHERE conversation_id = ? AND state = 'pending' AND body = ?
		ORDER BY seq ASC LIMIT 1`, conversationID, body).Scan(&localID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return localID, err
}

// GetMessage looks a message up by server id or local id. Returns nil when
// neither matches.
func (db *DB) GetMessage(id string) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages
		WHERE msg_id = ? OR local_id = ?
		ORDER BY state = 'confirmed' DESC LIMIT 1`, id, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// ListMessages returns a conversation's messages in display order:
// createdAt ascending, ties broken by id.
func (db *DB) ListMessages(conversationID string) ([]Message, error) {
	return db.queryMessages(`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, msg_id ASC`, conversationID)
}

// UnreadInbound returns confirmed inbound messages that are unread and have
// not had a receipt sent, in display order.
func (db *DB) UnreadInbound(conversationID string) ([]Message, error) {
	return db.queryMessages(`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND direction = 'inbound' AND state = 'confirmed'
			AND read_at IS NULL AND receipt_sent = 0
		ORDER BY created_at ASC, msg_id ASC`, conversationID)
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

func (db *DB) queryMessages(query string, args ...any) ([]Message, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*Message, error) {
	var m Message
	if err := s.Scan(&m.ID, &m.LocalID, &m.ConversationID, &m.SenderID, &m.Body,
		&m.Direction, &m.State, &m.CreatedAt, &m.ReadAt, &m.ReceiptSent); err != nil {
		return nil, err
	}
	return &m, nil
}
