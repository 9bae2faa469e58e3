package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertUsers records directory entries in one transaction. Empty fields
// never overwrite known values.
func (db *DB) UpsertUsers(users []User) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertUsersTx(tx, users, time.Now().UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertUsersTx(tx *sql.Tx, users []User, now int64) error {
	for _, u := range users {
		if u.ID == "" {
			continue
		}
		if _, err := tx.Exec(`
			INSERT INTO users (id, username, unique_id, avatar_url, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				username = CASE WHEN excluded.username != '' THEN excluded.username ELSE users.username END,
				unique_id = CASE WHEN excluded.unique_id != '' THEN excluded.unique_id ELSE users.unique_id END,
				avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE users.avatar_url END,
				updated_at = excluded.updated_at`,
			u.ID, u.Username, u.UniqueID, u.AvatarURL, now); err != nil {
			return fmt.Errorf("upsert user %q: %w", u.ID, err)
		}
	}
	return nil
}

// GetUser returns a directory entry, or nil if unknown.
func (db *DB) GetUser(id string) (*User, error) {
	var u User
	err := db.QueryRow(`SELECT id, username, unique_id, avatar_url FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Username, &u.UniqueID, &u.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
